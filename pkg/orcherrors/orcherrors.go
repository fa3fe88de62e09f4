// Package orcherrors provides structured error classification for failures
// inside the Orchestrator Service and its agents, mirroring the
// classification idiom pkg/agent/llmerrors uses for Provider Adapter
// failures.
package orcherrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure by how the system should react to it.
type Kind int8

const (
	// KindValidation means a caller's request violated a documented
	// contract (unknown subtask, wrong role, duplicate id) and should be
	// rejected back to the caller unchanged; never retried automatically.
	KindValidation Kind = iota
	// KindTransientExternal means a dependency outside this process
	// (Provider Adapter, Repository Gateway) failed in a way that may
	// succeed if retried.
	KindTransientExternal
	// KindProtocol means a message from an agent violated the expected
	// shape or sequencing (e.g. a report for a subtask never claimed by
	// that worker); indicates a bug in the agent, not the data.
	KindProtocol
	// KindFatalLocal means this process's own state is inconsistent in a
	// way no retry can fix; the affected component should stop rather
	// than keep operating on corrupted state.
	KindFatalLocal
	// KindSupervisory means the error originates from the Supervisor's own
	// restart/backoff policy (e.g. K-failures-in-W-seconds cutoff tripped)
	// rather than from the failing agent itself.
	KindSupervisory
)

// String returns the lowercase name used in log lines and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransientExternal:
		return "transient_external"
	case KindProtocol:
		return "protocol"
	case KindFatalLocal:
		return "fatal_local"
	case KindSupervisory:
		return "supervisory"
	default:
		return "invalid"
	}
}

// Retryable reports whether a failure of this kind is, in general, worth
// retrying without operator intervention.
func (k Kind) Retryable() bool {
	return k == KindTransientExternal
}

// Error is a classified orchestrator-domain error.
type Error struct {
	Err     error  // wrapped underlying error, if any
	Message string // human-readable message
	Kind    Kind   // classification
	Source  string // component that raised it: "dispatch", "coordinator", "worker:executor", ...
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s error [%s]: %s", e.Kind, e.Source, e.message())
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.message())
}

func (e *Error) message() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unspecified"
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is classifies err as the given Kind, looking through wrapped errors.
func Is(err error, kind Kind) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or KindFatalLocal if err is not a
// classified orchestrator error (an unclassified failure is treated as the
// most conservative kind: stop rather than silently retry or ignore).
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindFatalLocal
}

// New creates a classified orchestrator error.
func New(kind Kind, source, message string) *Error {
	return &Error{Kind: kind, Source: source, Message: message}
}

// Wrap classifies an existing error, preserving it via Unwrap.
func Wrap(kind Kind, source string, cause error) *Error {
	return &Error{Kind: kind, Source: source, Err: cause}
}

// Validation wraps a ledger/queue contract violation (unknown subtask,
// wrong role, duplicate id, not claimed) as raised by the dispatch package.
func Validation(source string, cause error) *Error {
	return Wrap(KindValidation, source, cause)
}

// Transient wraps a Provider Adapter or Repository Gateway failure that is
// worth retrying.
func Transient(source string, cause error) *Error {
	return Wrap(KindTransientExternal, source, cause)
}

// Protocol wraps a sequencing/shape violation from an agent's message.
func Protocol(source string, cause error) *Error {
	return Wrap(KindProtocol, source, cause)
}

// FatalLocal wraps a local invariant violation that should halt the
// affected component rather than be retried.
func FatalLocal(source string, cause error) *Error {
	return Wrap(KindFatalLocal, source, cause)
}

// Supervisory wraps a Supervisor restart-policy decision (e.g. cutoff
// tripped) so it flows through the same classification surface.
func Supervisory(source, message string) *Error {
	return New(KindSupervisory, source, message)
}
