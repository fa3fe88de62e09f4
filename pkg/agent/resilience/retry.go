package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"orchestrator/pkg/agent/llm"
	"orchestrator/pkg/agent/llmerrors"
	"orchestrator/pkg/config"
	"orchestrator/pkg/logx"
)

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfig provides reasonable defaults for retry behavior.
var DefaultRetryConfig = RetryConfig{ //nolint:gochecknoglobals
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryableError interface allows errors to specify if they should be retried.
type RetryableError interface {
	error
	ShouldRetry() bool
}

// TransientError represents an error that should be retried.
type TransientError struct {
	Underlying error
	Retryable  bool
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Underlying)
}

// ShouldRetry returns whether this error should be retried.
func (e *TransientError) ShouldRetry() bool {
	return e.Retryable
}

func (e *TransientError) Unwrap() error {
	return e.Underlying
}

// NewTransientError creates a new transient error.
func NewTransientError(err error) *TransientError {
	return &TransientError{Underlying: err, Retryable: true}
}

// RetryableClient wraps an llm.LLMClient with retry logic, implementing the
// Worker Agent's "retry up to a configured attempt count with backoff"
// requirement. EmptyResponse is deliberately NOT retried here: the Worker
// loop treats an empty payload as a valid (if low-confidence) report rather
// than a transient failure.
type RetryableClient struct {
	client llm.LLMClient
	logger *logx.Logger
	config RetryConfig
}

// NewRetryableClient creates a new retryable LLM client.
func NewRetryableClient(client llm.LLMClient, config RetryConfig) *RetryableClient {
	return NewRetryableClientWithLogger(client, config, nil)
}

// NewRetryableClientWithLogger creates a new retryable LLM client with logging.
func NewRetryableClientWithLogger(client llm.LLMClient, config RetryConfig, logger *logx.Logger) *RetryableClient {
	return &RetryableClient{client: client, config: config, logger: logger}
}

// Complete implements llm.LLMClient with retry logic.
func (r *RetryableClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	var lastErr error
	var retryConfig llmerrors.RetryConfig
	var errorType llmerrors.ErrorType
	startTime := time.Now()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelayForError(attempt, retryConfig)
			select {
			case <-ctx.Done():
				return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptStart := time.Now()
		resp, err := r.client.Complete(ctx, req)
		attemptDuration := time.Since(attemptStart)

		if err == nil {
			if r.logger != nil {
				r.logger.Debug("retry client: successful completion after %d attempts in %v", attempt, attemptDuration)
			}
			return resp, nil
		}

		lastErr = err
		retryConfig, errorType = r.getRetryConfigForError(err)
		isFinalAttempt := !r.shouldRetry(err) || attempt >= retryConfig.MaxRetries

		if r.logger != nil {
			r.logger.Debug("retry client: attempt %d failed in %v (%s), final=%v: %v", attempt, attemptDuration, errorType, isFinalAttempt, err)
		}

		if isFinalAttempt {
			break
		}
	}

	totalDuration := time.Since(startTime)
	return llm.CompletionResponse{}, fmt.Errorf("failed after %d retries (%s) in %v: %w",
		retryConfig.MaxRetries, errorType.String(), totalDuration, lastErr)
}

// Stream implements llm.LLMClient with retry logic for streaming.
func (r *RetryableClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	var lastErr error
	var retryConfig llmerrors.RetryConfig
	var errorType llmerrors.ErrorType

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelayForError(attempt, retryConfig)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("stream retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		ch, err := r.client.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}

		lastErr = err
		retryConfig, errorType = r.getRetryConfigForError(err)
		if !r.shouldRetry(err) || attempt >= retryConfig.MaxRetries {
			break
		}
	}

	return nil, fmt.Errorf("failed to establish stream after %d retries (%s): %w", retryConfig.MaxRetries, errorType.String(), lastErr)
}

// shouldRetry determines if an error should be retried based on its classified type.
func (r *RetryableClient) shouldRetry(err error) bool {
	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.ShouldRetry()
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		// Empty responses are not retried at this layer; the caller (Worker
		// loop) decides whether to submit the empty payload as a report.
		if llmErr.Type == llmerrors.ErrorTypeEmptyResponse {
			return false
		}
		return llmErr.IsRetryable()
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "network"), strings.Contains(errStr, "temporary"):
		return true
	case strings.Contains(errStr, "rate"), strings.Contains(errStr, "429"):
		return true
	case strings.Contains(errStr, "500"), strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"), strings.Contains(errStr, "504"):
		return true
	case strings.Contains(errStr, "400"), strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"), strings.Contains(errStr, "404"):
		return false
	default:
		return false
	}
}

// getRetryConfigForError returns the appropriate retry configuration for an error.
func (r *RetryableClient) getRetryConfigForError(err error) (llmerrors.RetryConfig, llmerrors.ErrorType) {
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.GetRetryConfig(), llmErr.Type
	}

	legacyConfig := llmerrors.RetryConfig{
		MaxRetries:    r.config.MaxRetries,
		InitialDelay:  r.config.InitialDelay,
		MaxDelay:      r.config.MaxDelay,
		BackoffFactor: r.config.BackoffFactor,
		Jitter:        r.config.Jitter,
	}
	return legacyConfig, llmerrors.ErrorTypeUnknown
}

// calculateDelayForError computes the delay for the given retry attempt using error-specific config.
func (r *RetryableClient) calculateDelayForError(attempt int, config llmerrors.RetryConfig) time.Duration {
	if attempt == 0 {
		return 0
	}

	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt-1)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.Jitter {
		jitterFactor := (2*time.Now().UnixNano()%2 - 1) // -1 or 1
		jitter := time.Duration(float64(delay) * 0.1 * float64(jitterFactor))
		delay += jitter
		if delay < 0 {
			delay = config.InitialDelay
		}
	}

	return delay
}

// GetDefaultConfig delegates to the underlying client.
func (r *RetryableClient) GetDefaultConfig() config.Model {
	return r.client.GetDefaultConfig()
}
