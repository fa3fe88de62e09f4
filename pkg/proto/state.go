package proto

import "time"

// State is a generic state-machine state name, used by agent.BaseStateMachine
// to drive the Coordinator's Alignment/Assignment/Completion phases and each
// Worker's claim/prompt/submit loop.
type State string

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// StateChangeNotification is emitted by a BaseStateMachine on every transition
// so the Supervisor can observe agent lifecycle without shared memory.
type StateChangeNotification struct {
	AgentID   string
	FromState State
	ToState   State
	Timestamp time.Time
	Metadata  map[string]any
}
