package proto

import "time"

// AgentName identifies a long-lived pipeline component for run-state tracking.
type AgentName string

const (
	AgentCoordinator AgentName = "coordinator"
	AgentExecutor    AgentName = "executor"
	AgentTester      AgentName = "tester"
	AgentDocumenter  AgentName = "documenter"
	AgentStructurer  AgentName = "structurer"
)

// AllAgentNames lists every agent the Supervisor tracks, in a stable order.
var AllAgentNames = []AgentName{AgentCoordinator, AgentExecutor, AgentTester, AgentDocumenter, AgentStructurer}

// AgentRunState is the Supervisor's per-agent bookkeeping record.
type AgentRunState struct {
	Name          AgentName
	Running       bool
	LastHeartbeat time.Time
	RestartCount  int
	LastError     string
	Failed        bool // K-failures-in-W-seconds cutoff tripped; awaiting operator
}

// Clone returns a value copy safe to hand outside the Supervisor's lock.
func (a AgentRunState) Clone() AgentRunState { return a }
