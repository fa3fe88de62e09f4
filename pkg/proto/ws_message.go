package proto

import "time"

// WSMessageType is the `type` discriminator carried by every outbound push-channel message.
type WSMessageType string

const (
	WSFullStatusUpdate WSMessageType = "full_status_update"
	WSStatusUpdate     WSMessageType = "status_update"
	WSLogUpdate        WSMessageType = "log_update"
	WSStructureUpdate  WSMessageType = "structure_update"
	WSQueueUpdate      WSMessageType = "queue_update"
	WSSpecificUpdate   WSMessageType = "specific_update"
	WSPing             WSMessageType = "ping"
)

// WSAction is the `action` discriminator on inbound messages from a subscriber.
type WSAction string

const (
	WSActionGetFullStatus    WSAction = "get_full_status"
	WSActionGetChartUpdates  WSAction = "get_chart_updates"
)

// WSMessage is the envelope for every message sent on the /ws push channel.
type WSMessage struct {
	Type WSMessageType `json:"type"`
	Data any           `json:"data,omitempty"`
}

// WSInbound is the envelope for messages a subscriber sends to the Orchestrator.
type WSInbound struct {
	Action WSAction `json:"action"`
}

// QueueTask is the wire shape of one queued subtask as delivered to the UI.
type QueueTask struct {
	ID       string        `json:"id"`
	Filename string        `json:"filename"`
	Text     string        `json:"text"`
	Status   SubtaskStatus `json:"status"`
}

// AggregateMetrics backs the chart-facing portion of a full status update.
type AggregateMetrics struct {
	ProcessedOverTime     []TimePoint    `json:"processed_over_time"`
	TaskStatusDistribution map[string]int `json:"task_status_distribution"`
	ProgressData          ProgressData   `json:"progress_data"`
	GitActivity           []TimePoint    `json:"git_activity"`
}

// TimePoint is one (timestamp, count) sample of a time series chart.
type TimePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// ProgressData summarizes overall completion for the progress bar.
type ProgressData struct {
	TotalFiles    int `json:"total_files"`
	AcceptedFiles int `json:"accepted_files"`
}

// FullStatus is the payload of a full_status_update message: agent run-states,
// all queues, all known subtask statuses keyed by id, the structure snapshot,
// and aggregate metrics.
type FullStatus struct {
	AgentStates map[AgentName]AgentRunState `json:"agent_states"`
	Queues      map[Role][]QueueTask        `json:"queues"`
	Subtasks    map[string]SubtaskStatus    `json:"subtasks"`
	Structure   *StructureNode              `json:"structure"`
	Metrics     AggregateMetrics            `json:"metrics"`
}

// SpecificUpdate carries any subset of FullStatus's fields; the recipient merges.
type SpecificUpdate struct {
	AgentStates map[AgentName]AgentRunState `json:"agent_states,omitempty"`
	Queues      map[Role][]QueueTask        `json:"queues,omitempty"`
	Subtasks    map[string]SubtaskStatus    `json:"subtasks,omitempty"`
	Structure   *StructureNode              `json:"structure,omitempty"`
	Metrics     *AggregateMetrics           `json:"metrics,omitempty"`
}

// LogUpdate carries one raw (possibly ANSI-colored) log line. The byte stream
// is forwarded unmodified; colors are never stripped server-side.
type LogUpdate struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}
