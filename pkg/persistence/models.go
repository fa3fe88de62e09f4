package persistence

import "time"

// SubtaskEvent records one ledger state transition (§4's subtask lifecycle),
// backing the WebUI's processed-over-time chart.
type SubtaskEvent struct {
	ID        int64     `json:"id"`
	SubtaskID string    `json:"subtask_id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// GitCommitRecord records one commit landed on the target repository,
// backing the WebUI's git-activity chart.
type GitCommitRecord struct {
	ID        int64     `json:"id"`
	Hash      string    `json:"hash"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
}
