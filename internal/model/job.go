package model

import "time"

// Job completion modes.
const (
	ModeSync     = "sync"
	ModePoll     = "poll"
	ModeCallback = "callback"
)

// JobRecord is the persisted journal entry for one execution. Records are
// keyed by the runner instance and the job id that runner issued.
type JobRecord struct {
	RunnerID    string     `json:"runner_id"`
	JobID       uint32     `json:"job_id"`
	Backend     string     `json:"backend"`
	Model       string     `json:"model"`
	Mode        string     `json:"mode"`
	Status      JobStatus  `json:"status"`
	Result      StatusCode `json:"result"`
	Batch       int        `json:"batch"`
	Error       string     `json:"error,omitempty"`
	TimeoutMS   *int       `json:"timeout_ms,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// JobStats is the aggregate view over the journal.
type JobStats struct {
	Total         int                `json:"total"`
	ByStatus      map[JobStatus]int  `json:"by_status"`
	ByResult      map[StatusCode]int `json:"by_result"`
	ByMode        map[string]int     `json:"by_mode"`
	AvgDurationMS float64            `json:"avg_duration_ms"`
	LastSubmitted *time.Time         `json:"last_submitted,omitempty"`
	Runners       int                `json:"runners"`
}
