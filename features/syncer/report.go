package syncer

import "time"

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	BindingVerified = "verified"
	BindingCreated  = "created"
	BindingHealed   = "healed"
)

// Report summarizes one run.
type Report struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Status     string    `json:"status" yaml:"status"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms" yaml:"elapsed_ms"`

	Scraped        int `json:"scraped" yaml:"scraped"`
	New            int `json:"new" yaml:"new"`
	Updated        int `json:"updated" yaml:"updated"`
	Unchanged      int `json:"unchanged" yaml:"unchanged"`
	Deleted        int `json:"deleted" yaml:"deleted"`
	Skipped        int `json:"skipped" yaml:"skipped"`
	Synced         int `json:"synced" yaml:"synced"`
	OrphansCleaned int `json:"orphans_cleaned" yaml:"orphans_cleaned"`
	// OrphansRemaining counts documents the store still holds without a
	// snapshot entry. They are retried on the next run.
	OrphansRemaining int `json:"orphans_remaining" yaml:"orphans_remaining"`
	Reconciled       int `json:"reconciled" yaml:"reconciled"`

	EstimatedChunks int `json:"estimated_chunks" yaml:"estimated_chunks"`

	AssistantID string `json:"assistant_id,omitempty" yaml:"assistant_id,omitempty"`
	IndexID     string `json:"index_id,omitempty" yaml:"index_id,omitempty"`
	Binding     string `json:"binding,omitempty" yaml:"binding,omitempty"`

	Failures []Failure `json:"failures" yaml:"failures"`
	Error    string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Completed reports whether the run got through the sync stage.
func (r *Report) Completed() bool {
	return r.Status == StatusCompleted
}
