package binding

import (
	"context"
	"fmt"
	"time"
)

// Binding ties the deployment to one remote index and one assistant.
type Binding struct {
	AssistantID string    `json:"assistant_id"`
	IndexID     string    `json:"index_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Repository persists the single binding. Get returns nil when none exists.
type Repository interface {
	Get(ctx context.Context) (*Binding, error)
	Save(ctx context.Context, b Binding) error
}

// InconsistentError reports that a bound resource is missing remotely, or
// that repairing the binding failed.
type InconsistentError struct {
	Reason string
	Err    error
}

func (e *InconsistentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assistant binding inconsistent: %s: %v", e.Reason, e.Err)
	}
	return "assistant binding inconsistent: " + e.Reason
}

func (e *InconsistentError) Unwrap() error {
	return e.Err
}
