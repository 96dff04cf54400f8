// Package store persists scan tasks and the policy audit trail. Three
// backends share one schema: PostgreSQL, SQLite, and an in-memory map
// for tests and storeless deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vantagesec/scand/internal/policy"
	"github.com/vantagesec/scand/internal/scan"
)

// ErrNotFound is returned when a task ID has no row.
var ErrNotFound = errors.New("task not found")

// TaskState is a scan task's lifecycle state. Transitions are monotonic:
// PENDING → PROGRESS → SUCCESS | FAILURE, never backwards.
type TaskState string

const (
	StatePending  TaskState = "PENDING"
	StateProgress TaskState = "PROGRESS"
	StateSuccess  TaskState = "SUCCESS"
	StateFailure  TaskState = "FAILURE"
)

// rank orders states for the monotonic-transition guard.
func (s TaskState) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateProgress:
		return 1
	default:
		return 2
	}
}

// Terminal reports whether no further transitions are allowed.
func (s TaskState) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// CanTransition reports whether moving to next keeps the task monotonic.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Task is one submitted scan and its observable status.
type Task struct {
	ID        string       `json:"task_id"`
	ClientID  string       `json:"client_id,omitempty"`
	Target    string       `json:"target"`
	PortSpec  string       `json:"port_spec"`
	State     TaskState    `json:"state"`
	Progress  float64      `json:"progress"`
	Result    *scan.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	Cached    bool         `json:"cached"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ScanStore persists tasks.
type ScanStore interface {
	Save(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, clientID string, limit int) ([]*Task, error)
	Delete(ctx context.Context, id string) error
	// PurgeOlderThan deletes tasks created before cutoff; retention runs
	// it once on startup.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// AuditStore appends policy audit records. All bundled backends
// implement both interfaces.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec policy.AuditRecord) error
}
