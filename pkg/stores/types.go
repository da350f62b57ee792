package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/surgecd/surge/pkg/engine"
)

// Run is one recorded deployment run.
type Run struct {
	ID            string     `json:"id"`
	PlanID        string     `json:"plan_id"`
	Environment   string     `json:"environment"`
	Status        string     `json:"status"`
	Success       bool       `json:"success"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ResourceCount int        `json:"resource_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RunResource is the recorded outcome of one resource within a run.
type RunResource struct {
	RunID       string     `json:"run_id"`
	ResourceID  string     `json:"resource_id"`
	Action      string     `json:"action"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ErrorClass  *string    `json:"error_class,omitempty"`
	ErrorCode   *string    `json:"error_code,omitempty"`
	ErrorMsg    *string    `json:"error_message,omitempty"`
}

// RunEvent is one append-only progress event recorded during a run.
type RunEvent struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	ResourceID *string   `json:"resource_id,omitempty"`
	Wave       int       `json:"wave"`
	Status     *string   `json:"status,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store defines the interface for the run history layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Recording (satisfies engine.RunRecorder)
	RecordRun(ctx context.Context, result *engine.DeploymentResult) error
	RecordEvent(ctx context.Context, event engine.ProgressEvent) error

	// Run operations
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Per-resource results
	ListRunResources(ctx context.Context, runID string) ([]*RunResource, error)

	// Event operations
	GetEvents(ctx context.Context, runID string, limit, offset int) ([]*RunEvent, error)

	// Retention
	Prune(ctx context.Context, keep int) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
