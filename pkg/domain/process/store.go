package process

import (
	"context"

	"github.com/google/uuid"
)

// Store is the durable process log. Implementations must make every write
// visible before returning: the runtime relies on the commit of a step row as
// the recovery point between steps.
type Store interface {
	CreateProcess(ctx context.Context, p Process) error
	GetProcess(ctx context.Context, id uuid.UUID) (Process, error)
	// UpdateProcess applies fn to the current row inside the store's write
	// transaction and persists the result.
	UpdateProcess(ctx context.Context, id uuid.UUID, fn func(*Process) error) (Process, error)
	// DeleteProcess removes the process, its steps and subscription links.
	DeleteProcess(ctx context.Context, id uuid.UUID) error
	ListProcesses(ctx context.Context) ([]Process, error)

	CreateStep(ctx context.Context, s Step) error
	UpdateStep(ctx context.Context, s Step) error
	// StepsForProcess returns the step log in execution order.
	StepsForProcess(ctx context.Context, id uuid.UUID) ([]Step, error)

	CreateSubscriptionLink(ctx context.Context, link SubscriptionLink) error
	SubscriptionProcesses(ctx context.Context, subscriptionID uuid.UUID) ([]SubscriptionLink, error)

	// StatusCounts returns aggregate status counters for workflows and tasks.
	StatusCounts(ctx context.Context) (workflows map[Status]int, tasks map[Status]int, err error)
}

// EngineSettings is the single-row global engine state.
type EngineSettings struct {
	GlobalLock       bool `json:"global_lock"`
	RunningProcesses int  `json:"running_processes"`
}

// SettingsStore persists the engine-settings singleton. UpdateSettings runs
// fn inside the store's write transaction, which serializes concurrent
// mutations of the row.
type SettingsStore interface {
	GetSettings(ctx context.Context) (EngineSettings, error)
	UpdateSettings(ctx context.Context, fn func(*EngineSettings) error) (EngineSettings, error)
}
