// Package executor provides the pluggable execution contexts that run
// workflow processes: an in-process threadpool and a Redis-queue worker.
// The runtime is identical between backends; only where and when it runs
// differs.
package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/domain/process"
)

// Runner drives a process to its next non-continuable boundary. Implemented
// by the engine; executors decide where the call happens.
type Runner interface {
	// RunStat advances an in-memory process handle. Step outcomes are
	// persisted by the runner; executor-level failures land on the process
	// row through the runner's fallback path.
	RunStat(ctx context.Context, stat *process.Stat)

	// ExecuteByID reloads the process from its step log and advances it.
	// Used on the far side of a queue and for resumes.
	ExecuteByID(ctx context.Context, id uuid.UUID, user string)
}

// Context is the pluggable execution context the entry API schedules on.
type Context interface {
	// Start schedules the first run of a freshly created process.
	Start(ctx context.Context, stat *process.Stat, user string) error

	// Resume schedules a run of a previously persisted process.
	Resume(ctx context.Context, p process.Process, user string) error

	// RunningJobs reports the number of jobs currently executing, aggregated
	// across workers for distributed backends.
	RunningJobs(ctx context.Context) (int, error)

	// Shutdown waits for in-flight work to finish.
	Shutdown(ctx context.Context) error
}

// Backend names accepted by the configuration.
const (
	BackendThreadpool = "threadpool"
	BackendQueue      = "queue"
)
