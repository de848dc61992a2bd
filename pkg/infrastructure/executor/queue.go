package executor

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
)

// Queue names. Tasks and workflows are segregated so operators can scale
// their workers independently.
const (
	QueueNewWorkflows    = "stepflow:queue:new_workflows"
	QueueNewTasks        = "stepflow:queue:new_tasks"
	QueueResumeWorkflows = "stepflow:queue:resume_workflows"
	QueueResumeTasks     = "stepflow:queue:resume_tasks"

	runningJobsKey = "stepflow:worker:running_jobs"
)

// job is the message pushed onto a queue.
type job struct {
	ProcessID uuid.UUID `json:"process_id"`
	User      string    `json:"user"`
}

// Queue is the distributed execution context. Start and Resume only persist
// intent and enqueue; a Worker on any instance picks the job up.
type Queue struct {
	client redis.UniversalClient
	store  process.Store
	logger zerolog.Logger
}

// NewQueue creates the queue-backed execution context.
func NewQueue(client redis.UniversalClient, store process.Store, logger zerolog.Logger) *Queue {
	return &Queue{
		client: client,
		store:  store,
		logger: logger.With().Str("component", "queue-executor").Logger(),
	}
}

// Start enqueues the first run of a fresh process. A broker failure deletes
// the freshly created process row so the caller sees a clean failure.
func (q *Queue) Start(ctx context.Context, stat *process.Stat, user string) error {
	queue := QueueNewWorkflows
	if stat.Workflow.IsTask() {
		queue = QueueNewTasks
	}

	if err := q.push(ctx, queue, job{ProcessID: stat.ProcessID, User: user}); err != nil {
		if delErr := q.store.DeleteProcess(ctx, stat.ProcessID); delErr != nil {
			q.logger.Error().Err(delErr).Stringer("process_id", stat.ProcessID).
				Msg("failed to delete process after enqueue failure")
		}
		return err
	}
	return nil
}

// Resume flips the process to resumed under the store's row lock, then
// enqueues it. The resumed marker keeps a concurrent resume-all from
// re-enqueueing the same process. A broker failure restores the prior
// status.
func (q *Queue) Resume(ctx context.Context, p process.Process, user string) error {
	previous := p.LastStatus
	if _, err := q.store.UpdateProcess(ctx, p.ID, func(row *process.Process) error {
		row.LastStatus = process.StatusResumed
		return nil
	}); err != nil {
		return err
	}

	queue := QueueResumeWorkflows
	if p.IsTask {
		queue = QueueResumeTasks
	}

	if err := q.push(ctx, queue, job{ProcessID: p.ID, User: user}); err != nil {
		if _, restoreErr := q.store.UpdateProcess(ctx, p.ID, func(row *process.Process) error {
			row.LastStatus = previous
			return nil
		}); restoreErr != nil {
			q.logger.Error().Err(restoreErr).Stringer("process_id", p.ID).
				Msg("failed to restore status after enqueue failure")
		}
		return err
	}
	return nil
}

// RunningJobs reads the counter workers maintain while executing.
func (q *Queue) RunningJobs(ctx context.Context) (int, error) {
	n, err := q.client.Get(ctx, runningJobsKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.New(errors.CodeBrokerUnavailable, "executor", "failed to read running-jobs counter", err)
	}
	return n, nil
}

// Shutdown is a no-op for the queue context; workers drain independently.
func (q *Queue) Shutdown(context.Context) error { return nil }

func (q *Queue) push(ctx context.Context, queue string, j job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.New(errors.CodeInternalError, "executor", "failed to marshal job", err)
	}
	if err := q.client.LPush(ctx, queue, data).Err(); err != nil {
		return errors.New(errors.CodeBrokerUnavailable, "executor", "failed to enqueue job", err)
	}
	return nil
}
