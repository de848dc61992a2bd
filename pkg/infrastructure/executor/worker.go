package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const brpopTimeout = 2 * time.Second

// Worker drains the Redis queues and executes each job through the shared
// runner. Multiple workers may run on multiple instances; BRPOP hands each
// job to exactly one of them.
type Worker struct {
	client      redis.UniversalClient
	runner      Runner
	logger      zerolog.Logger
	concurrency int
	queues      []string
}

// WorkerOptions tunes a Worker.
type WorkerOptions struct {
	// Concurrency is the number of parallel consumers. Defaults to 1.
	Concurrency int

	// Queues restricts which queues this worker drains. Defaults to all four.
	Queues []string
}

// NewWorker creates a queue consumer.
func NewWorker(client redis.UniversalClient, runner Runner, opts WorkerOptions, logger zerolog.Logger) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if len(opts.Queues) == 0 {
		opts.Queues = []string{QueueNewWorkflows, QueueNewTasks, QueueResumeWorkflows, QueueResumeTasks}
	}
	return &Worker{
		client:      client,
		runner:      runner,
		logger:      logger.With().Str("component", "worker").Logger(),
		concurrency: opts.Concurrency,
		queues:      opts.Queues,
	}
}

// Run blocks consuming jobs until the context is cancelled, then waits for
// in-flight jobs to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Int("concurrency", w.concurrency).Strs("queues", w.queues).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info().Msg("worker stopped")
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := w.client.BRPop(ctx, brpopTimeout, w.queues...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("queue poll failed")
			time.Sleep(brpopTimeout)
			continue
		}
		// BRPop returns [queue, payload].
		if len(res) != 2 {
			continue
		}

		var j job
		if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
			w.logger.Error().Err(err).Str("queue", res[0]).Msg("discarding malformed job")
			continue
		}

		w.execute(j)
	}
}

// execute runs one job, keeping the shared running-jobs counter accurate so
// the pause projection works across instances. Jobs run on a background
// context; a worker shutdown mid-step would otherwise tear the step in half.
func (w *Worker) execute(j job) {
	ctx := context.Background()
	if err := w.client.Incr(ctx, runningJobsKey).Err(); err != nil {
		w.logger.Error().Err(err).Msg("failed to increment running-jobs counter")
	}
	defer func() {
		if err := w.client.Decr(ctx, runningJobsKey).Err(); err != nil {
			w.logger.Error().Err(err).Msg("failed to decrement running-jobs counter")
		}
	}()

	w.logger.Debug().Stringer("process_id", j.ProcessID).Str("user", j.User).Msg("executing job")
	w.runner.ExecuteByID(ctx, j.ProcessID, j.User)
}
