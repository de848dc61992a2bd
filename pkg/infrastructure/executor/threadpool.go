package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
)

// Threadpool runs processes on a bounded pool of goroutines in the engine's
// own process. Each submitted job increments the running-processes counter
// before it starts and decrements it (clamped at zero) when it exits, so the
// pause projection can distinguish PAUSING from PAUSED.
type Threadpool struct {
	runner   Runner
	settings process.SettingsStore
	logger   zerolog.Logger

	slots   chan struct{}
	wg      sync.WaitGroup
	running atomic.Int64

	// Testing makes Start and Resume block until the job finishes.
	Testing bool
}

// NewThreadpool creates a pool bounded at maxWorkers.
func NewThreadpool(runner Runner, settings process.SettingsStore, maxWorkers int, logger zerolog.Logger) *Threadpool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Threadpool{
		runner:   runner,
		settings: settings,
		logger:   logger.With().Str("component", "threadpool").Logger(),
		slots:    make(chan struct{}, maxWorkers),
	}
}

// Start schedules the first run of a fresh process.
func (t *Threadpool) Start(ctx context.Context, stat *process.Stat, _ string) error {
	return t.submit(ctx, func(jobCtx context.Context) {
		t.runner.RunStat(jobCtx, stat)
	})
}

// Resume schedules a run of a persisted process.
func (t *Threadpool) Resume(ctx context.Context, p process.Process, user string) error {
	return t.submit(ctx, func(jobCtx context.Context) {
		t.runner.ExecuteByID(jobCtx, p.ID, user)
	})
}

// RunningJobs reports the number of in-flight jobs on this instance.
func (t *Threadpool) RunningJobs(context.Context) (int, error) {
	return int(t.running.Load()), nil
}

// Shutdown waits for in-flight jobs to finish or the context to expire.
func (t *Threadpool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeInternalError, "executor", "shutdown timed out with jobs still running", ctx.Err())
	}
}

func (t *Threadpool) submit(ctx context.Context, job func(context.Context)) error {
	if _, err := t.settings.UpdateSettings(ctx, func(s *process.EngineSettings) error {
		s.RunningProcesses++
		return nil
	}); err != nil {
		return err
	}

	run := func() {
		defer t.wg.Done()
		defer func() { <-t.slots }()
		defer t.running.Add(-1)
		defer t.decrementRunning()

		// Jobs outlive the request context that scheduled them.
		job(context.Background())
	}

	t.wg.Add(1)
	t.running.Add(1)

	if t.Testing {
		t.slots <- struct{}{}
		run()
		return nil
	}

	// The slot is acquired off the caller's goroutine so a saturated pool
	// never blocks the entry API.
	go func() {
		t.slots <- struct{}{}
		run()
	}()
	return nil
}

func (t *Threadpool) decrementRunning() {
	if _, err := t.settings.UpdateSettings(context.Background(), func(s *process.EngineSettings) error {
		if s.RunningProcesses > 0 {
			s.RunningProcesses--
		}
		return nil
	}); err != nil {
		t.logger.Error().Err(err).Msg("failed to decrement running-processes counter")
	}
}
