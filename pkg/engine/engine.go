// Package engine wires the workflow registry, process store, executors,
// locks and broadcast bus into one constructed value and exposes the entry
// API that transports call.
package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
	"github.com/stepflow-io/stepflow/pkg/domain/workflow"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/broadcast"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/executor"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/locking"
)

// Global status projection values.
const (
	GlobalStatusRunning = "RUNNING"
	GlobalStatusPausing = "PAUSING"
	GlobalStatusPaused  = "PAUSED"
)

// Status is the projected engine state reported to operators.
type Status struct {
	GlobalLock       bool   `json:"global_lock"`
	RunningProcesses int    `json:"running_processes"`
	GlobalStatus     string `json:"global_status"`
}

// Options configures a new Engine.
type Options struct {
	Registry *workflow.Registry
	Store    process.Store
	Settings process.SettingsStore

	// Locks defaults to locking.Disabled.
	Locks locking.Manager
	// Bus defaults to broadcast.Noop.
	Bus broadcast.Broadcaster

	// NewExecutor builds the execution context around the engine's runner.
	NewExecutor func(executor.Runner) executor.Context

	// CommitHash is stamped on every persisted step row.
	CommitHash string

	// WorkerStatusInterval is the monitor's sampling cadence. Zero disables
	// the monitor.
	WorkerStatusInterval time.Duration

	// Metrics defaults to prometheus.DefaultRegisterer.
	Metrics prometheus.Registerer

	Logger zerolog.Logger
}

// Engine is the process execution engine. Construct with New and thread it
// through the transports; there is no package-level singleton.
type Engine struct {
	registry   *workflow.Registry
	store      process.Store
	settings   process.SettingsStore
	locks      locking.Manager
	bus        broadcast.Broadcaster
	exec       executor.Context
	monitor    *Monitor
	commitHash string
	logger     zerolog.Logger

	stepsTotal *prometheus.CounterVec
}

// New constructs the engine and its execution context.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil || opts.Store == nil || opts.Settings == nil {
		return nil, errors.New(errors.CodeInvalidState, "engine", "registry, store and settings are required", nil)
	}
	if opts.NewExecutor == nil {
		return nil, errors.New(errors.CodeInvalidState, "engine", "an executor factory is required", nil)
	}
	if opts.Locks == nil {
		opts.Locks = locking.Disabled{}
	}
	if opts.Bus == nil {
		opts.Bus = broadcast.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = prometheus.DefaultRegisterer
	}

	e := &Engine{
		registry:   opts.Registry,
		store:      opts.Store,
		settings:   opts.Settings,
		locks:      opts.Locks,
		bus:        opts.Bus,
		commitHash: opts.CommitHash,
		logger:     opts.Logger.With().Str("component", "engine").Logger(),
	}
	e.stepsTotal = promauto.With(opts.Metrics).NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_process_steps_total",
		Help: "Step outcomes committed to the durable log, by persisted status.",
	}, []string{"status"})

	e.exec = opts.NewExecutor(e)

	if opts.WorkerStatusInterval > 0 {
		e.monitor = NewMonitor(e.exec, e.settings, opts.WorkerStatusInterval, opts.Metrics, opts.Logger)
		e.monitor.Start()
	}
	return e, nil
}

// Registry exposes the workflow registry for read-only inspection.
func (e *Engine) Registry() *workflow.Registry { return e.registry }

// Store exposes the process store for read paths (lists, status counts).
func (e *Engine) Store() process.Store { return e.store }

// Bus exposes the broadcast fabric for websocket transports.
func (e *Engine) Bus() broadcast.Broadcaster { return e.bus }

// Monitor returns the worker status monitor, or nil when disabled.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Status projects the engine settings row into the operator-facing state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	settings, err := e.settings.GetSettings(ctx)
	if err != nil {
		return Status{}, err
	}
	return projectStatus(settings), nil
}

func projectStatus(s process.EngineSettings) Status {
	status := GlobalStatusRunning
	if s.GlobalLock {
		if s.RunningProcesses > 0 {
			status = GlobalStatusPausing
		} else {
			status = GlobalStatusPaused
		}
	}
	return Status{
		GlobalLock:       s.GlobalLock,
		RunningProcesses: s.RunningProcesses,
		GlobalStatus:     status,
	}
}

// Shutdown drains the executor, stops the monitor and closes the broadcast
// bus and lock manager.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.monitor != nil {
		e.monitor.Stop()
	}

	var first error
	if err := e.exec.Shutdown(ctx); err != nil {
		first = err
	}
	if err := e.bus.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.locks.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
