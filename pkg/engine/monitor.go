package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/stepflow-io/stepflow/pkg/domain/process"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/executor"
)

// Monitor samples the executor's running-jobs count and the engine-wide
// running-processes counter in the background and caches the job count for
// O(1) reads. A failed poll retains the previous value.
type Monitor struct {
	exec     executor.Context
	settings process.SettingsStore
	interval time.Duration
	logger   zerolog.Logger

	jobsGauge      prometheus.Gauge
	processesGauge prometheus.Gauge

	mu    sync.RWMutex
	count int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMonitor creates a monitor sampling at the given interval.
func NewMonitor(exec executor.Context, settings process.SettingsStore, interval time.Duration, reg prometheus.Registerer, logger zerolog.Logger) *Monitor {
	return &Monitor{
		exec:     exec,
		settings: settings,
		interval: interval,
		logger:   logger.With().Str("component", "worker-monitor").Logger(),
		jobsGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_worker_running_jobs",
			Help: "Number of workflow jobs currently executing on this instance's workers.",
		}),
		processesGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_running_processes",
			Help: "Engine-wide count of processes currently between their first and last durable step.",
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.sample()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// RunningJobs returns the most recently sampled count.
func (m *Monitor) RunningJobs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

func (m *Monitor) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	count, err := m.exec.RunningJobs(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("running-jobs poll failed, keeping previous value")
	} else {
		m.mu.Lock()
		m.count = count
		m.mu.Unlock()
		m.jobsGauge.Set(float64(count))
	}

	settings, err := m.settings.GetSettings(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("settings poll failed, keeping previous value")
		return
	}
	m.processesGauge.Set(float64(settings.RunningProcesses))
}
