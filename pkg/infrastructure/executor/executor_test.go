package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
	"github.com/stepflow-io/stepflow/pkg/domain/signal"
	"github.com/stepflow-io/stepflow/pkg/domain/workflow"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/persistence/procstore"
)

// recordingRunner collects every execution request.
type recordingRunner struct {
	mu       sync.Mutex
	statRuns []uuid.UUID
	idRuns   []uuid.UUID
	users    []string
}

func (r *recordingRunner) RunStat(_ context.Context, stat *process.Stat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statRuns = append(r.statRuns, stat.ProcessID)
}

func (r *recordingRunner) ExecuteByID(_ context.Context, id uuid.UUID, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idRuns = append(r.idRuns, id)
	r.users = append(r.users, user)
}

func (r *recordingRunner) executed() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, len(r.idRuns))
	copy(out, r.idRuns)
	return out
}

func testStat(wf *workflow.Workflow) *process.Stat {
	return process.NewStat(uuid.New(), wf, signal.State{}, "tester")
}

func seedProcess(t *testing.T, store process.Store, status process.Status, isTask bool) process.Process {
	t.Helper()
	p := process.Process{
		ID:          uuid.New(),
		WorkflowKey: "w",
		LastStatus:  status,
		IsTask:      isTask,
		CreatedBy:   "tester",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateProcess(context.Background(), p))
	return p
}

func TestThreadpoolTestingModeRunsInline(t *testing.T) {
	store := procstore.NewMemoryStore()
	runner := &recordingRunner{}
	pool := NewThreadpool(runner, store, 2, zerolog.Nop())
	pool.Testing = true

	wf := &workflow.Workflow{Name: "w", Steps: []workflow.Step{{Name: "a"}}}
	stat := testStat(wf)
	require.NoError(t, pool.Start(context.Background(), stat, "tester"))

	assert.Equal(t, []uuid.UUID{stat.ProcessID}, runner.statRuns)

	// The counter is balanced after the inline run.
	settings, err := store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settings.RunningProcesses)
}

func TestThreadpoolCountsRunningProcesses(t *testing.T) {
	store := procstore.NewMemoryStore()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := &blockingRunner{release: release, started: started}

	pool := NewThreadpool(runner, store, 2, zerolog.Nop())
	wf := &workflow.Workflow{Name: "w", Steps: []workflow.Step{{Name: "a"}}}
	require.NoError(t, pool.Start(context.Background(), testStat(wf), "tester"))

	<-started
	settings, err := store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settings.RunningProcesses)

	running, err := pool.RunningJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	settings, err = store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settings.RunningProcesses)
}

func TestThreadpoolSaturatedStartReturnsImmediately(t *testing.T) {
	store := procstore.NewMemoryStore()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewThreadpool(&blockingRunner{release: release, started: started}, store, 1, zerolog.Nop())

	wf := &workflow.Workflow{Name: "w", Steps: []workflow.Step{{Name: "a"}}}
	require.NoError(t, pool.Start(context.Background(), testStat(wf), "tester"))
	<-started

	// With the single slot occupied, a further submit must not block the
	// caller; the job waits for a slot on its own goroutine.
	returned := make(chan error, 1)
	go func() {
		returned <- pool.Start(context.Background(), testStat(wf), "tester")
	}()
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a saturated pool")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	settings, err := store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settings.RunningProcesses)
}

type blockingRunner struct {
	release <-chan struct{}
	started chan<- struct{}
}

func (r *blockingRunner) RunStat(context.Context, *process.Stat) {
	r.started <- struct{}{}
	<-r.release
}

func (r *blockingRunner) ExecuteByID(context.Context, uuid.UUID, string) {}

func TestThreadpoolShutdownTimesOut(t *testing.T) {
	store := procstore.NewMemoryStore()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewThreadpool(&blockingRunner{release: release, started: started}, store, 1, zerolog.Nop())

	wf := &workflow.Workflow{Name: "w", Steps: []workflow.Step{{Name: "a"}}}
	require.NoError(t, pool.Start(context.Background(), testStat(wf), "tester"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, pool.Shutdown(ctx))
	close(release)
}

func TestQueueStartEnqueues(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	store := procstore.NewMemoryStore()
	q := NewQueue(client, store, zerolog.Nop())

	wf := &workflow.Workflow{Name: "w", Target: workflow.TargetCreate, Steps: []workflow.Step{{Name: "a"}}}
	stat := testStat(wf)
	seed := seedProcess(t, store, process.StatusCreated, false)
	stat.ProcessID = seed.ID

	require.NoError(t, q.Start(context.Background(), stat, "tester"))

	raw, err := client.RPop(context.Background(), QueueNewWorkflows).Result()
	require.NoError(t, err)

	var j struct {
		ProcessID uuid.UUID `json:"process_id"`
		User      string    `json:"user"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &j))
	assert.Equal(t, seed.ID, j.ProcessID)
	assert.Equal(t, "tester", j.User)
}

func TestQueueStartTaskUsesTaskQueue(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	store := procstore.NewMemoryStore()
	q := NewQueue(client, store, zerolog.Nop())

	wf := &workflow.Workflow{Name: "t", Target: workflow.TargetSystem, Steps: []workflow.Step{{Name: "a"}}}
	stat := testStat(wf)
	seed := seedProcess(t, store, process.StatusCreated, true)
	stat.ProcessID = seed.ID

	require.NoError(t, q.Start(context.Background(), stat, "tester"))

	n, err := client.LLen(context.Background(), QueueNewTasks).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestQueueStartBrokerFailureDeletesRow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	store := procstore.NewMemoryStore()
	q := NewQueue(client, store, zerolog.Nop())

	wf := &workflow.Workflow{Name: "w", Target: workflow.TargetCreate, Steps: []workflow.Step{{Name: "a"}}}
	stat := testStat(wf)
	seed := seedProcess(t, store, process.StatusCreated, false)
	stat.ProcessID = seed.ID

	srv.Close()

	err := q.Start(context.Background(), stat, "tester")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeBrokerUnavailable))

	_, err = store.GetProcess(context.Background(), seed.ID)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestQueueResumeFlipsStatusThenEnqueues(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	store := procstore.NewMemoryStore()
	q := NewQueue(client, store, zerolog.Nop())

	seed := seedProcess(t, store, process.StatusFailed, false)
	require.NoError(t, q.Resume(context.Background(), seed, "tester"))

	row, err := store.GetProcess(context.Background(), seed.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusResumed, row.LastStatus)

	n, err := client.LLen(context.Background(), QueueResumeWorkflows).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestQueueResumeBrokerFailureRestoresStatus(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	store := procstore.NewMemoryStore()
	q := NewQueue(client, store, zerolog.Nop())

	seed := seedProcess(t, store, process.StatusFailed, true)
	srv.Close()

	err := q.Resume(context.Background(), seed, "tester")
	require.Error(t, err)

	row, err := store.GetProcess(context.Background(), seed.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusFailed, row.LastStatus)
}

func TestWorkerExecutesJobs(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	store := procstore.NewMemoryStore()
	q := NewQueue(client, store, zerolog.Nop())
	runner := &recordingRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewWorker(client, runner, WorkerOptions{Concurrency: 1}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	seed := seedProcess(t, store, process.StatusFailed, false)
	require.NoError(t, q.Resume(context.Background(), seed, "tester"))

	require.Eventually(t, func() bool {
		return len(runner.executed()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, seed.ID, runner.executed()[0])

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
