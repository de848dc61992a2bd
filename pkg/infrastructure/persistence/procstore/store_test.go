package procstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
	"github.com/stepflow-io/stepflow/pkg/domain/signal"
)

type storeUnderTest interface {
	process.Store
	process.SettingsStore
}

func stores(t *testing.T) map[string]storeUnderTest {
	t.Helper()

	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]storeUnderTest{
		"bolt":   bolt,
		"memory": NewMemoryStore(),
	}
}

func newProcess(status process.Status, isTask bool) process.Process {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return process.Process{
		ID:             uuid.New(),
		WorkflowKey:    "provision",
		LastStatus:     status,
		Assignee:       "SYSTEM",
		IsTask:         isTask,
		CreatedBy:      "tester",
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

func TestProcessRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newProcess(process.StatusCreated, false)
			require.NoError(t, store.CreateProcess(ctx, p))

			got, err := store.GetProcess(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, p.ID, got.ID)
			assert.Equal(t, p.WorkflowKey, got.WorkflowKey)
			assert.Equal(t, process.StatusCreated, got.LastStatus)

			_, err = store.GetProcess(ctx, uuid.New())
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeNotFound))
		})
	}
}

func TestUpdateProcessBumpsLastModified(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newProcess(process.StatusCreated, false)
			require.NoError(t, store.CreateProcess(ctx, p))

			before := p.LastModifiedAt
			time.Sleep(5 * time.Millisecond)

			updated, err := store.UpdateProcess(ctx, p.ID, func(row *process.Process) error {
				row.LastStatus = process.StatusRunning
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, process.StatusRunning, updated.LastStatus)
			assert.True(t, updated.LastModifiedAt.After(before))
		})
	}
}

func TestStepsKeepExecutionOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newProcess(process.StatusRunning, false)
			require.NoError(t, store.CreateProcess(ctx, p))

			names := []string{"a", "b", "c", "d"}
			for _, n := range names {
				require.NoError(t, store.CreateStep(ctx, process.Step{
					ID:         uuid.New(),
					ProcessID:  p.ID,
					Name:       n,
					Status:     signal.StatusSuccess,
					State:      signal.State{"step": n},
					ExecutedAt: time.Now().UTC(),
				}))
			}

			steps, err := store.StepsForProcess(ctx, p.ID)
			require.NoError(t, err)
			require.Len(t, steps, 4)
			for i, n := range names {
				assert.Equal(t, n, steps[i].Name)
			}
		})
	}
}

func TestUpdateStepInPlace(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newProcess(process.StatusRunning, false)
			require.NoError(t, store.CreateProcess(ctx, p))

			step := process.Step{
				ID:         uuid.New(),
				ProcessID:  p.ID,
				Name:       "flaky",
				Status:     signal.StatusFailed,
				State:      signal.State{"error": "boom"},
				ExecutedAt: time.Now().UTC(),
			}
			require.NoError(t, store.CreateStep(ctx, step))

			step.State = signal.State{"error": "boom", "retries": 1}
			require.NoError(t, store.UpdateStep(ctx, step))

			steps, err := store.StepsForProcess(ctx, p.ID)
			require.NoError(t, err)
			require.Len(t, steps, 1)
			assert.EqualValues(t, 1, intish(steps[0].State["retries"]))
		})
	}
}

func TestDeleteProcessCascades(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newProcess(process.StatusFailed, true)
			require.NoError(t, store.CreateProcess(ctx, p))

			require.NoError(t, store.CreateStep(ctx, process.Step{
				ID: uuid.New(), ProcessID: p.ID, Name: "a",
				Status: signal.StatusSuccess, ExecutedAt: time.Now().UTC(),
			}))
			subID := uuid.New()
			require.NoError(t, store.CreateSubscriptionLink(ctx, process.SubscriptionLink{
				ID: uuid.New(), ProcessID: p.ID, SubscriptionID: subID,
				WorkflowTarget: "CREATE", CreatedAt: time.Now().UTC(),
			}))

			require.NoError(t, store.DeleteProcess(ctx, p.ID))

			_, err := store.GetProcess(ctx, p.ID)
			assert.True(t, errors.HasCode(err, errors.CodeNotFound))

			steps, err := store.StepsForProcess(ctx, p.ID)
			require.NoError(t, err)
			assert.Empty(t, steps)

			links, err := store.SubscriptionProcesses(ctx, subID)
			require.NoError(t, err)
			assert.Empty(t, links)
		})
	}
}

func TestSubscriptionLinks(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newProcess(process.StatusRunning, false)
			require.NoError(t, store.CreateProcess(ctx, p))

			subID := uuid.New()
			require.NoError(t, store.CreateSubscriptionLink(ctx, process.SubscriptionLink{
				ID: uuid.New(), ProcessID: p.ID, SubscriptionID: subID,
				WorkflowTarget: "MODIFY", CreatedAt: time.Now().UTC(),
			}))

			links, err := store.SubscriptionProcesses(ctx, subID)
			require.NoError(t, err)
			require.Len(t, links, 1)
			assert.Equal(t, p.ID, links[0].ProcessID)
		})
	}
}

func TestStatusCountsSplitTasks(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateProcess(ctx, newProcess(process.StatusCompleted, false)))
			require.NoError(t, store.CreateProcess(ctx, newProcess(process.StatusCompleted, false)))
			require.NoError(t, store.CreateProcess(ctx, newProcess(process.StatusFailed, true)))

			workflows, tasks, err := store.StatusCounts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, workflows[process.StatusCompleted])
			assert.Equal(t, 1, tasks[process.StatusFailed])
			assert.Zero(t, workflows[process.StatusFailed])
		})
	}
}

func TestSettingsSingleton(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			settings, err := store.GetSettings(ctx)
			require.NoError(t, err)
			assert.False(t, settings.GlobalLock)
			assert.Zero(t, settings.RunningProcesses)

			settings, err = store.UpdateSettings(ctx, func(s *process.EngineSettings) error {
				s.GlobalLock = true
				s.RunningProcesses++
				return nil
			})
			require.NoError(t, err)
			assert.True(t, settings.GlobalLock)
			assert.Equal(t, 1, settings.RunningProcesses)

			// The counter clamps at zero.
			settings, err = store.UpdateSettings(ctx, func(s *process.EngineSettings) error {
				s.RunningProcesses -= 5
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 0, settings.RunningProcesses)
		})
	}
}

func intish(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return -1
}
