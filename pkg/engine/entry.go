package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/forms"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
	"github.com/stepflow-io/stepflow/pkg/domain/signal"
	"github.com/stepflow-io/stepflow/pkg/domain/workflow"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/broadcast"
)

// ResumeAllResource is the advisory-lock resource guarding the resume-all
// coordinator cluster-wide.
const ResumeAllResource = "resume-all"

// StartProcess validates the inputs, persists a Created row and schedules
// the first run. Starting while the engine is paused is allowed; the row is
// created and execution defers to the unlock.
func (e *Engine) StartProcess(ctx context.Context, key string, inputs []signal.State, user string) (uuid.UUID, error) {
	wf, ok := e.registry.Get(key)
	if !ok {
		return uuid.Nil, errors.Newf(errors.CodeWorkflowUnknown, "engine", "unknown workflow %q", key)
	}
	if !workflow.Authorized(wf.AuthorizeStart, user) {
		return uuid.Nil, errors.Newf(errors.CodeForbidden, "engine", "user %q may not start workflow %q", user, key)
	}

	merged, err := forms.ValidateAll(wf.InitialForm, inputs)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	now := time.Now().UTC()
	row := process.Process{
		ID:             id,
		WorkflowKey:    key,
		WorkflowDigest: workflow.Digest(wf),
		LastStatus:     process.StatusCreated,
		Assignee:       workflow.AssigneeSystem,
		IsTask:         wf.IsTask(),
		CreatedBy:      user,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := e.store.CreateProcess(ctx, row); err != nil {
		return uuid.Nil, err
	}

	stat := process.NewStat(id, wf, merged, user)
	if err := e.exec.Start(ctx, stat, user); err != nil {
		return uuid.Nil, err
	}

	if err := e.bus.Publish(ctx, broadcast.ChannelProcesses, broadcast.InvalidateProcessList()); err != nil {
		e.logger.Warn().Err(err).Stringer("process_id", id).Msg("list invalidation failed")
	}
	if err := e.bus.Publish(ctx, broadcast.ChannelProcesses, broadcast.InvalidateStatusCounts()); err != nil {
		e.logger.Warn().Err(err).Stringer("process_id", id).Msg("status-counts invalidation failed")
	}
	return id, nil
}

// ResumeProcess re-arms a parked process. Suspended processes validate the
// inputs against the suspended step's form and require its resume
// authorization; other resumable statuses require retry authorization.
func (e *Engine) ResumeProcess(ctx context.Context, id uuid.UUID, inputs signal.State, user string) error {
	p, err := e.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}
	if !p.LastStatus.IsResumable() {
		return errors.Newf(errors.CodeBadStatus, "engine", "process %s is %s and cannot be resumed", id, p.LastStatus)
	}

	stat, err := e.loadProcess(ctx, p, user)
	if err != nil {
		return err
	}

	var current *workflow.Step
	if len(stat.RemainingSteps) > 0 {
		current = &stat.RemainingSteps[0]
	}

	suspended := p.LastStatus == process.StatusSuspended
	authFn := e.resumeAuth(stat.Workflow, current, suspended)
	if !workflow.Authorized(authFn, user) {
		return errors.Newf(errors.CodeForbidden, "engine", "user %q may not resume process %s", user, id)
	}

	delta := inputs
	if suspended && current != nil && current.Form != nil {
		delta, err = current.Form.Validate(inputs)
		if err != nil {
			return err
		}
	}
	if len(delta) > 0 {
		if err := e.persistResumeInput(ctx, p.ID, delta); err != nil {
			return err
		}
	}

	return e.exec.Resume(ctx, p, user)
}

func (e *Engine) resumeAuth(wf *workflow.Workflow, current *workflow.Step, suspended bool) workflow.AuthFunc {
	if suspended {
		if current != nil {
			return current.ResumeAuth
		}
		return nil
	}
	if current != nil && current.RetryAuth != nil {
		return current.RetryAuth
	}
	return wf.AuthorizeRetry
}

// persistResumeInput merges the validated delta into the step row recovery
// reads state from, so queue workers on other instances observe it.
func (e *Engine) persistResumeInput(ctx context.Context, id uuid.UUID, delta signal.State) error {
	steps, err := e.store.StepsForProcess(ctx, id)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	target := -1
	last := steps[len(steps)-1]
	if last.Status == signal.StatusSuspend || last.Status == signal.StatusAwaitingCallback {
		target = len(steps) - 1
	} else {
		for i := len(steps) - 1; i >= 0; i-- {
			switch steps[i].Status {
			case signal.StatusFailed, signal.StatusSuspend, signal.StatusWaiting, signal.StatusAwaitingCallback:
			default:
				target = i
			}
			if target >= 0 {
				break
			}
		}
	}
	if target < 0 {
		return nil
	}

	row := steps[target]
	state := row.State.Clone()
	for k, v := range delta {
		state[k] = v
	}
	row.State = state
	return e.store.UpdateStep(ctx, row)
}

// ContinueAwaitingProcess writes the callback payload into the awaiting
// step's state and resumes the process. The presented token must match the
// one the step issued.
func (e *Engine) ContinueAwaitingProcess(ctx context.Context, id uuid.UUID, token string, payload any) error {
	p, row, err := e.awaitingStep(ctx, id, token)
	if err != nil {
		return err
	}

	resultKey := signal.DefaultCallbackResultKey
	if key, ok := row.State[signal.KeyCallbackResultKey].(string); ok && key != "" {
		resultKey = key
	}

	state := row.State.Clone()
	state[resultKey] = payload
	row.State = state
	if err := e.store.UpdateStep(ctx, row); err != nil {
		return err
	}

	return e.exec.Resume(ctx, p, p.CreatedBy)
}

// UpdateAwaitingProcessProgress stores transient progress data on the
// awaiting step and broadcasts the change. It does not resume the process;
// the progress key is stripped at the next durable commit.
func (e *Engine) UpdateAwaitingProcessProgress(ctx context.Context, id uuid.UUID, token string, data any) error {
	_, row, err := e.awaitingStep(ctx, id, token)
	if err != nil {
		return err
	}

	state := row.State.Clone()
	state[signal.KeyCallbackProgress] = data
	remove := stringList(state[signal.KeyRemoveKeys])
	remove = append(remove, signal.KeyCallbackProgress)
	state[signal.KeyRemoveKeys] = remove

	row.State = state
	if err := e.store.UpdateStep(ctx, row); err != nil {
		return err
	}

	return e.bus.Publish(ctx, broadcast.ChannelProcesses, broadcast.InvalidateProcess(id))
}

func (e *Engine) awaitingStep(ctx context.Context, id uuid.UUID, token string) (process.Process, process.Step, error) {
	p, err := e.store.GetProcess(ctx, id)
	if err != nil {
		return process.Process{}, process.Step{}, err
	}
	if p.LastStatus != process.StatusAwaitingCallback {
		return p, process.Step{}, errors.Newf(errors.CodeBadStatus, "engine",
			"process %s is %s, not awaiting a callback", id, p.LastStatus)
	}

	steps, err := e.store.StepsForProcess(ctx, id)
	if err != nil {
		return p, process.Step{}, err
	}
	if len(steps) == 0 || steps[len(steps)-1].Status != signal.StatusAwaitingCallback {
		return p, process.Step{}, errors.Newf(errors.CodeBadStatus, "engine",
			"process %s has no awaiting step", id)
	}

	row := steps[len(steps)-1]
	expected, _ := row.State[signal.KeyCallbackToken].(string)
	if expected == "" || token != expected {
		return p, process.Step{}, errors.Newf(errors.CodeTokenMismatch, "engine",
			"callback token does not match for process %s", id)
	}
	return p, row, nil
}

// AbortProcess appends a terminal aborted step without running remaining
// steps. A currently-executing step body is not interrupted; it observes
// the abort at its next boundary.
func (e *Engine) AbortProcess(ctx context.Context, id uuid.UUID, user string) error {
	p, err := e.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}

	steps, err := e.store.StepsForProcess(ctx, id)
	if err != nil {
		return err
	}
	state := signal.State{}
	if len(steps) > 0 {
		state = steps[len(steps)-1].State.Clone()
	}

	stat := &process.Stat{
		ProcessID:   p.ID,
		Workflow:    e.registry.GetOrRemoved(p.WorkflowKey),
		CurrentUser: user,
	}
	abortStep := workflow.Step{Name: "abort", Assignee: workflow.AssigneeSystem}
	_, err = e.safeLogStep(ctx, stat, abortStep, signal.Abort(state), false)
	return err
}

// DeleteProcess hard-deletes a task process and its step log. Deleting a
// process an executor currently owns is refused.
func (e *Engine) DeleteProcess(ctx context.Context, id uuid.UUID) error {
	p, err := e.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}
	if !p.IsTask {
		return errors.Newf(errors.CodeNotATask, "engine", "process %s is not a task", id)
	}
	if p.LastStatus.IsActive() {
		return errors.Newf(errors.CodeBadStatus, "engine", "process %s is %s and cannot be deleted", id, p.LastStatus)
	}

	if err := e.store.DeleteProcess(ctx, id); err != nil {
		return err
	}

	if err := e.bus.Publish(ctx, broadcast.ChannelProcesses, broadcast.InvalidateStatusCounts()); err != nil {
		e.logger.Warn().Err(err).Stringer("process_id", id).Msg("status-counts invalidation failed")
	}
	if err := e.bus.Publish(ctx, broadcast.ChannelProcesses, broadcast.InvalidateProcessList()); err != nil {
		e.logger.Warn().Err(err).Stringer("process_id", id).Msg("list invalidation failed")
	}
	return nil
}

// ResumeAllProcesses resumes every given process under the cluster-wide
// resume-all lock. At most one coordinator runs at a time; processes that
// raced to an active status are skipped. Returns the number resumed.
func (e *Engine) ResumeAllProcesses(ctx context.Context, ids []uuid.UUID, user string) (int, error) {
	settings, err := e.settings.GetSettings(ctx)
	if err != nil {
		return 0, err
	}
	if settings.GlobalLock {
		return 0, errors.New(errors.CodeEngineLocked, "engine", "the engine is paused", nil)
	}

	ttlSeconds := len(ids) / 10
	if ttlSeconds < 30 {
		ttlSeconds = 30
	}

	lock, held, err := e.locks.TryAcquire(ctx, ResumeAllResource, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		return 0, err
	}
	if !held {
		return 0, errors.New(errors.CodeResumeAllInProgress, "engine", "a resume-all run is already in progress", nil)
	}
	defer func() {
		if err := e.locks.Release(ctx, lock); err != nil {
			e.logger.Error().Err(err).Msg("failed to release resume-all lock")
		}
	}()

	resumed := 0
	for _, id := range ids {
		p, err := e.store.GetProcess(ctx, id)
		if err != nil {
			e.logger.Warn().Err(err).Stringer("process_id", id).Msg("skipping unknown process in resume-all")
			continue
		}
		if p.LastStatus.IsActive() {
			continue
		}
		if err := e.ResumeProcess(ctx, id, nil, user); err != nil {
			e.logger.Warn().Err(err).Stringer("process_id", id).Msg("resume-all skipped process")
			continue
		}
		resumed++
	}
	return resumed, nil
}

// SetGlobalLock pauses or unpauses the engine. Locking lets running
// processes drain at their next boundary; unlocking re-arms every Running
// row, which legitimately includes rows left over from a prior crash. An
// anomaly while re-arming locks the engine again.
func (e *Engine) SetGlobalLock(ctx context.Context, lock bool) (Status, error) {
	settings, err := e.settings.UpdateSettings(ctx, func(s *process.EngineSettings) error {
		s.GlobalLock = lock
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	if !lock {
		if err := e.rearmRunning(ctx); err != nil {
			if _, lockErr := e.settings.UpdateSettings(ctx, func(s *process.EngineSettings) error {
				s.GlobalLock = true
				return nil
			}); lockErr != nil {
				e.logger.Error().Err(lockErr).Msg("failed to re-lock engine after re-arm failure")
			}
			return Status{}, err
		}
	}

	status := projectStatus(settings)
	msg := broadcast.EngineStatus(status.GlobalStatus, status.GlobalLock, status.RunningProcesses)
	if err := e.bus.Publish(ctx, broadcast.ChannelEngineSettings, msg); err != nil {
		e.logger.Warn().Err(err).Msg("engine-status broadcast failed")
	}
	return status, nil
}

func (e *Engine) rearmRunning(ctx context.Context) error {
	rows, err := e.store.ListProcesses(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		// Created rows belong to processes started while the engine was
		// paused; their first run was deferred to this unlock.
		if row.LastStatus != process.StatusRunning && row.LastStatus != process.StatusCreated {
			continue
		}
		if err := e.exec.Resume(ctx, row, row.CreatedBy); err != nil {
			return err
		}
	}
	return nil
}
