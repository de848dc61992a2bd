package engine

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
	"github.com/stepflow-io/stepflow/pkg/domain/signal"
	"github.com/stepflow-io/stepflow/pkg/domain/workflow"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/broadcast"
)

// RunStat advances the process handle until it reaches a non-continuable
// boundary. Executor-level entry point; never returns an error, failures are
// persisted.
func (e *Engine) RunStat(ctx context.Context, stat *process.Stat) {
	e.runWorkflow(ctx, stat)
}

// ExecuteByID rebuilds the handle from the step log and advances it. Used by
// resume paths and queue workers.
func (e *Engine) ExecuteByID(ctx context.Context, id uuid.UUID, user string) {
	p, err := e.store.GetProcess(ctx, id)
	if err != nil {
		e.logger.Error().Err(err).Stringer("process_id", id).Msg("cannot load process for execution")
		return
	}

	stat, err := e.loadProcess(ctx, p, user)
	if err != nil {
		e.logger.Error().Err(err).Stringer("process_id", id).Msg("recovery failed")
		e.persistFallback(ctx, id, err)
		return
	}

	if _, err := e.store.UpdateProcess(ctx, id, func(row *process.Process) error {
		row.LastStatus = process.StatusRunning
		return nil
	}); err != nil {
		e.logger.Error().Err(err).Stringer("process_id", id).Msg("cannot mark process running")
		return
	}

	e.runWorkflow(ctx, stat)
}

// runWorkflow drives the step loop. Between steps it re-reads the global
// lock so a paused engine drains at the next boundary, and it commits every
// outcome durably before advancing.
func (e *Engine) runWorkflow(ctx context.Context, stat *process.Stat) signal.Signal {
	state := stat.State

	for len(stat.RemainingSteps) > 0 {
		settings, err := e.settings.GetSettings(ctx)
		if err != nil {
			e.logger.Error().Err(err).Stringer("process_id", stat.ProcessID).
				Msg("cannot read engine settings, draining")
			return state
		}
		if settings.GlobalLock {
			e.logger.Info().Stringer("process_id", stat.ProcessID).Msg("engine locked, draining")
			return state
		}

		step := stat.RemainingSteps[0]
		lastStep := len(stat.RemainingSteps) == 1

		outcome := e.runStep(ctx, step, state.Unwrap())

		// A terminal transition that landed while the step body ran (an
		// abort) wins; the in-flight outcome is discarded at this boundary.
		row, err := e.store.GetProcess(ctx, stat.ProcessID)
		if err != nil {
			e.logger.Error().Err(err).Stringer("process_id", stat.ProcessID).
				Msg("cannot re-read process row, draining")
			return state
		}
		if row.LastStatus.IsTerminal() {
			e.logger.Info().Stringer("process_id", stat.ProcessID).
				Str("last_status", string(row.LastStatus)).
				Msg("process reached a terminal status, draining")
			return state
		}

		persisted, err := e.safeLogStep(ctx, stat, step, outcome, lastStep)
		if err != nil {
			// Second attempt: persist a failure derived from the logging
			// error itself.
			failed := signal.Failed(err, nil)
			persisted, err = e.safeLogStep(ctx, stat, step, failed, lastStep)
			if err != nil {
				e.persistFallback(ctx, stat.ProcessID, err)
				return failed
			}
		}

		state = persisted
		stat.State = persisted
		stat.RemainingSteps = stat.RemainingSteps[1:]

		if !state.IsContinuable() {
			return state
		}
	}
	return state
}

// runStep executes one step body, converting panics into failed signals.
func (e *Engine) runStep(ctx context.Context, step workflow.Step, state signal.State) (out signal.Signal) {
	defer func() {
		if r := recover(); r != nil {
			errState := signal.State{
				signal.KeyError:      fmt.Sprint(r),
				signal.KeyErrorClass: classOfPanic(r),
				signal.KeyTraceback:  string(debug.Stack()),
			}
			out = signal.FailedState(errState)
		}
	}()
	return step.Run(ctx, state.Clone())
}

func classOfPanic(r any) string {
	if err, ok := r.(*errors.Error); ok {
		return string(err.Code)
	}
	if err, ok := r.(error); ok {
		return fmt.Sprintf("%T", err)
	}
	return "panic"
}

// safeLogStep commits one step outcome durably. It strips the internal
// instruction keys, lifts the traceback onto the process row, compacts
// retries of an identical failure into the existing row, updates the
// aggregate status and broadcasts the invalidation. A broadcast failure
// fails the step so the regression is visible.
func (e *Engine) safeLogStep(ctx context.Context, stat *process.Stat, step workflow.Step, sig signal.Signal, lastStep bool) (signal.Signal, error) {
	state := sig.Unwrap().Clone()
	now := time.Now().UTC()

	stepName := step.Name
	if override, ok := state[signal.KeyStepNameOverride].(string); ok && override != "" {
		stepName = override
	}
	delete(state, signal.KeyStepNameOverride)

	replaceLast := false
	if v, ok := state[signal.KeyReplaceLastState].(bool); ok {
		replaceLast = v
	}
	delete(state, signal.KeyReplaceLastState)

	for _, key := range stringList(state[signal.KeyRemoveKeys]) {
		delete(state, key)
	}
	delete(state, signal.KeyRemoveKeys)

	traceback := ""
	if tb, ok := state[signal.KeyTraceback].(string); ok {
		traceback = tb
	}
	delete(state, signal.KeyTraceback)

	status := sig.Status()

	steps, err := e.store.StepsForProcess(ctx, stat.ProcessID)
	if err != nil {
		return sig, err
	}
	var last *process.Step
	if len(steps) > 0 {
		last = &steps[len(steps)-1]
	}

	switch {
	case replaceLast && last != nil:
		last.Name = stepName
		last.Status = status
		last.State = state
		last.ExecutedAt = now
		last.CreatedBy = stat.CurrentUser
		if err := e.store.UpdateStep(ctx, *last); err != nil {
			return sig, err
		}

	case last != nil && shouldCompact(*last, stepName, status, state):
		retries := intValue(last.State[signal.KeyRetries]) + 1
		history := anyList(last.State[signal.KeyExecutedAt])
		history = append(history, last.ExecutedAt.Format(time.RFC3339Nano))

		state[signal.KeyRetries] = retries
		state[signal.KeyExecutedAt] = history

		last.State = state
		last.ExecutedAt = now
		last.CreatedBy = stat.CurrentUser
		if err := e.store.UpdateStep(ctx, *last); err != nil {
			return sig, err
		}

	default:
		row := process.Step{
			ID:         uuid.New(),
			ProcessID:  stat.ProcessID,
			Name:       stepName,
			Status:     status,
			State:      state,
			CreatedBy:  stat.CurrentUser,
			ExecutedAt: now,
			CommitHash: e.commitHash,
		}
		if err := e.store.CreateStep(ctx, row); err != nil {
			return sig, err
		}
	}

	e.stepsTotal.WithLabelValues(string(status)).Inc()

	aggregate := process.StatusForSignal(signal.Signal{Kind: sig.Kind, State: state}, lastStep)
	assignee := step.Assignee
	reason := ""
	if sig.IsFailed() {
		assignee = process.AssigneeForFailure(state)
		reason, _ = process.FailureDetails(state)
	}
	if _, err := e.store.UpdateProcess(ctx, stat.ProcessID, func(row *process.Process) error {
		row.LastStatus = aggregate
		row.LastStep = stepName
		row.Assignee = assignee
		row.FailedReason = reason
		row.Traceback = traceback
		return nil
	}); err != nil {
		return sig, err
	}

	e.linkSubscription(ctx, stat, state)

	if err := e.bus.Publish(ctx, broadcast.ChannelProcesses, broadcast.InvalidateProcess(stat.ProcessID)); err != nil {
		return sig, err
	}
	if err := e.bus.Publish(ctx, broadcast.ChannelProcesses, broadcast.InvalidateProcessList()); err != nil {
		return sig, err
	}
	if aggregate.IsTerminal() {
		if err := e.bus.Publish(ctx, broadcast.ChannelProcesses, broadcast.InvalidateStatusCounts()); err != nil {
			return sig, err
		}
		event := broadcast.Event("process_finished", map[string]any{
			"id":     stat.ProcessID.String(),
			"status": string(aggregate),
		})
		if err := e.bus.Publish(ctx, broadcast.ChannelEvents, event); err != nil {
			return sig, err
		}
	}

	return signal.Signal{Kind: sig.Kind, State: state}, nil
}

// shouldCompact reports whether the outcome repeats the previous row. Only
// failed and waiting rows compact; identity is (name, status, error, details).
func shouldCompact(last process.Step, name string, status signal.Status, state signal.State) bool {
	if status != signal.StatusFailed && status != signal.StatusWaiting {
		return false
	}
	if last.Name != name || last.Status != status {
		return false
	}
	if last.State[signal.KeyError] != state[signal.KeyError] {
		return false
	}
	return reflect.DeepEqual(last.State[signal.KeyErrorDetails], state[signal.KeyErrorDetails])
}

// linkSubscription records the process↔subscription linkage the first time
// the state carries a subscription ID. Failures are logged, not fatal.
func (e *Engine) linkSubscription(ctx context.Context, stat *process.Stat, state signal.State) {
	raw, ok := state[signal.KeySubscriptionID].(string)
	if !ok || raw == "" {
		return
	}
	subID, err := uuid.Parse(raw)
	if err != nil {
		return
	}

	links, err := e.store.SubscriptionProcesses(ctx, subID)
	if err != nil {
		e.logger.Error().Err(err).Stringer("process_id", stat.ProcessID).Msg("cannot read subscription links")
		return
	}
	for _, link := range links {
		if link.ProcessID == stat.ProcessID {
			return
		}
	}

	link := process.SubscriptionLink{
		ID:             uuid.New(),
		ProcessID:      stat.ProcessID,
		SubscriptionID: subID,
		WorkflowTarget: string(stat.Workflow.Target),
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateSubscriptionLink(ctx, link); err != nil {
		e.logger.Error().Err(err).Stringer("process_id", stat.ProcessID).Msg("cannot create subscription link")
	}
}

// persistFallback writes a failure straight onto the process row, bypassing
// the step log. Last line of defense when logging itself fails.
func (e *Engine) persistFallback(ctx context.Context, id uuid.UUID, cause error) {
	if _, err := e.store.UpdateProcess(ctx, id, func(row *process.Process) error {
		row.LastStatus = process.StatusFailed
		row.LastStep = "Unknown"
		row.Assignee = workflow.AssigneeSystem
		row.FailedReason = cause.Error()
		return nil
	}); err != nil {
		e.logger.Error().Err(err).Stringer("process_id", id).
			Str("cause", cause.Error()).Msg("fallback persistence failed, process row is stale")
	}
}

// loadProcess rebuilds the runtime handle from the persisted step log.
// Persistent steps position the remaining-step suffix by count; a suspended
// or awaiting step at the end contributes its own state.
func (e *Engine) loadProcess(ctx context.Context, p process.Process, user string) (*process.Stat, error) {
	wf := e.registry.GetOrRemoved(p.WorkflowKey)
	if workflow.IsRemoved(wf) {
		return nil, errors.Newf(errors.CodeWorkflowGone, "engine", "workflow %q is no longer registered", p.WorkflowKey)
	}
	if p.WorkflowDigest != "" && p.WorkflowDigest != workflow.Digest(wf) {
		return nil, errors.Newf(errors.CodeWorkflowConflict, "engine",
			"workflow %q changed since process %s started", p.WorkflowKey, p.ID)
	}

	steps, err := e.store.StepsForProcess(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	persistent := make([]process.Step, 0, len(steps))
	for _, s := range steps {
		switch s.Status {
		case signal.StatusFailed, signal.StatusSuspend, signal.StatusWaiting, signal.StatusAwaitingCallback:
		default:
			persistent = append(persistent, s)
		}
	}

	state := signal.Success(signal.State{})
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		switch last.Status {
		case signal.StatusSuspend, signal.StatusAwaitingCallback:
			state = signalForStatus(last.Status, last.State)
		default:
			if len(persistent) > 0 {
				lp := persistent[len(persistent)-1]
				state = signalForStatus(lp.Status, lp.State)
			}
		}
	}

	var remaining []workflow.Step
	if !state.IsComplete() {
		offset := len(persistent)
		if offset > len(wf.Steps) {
			offset = len(wf.Steps)
		}
		remaining = wf.Steps[offset:]
	}

	return &process.Stat{
		ProcessID:      p.ID,
		Workflow:       wf,
		State:          state,
		RemainingSteps: remaining,
		CurrentUser:    user,
	}, nil
}

// signalForStatus reconstitutes the signal variant a persisted step row
// represents.
func signalForStatus(status signal.Status, state signal.State) signal.Signal {
	switch status {
	case signal.StatusSuccess:
		return signal.Success(state)
	case signal.StatusSkip:
		return signal.Skip(state)
	case signal.StatusSuspend:
		return signal.Suspend(state)
	case signal.StatusWaiting:
		return signal.Waiting(state)
	case signal.StatusAwaitingCallback:
		return signal.AwaitingCallback(state)
	case signal.StatusAborted:
		return signal.Abort(state)
	case signal.StatusComplete:
		return signal.Complete(state)
	default:
		return signal.FailedState(state)
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func anyList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return nil
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
