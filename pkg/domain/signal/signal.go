// Package signal defines the control-signal algebra returned by workflow
// steps. A step reads an opaque state map and yields a Signal whose kind
// decides how the step is persisted and whether the runtime advances to the
// next step without external input.
package signal

import (
	"fmt"
	"maps"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
)

// State is the opaque key-value payload that flows between steps.
type State map[string]any

// Clone returns a shallow copy of the state map.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return maps.Clone(s)
}

// Kind enumerates the signal variants.
type Kind int

const (
	KindSuccess Kind = iota
	KindSkip
	KindSuspend
	KindWaiting
	KindAwaitingCallback
	KindFailed
	KindAbort
	KindComplete
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindSkip:
		return "skip"
	case KindSuspend:
		return "suspend"
	case KindWaiting:
		return "waiting"
	case KindAwaitingCallback:
		return "awaiting_callback"
	case KindFailed:
		return "failed"
	case KindAbort:
		return "abort"
	case KindComplete:
		return "complete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status is the persisted status of a step row.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusSkip             Status = "skip"
	StatusSuspend          Status = "suspend"
	StatusWaiting          Status = "waiting"
	StatusAwaitingCallback Status = "awaiting_callback"
	StatusFailed           Status = "failed"
	StatusAborted          Status = "aborted"
	StatusComplete         Status = "complete"
)

// Signal is the tagged sum carried between the runtime and step bodies.
type Signal struct {
	Kind  Kind
	State State
}

// Success signals that the step succeeded and execution may continue.
func Success(state State) Signal { return Signal{Kind: KindSuccess, State: state} }

// Skip signals that the step was a no-op; execution continues.
func Skip(state State) Signal { return Signal{Kind: KindSkip, State: state} }

// Suspend parks the process until an operator resumes it.
func Suspend(state State) Signal { return Signal{Kind: KindSuspend, State: state} }

// Waiting parks the process for a later retry, typically after an external
// dependency failed transiently. The state should carry an error description.
func Waiting(state State) Signal { return Signal{Kind: KindWaiting, State: state} }

// AwaitingCallback parks the process until an external system posts the
// callback token back. The state must carry KeyCallbackToken.
func AwaitingCallback(state State) Signal {
	return Signal{Kind: KindAwaitingCallback, State: state}
}

// Abort terminates the process without running remaining steps.
func Abort(state State) Signal { return Signal{Kind: KindAbort, State: state} }

// Complete marks the process as finished.
func Complete(state State) Signal { return Signal{Kind: KindComplete, State: state} }

// Failed signals a step-body error. The error-state layout is the ABI the
// runtime uses for retry compaction and failure promotion.
func Failed(err error, details map[string]any) Signal {
	return Signal{Kind: KindFailed, State: FailureState(err, details)}
}

// FailedState wraps an already-built error-state map in a failed signal.
func FailedState(state State) Signal { return Signal{Kind: KindFailed, State: state} }

// FailureState builds the canonical error-state map for a step failure.
func FailureState(err error, details map[string]any) State {
	state := State{
		KeyError:      err.Error(),
		KeyErrorClass: classOf(err),
	}
	if details != nil {
		state[KeyErrorDetails] = details
	}
	return state
}

func classOf(err error) string {
	if e, ok := err.(*errors.Error); ok {
		return string(e.Code)
	}
	return fmt.Sprintf("%T", err)
}

// Unwrap returns the payload state map.
func (s Signal) Unwrap() State { return s.State }

// Status maps the signal to its persisted step status.
func (s Signal) Status() Status {
	switch s.Kind {
	case KindSuccess:
		return StatusSuccess
	case KindSkip:
		return StatusSkip
	case KindSuspend:
		return StatusSuspend
	case KindWaiting:
		return StatusWaiting
	case KindAwaitingCallback:
		return StatusAwaitingCallback
	case KindFailed:
		return StatusFailed
	case KindAbort:
		return StatusAborted
	case KindComplete:
		return StatusComplete
	}
	return StatusFailed
}

// IsContinuable reports whether the runtime may advance to the next step.
func (s Signal) IsContinuable() bool { return s.Kind == KindSuccess || s.Kind == KindSkip }

// IsComplete reports whether the signal is the Complete variant.
func (s Signal) IsComplete() bool { return s.Kind == KindComplete }

// IsFailed reports whether the signal is the Failed variant.
func (s Signal) IsFailed() bool { return s.Kind == KindFailed }

// IsSuspend reports whether the signal is the Suspend variant.
func (s Signal) IsSuspend() bool { return s.Kind == KindSuspend }

// IsWaiting reports whether the signal is the Waiting variant.
func (s Signal) IsWaiting() bool { return s.Kind == KindWaiting }

// IsAwaitingCallback reports whether the signal is the AwaitingCallback variant.
func (s Signal) IsAwaitingCallback() bool { return s.Kind == KindAwaitingCallback }

// IsAbort reports whether the signal is the Abort variant.
func (s Signal) IsAbort() bool { return s.Kind == KindAbort }

// Map applies fn to the payload, keeping the kind. Mapping a failed signal
// without a payload is invalid.
func (s Signal) Map(fn func(State) State) (Signal, error) {
	if s.Kind == KindFailed && s.State == nil {
		return s, errors.New(errors.CodeInvalidState, "signal", "cannot map failed signal without state", nil)
	}
	return Signal{Kind: s.Kind, State: fn(s.State)}, nil
}

// OverallStatus is the aggregate process status contribution of this signal.
// A Success at the last step of a workflow aggregates to complete.
func (s Signal) OverallStatus(lastStep bool) Status {
	if lastStep && s.Kind == KindSuccess {
		return StatusComplete
	}
	return s.Status()
}
