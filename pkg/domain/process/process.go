// Package process provides the persisted process model, the runtime handle
// that executors advance, and the store interfaces the engine persists
// through.
package process

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/domain/signal"
	"github.com/stepflow-io/stepflow/pkg/domain/workflow"
)

// Status is the aggregate status of a process row.
type Status string

const (
	StatusCreated          Status = "created"
	StatusRunning          Status = "running"
	StatusSuspended        Status = "suspended"
	StatusWaiting          Status = "waiting"
	StatusAwaitingCallback Status = "awaiting_callback"
	StatusAborted          Status = "aborted"
	StatusFailed           Status = "failed"
	StatusAPIUnavailable   Status = "api_unavailable"
	StatusInconsistentData Status = "inconsistent_data"
	StatusCompleted        Status = "completed"
	StatusResumed          Status = "resumed"
)

// IsResumable reports whether ResumeProcess accepts a process in this status.
func (s Status) IsResumable() bool {
	switch s {
	case StatusSuspended, StatusFailed, StatusWaiting,
		StatusAPIUnavailable, StatusInconsistentData, StatusResumed:
		return true
	}
	return false
}

// IsActive reports whether an executor currently owns the process.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusResumed
}

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Process is one durable run of a workflow.
type Process struct {
	ID             uuid.UUID `json:"process_id"`
	WorkflowKey    string    `json:"workflow"`
	WorkflowDigest string    `json:"workflow_digest,omitempty"`
	LastStatus     Status    `json:"last_status"`
	LastStep       string    `json:"last_step"`
	Assignee       string    `json:"assignee"`
	FailedReason   string    `json:"failed_reason,omitempty"`
	Traceback      string    `json:"traceback,omitempty"`
	IsTask         bool      `json:"is_task"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// Step is one persisted step attempt. Rows are append-mostly: a retry that
// reproduces the previous outcome is compacted into the existing row.
type Step struct {
	ID         uuid.UUID    `json:"id"`
	ProcessID  uuid.UUID    `json:"process_id"`
	Name       string       `json:"name"`
	Status     signal.Status `json:"status"`
	State      signal.State `json:"state"`
	CreatedBy  string       `json:"created_by"`
	ExecutedAt time.Time    `json:"executed_at"`
	CommitHash string       `json:"commit_hash,omitempty"`
}

// SubscriptionLink ties a process to the subscription it operated on.
type SubscriptionLink struct {
	ID             uuid.UUID `json:"id"`
	ProcessID      uuid.UUID `json:"process_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	WorkflowTarget string    `json:"workflow_target"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stat is the in-memory handle an executor advances. It is owned by exactly
// one executor task at a time and rebuilt from the step log on resume.
type Stat struct {
	ProcessID      uuid.UUID
	Workflow       *workflow.Workflow
	State          signal.Signal
	RemainingSteps []workflow.Step
	CurrentUser    string
}

// NewStat builds the handle for a fresh process starting at the first step.
func NewStat(id uuid.UUID, wf *workflow.Workflow, initial signal.State, user string) *Stat {
	return &Stat{
		ProcessID:      id,
		Workflow:       wf,
		State:          signal.Success(initial),
		RemainingSteps: wf.Steps,
		CurrentUser:    user,
	}
}

// StepIndex returns the 0-based index of the step about to run.
func (s *Stat) StepIndex() int {
	return len(s.Workflow.Steps) - len(s.RemainingSteps)
}

// StatusForSignal maps a persisted step signal to the aggregate process
// status, applying failure promotion for failed steps.
func StatusForSignal(sig signal.Signal, lastStep bool) Status {
	if sig.IsFailed() {
		return PromoteFailure(sig.Unwrap())
	}
	switch sig.OverallStatus(lastStep) {
	case signal.StatusSuccess, signal.StatusSkip:
		return StatusRunning
	case signal.StatusSuspend:
		return StatusSuspended
	case signal.StatusWaiting:
		return StatusWaiting
	case signal.StatusAwaitingCallback:
		return StatusAwaitingCallback
	case signal.StatusAborted:
		return StatusAborted
	case signal.StatusComplete:
		return StatusCompleted
	}
	return StatusFailed
}

// PromoteFailure maps an error-state map to the aggregate failure status.
// Assertion and inconsistent-data errors surface the data problem to the NOC;
// gateway-class upstream errors surface as API unavailability.
func PromoteFailure(state signal.State) Status {
	class, _ := state[signal.KeyErrorClass].(string)
	switch class {
	case signal.ClassAssertion, signal.ClassInconsistentData:
		return StatusInconsistentData
	case signal.ClassMaxRetries:
		return StatusAPIUnavailable
	case signal.ClassAPIException:
		if isGatewayStatus(state[signal.KeyStatusCode]) {
			return StatusAPIUnavailable
		}
	}
	return StatusFailed
}

// AssigneeForFailure returns the operator role a failed step is assigned to.
func AssigneeForFailure(state signal.State) string {
	switch PromoteFailure(state) {
	case StatusInconsistentData:
		return workflow.AssigneeNOC
	default:
		return workflow.AssigneeSystem
	}
}

// FailureDetails extracts the failed reason and traceback from an
// error-state map.
func FailureDetails(state signal.State) (reason, traceback string) {
	if msg, ok := state[signal.KeyError].(string); ok {
		reason = msg
	} else if state[signal.KeyError] != nil {
		reason = fmt.Sprintf("%v", state[signal.KeyError])
	}
	if tb, ok := state[signal.KeyTraceback].(string); ok {
		traceback = tb
	}
	return reason, traceback
}

func isGatewayStatus(v any) bool {
	var code int
	switch n := v.(type) {
	case int:
		code = n
	case int64:
		code = int(n)
	case float64:
		// JSON round-trips numbers as float64.
		code = int(n)
	default:
		return false
	}
	return code == 502 || code == 503 || code == 504
}
