// Package workflow provides the immutable workflow and step records and the
// registry that maps workflow keys to them.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/stepflow-io/stepflow/pkg/domain/forms"
	"github.com/stepflow-io/stepflow/pkg/domain/signal"
)

// Target categorizes a workflow. Processes of System workflows are tasks.
type Target string

const (
	TargetCreate    Target = "CREATE"
	TargetModify    Target = "MODIFY"
	TargetTerminate Target = "TERMINATE"
	TargetSystem    Target = "SYSTEM"
	TargetValidate  Target = "VALIDATE"
)

// Operator roles a blocked step is assigned to.
const (
	AssigneeSystem = "SYSTEM"
	AssigneeNOC    = "NOC"
)

// StepFunc is the body of a step. It reads the accumulated state and returns
// a control signal. Step bodies should be idempotent: a crash between
// execution and the durable commit re-runs the step after recovery.
type StepFunc func(ctx context.Context, state signal.State) signal.Signal

// AuthFunc is an authorization predicate over the acting user.
type AuthFunc func(user string) bool

// Step is one unit of execution inside a workflow.
type Step struct {
	Name     string
	Assignee string

	Run StepFunc

	// Form validates resume input while this step is suspended.
	Form forms.Form

	// ResumeAuth gates resuming a process suspended at this step.
	ResumeAuth AuthFunc
	// RetryAuth gates retrying this step after a failure.
	RetryAuth AuthFunc
}

// Workflow is a named, ordered list of steps with authorization predicates.
// Workflows are process-global and immutable after registration.
type Workflow struct {
	Name        string
	Description string
	Target      Target

	// InitialForm validates the input list supplied at start.
	InitialForm forms.Form

	Steps []Step

	AuthorizeStart AuthFunc
	AuthorizeRetry AuthFunc
}

// IsTask reports whether processes of this workflow are system tasks.
func (w *Workflow) IsTask() bool { return w.Target == TargetSystem }

// StepNames returns the ordered step names.
func (w *Workflow) StepNames() []string {
	names := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		names[i] = s.Name
	}
	return names
}

// Digest returns a stable content digest over the ordered step names. It is
// stored on each process at start so that recovery can detect a workflow
// definition that changed under an in-flight process.
func Digest(w *Workflow) string {
	h := sha256.New()
	for _, name := range w.StepNames() {
		h.Write([]byte(name))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func allowAll(string) bool  { return true }
func allowNone(string) bool { return false }

// Authorized evaluates an optional predicate, defaulting to allow.
func Authorized(fn AuthFunc, user string) bool {
	if fn == nil {
		fn = allowAll
	}
	return fn(user)
}
