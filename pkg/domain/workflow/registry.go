package workflow

import (
	"sync"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/forms"
)

// RemovedWorkflowName is the sentinel returned for keys that are no longer
// registered. Its step list is empty so historical runs stay inspectable,
// and its predicates deny starting or resuming.
const RemovedWorkflowName = "removed_workflow"

// Registry is an immutable-after-registration mapping from workflow key to
// workflow. Lazy entries are constructed on first lookup.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	lazy      map[string]func() *Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Workflow),
		lazy:      make(map[string]func() *Workflow),
	}
}

// Register adds a workflow under the given key.
func (r *Registry) Register(key string, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[key]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "workflow", "workflow %q already registered", key)
	}
	if _, exists := r.lazy[key]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "workflow", "workflow %q already registered", key)
	}
	r.workflows[key] = wf
	return nil
}

// RegisterLazy defers construction of the workflow until its first lookup.
func (r *Registry) RegisterLazy(key string, build func() *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[key]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "workflow", "workflow %q already registered", key)
	}
	if _, exists := r.lazy[key]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "workflow", "workflow %q already registered", key)
	}
	r.lazy[key] = build
	return nil
}

// Get resolves a key to its workflow. Lazy entries are built exactly once.
func (r *Registry) Get(key string) (*Workflow, bool) {
	r.mu.RLock()
	wf, ok := r.workflows[key]
	r.mu.RUnlock()
	if ok {
		return wf, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if wf, ok := r.workflows[key]; ok {
		return wf, true
	}
	build, ok := r.lazy[key]
	if !ok {
		return nil, false
	}
	wf = build()
	r.workflows[key] = wf
	delete(r.lazy, key)
	return wf, true
}

// GetOrRemoved resolves a key, falling back to the removed-workflow sentinel
// for unknown keys so historical runs remain readable.
func (r *Registry) GetOrRemoved(key string) *Workflow {
	if wf, ok := r.Get(key); ok {
		return wf
	}
	return Removed(key)
}

// Keys returns all registered keys, including unresolved lazy entries.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.workflows)+len(r.lazy))
	for k := range r.workflows {
		keys = append(keys, k)
	}
	for k := range r.lazy {
		keys = append(keys, k)
	}
	return keys
}

// Removed builds the removed-workflow sentinel for a key.
func Removed(key string) *Workflow {
	return &Workflow{
		Name:           RemovedWorkflowName,
		Description:    "Workflow " + key + " is no longer registered",
		Target:         TargetSystem,
		InitialForm:    forms.None(),
		Steps:          nil,
		AuthorizeStart: allowNone,
		AuthorizeRetry: allowNone,
	}
}

// IsRemoved reports whether wf is the removed-workflow sentinel.
func IsRemoved(wf *Workflow) bool {
	return wf != nil && wf.Name == RemovedWorkflowName
}
