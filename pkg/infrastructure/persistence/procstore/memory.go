package procstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
)

// MemoryStore implements process.Store and process.SettingsStore in memory.
// Used by tests and by the memory store backend.
type MemoryStore struct {
	mu        sync.Mutex
	processes map[uuid.UUID]process.Process
	steps     map[uuid.UUID][]process.Step
	links     map[uuid.UUID][]process.SubscriptionLink // by subscription ID
	settings  process.EngineSettings
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processes: make(map[uuid.UUID]process.Process),
		steps:     make(map[uuid.UUID][]process.Step),
		links:     make(map[uuid.UUID][]process.SubscriptionLink),
	}
}

// CreateProcess stores a new process row.
func (s *MemoryStore) CreateProcess(_ context.Context, p process.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.processes[p.ID]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "persistence", "process %s already exists", p.ID)
	}
	s.processes[p.ID] = p
	return nil
}

// GetProcess retrieves a process by ID.
func (s *MemoryStore) GetProcess(_ context.Context, id uuid.UUID) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.processes[id]
	if !ok {
		return process.Process{}, errors.Newf(errors.CodeNotFound, "persistence", "process %s not found", id)
	}
	return p, nil
}

// UpdateProcess applies fn under the store mutex.
func (s *MemoryStore) UpdateProcess(_ context.Context, id uuid.UUID, fn func(*process.Process) error) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.processes[id]
	if !ok {
		return process.Process{}, errors.Newf(errors.CodeNotFound, "persistence", "process %s not found", id)
	}
	if err := fn(&p); err != nil {
		return process.Process{}, err
	}
	p.LastModifiedAt = time.Now().UTC()
	s.processes[id] = p
	return p, nil
}

// DeleteProcess removes the process and its dependents.
func (s *MemoryStore) DeleteProcess(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processes[id]; !ok {
		return errors.Newf(errors.CodeNotFound, "persistence", "process %s not found", id)
	}
	delete(s.processes, id)
	delete(s.steps, id)
	for sub, links := range s.links {
		kept := links[:0]
		for _, l := range links {
			if l.ProcessID != id {
				kept = append(kept, l)
			}
		}
		s.links[sub] = kept
	}
	return nil
}

// ListProcesses returns all process rows.
func (s *MemoryStore) ListProcesses(_ context.Context) ([]process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]process.Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out, nil
}

// CreateStep appends a step row.
func (s *MemoryStore) CreateStep(_ context.Context, step process.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steps[step.ProcessID] = append(s.steps[step.ProcessID], step)
	return nil
}

// UpdateStep overwrites an existing step row in place.
func (s *MemoryStore) UpdateStep(_ context.Context, step process.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.steps[step.ProcessID]
	for i := range log {
		if log[i].ID == step.ID {
			log[i] = step
			return nil
		}
	}
	return errors.Newf(errors.CodeNotFound, "persistence", "step %s not found", step.ID)
}

// StepsForProcess returns the step log in execution order.
func (s *MemoryStore) StepsForProcess(_ context.Context, id uuid.UUID) ([]process.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.steps[id]
	out := make([]process.Step, len(log))
	copy(out, log)
	return out, nil
}

// CreateSubscriptionLink stores a process-subscription link.
func (s *MemoryStore) CreateSubscriptionLink(_ context.Context, link process.SubscriptionLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.links[link.SubscriptionID] {
		if l.ProcessID == link.ProcessID {
			return nil
		}
	}
	s.links[link.SubscriptionID] = append(s.links[link.SubscriptionID], link)
	return nil
}

// SubscriptionProcesses returns all links for a subscription, oldest first.
func (s *MemoryStore) SubscriptionProcesses(_ context.Context, subscriptionID uuid.UUID) ([]process.SubscriptionLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	links := s.links[subscriptionID]
	out := make([]process.SubscriptionLink, len(links))
	copy(out, links)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// StatusCounts aggregates process counts by status, split workflows/tasks.
func (s *MemoryStore) StatusCounts(_ context.Context) (map[process.Status]int, map[process.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workflows := make(map[process.Status]int)
	tasks := make(map[process.Status]int)
	for _, p := range s.processes {
		if p.IsTask {
			tasks[p.LastStatus]++
		} else {
			workflows[p.LastStatus]++
		}
	}
	return workflows, tasks, nil
}

// GetSettings reads the engine-settings singleton.
func (s *MemoryStore) GetSettings(_ context.Context) (process.EngineSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

// UpdateSettings applies fn under the store mutex.
func (s *MemoryStore) UpdateSettings(_ context.Context, fn func(*process.EngineSettings) error) (process.EngineSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := s.settings
	if err := fn(&settings); err != nil {
		return process.EngineSettings{}, err
	}
	if settings.RunningProcesses < 0 {
		settings.RunningProcesses = 0
	}
	s.settings = settings
	return settings, nil
}
