// Package procstore provides infrastructure implementations of the process
// and engine-settings stores.
package procstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
)

const (
	processesBucket     = "processes"
	stepsBucket         = "process_steps"
	subscriptionsBucket = "process_subscriptions"
	settingsBucket      = "engine_settings"

	settingsKey = "singleton"
)

// BoltStore implements process.Store and process.SettingsStore using BoltDB.
// Step rows are keyed by process ID plus a monotonically increasing sequence
// number, so a prefix scan yields the log in execution order.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database file and its buckets.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "persistence", fmt.Sprintf("failed to create directory %s", dir), err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.New(errors.CodeIoError, "persistence", fmt.Sprintf("failed to open store at %s", dbPath), err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{processesBucket, stepsBucket, subscriptionsBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeIoError, "persistence", "failed to create buckets", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateProcess stores a new process row.
func (s *BoltStore) CreateProcess(_ context.Context, p process.Process) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(processesBucket))
		key := p.ID[:]

		if bucket.Get(key) != nil {
			return errors.Newf(errors.CodeAlreadyExists, "persistence", "process %s already exists", p.ID)
		}

		data, err := json.Marshal(p)
		if err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to marshal process", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return errors.New(errors.CodeDatabaseError, "persistence", "failed to store process", err)
		}
		return nil
	})
}

// GetProcess retrieves a process by ID.
func (s *BoltStore) GetProcess(_ context.Context, id uuid.UUID) (process.Process, error) {
	var p process.Process

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(processesBucket)).Get(id[:])
		if data == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "process %s not found", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return process.Process{}, err
	}
	return p, nil
}

// UpdateProcess applies fn to the row inside the write transaction. Bolt
// serializes writers, which gives the row-locked read-modify-write the
// runtime depends on.
func (s *BoltStore) UpdateProcess(_ context.Context, id uuid.UUID, fn func(*process.Process) error) (process.Process, error) {
	var p process.Process

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(processesBucket))
		data := bucket.Get(id[:])
		if data == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "process %s not found", id)
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to unmarshal process", err)
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.LastModifiedAt = time.Now().UTC()

		updated, err := json.Marshal(p)
		if err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to marshal process", err)
		}
		if err := bucket.Put(id[:], updated); err != nil {
			return errors.New(errors.CodeDatabaseError, "persistence", "failed to update process", err)
		}
		return nil
	})
	if err != nil {
		return process.Process{}, err
	}
	return p, nil
}

// DeleteProcess removes the process row, its step log and subscription links.
func (s *BoltStore) DeleteProcess(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(processesBucket))
		if bucket.Get(id[:]) == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "process %s not found", id)
		}
		if err := bucket.Delete(id[:]); err != nil {
			return errors.New(errors.CodeDatabaseError, "persistence", "failed to delete process", err)
		}

		if err := deletePrefix(tx.Bucket([]byte(stepsBucket)), id[:]); err != nil {
			return errors.New(errors.CodeDatabaseError, "persistence", "failed to delete process steps", err)
		}
		if err := deletePrefix(tx.Bucket([]byte(subscriptionsBucket)), id[:]); err != nil {
			return errors.New(errors.CodeDatabaseError, "persistence", "failed to delete subscription links", err)
		}
		return nil
	})
}

// ListProcesses returns all process rows. Sorting and filtering are the
// transport's concern.
func (s *BoltStore) ListProcesses(_ context.Context) ([]process.Process, error) {
	var out []process.Process

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(processesBucket)).ForEach(func(_, v []byte) error {
			var p process.Process
			if err := json.Unmarshal(v, &p); err != nil {
				return nil // skip unreadable rows
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, errors.New(errors.CodeDatabaseError, "persistence", "failed to list processes", err)
	}
	return out, nil
}

// stepRecord wraps a step with its position in the per-process log.
type stepRecord struct {
	Seq  uint64       `json:"seq"`
	Step process.Step `json:"step"`
}

// CreateStep appends a step row to the process log.
func (s *BoltStore) CreateStep(_ context.Context, step process.Step) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(stepsBucket))

		seq := nextSeq(bucket, step.ProcessID[:])
		data, err := json.Marshal(stepRecord{Seq: seq, Step: step})
		if err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to marshal step", err)
		}
		if err := bucket.Put(stepKey(step.ProcessID, seq), data); err != nil {
			return errors.New(errors.CodeDatabaseError, "persistence", "failed to store step", err)
		}
		return nil
	})
}

// UpdateStep overwrites an existing step row in place, preserving its
// position in the log.
func (s *BoltStore) UpdateStep(_ context.Context, step process.Step) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(stepsBucket))

		cursor := bucket.Cursor()
		prefix := step.ProcessID[:]
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var rec stepRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Step.ID != step.ID {
				continue
			}
			rec.Step = step
			data, err := json.Marshal(rec)
			if err != nil {
				return errors.New(errors.CodeInternalError, "persistence", "failed to marshal step", err)
			}
			if err := bucket.Put(k, data); err != nil {
				return errors.New(errors.CodeDatabaseError, "persistence", "failed to update step", err)
			}
			return nil
		}
		return errors.Newf(errors.CodeNotFound, "persistence", "step %s not found", step.ID)
	})
}

// StepsForProcess returns the step log in execution order.
func (s *BoltStore) StepsForProcess(_ context.Context, id uuid.UUID) ([]process.Step, error) {
	var out []process.Step

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(stepsBucket)).Cursor()
		prefix := id[:]
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var rec stepRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec.Step)
		}
		return nil
	})
	if err != nil {
		return nil, errors.New(errors.CodeDatabaseError, "persistence", "failed to read step log", err)
	}
	return out, nil
}

// CreateSubscriptionLink stores a process-subscription link.
func (s *BoltStore) CreateSubscriptionLink(_ context.Context, link process.SubscriptionLink) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(subscriptionsBucket))

		key := append(append([]byte{}, link.ProcessID[:]...), link.SubscriptionID[:]...)
		if bucket.Get(key) != nil {
			return nil // already linked
		}
		data, err := json.Marshal(link)
		if err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to marshal subscription link", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return errors.New(errors.CodeDatabaseError, "persistence", "failed to store subscription link", err)
		}
		return nil
	})
}

// SubscriptionProcesses returns all links for a subscription, oldest first.
func (s *BoltStore) SubscriptionProcesses(_ context.Context, subscriptionID uuid.UUID) ([]process.SubscriptionLink, error) {
	var out []process.SubscriptionLink

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(subscriptionsBucket)).ForEach(func(_, v []byte) error {
			var link process.SubscriptionLink
			if err := json.Unmarshal(v, &link); err != nil {
				return nil
			}
			if link.SubscriptionID == subscriptionID {
				out = append(out, link)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.New(errors.CodeDatabaseError, "persistence", "failed to list subscription links", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// StatusCounts aggregates process counts by status, split workflows/tasks.
func (s *BoltStore) StatusCounts(ctx context.Context) (map[process.Status]int, map[process.Status]int, error) {
	rows, err := s.ListProcesses(ctx)
	if err != nil {
		return nil, nil, err
	}
	workflows := make(map[process.Status]int)
	tasks := make(map[process.Status]int)
	for _, p := range rows {
		if p.IsTask {
			tasks[p.LastStatus]++
		} else {
			workflows[p.LastStatus]++
		}
	}
	return workflows, tasks, nil
}

// GetSettings reads the engine-settings singleton, defaulting to the zero
// value on first use.
func (s *BoltStore) GetSettings(_ context.Context) (process.EngineSettings, error) {
	var settings process.EngineSettings

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(settingsBucket)).Get([]byte(settingsKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &settings)
	})
	if err != nil {
		return process.EngineSettings{}, errors.New(errors.CodeDatabaseError, "persistence", "failed to read engine settings", err)
	}
	return settings, nil
}

// UpdateSettings applies fn to the singleton inside the write transaction.
func (s *BoltStore) UpdateSettings(_ context.Context, fn func(*process.EngineSettings) error) (process.EngineSettings, error) {
	var settings process.EngineSettings

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(settingsBucket))
		if data := bucket.Get([]byte(settingsKey)); data != nil {
			if err := json.Unmarshal(data, &settings); err != nil {
				return errors.New(errors.CodeInternalError, "persistence", "failed to unmarshal engine settings", err)
			}
		}
		if err := fn(&settings); err != nil {
			return err
		}
		if settings.RunningProcesses < 0 {
			settings.RunningProcesses = 0
		}
		data, err := json.Marshal(settings)
		if err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to marshal engine settings", err)
		}
		if err := bucket.Put([]byte(settingsKey), data); err != nil {
			return errors.New(errors.CodeDatabaseError, "persistence", "failed to store engine settings", err)
		}
		return nil
	})
	if err != nil {
		return process.EngineSettings{}, err
	}
	return settings, nil
}

func stepKey(processID uuid.UUID, seq uint64) []byte {
	key := make([]byte, len(processID)+8)
	copy(key, processID[:])
	binary.BigEndian.PutUint64(key[len(processID):], seq)
	return key
}

func nextSeq(bucket *bbolt.Bucket, prefix []byte) uint64 {
	cursor := bucket.Cursor()
	var last []byte
	for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
		last = k
	}
	if last == nil {
		return 0
	}
	return binary.BigEndian.Uint64(last[len(prefix):]) + 1
}

func deletePrefix(bucket *bbolt.Bucket, prefix []byte) error {
	cursor := bucket.Cursor()
	var keys [][]byte
	for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
		keys = append(keys, append([]byte{}, k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
