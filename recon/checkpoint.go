package recon

import (
	"sync"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
)

func (s CheckpointStatus) Terminal() bool {
	return s == CheckpointCompleted || s == CheckpointFailed
}

// FailedKey records one unit of work that failed, with a human-readable
// reason. Never truncated in the durable record (only in CLI output).
type FailedKey struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

type CheckpointStats struct {
	DatesProcessed      int `json:"dates_processed"`
	DatesFailed         int `json:"dates_failed"`
	GroupsResolved      int `json:"groups_resolved"`
	RecordsRemoved      int `json:"records_removed"`
	CalculationsWritten int `json:"calculations_written"`
}

// Checkpoint is the durable progress record of one named batch operation.
// One run owns the checkpoint exclusively; concurrent runs with the same
// operation name are not supported.
type Checkpoint struct {
	ID              string           `json:"id"`
	Operation       string           `json:"operation"`
	Status          CheckpointStatus `json:"status"`
	ProgressPercent float64          `json:"progress_percent"`
	StartKey        string           `json:"start_key"`
	EndKey          string           `json:"end_key"`
	ProcessedKeys   []string         `json:"processed_keys"`
	FailedKeys      []FailedKey      `json:"failed_keys"`
	Stats           CheckpointStats  `json:"stats"`
	CreatedAt       time.Time        `json:"created_at"`
	LastUpdated     time.Time        `json:"last_updated"`
}

func (c Checkpoint) HasProcessed(key string) bool {
	for _, k := range c.ProcessedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// CheckpointStore persists checkpoints keyed by operation name, independent
// of the main repositories. Load returns utils.ErrorRecordNotFound when no
// record exists for the operation.
type CheckpointStore interface {
	Load(operation string) (*Checkpoint, error)
	Save(cp *Checkpoint) error
	Delete(operation string) error
	List() ([]Checkpoint, error)
}

// CheckpointManager owns one checkpoint for the duration of a run. Every
// Update persists synchronously before returning; an optional background
// ticker re-persists periodically as a safety net for state mutated outside
// Update.
type CheckpointManager struct {
	store      CheckpointStore
	logger     *logrus.Logger
	flushEvery time.Duration

	mu   sync.Mutex
	cp   *Checkpoint
	done chan struct{}
}

func NewCheckpointManager(store CheckpointStore, logger *logrus.Logger, flushEvery time.Duration) *CheckpointManager {
	return &CheckpointManager{store: store, logger: logger, flushEvery: flushEvery}
}

// Init loads an existing checkpoint for the operation and resumes it when it
// is not terminal; otherwise it creates a fresh one at zero progress.
// Matching is by operation name only; a terminal record from an earlier run
// is replaced, never resumed.
func (m *CheckpointManager) Init(operation, startKey, endKey string) (cp Checkpoint, resumed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.Load(operation)
	if err == nil && existing != nil && !existing.Status.Terminal() {
		existing.Status = CheckpointRunning
		existing.LastUpdated = time.Now().UTC()
		if err := m.store.Save(existing); err != nil {
			return Checkpoint{}, false, err
		}
		m.cp = existing
		m.startFlusher()
		return *existing, true, nil
	}
	if err != nil && !isNotFound(err) {
		return Checkpoint{}, false, err
	}

	now := time.Now().UTC()
	fresh := &Checkpoint{
		ID:            uuid.NewString(),
		Operation:     operation,
		Status:        CheckpointPending,
		StartKey:      startKey,
		EndKey:        endKey,
		ProcessedKeys: []string{},
		FailedKeys:    []FailedKey{},
		CreatedAt:     now,
		LastUpdated:   now,
	}
	if err := m.store.Save(fresh); err != nil {
		return Checkpoint{}, false, err
	}
	m.cp = fresh
	m.startFlusher()
	return *fresh, false, nil
}

// Update applies a partial mutation, stamps LastUpdated and persists before
// returning. The mutation must not retain the *Checkpoint past the call.
func (m *CheckpointManager) Update(mutate func(cp *Checkpoint)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return NewConfigError("checkpoint manager not initialized")
	}
	mutate(m.cp)
	m.cp.LastUpdated = time.Now().UTC()
	return m.store.Save(m.cp)
}

// Snapshot returns a copy of the current checkpoint for reading.
func (m *CheckpointManager) Snapshot() Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return Checkpoint{}
	}
	cp := *m.cp
	cp.ProcessedKeys = append([]string(nil), m.cp.ProcessedKeys...)
	cp.FailedKeys = append([]FailedKey(nil), m.cp.FailedKeys...)
	return cp
}

// Complete moves the checkpoint to its terminal status, persists it and
// stops the background flusher.
func (m *CheckpointManager) Complete(success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return NewConfigError("checkpoint manager not initialized")
	}
	if success {
		m.cp.Status = CheckpointCompleted
		m.cp.ProgressPercent = 100
	} else {
		m.cp.Status = CheckpointFailed
	}
	m.cp.LastUpdated = time.Now().UTC()
	err := m.store.Save(m.cp)
	m.stopFlusher()
	return err
}

// Suspend persists the current state without a terminal status, leaving the
// checkpoint resumable. Used when a run is cancelled between batches.
func (m *CheckpointManager) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return nil
	}
	m.cp.LastUpdated = time.Now().UTC()
	err := m.store.Save(m.cp)
	m.stopFlusher()
	return err
}

func (m *CheckpointManager) startFlusher() {
	if m.flushEvery <= 0 || m.done != nil {
		return
	}
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		ticker := time.NewTicker(m.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.mu.Lock()
				if m.cp != nil {
					if err := m.store.Save(m.cp); err != nil {
						config.LogError(m.logger, "checkpoint.go", "flusher", "periodic checkpoint save", m.cp.Operation, err)
					}
				}
				m.mu.Unlock()
			}
		}
	}(m.done)
}

func (m *CheckpointManager) stopFlusher() {
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}
