package runtime

import (
	"encoding/json"
	"sync"
	"time"
)

// Run statuses.
const (
	StatusInitialized = "initialized"
	StatusRunning     = "running"
	StatusDraining    = "draining"
	StatusStopped     = "stopped"
	StatusFailed      = "failed"
)

// LastRunKey is the configuration key holding the most recent run summary.
const LastRunKey = "last_run"

// RunState is the lifecycle record of one pipeline run.
type RunState struct {
	RunID         string    `json:"run_id"`
	Status        string    `json:"status"`
	Batches       int64     `json:"batches"`
	Indexed       int64     `json:"indexed"`
	Dropped       int64     `json:"dropped"`
	LastError     string    `json:"last_error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// ConfigStore persists run summaries.
type ConfigStore interface {
	SetConfig(key, value string) error
}

// StateManager tracks run state and persists summaries.
type StateManager struct {
	mu    sync.RWMutex
	store ConfigStore
	runs  map[string]*RunState
}

// NewStateManager creates a new state manager. A nil store disables
// persistence.
func NewStateManager(s ConfigStore) *StateManager {
	return &StateManager{
		store: s,
		runs:  make(map[string]*RunState),
	}
}

// InitRun initializes a new run state.
func (sm *StateManager) InitRun(runID string) *RunState {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	state := &RunState{
		RunID:         runID,
		Status:        StatusInitialized,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	sm.runs[runID] = state
	return state
}

// GetState returns a copy of the run state, or nil for unknown runs.
func (sm *StateManager) GetState(runID string) *RunState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if state, ok := sm.runs[runID]; ok {
		c := *state
		return &c
	}
	return nil
}

// RecordBatch adds a processed batch to the run totals.
func (sm *StateManager) RecordBatch(runID string, size int) {
	sm.update(runID, func(s *RunState) {
		s.Batches++
		s.Indexed += int64(size)
	})
}

// RecordDrop counts a dropped action.
func (sm *StateManager) RecordDrop(runID string) {
	sm.update(runID, func(s *RunState) { s.Dropped++ })
}

// SetStatus updates the run status.
func (sm *StateManager) SetStatus(runID, status string) {
	sm.update(runID, func(s *RunState) { s.Status = status })
}

// Fail marks the run failed with err.
func (sm *StateManager) Fail(runID string, err error) {
	sm.update(runID, func(s *RunState) {
		s.Status = StatusFailed
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

// GetStatus returns the current run status.
func (sm *StateManager) GetStatus(runID string) string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if state, ok := sm.runs[runID]; ok {
		return state.Status
	}
	return ""
}

// PersistRun saves the run summary under LastRunKey.
func (sm *StateManager) PersistRun(runID string) error {
	if sm.store == nil {
		return nil
	}
	state := sm.GetState(runID)
	if state == nil {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return sm.store.SetConfig(LastRunKey, string(data))
}

// CleanupRun removes the run state from memory.
func (sm *StateManager) CleanupRun(runID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.runs, runID)
}

func (sm *StateManager) update(runID string, fn func(*RunState)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if state, ok := sm.runs[runID]; ok {
		fn(state)
		state.LastUpdatedAt = time.Now()
	}
}

// ParseRunState decodes a summary written by PersistRun.
func ParseRunState(s string) (*RunState, error) {
	var state RunState
	if err := json.Unmarshal([]byte(s), &state); err != nil {
		return nil, err
	}
	return &state, nil
}
