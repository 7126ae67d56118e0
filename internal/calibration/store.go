package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/orion-posture/internal/types"
)

// ErrCaptureFailed is returned when the calibration frame lacks a usable body
var ErrCaptureFailed = errors.New("calibration: required landmarks not detected")

// Store persists one baseline per mode
type Store interface {
	// Load returns the baseline and whether one was stored
	Load(ctx context.Context, mode types.Mode) (float64, bool, error)
	// Save overwrites the baseline
	Save(ctx context.Context, mode types.Mode, value float64) error
}

// HistoryRecorder is implemented by stores that keep an audit trail of
// calibration attempts
type HistoryRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// Attempt is one calibration attempt, successful or not
type Attempt struct {
	Mode       types.Mode `json:"mode"`
	Value      float64    `json:"value,omitempty"`
	Success    bool       `json:"success"`
	Reason     string     `json:"reason,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Key returns the storage key for a mode's baseline
func Key(mode types.Mode) string {
	return "posture.baseline." + string(mode)
}

// MemoryStore keeps baselines in memory
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]float64
	saves  int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]float64)}
}

// Load implements Store
func (s *MemoryStore) Load(_ context.Context, mode types.Mode) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[Key(mode)]
	return v, ok, nil
}

// Save implements Store
func (s *MemoryStore) Save(_ context.Context, mode types.Mode, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[Key(mode)] = value
	s.saves++
	return nil
}

// Saves returns how many times Save was called
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure interface compliance
var (
	_ Store           = (*MemoryStore)(nil)
	_ Store           = (*SQLiteStore)(nil)
	_ HistoryRecorder = (*SQLiteStore)(nil)
)

func wrapStoreErr(op string, mode types.Mode, err error) error {
	return fmt.Errorf("calibration: %s %s: %w", op, Key(mode), err)
}
