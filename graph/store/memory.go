package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agentflow/agentflow-go/graph/message"
)

// MemoryStore keeps checkpoints in process memory.
//
// Designed for tests, examples and short-lived single-process runs. Records
// are deep-copied on the way in and out, so callers can keep mutating their
// execution contexts without corrupting saved snapshots.
//
// Data is lost when the process exits; use SQLiteStore or MySQLStore for
// anything that must survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string][]Checkpoint // ascending seq
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]Checkpoint)}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	stored, err := cloneCheckpoint(cp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	list := m.runs[cp.RunID]
	for _, existing := range list {
		if existing.Seq == cp.Seq {
			return ErrDuplicateCheckpoint
		}
	}
	list = append(list, stored)
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	m.runs[cp.RunID] = list
	return nil
}

// LoadLatest implements Store.
func (m *MemoryStore) LoadLatest(ctx context.Context, runID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Checkpoint{}, ErrClosed
	}

	list := m.runs[runID]
	if len(list) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return cloneCheckpoint(list[len(list)-1])
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, runID string, seq int) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Checkpoint{}, ErrClosed
	}

	for _, cp := range m.runs[runID] {
		if cp.Seq == seq {
			return cloneCheckpoint(cp)
		}
	}
	return Checkpoint{}, ErrNotFound
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	list := m.runs[runID]
	out := make([]Checkpoint, 0, len(list))
	for _, cp := range list {
		copied, err := cloneCheckpoint(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// ListWaiting implements Store.
func (m *MemoryStore) ListWaiting(ctx context.Context) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Checkpoint
	for _, list := range m.runs {
		if len(list) == 0 {
			continue
		}
		latest := list[len(list)-1]
		if latest.ExecState != message.StateWaitingForHuman {
			continue
		}
		copied, err := cloneCheckpoint(latest)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Prune implements Store.
func (m *MemoryStore) Prune(ctx context.Context, runID string, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	list := m.runs[runID]
	excess := len(list) - keep
	if excess <= 0 {
		return nil
	}

	kept := make([]Checkpoint, 0, len(list))
	for i, cp := range list {
		isLatest := i == len(list)-1
		if excess > 0 && !isLatest && !cp.Protected() {
			excess--
			continue
		}
		kept = append(kept, cp)
	}
	m.runs[runID] = kept
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	return nil
}

// Len reports stored checkpoints for a run. Test helper.
func (m *MemoryStore) Len(runID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs[runID])
}
