// Package store persists run checkpoints so executions can crash, pause for
// humans, and resume where they left off.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/message"
)

// ErrNotFound is returned when a run or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// ErrDuplicateCheckpoint is returned when a (run, seq) pair is saved twice.
var ErrDuplicateCheckpoint = errors.New("duplicate checkpoint")

// Reason records why a checkpoint was taken.
type Reason string

const (
	// ReasonInterval is an every-N-nodes policy save.
	ReasonInterval Reason = "INTERVAL"
	// ReasonTimer is an every-N-seconds policy save.
	ReasonTimer Reason = "TIMER"
	// ReasonPause is the mandatory save when a run parks for human input.
	ReasonPause Reason = "PAUSE"
	// ReasonError is the save taken when a run fails or is cancelled.
	ReasonError Reason = "ERROR"
	// ReasonResume is the save recording a resolved human interaction.
	ReasonResume Reason = "RESUME"
	// ReasonFinal is the save taken when a run completes.
	ReasonFinal Reason = "FINAL"
)

// Checkpoint is one durable snapshot of a run. Seq is monotonic per run; the
// record with the highest seq is the resume point.
type Checkpoint struct {
	RunID     string                    `json:"run_id"`
	GraphID   string                    `json:"graph_id"`
	Seq       int                       `json:"seq"`
	NodeID    string                    `json:"node_id"`
	ExecState message.ExecutionState    `json:"exec_state"`
	Context   *message.ExecutionContext `json:"context"`
	Pending   *hitl.Interaction         `json:"pending,omitempty"`
	Response  *hitl.Response            `json:"response,omitempty"`
	Reason    Reason                    `json:"reason"`
	CreatedAt time.Time                 `json:"created_at"`
}

// Validate checks structural requirements before a save.
func (cp Checkpoint) Validate() error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint: empty run id")
	}
	if cp.Seq < 0 {
		return fmt.Errorf("checkpoint %s: negative seq %d", cp.RunID, cp.Seq)
	}
	if cp.Context == nil {
		return fmt.Errorf("checkpoint %s seq %d: nil context", cp.RunID, cp.Seq)
	}
	if !cp.ExecState.Valid() {
		return fmt.Errorf("checkpoint %s seq %d: unknown exec state %q", cp.RunID, cp.Seq, cp.ExecState)
	}
	if cp.ExecState == message.StateWaitingForHuman && cp.Pending == nil {
		return fmt.Errorf("checkpoint %s seq %d: waiting for human without pending interaction", cp.RunID, cp.Seq)
	}
	return nil
}

// Protected reports whether pruning must never remove this checkpoint.
// Pauses awaiting a human and failure snapshots stay until their run is
// deleted outright.
func (cp Checkpoint) Protected() bool {
	return cp.ExecState == message.StateWaitingForHuman || cp.ExecState == message.StateFailed
}

// Store is the persistence contract for checkpoints.
//
// Implementations in this package:
//   - MemoryStore: tests and single-process runs
//   - SQLiteStore: zero-setup durable local storage
//   - MySQLStore: shared storage for multiple workers
//
// All methods are safe for concurrent use.
type Store interface {
	// Save persists one checkpoint. Saving an existing (run, seq) pair
	// fails with ErrDuplicateCheckpoint.
	Save(ctx context.Context, cp Checkpoint) error

	// LoadLatest returns the highest-seq checkpoint of a run, or
	// ErrNotFound.
	LoadLatest(ctx context.Context, runID string) (Checkpoint, error)

	// Load returns one specific checkpoint, or ErrNotFound.
	Load(ctx context.Context, runID string, seq int) (Checkpoint, error)

	// List returns all checkpoints of a run in ascending seq order.
	List(ctx context.Context, runID string) ([]Checkpoint, error)

	// ListWaiting returns, for every run whose latest checkpoint is
	// WAITING_FOR_HUMAN, that latest checkpoint. Ordered by creation time.
	ListWaiting(ctx context.Context) ([]Checkpoint, error)

	// Prune deletes oldest unprotected checkpoints until the run holds at
	// most keep records. The latest checkpoint and protected ones are never
	// deleted, so a run can exceed keep when those dominate.
	Prune(ctx context.Context, runID string, keep int) error

	// Close releases the underlying resources. Operations after Close fail
	// with ErrClosed.
	Close() error
}

// Policy controls when the runner and checkpoint middleware take snapshots.
type Policy struct {
	// SaveEveryNodes takes a checkpoint after every Nth completed node.
	// Zero disables interval saves.
	SaveEveryNodes int
	// SaveEvery takes a checkpoint when this much time passed since the
	// last save. Zero disables timer saves.
	SaveEvery time.Duration
	// MaxPerRun caps stored checkpoints per run; pruning spares protected
	// records. Zero means DefaultMaxPerRun.
	MaxPerRun int
	// SaveOnError persists a snapshot when a run fails or is cancelled.
	SaveOnError bool
}

// DefaultMaxPerRun is the checkpoint cap applied when Policy.MaxPerRun is 0.
const DefaultMaxPerRun = 10

// DefaultPolicy matches the documented defaults: no periodic saves, cap of
// ten, snapshot on error.
func DefaultPolicy() Policy {
	return Policy{MaxPerRun: DefaultMaxPerRun, SaveOnError: true}
}

// Validate rejects negative intervals and caps.
func (p Policy) Validate() error {
	if p.SaveEveryNodes < 0 {
		return fmt.Errorf("policy: SaveEveryNodes must be >= 0, got %d", p.SaveEveryNodes)
	}
	if p.SaveEvery < 0 {
		return fmt.Errorf("policy: SaveEvery must be >= 0, got %v", p.SaveEvery)
	}
	if p.MaxPerRun < 0 {
		return fmt.Errorf("policy: MaxPerRun must be >= 0, got %d", p.MaxPerRun)
	}
	return nil
}

// EffectiveMax resolves the cap, applying the default for zero.
func (p Policy) EffectiveMax() int {
	if p.MaxPerRun == 0 {
		return DefaultMaxPerRun
	}
	return p.MaxPerRun
}

// cloneCheckpoint deep-copies a record through JSON so callers and the store
// never share mutable context state.
func cloneCheckpoint(cp Checkpoint) (Checkpoint, error) {
	// Context is the only deep structure; copying it is enough because the
	// hitl records are immutable once built.
	if cp.Context == nil {
		return cp, nil
	}
	forked, err := cp.Context.Fork()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("clone checkpoint %s seq %d: %w", cp.RunID, cp.Seq, err)
	}
	out := cp
	out.Context = forked
	return out, nil
}
