package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/message"
)

// SQLiteStore is a single-file Store.
//
// Designed for:
//   - development and testing with zero setup
//   - single-process deployments that need durable pause/resume
//   - prototyping before moving to MySQLStore
//
// The store runs in WAL mode so readers never block behind the single
// writer. The driver is CGO-free, so the binary stays portable.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./runs.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// Use ":memory:" for a throwaway database in tests.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database file and migrates
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer; a pool larger than one just queues on the
	// file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			graph_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			exec_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			context TEXT NOT NULL,
			pending TEXT,
			response TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(run_id, seq)
		)
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("checkpoints table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_state ON checkpoints(exec_state)",
	} {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("index: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	cols, err := marshalCheckpoint(cp)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM checkpoints WHERE run_id = ? AND seq = ?",
		cp.RunID, cp.Seq,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateCheckpoint
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints
			(run_id, graph_id, seq, node_id, exec_state, reason, context, pending, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.GraphID, cp.Seq, cp.NodeID, string(cp.ExecState), string(cp.Reason),
		cols.context, cols.pending, cols.response, cols.createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

const checkpointColumns = "run_id, graph_id, seq, node_id, exec_state, reason, context, pending, response, created_at"

// LoadLatest implements Store.
func (s *SQLiteStore) LoadLatest(ctx context.Context, runID string) (Checkpoint, error) {
	if err := s.guard(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1",
		runID,
	)
	return scanCheckpoint(row)
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, runID string, seq int) (Checkpoint, error) {
	if err := s.guard(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run_id = ? AND seq = ?",
		runID, seq,
	)
	return scanCheckpoint(row)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run_id = ? ORDER BY seq ASC",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectCheckpoints(rows)
}

// ListWaiting implements Store.
func (s *SQLiteStore) ListWaiting(ctx context.Context) ([]Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.run_id, c.graph_id, c.seq, c.node_id, c.exec_state, c.reason,
		       c.context, c.pending, c.response, c.created_at
		FROM checkpoints c
		JOIN (
			SELECT run_id, MAX(seq) AS max_seq FROM checkpoints GROUP BY run_id
		) latest ON c.run_id = latest.run_id AND c.seq = latest.max_seq
		WHERE c.exec_state = ?
		ORDER BY c.created_at ASC`,
		string(message.StateWaitingForHuman),
	)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectCheckpoints(rows)
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, runID string, keep int) error {
	if err := s.guard(); err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT seq, exec_state FROM checkpoints WHERE run_id = ? ORDER BY seq ASC",
		runID,
	)
	if err != nil {
		return fmt.Errorf("prune scan: %w", err)
	}
	type rec struct {
		seq   int
		state message.ExecutionState
	}
	var all []rec
	for rows.Next() {
		var r rec
		var state string
		if err := rows.Scan(&r.seq, &state); err != nil {
			_ = rows.Close()
			return fmt.Errorf("prune scan: %w", err)
		}
		r.state = message.ExecutionState(state)
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("prune scan: %w", err)
	}
	_ = rows.Close()

	excess := len(all) - keep
	if excess <= 0 {
		return nil
	}
	for i, r := range all {
		if excess == 0 {
			break
		}
		isLatest := i == len(all)-1
		protected := r.state == message.StateWaitingForHuman || r.state == message.StateFailed
		if isLatest || protected {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM checkpoints WHERE run_id = ? AND seq = ?",
			runID, r.seq,
		); err != nil {
			return fmt.Errorf("prune delete seq %d: %w", r.seq, err)
		}
		excess--
	}
	return tx.Commit()
}

// Ping verifies the connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// marshaled column values shared by the SQL stores.
type checkpointColumnsValues struct {
	context   []byte
	pending   any
	response  any
	createdAt string
}

func marshalCheckpoint(cp Checkpoint) (checkpointColumnsValues, error) {
	var out checkpointColumnsValues

	ctxJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return out, fmt.Errorf("marshal context: %w", err)
	}
	out.context = ctxJSON

	out.pending = nil
	if cp.Pending != nil {
		data, err := json.Marshal(cp.Pending)
		if err != nil {
			return out, fmt.Errorf("marshal pending interaction: %w", err)
		}
		out.pending = string(data)
	}

	out.response = nil
	if cp.Response != nil {
		data, err := json.Marshal(cp.Response)
		if err != nil {
			return out, fmt.Errorf("marshal response: %w", err)
		}
		out.response = string(data)
	}

	created := cp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	out.createdAt = created.UTC().Format(time.RFC3339Nano)
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		execState string
		reason    string
		ctxJSON   []byte
		pending   sql.NullString
		response  sql.NullString
		createdAt string
	)
	err := row.Scan(&cp.RunID, &cp.GraphID, &cp.Seq, &cp.NodeID, &execState,
		&reason, &ctxJSON, &pending, &response, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}

	cp.ExecState = message.ExecutionState(execState)
	cp.Reason = Reason(reason)

	var ec message.ExecutionContext
	if err := json.Unmarshal(ctxJSON, &ec); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal context: %w", err)
	}
	cp.Context = &ec

	if pending.Valid && pending.String != "" {
		var in hitl.Interaction
		if err := json.Unmarshal([]byte(pending.String), &in); err != nil {
			return Checkpoint{}, fmt.Errorf("unmarshal pending interaction: %w", err)
		}
		cp.Pending = &in
	}
	if response.Valid && response.String != "" {
		var resp hitl.Response
		if err := json.Unmarshal([]byte(response.String), &resp); err != nil {
			return Checkpoint{}, fmt.Errorf("unmarshal response: %w", err)
		}
		cp.Response = &resp
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("parse created_at: %w", err)
	}
	cp.CreatedAt = ts
	return cp, nil
}

func collectCheckpoints(rows *sql.Rows) ([]Checkpoint, error) {
	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}
