package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/message"
)

// MySQLStore persists checkpoints in MySQL, for deployments where several
// workers share one durable view of runs.
//
// The DSN must set parseTime=true so DATETIME columns scan into time.Time:
//
//	user:password@tcp(127.0.0.1:3306)/agentflow?parseTime=true
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects, verifies the connection and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			graph_id VARCHAR(191) NOT NULL,
			seq INT NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			exec_state VARCHAR(32) NOT NULL,
			reason VARCHAR(16) NOT NULL,
			context JSON NOT NULL,
			pending JSON NULL,
			response JSON NULL,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_checkpoints_run_seq (run_id, seq),
			KEY idx_checkpoints_run (run_id),
			KEY idx_checkpoints_state (exec_state)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("checkpoints table: %w", err)
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save implements Store.
func (s *MySQLStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	ctxJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	pending, err := jsonOrNil(cp.Pending)
	if err != nil {
		return fmt.Errorf("marshal pending interaction: %w", err)
	}
	response, err := jsonOrNil(cp.Response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	created := cp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
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
		ctxJSON, pending, response, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

// LoadLatest implements Store.
func (s *MySQLStore) LoadLatest(ctx context.Context, runID string) (Checkpoint, error) {
	if err := s.guard(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1",
		runID,
	)
	return scanMySQLCheckpoint(row)
}

// Load implements Store.
func (s *MySQLStore) Load(ctx context.Context, runID string, seq int) (Checkpoint, error) {
	if err := s.guard(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run_id = ? AND seq = ?",
		runID, seq,
	)
	return scanMySQLCheckpoint(row)
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
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

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanMySQLCheckpoint(rows)
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

// ListWaiting implements Store.
func (s *MySQLStore) ListWaiting(ctx context.Context) ([]Checkpoint, error) {
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

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanMySQLCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waiting: %w", err)
	}
	return out, nil
}

// Prune implements Store.
func (s *MySQLStore) Prune(ctx context.Context, runID string, keep int) error {
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
		"SELECT seq, exec_state FROM checkpoints WHERE run_id = ? ORDER BY seq ASC FOR UPDATE",
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

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func jsonOrNil(v any) (any, error) {
	switch t := v.(type) {
	case *hitl.Interaction:
		if t == nil {
			return nil, nil
		}
	case *hitl.Response:
		if t == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func scanMySQLCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		execState string
		reason    string
		ctxJSON   []byte
		pending   sql.NullString
		response  sql.NullString
		createdAt time.Time
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
	cp.CreatedAt = createdAt
	return cp, nil
}
