package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentgraph/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/agentgraph.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.Contains(dbPath, ":") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Graphs ---

// SaveGraph inserts or replaces a graph document. CreatedAt is kept on update.
func (s *LibSQLStore) SaveGraph(ctx context.Context, rec *GraphRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "graph id is required")
	}
	if rec.Kind == "" {
		rec.Kind = schema.GraphKindWorkflow
	}
	g := rec.Graph
	if g == nil {
		g = &schema.Graph{}
	}
	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	now := time.Now().UTC()
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (id, name, kind, document, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, document=excluded.document, updated_at=excluded.updated_at`,
		rec.ID, rec.Name, string(rec.Kind), string(doc), rec.CreatedAt, now,
	)
	return wrapStore("save graph", err)
}

func (s *LibSQLStore) GetGraph(ctx context.Context, id string) (*GraphRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, document, created_at, updated_at FROM graphs WHERE id = ?`, id)
	rec, err := scanGraph(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("graph", id)
	}
	return rec, err
}

func (s *LibSQLStore) ListGraphs(ctx context.Context, filter GraphFilter) ([]*GraphRecord, error) {
	query := `SELECT id, name, kind, document, created_at, updated_at FROM graphs`
	var args []any
	if filter.Kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(filter.Kind))
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore("list graphs", err)
	}
	defer rows.Close()

	var out []*GraphRecord
	for rows.Next() {
		rec, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteGraph(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = ?`, id)
	if err != nil {
		return wrapStore("delete graph", err)
	}
	return checkRowsAffected(res, "graph", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGraph(row rowScanner) (*GraphRecord, error) {
	rec := &GraphRecord{}
	var kind, doc string
	if err := row.Scan(&rec.ID, &rec.Name, &kind, &doc, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Kind = schema.GraphKind(kind)
	rec.Graph = &schema.Graph{}
	if err := json.Unmarshal([]byte(doc), rec.Graph); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "graph %q: corrupt document", rec.ID).WithCause(err)
	}
	return rec, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if strings.TrimSpace(exec.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, graph_id, status, error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, nullStr(exec.GraphID), string(exec.Status), nullStr(exec.Error), exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return wrapStore("create execution", err)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec := &Execution{}
	var graphID, errMsg, nodeStates sql.NullString
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, status, last_seq, error, node_states, snapshot_seq, created_at, updated_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.ID, &graphID, &status, &exec.LastSeq, &errMsg, &nodeStates, &exec.SnapshotSeq,
		&exec.CreatedAt, &exec.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, wrapStore("get execution", err)
	}
	exec.GraphID = graphID.String
	exec.Error = errMsg.String
	exec.Status = schema.ExecutionStatus(status)
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if raw := rawOrNil(nodeStates); raw != nil {
		if err := json.Unmarshal(raw, &exec.Snapshot); err != nil {
			return nil, wrapStore("decode node states", err)
		}
	}
	return exec, nil
}

// SaveSnapshot records the node projection through throughSeq. An older
// snapshot never replaces a newer one.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, id string, nodes map[string]schema.NodeState, throughSeq int64) error {
	data, err := json.Marshal(nodes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode node states").WithCause(err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET node_states = ?, snapshot_seq = ?, updated_at = ?
		 WHERE id = ? AND snapshot_seq <= ?`,
		string(data), throughSeq, time.Now().UTC(), id, throughSeq,
	)
	if err != nil {
		return wrapStore("save snapshot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStore("rows affected", err)
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateExecutionStatus moves an execution along its lifecycle. Terminal
// statuses are final; setting the current status again is a no-op.
func (s *LibSQLStore) UpdateExecutionStatus(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStore("begin tx", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return wrapStore("read execution status", err)
	}
	from := schema.ExecutionStatus(current)
	if from == status {
		return nil
	}
	if !isValidExecutionTransition(from, status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, status).
			WithDetails(map[string]any{"execution_id": id, "from": string(from), "to": string(status)})
	}

	now := time.Now().UTC()
	var completedAt any
	if IsTerminal(status) {
		completedAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, error = COALESCE(?, error), updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(status), nullStr(errMsg), now, completedAt, id,
	); err != nil {
		return wrapStore("update execution", err)
	}
	return wrapStore("commit execution update", tx.Commit())
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStore("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
