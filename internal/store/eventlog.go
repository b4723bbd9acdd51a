package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AppendEvent appends an event and assigns its seq. The counter lives on the
// execution row, so seqs stay monotonic even after the log is truncated. The
// UPDATE takes the write lock before the seq is read back.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Type == "" {
		return fmt.Errorf("append event: missing type")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStore("begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET last_seq = last_seq + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, event.ExecutionID)
	if err != nil {
		return wrapStore("advance sequence", err)
	}
	if err := checkRowsAffected(res, "execution", event.ExecutionID); err != nil {
		return err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_seq FROM executions WHERE id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return wrapStore("read sequence", err)
	}

	event.Timestamp = timeOrNow(event.Timestamp)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, seq, event_type, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
		event.ExecutionID, seq, event.Type, nullRaw(event.Data), event.Timestamp,
	); err != nil {
		return wrapStore("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapStore("commit event", err)
	}
	event.Seq = seq
	return nil
}

// GetEvents returns events with seq > since, ordered by seq.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, seq, event_type, data, timestamp
		 FROM events WHERE execution_id = ? AND seq > ? ORDER BY seq ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, wrapStore("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var data sql.NullString
		if err := rows.Scan(&e.ExecutionID, &e.Seq, &e.Type, &data, &e.Timestamp); err != nil {
			return nil, wrapStore("scan event", err)
		}
		e.Data = rawOrNil(data)
		events = append(events, e)
	}
	return events, rows.Err()
}

// OldestSeq returns the lowest retained seq. With nothing retained it returns
// LatestSeq+1, the first seq that will still be replayable.
func (s *LibSQLStore) OldestSeq(ctx context.Context, executionID string) (int64, error) {
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(seq) FROM events WHERE execution_id = ?`, executionID,
	).Scan(&oldest); err != nil {
		return 0, wrapStore("oldest seq", err)
	}
	if oldest.Valid {
		return oldest.Int64, nil
	}
	latest, err := s.LatestSeq(ctx, executionID)
	if err != nil {
		return 0, err
	}
	return latest + 1, nil
}

// LatestSeq returns the last assigned seq, 0 before the first append.
func (s *LibSQLStore) LatestSeq(ctx context.Context, executionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM executions WHERE id = ?`, executionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storeNotFound("execution", executionID)
	}
	if err != nil {
		return 0, wrapStore("latest seq", err)
	}
	return seq, nil
}

// TruncateEvents deletes events with seq < before and returns how many went.
func (s *LibSQLStore) TruncateEvents(ctx context.Context, executionID string, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE execution_id = ? AND seq < ?`, executionID, before)
	if err != nil {
		return 0, wrapStore("truncate events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStore("rows affected", err)
	}
	return n, nil
}
