package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/storage"
)

// GetSessionHistory returns every tool recorded against sessionID.
func (s *Store) GetSessionHistory(ctx context.Context, sessionID string) ([]storage.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_md5, tool_name, retrieved_at FROM session_tool_history WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, brokererr.NewInternal("querying session history", err)
	}
	defer func() { _ = rows.Close() }()

	var result []storage.SessionRecord
	for rows.Next() {
		var rec storage.SessionRecord
		var retrievedAtStr string
		if err := rows.Scan(&rec.ToolMD5, &rec.ToolName, &retrievedAtStr); err != nil {
			return nil, brokererr.NewInternal("scanning session history row", err)
		}
		retrievedAt, err := parseTime(retrievedAtStr)
		if err != nil {
			return nil, brokererr.NewInternal("parsing retrieved_at", err)
		}
		rec.RetrievedAt = retrievedAt
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, brokererr.NewInternal("iterating session history", err)
	}

	return result, nil
}

// IsRetrieved reports whether toolMD5 has already been recorded for
// sessionID.
func (s *Store) IsRetrieved(ctx context.Context, sessionID, toolMD5 string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM session_tool_history WHERE session_id = ? AND tool_md5 = ?`, sessionID, toolMD5,
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, brokererr.NewInternal("checking session history", err)
	}
	return true, nil
}

// RecordRetrieved records toolMD5 as retrieved for sessionID. Idempotent on
// the (session_id, tool_md5) unique key.
func (s *Store) RecordRetrieved(ctx context.Context, sessionID, toolMD5, toolName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_tool_history (session_id, tool_md5, tool_name, retrieved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, tool_md5) DO NOTHING`,
		sessionID, toolMD5, toolName, formatTime(time.Now()),
	)
	if err != nil {
		return brokererr.NewInternal("recording session history", err)
	}
	return nil
}

// RecordRetrievedBatch records every record for sessionID within a single
// transaction.
func (s *Store) RecordRetrievedBatch(ctx context.Context, sessionID string, records []storage.SessionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokererr.NewInternal("beginning transaction", err)
	}
	defer rollback(tx)

	now := formatTime(time.Now())
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_tool_history (session_id, tool_md5, tool_name, retrieved_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (session_id, tool_md5) DO NOTHING`,
			sessionID, rec.ToolMD5, rec.ToolName, now,
		); err != nil {
			return brokererr.NewInternal("recording session history batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return brokererr.NewInternal("committing transaction", err)
	}
	return nil
}

// ClearSession deletes all history for sessionID.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_tool_history WHERE session_id = ?`, sessionID); err != nil {
		return brokererr.NewInternal("clearing session", err)
	}
	return nil
}

// SessionStats summarizes sessionID's retrieval history.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (storage.SessionStats, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_tool_history WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return storage.SessionStats{}, brokererr.NewInternal("computing session stats", err)
	}
	return storage.SessionStats{SessionID: sessionID, ToolCount: count}, nil
}
