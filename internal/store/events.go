package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/truongvando/ezstream-sub009/pkg/models"
)

// AppendEvent writes one audit record outside any transaction. Used for
// rejections that never open a reconciliation transaction (auth failures,
// malformed payloads, unknown streams).
func (s *Store) AppendEvent(ctx context.Context, entry models.EventLogEntry) error {
	return appendEvent(ctx, s.db, entry)
}

// AppendEventTx writes one audit record inside the reconciliation
// transaction so the transition and its log line commit together.
func (s *Store) AppendEventTx(ctx context.Context, tx *sql.Tx, entry models.EventLogEntry) error {
	return appendEvent(ctx, tx, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func appendEvent(ctx context.Context, db execer, entry models.EventLogEntry) error {
	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("marshal event context: %w", err)
	}

	query := `
		INSERT INTO event_logs (level, type, message, context, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := db.ExecContext(ctx, query, entry.Level, entry.Type, entry.Message, contextJSON); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
