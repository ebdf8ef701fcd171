package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/truongvando/ezstream-sub009/pkg/logging"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Store bundles the durable state the reconciliation core operates on:
// stream configurations, the VPS registry and the append-only event log.
// All reconciliation mutations happen inside a single transaction obtained
// from Begin.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a Store backed by the given database handle
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the raw handle for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// Begin opens a transaction for a reconciliation unit of work
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}
