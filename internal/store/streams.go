package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/truongvando/ezstream-sub009/pkg/models"
)

const streamColumns = `
	id, user_id, title, status, video_guid, vps_server_id, process_id,
	error_message, output_log, sync_notes, last_status_update,
	last_user_action, last_user_action_at, created_at, updated_at
`

// GetStream loads a stream configuration without locking
func (s *Store) GetStream(ctx context.Context, id int64) (*models.StreamConfiguration, error) {
	query := `SELECT ` + streamColumns + ` FROM stream_configurations WHERE id = $1`
	return scanStream(s.db.QueryRowContext(ctx, query, id))
}

// GetStreamForUpdate loads a stream configuration with a row lock. Must be
// called inside the reconciliation transaction; the lock serializes
// concurrent reports for the same stream at the database level.
func (s *Store) GetStreamForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.StreamConfiguration, error) {
	query := `SELECT ` + streamColumns + ` FROM stream_configurations WHERE id = $1 FOR UPDATE`
	return scanStream(tx.QueryRowContext(ctx, query, id))
}

// SaveStreamState persists the fields the reconciliation core owns. CRUD
// fields (title, source, destination) are never touched here.
func (s *Store) SaveStreamState(ctx context.Context, tx *sql.Tx, stream *models.StreamConfiguration) error {
	query := `
		UPDATE stream_configurations SET
			status = $1,
			vps_server_id = $2,
			process_id = $3,
			error_message = $4,
			output_log = $5,
			sync_notes = $6,
			last_status_update = $7,
			last_user_action = $8,
			last_user_action_at = $9,
			updated_at = NOW()
		WHERE id = $10
	`
	result, err := tx.ExecContext(ctx, query,
		stream.Status, stream.VpsServerID, stream.ProcessID,
		stream.ErrorMessage, stream.OutputLog, stream.SyncNotes,
		stream.LastStatusUpdate, stream.LastUserAction, stream.LastUserActionAt,
		stream.ID,
	)
	if err != nil {
		return fmt.Errorf("update stream state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stream state: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStreamsOnVps returns streams currently assigned to the VPS in one of
// the given statuses. Used by the stale-VPS sweeper.
func (s *Store) ListStreamsOnVps(ctx context.Context, tx *sql.Tx, vpsID int64, statuses []models.StreamStatus) ([]*models.StreamConfiguration, error) {
	query := `
		SELECT ` + streamColumns + `
		FROM stream_configurations
		WHERE vps_server_id = $1 AND status = ANY($2)
		FOR UPDATE
	`
	list := make([]string, 0, len(statuses))
	for _, st := range statuses {
		list = append(list, string(st))
	}

	rows, err := tx.QueryContext(ctx, query, vpsID, pq.Array(list))
	if err != nil {
		return nil, fmt.Errorf("query streams on vps: %w", err)
	}
	defer rows.Close()

	var streams []*models.StreamConfiguration
	for rows.Next() {
		stream, err := scanStreamRow(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}
	return streams, rows.Err()
}

// ListWaitingForProcessing returns ids of streams parked until an upstream
// asset finishes processing. The engine re-evaluates them after a STREAMING
// or COMPLETED transition.
func (s *Store) ListWaitingForProcessing(ctx context.Context) ([]int64, error) {
	query := `SELECT id FROM stream_configurations WHERE status = $1 ORDER BY id`
	return s.queryStreamIDs(ctx, query, models.StreamWaitingForProcessing)
}

// ListWaitingForAsset returns ids of streams parked on one specific CDN
// asset. Used by the video-processing webhook path.
func (s *Store) ListWaitingForAsset(ctx context.Context, videoGuid string) ([]int64, error) {
	query := `SELECT id FROM stream_configurations WHERE status = $1 AND video_guid = $2 ORDER BY id`
	return s.queryStreamIDs(ctx, query, models.StreamWaitingForProcessing, videoGuid)
}

func (s *Store) queryStreamIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stream ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stream id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStream(row rowScanner) (*models.StreamConfiguration, error) {
	stream, err := scanStreamRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return stream, nil
}

func scanStreamRow(row rowScanner) (*models.StreamConfiguration, error) {
	stream := &models.StreamConfiguration{}
	var status string
	err := row.Scan(
		&stream.ID, &stream.UserID, &stream.Title, &status,
		&stream.VideoGuid, &stream.VpsServerID, &stream.ProcessID,
		&stream.ErrorMessage, &stream.OutputLog, &stream.SyncNotes,
		&stream.LastStatusUpdate, &stream.LastUserAction,
		&stream.LastUserActionAt, &stream.CreatedAt, &stream.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan stream: %w", err)
	}
	stream.Status = models.StreamStatus(status)
	return stream, nil
}
