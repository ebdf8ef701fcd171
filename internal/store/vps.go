package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/truongvando/ezstream-sub009/pkg/models"
)

const vpsColumns = `
	id, name, ip_address, status, current_streams, max_concurrent_streams,
	last_seen_at, cpu_usage, ram_usage, disk_usage, created_at, updated_at
`

// GetVps loads a VPS row without locking
func (s *Store) GetVps(ctx context.Context, id int64) (*models.VpsServer, error) {
	query := `SELECT ` + vpsColumns + ` FROM vps_servers WHERE id = $1`
	return scanVps(s.db.QueryRowContext(ctx, query, id))
}

// GetVpsForUpdate loads a VPS row with a row lock inside the reconciliation
// transaction. Counter mutations always go through this lock so the stream
// status write and the capacity adjustment commit as one unit.
func (s *Store) GetVpsForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.VpsServer, error) {
	query := `SELECT ` + vpsColumns + ` FROM vps_servers WHERE id = $1 FOR UPDATE`
	return scanVps(tx.QueryRowContext(ctx, query, id))
}

// IncrementStreamCount bumps the VPS stream counter. Over-provisioning is
// allowed but reported back so the caller can log a capacity warning.
func (s *Store) IncrementStreamCount(ctx context.Context, tx *sql.Tx, vpsID int64) (overCapacity bool, err error) {
	vps, err := s.GetVpsForUpdate(ctx, tx, vpsID)
	if err != nil {
		return false, err
	}

	newCount := vps.CurrentStreams + 1
	query := `UPDATE vps_servers SET current_streams = $1, updated_at = NOW() WHERE id = $2`
	if _, err := tx.ExecContext(ctx, query, newCount, vpsID); err != nil {
		return false, fmt.Errorf("increment stream count: %w", err)
	}

	return newCount > vps.MaxConcurrentStreams, nil
}

// DecrementStreamCount lowers the VPS stream counter, flooring at zero.
// A decrement that finds the counter already at zero indicates a
// double-release and is reported back for logging.
func (s *Store) DecrementStreamCount(ctx context.Context, tx *sql.Tx, vpsID int64) (underflow bool, err error) {
	vps, err := s.GetVpsForUpdate(ctx, tx, vpsID)
	if err != nil {
		return false, err
	}

	if vps.CurrentStreams == 0 {
		return true, nil
	}

	query := `UPDATE vps_servers SET current_streams = current_streams - 1, updated_at = NOW() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, vpsID); err != nil {
		return false, fmt.Errorf("decrement stream count: %w", err)
	}

	return false, nil
}

// UpdateVpsLiveness stamps last_seen_at, marks the VPS active and stores the
// latest resource metrics. Runs outside the reconciliation transaction; the
// engine never reads these fields.
func (s *Store) UpdateVpsLiveness(ctx context.Context, metrics models.VpsMetrics) error {
	query := `
		UPDATE vps_servers SET
			status = $1,
			last_seen_at = $2,
			cpu_usage = $3,
			ram_usage = $4,
			disk_usage = $5,
			updated_at = NOW()
		WHERE id = $6
	`
	seenAt := metrics.Timestamp
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, query,
		models.VpsActive, seenAt, metrics.CPUUsage, metrics.RAMUsage,
		metrics.DiskUsage, metrics.VpsID,
	)
	if err != nil {
		return fmt.Errorf("update vps liveness: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update vps liveness: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkVpsProvisioned flips a PENDING VPS to ACTIVE once its agent reports
// provisioning complete.
func (s *Store) MarkVpsProvisioned(ctx context.Context, vpsID int64, maxStreams int) error {
	query := `
		UPDATE vps_servers SET
			status = $1,
			max_concurrent_streams = $2,
			last_seen_at = NOW(),
			updated_at = NOW()
		WHERE id = $3
	`
	result, err := s.db.ExecContext(ctx, query, models.VpsActive, maxStreams, vpsID)
	if err != nil {
		return fmt.Errorf("mark vps provisioned: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark vps provisioned: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkVpsFailed marks a VPS as failed inside the sweeper transaction. The
// stream counter is zeroed because its streams are errored out in the same
// transaction.
func (s *Store) MarkVpsFailed(ctx context.Context, tx *sql.Tx, vpsID int64) error {
	query := `UPDATE vps_servers SET status = $1, current_streams = 0, updated_at = NOW() WHERE id = $2`
	if _, err := tx.ExecContext(ctx, query, models.VpsFailed, vpsID); err != nil {
		return fmt.Errorf("mark vps failed: %w", err)
	}
	return nil
}

// ListStaleVps returns active VPS rows whose last_seen_at is older than the
// cutoff. Unlocked snapshot; the sweeper re-verifies staleness under the row
// lock before failing a VPS, so a heartbeat landing mid-sweep saves it.
func (s *Store) ListStaleVps(ctx context.Context, cutoff time.Time) ([]*models.VpsServer, error) {
	query := `
		SELECT ` + vpsColumns + `
		FROM vps_servers
		WHERE status = $1 AND last_seen_at IS NOT NULL AND last_seen_at < $2
	`
	rows, err := s.db.QueryContext(ctx, query, models.VpsActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale vps: %w", err)
	}
	defer rows.Close()

	var servers []*models.VpsServer
	for rows.Next() {
		vps, err := scanVpsRow(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, vps)
	}
	return servers, rows.Err()
}

// ListVps returns every VPS row, unlocked. Used by the fleet stats read
// model and the capacity exporter.
func (s *Store) ListVps(ctx context.Context) ([]*models.VpsServer, error) {
	query := `SELECT ` + vpsColumns + ` FROM vps_servers ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query vps list: %w", err)
	}
	defer rows.Close()

	var servers []*models.VpsServer
	for rows.Next() {
		vps, err := scanVpsRow(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, vps)
	}
	return servers, rows.Err()
}

// CapacityGauges returns per-VPS counter snapshots for metrics export
func (s *Store) CapacityGauges(ctx context.Context) (map[int64][2]int, error) {
	query := `SELECT id, current_streams, max_concurrent_streams FROM vps_servers`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query capacity gauges: %w", err)
	}
	defer rows.Close()

	gauges := make(map[int64][2]int)
	for rows.Next() {
		var id int64
		var current, max int
		if err := rows.Scan(&id, &current, &max); err != nil {
			return nil, fmt.Errorf("scan capacity gauge: %w", err)
		}
		gauges[id] = [2]int{current, max}
	}
	return gauges, rows.Err()
}

func scanVps(row rowScanner) (*models.VpsServer, error) {
	vps, err := scanVpsRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return vps, nil
}

func scanVpsRow(row rowScanner) (*models.VpsServer, error) {
	vps := &models.VpsServer{}
	var status string
	err := row.Scan(
		&vps.ID, &vps.Name, &vps.IPAddress, &status,
		&vps.CurrentStreams, &vps.MaxConcurrentStreams, &vps.LastSeenAt,
		&vps.CPUUsage, &vps.RAMUsage, &vps.DiskUsage,
		&vps.CreatedAt, &vps.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan vps: %w", err)
	}
	vps.Status = models.VpsStatus(status)
	return vps, nil
}
