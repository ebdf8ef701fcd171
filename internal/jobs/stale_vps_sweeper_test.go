package jobs

import (
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream-sub009/internal/reconciler"
	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/pkg/models"
)

var vpsCols = []string{
	"id", "name", "ip_address", "status", "current_streams",
	"max_concurrent_streams", "last_seen_at", "cpu_usage", "ram_usage",
	"disk_usage", "created_at", "updated_at",
}

var streamCols = []string{
	"id", "user_id", "title", "status", "video_guid", "vps_server_id",
	"process_id", "error_message", "output_log", "sync_notes",
	"last_status_update", "last_user_action", "last_user_action_at",
	"created_at", "updated_at",
}

func newTestSweeper(t *testing.T) (*StaleVpsSweeper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine := reconciler.New(store.New(db, logger), nil, logger, nil)
	sweeper := NewStaleVpsSweeper(StaleVpsSweeperConfig{
		Engine:     engine,
		Logger:     logger,
		Interval:   time.Hour, // only the startup sweep runs in tests
		StaleAfter: 5 * time.Minute,
	})
	return sweeper, mock
}

func TestSweep_FailsStaleVpsAndStrandedStreams(t *testing.T) {
	sweeper, mock := newTestSweeper(t)

	now := time.Now()
	staleSeen := now.Add(-time.Hour)

	mock.ExpectQuery("FROM vps_servers").
		WithArgs(string(models.VpsActive), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(vpsCols).AddRow(
			int64(7), "vps-a", "203.0.113.10", string(models.VpsActive),
			1, 5, staleSeen, nil, nil, nil, now, now,
		))
	mock.ExpectBegin()
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(streamCols).AddRow(
			int64(42), int64(1), "test", string(models.StreamStreaming), nil,
			int64(7), nil, nil, nil, nil, staleSeen, nil, nil, now, now,
		))
	mock.ExpectQuery("FROM vps_servers").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(vpsCols).AddRow(
			int64(7), "vps-a", "203.0.113.10", string(models.VpsActive),
			1, 5, staleSeen, nil, nil, nil, now, now,
		))
	mock.ExpectExec("UPDATE stream_configurations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE vps_servers SET status").
		WithArgs(string(models.VpsFailed), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(models.EventLevelError, models.EventVpsMarkedFailed,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sweeper.Start()
	sweeper.Stop()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_NoStaleVpsIsQuiet(t *testing.T) {
	sweeper, mock := newTestSweeper(t)

	mock.ExpectQuery("FROM vps_servers").
		WithArgs(string(models.VpsActive), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(vpsCols))

	sweeper.Start()
	sweeper.Stop()

	assert.NoError(t, mock.ExpectationsWereMet())
}
