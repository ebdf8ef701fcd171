package store

import (
	"context"
	"database/sql/driver"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream-sub009/pkg/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(db, logger), mock
}

var streamCols = []string{
	"id", "user_id", "title", "status", "video_guid", "vps_server_id",
	"process_id", "error_message", "output_log", "sync_notes",
	"last_status_update", "last_user_action", "last_user_action_at",
	"created_at", "updated_at",
}

var vpsCols = []string{
	"id", "name", "ip_address", "status", "current_streams",
	"max_concurrent_streams", "last_seen_at", "cpu_usage", "ram_usage",
	"disk_usage", "created_at", "updated_at",
}

func TestGetStream_ScansNullableFields(t *testing.T) {
	st, mock := newTestStore(t)

	now := time.Now()
	lastUpdate := now.Add(-time.Minute)
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(streamCols).AddRow(
			int64(42), int64(3), "launch stream", "STREAMING", "guid-1",
			int64(7), 1234, nil, nil, "note", lastUpdate, "start",
			now.Add(-time.Hour), now, now,
		))

	stream, err := st.GetStream(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stream.ID)
	assert.Equal(t, models.StreamStreaming, stream.Status)
	require.NotNil(t, stream.VideoGuid)
	assert.Equal(t, "guid-1", *stream.VideoGuid)
	require.NotNil(t, stream.VpsServerID)
	assert.Equal(t, int64(7), *stream.VpsServerID)
	require.NotNil(t, stream.ProcessID)
	assert.Equal(t, 1234, *stream.ProcessID)
	assert.Nil(t, stream.ErrorMessage)
	require.NotNil(t, stream.LastUserAction)
	assert.Equal(t, "start", *stream.LastUserAction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStream_NotFound(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows(streamCols))

	_, err := st.GetStream(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveStreamState_ZeroRowsIsNotFound(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE stream_configurations SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	err = st.SaveStreamState(context.Background(), tx, &models.StreamConfiguration{
		ID:     999,
		Status: models.StreamInactive,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementStreamCount_ReportsOverCapacity(t *testing.T) {
	st, mock := newTestStore(t)

	now := time.Now()
	tests := []struct {
		name     string
		current  int
		max      int
		wantOver bool
	}{
		{"under capacity", 2, 5, false},
		{"reaches capacity", 4, 5, false},
		{"exceeds capacity", 5, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectBegin()
			mock.ExpectQuery("FROM vps_servers").
				WithArgs(int64(7)).
				WillReturnRows(sqlmock.NewRows(vpsCols).AddRow(
					int64(7), "vps-a", "203.0.113.10", string(models.VpsActive),
					tt.current, tt.max, now, nil, nil, nil, now, now,
				))
			mock.ExpectExec("UPDATE vps_servers SET current_streams").
				WithArgs(tt.current+1, int64(7)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectRollback()

			tx, err := st.Begin(context.Background())
			require.NoError(t, err)
			defer tx.Rollback()

			over, err := st.IncrementStreamCount(context.Background(), tx, 7)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOver, over)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementStreamCount_FloorsAtZero(t *testing.T) {
	st, mock := newTestStore(t)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM vps_servers").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(vpsCols).AddRow(
			int64(7), "vps-a", "203.0.113.10", string(models.VpsActive),
			0, 5, now, nil, nil, nil, now, now,
		))
	mock.ExpectRollback()

	tx, err := st.Begin(context.Background())
	require.NoError(t, err)

	underflow, err := st.DecrementStreamCount(context.Background(), tx, 7)
	require.NoError(t, err)
	assert.True(t, underflow)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateVpsLiveness_UnknownVps(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec("UPDATE vps_servers SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.UpdateVpsLiveness(context.Background(), models.VpsMetrics{
		VpsID: 99, CPUUsage: 1, RAMUsage: 1, DiskUsage: 1, Timestamp: time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

type jsonContains struct{ substr string }

func (a jsonContains) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		s, ok := v.(string)
		if !ok {
			return false
		}
		b = []byte(s)
	}
	return strings.Contains(string(b), a.substr)
}

func TestAppendEvent_SerializesContext(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(models.EventLevelWarn, models.EventCapacityWarning,
			"vps 7 over capacity", jsonContains{substr: `"vps_id":7`}).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := st.AppendEvent(context.Background(), models.EventLogEntry{
		Level:   models.EventLevelWarn,
		Type:    models.EventCapacityWarning,
		Message: "vps 7 over capacity",
		Context: map[string]interface{}{"vps_id": 7},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListWaitingForAsset_FiltersByGuid(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery("SELECT id FROM stream_configurations").
		WithArgs(string(models.StreamWaitingForProcessing), "guid-9").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)).AddRow(int64(11)))

	ids, err := st.ListWaitingForAsset(context.Background(), "guid-9")
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 11}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
