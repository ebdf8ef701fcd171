package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream-sub009/internal/reconciler"
	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/internal/webhookauth"
	"github.com/truongvando/ezstream-sub009/pkg/models"
)

const testAppSecret = "test-app-secret"

type nopDispatcher struct{ cmds []models.StreamCommand }

func (d *nopDispatcher) Enqueue(_ context.Context, cmd models.StreamCommand) error {
	d.cmds = append(d.cmds, cmd)
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, *nopDispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.New(db, logger)
	dispatcher := &nopDispatcher{}
	engine := reconciler.New(st, dispatcher, logger, nil)

	h := New(engine, st, nil, Config{AppSecret: testAppSecret, JWTSecret: "jwt-secret"}, logger)
	router := gin.New()
	h.RegisterRoutes(router)
	return router, mock, dispatcher
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

func streamRows(id int64, status models.StreamStatus, vpsID interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(streamCols).AddRow(
		id, int64(1), "test", string(status), nil, vpsID, nil, nil, nil, nil,
		now.Add(-time.Hour), nil, nil, now, now,
	)
}

func doRequest(router *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func agentBody(streamID, vpsID int64, status string, ts time.Time) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"stream_id": streamID,
		"vps_id":    vpsID,
		"status":    status,
		"timestamp": ts.Unix(),
	})
	return b
}

func TestAgentReport_MissingTokenRejected(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := doRequest(router, http.MethodPost, "/webhook/agent-report/42",
		agentBody(42, 7, "STREAMING", time.Now()), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentReport_BadTokenRejected(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := doRequest(router, http.MethodPost, "/webhook/agent-report/42",
		agentBody(42, 7, "STREAMING", time.Now()),
		map[string]string{"X-Stream-Token": "deadbeef"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentReport_TokenForOtherStreamRejected(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token := webhookauth.StreamToken(testAppSecret, 43, time.Now())
	w := doRequest(router, http.MethodPost, "/webhook/agent-report/42",
		agentBody(42, 7, "STREAMING", time.Now()),
		map[string]string{"X-Stream-Token": token})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentReport_AppliesTransition(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(42)).
		WillReturnRows(streamRows(42, models.StreamStarting, nil))
	mock.ExpectQuery("FROM vps_servers").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(vpsCols).AddRow(
			int64(7), "vps-a", "203.0.113.10", string(models.VpsActive),
			1, 5, time.Now(), nil, nil, nil, time.Now(), time.Now(),
		))
	mock.ExpectExec("UPDATE vps_servers SET current_streams").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE stream_configurations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	token := webhookauth.StreamToken(testAppSecret, 42, time.Now())
	w := doRequest(router, http.MethodPost, "/webhook/agent-report/42",
		agentBody(42, 7, "STREAMING", time.Now()),
		map[string]string{"X-Stream-Token": token})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Applied bool   `json:"applied"`
		Reason  string `json:"reason"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Applied)
	assert.Equal(t, "STREAMING", resp.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentReport_UnknownStreamAcknowledged(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows(streamCols))
	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	token := webhookauth.StreamToken(testAppSecret, 999, time.Now())
	w := doRequest(router, http.MethodPost, "/webhook/agent-report/999",
		agentBody(999, 7, "STOPPED", time.Now()),
		map[string]string{"X-Stream-Token": token})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Applied bool   `json:"applied"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Applied)
	assert.Equal(t, reconciler.ReasonStreamNotFound, resp.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentReport_UnknownStatusVocabulary(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token := webhookauth.StreamToken(testAppSecret, 42, time.Now())
	w := doRequest(router, http.MethodPost, "/webhook/agent-report/42",
		agentBody(42, 7, "EXPLODED", time.Now()),
		map[string]string{"X-Stream-Token": token})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentReport_PathBodyMismatch(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token := webhookauth.StreamToken(testAppSecret, 42, time.Now())
	w := doRequest(router, http.MethodPost, "/webhook/agent-report/42",
		agentBody(43, 7, "STREAMING", time.Now()),
		map[string]string{"X-Stream-Token": token})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoProcessing_ValidSignatureAdvancesStreams(t *testing.T) {
	router, mock, dispatcher := newTestRouter(t)

	body, _ := json.Marshal(map[string]string{
		"EventType": "video.encoded",
		"VideoGuid": "guid-123",
	})

	mock.ExpectQuery("SELECT id FROM stream_configurations").
		WithArgs(string(models.StreamWaitingForProcessing), "guid-123").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectBegin()
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(9)).
		WillReturnRows(streamRows(9, models.StreamWaitingForProcessing, nil))
	mock.ExpectExec("UPDATE stream_configurations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sig := webhookauth.SignBody([]byte(testAppSecret), body)
	w := doRequest(router, http.MethodPost, "/webhook/video-processing", body,
		map[string]string{"X-Signature": sig})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Advanced int `json:"streams_advanced"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Advanced)
	require.Len(t, dispatcher.cmds, 1)
	assert.Equal(t, models.CommandStartStream, dispatcher.cmds[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoProcessing_TamperedBodyRejected(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	body, _ := json.Marshal(map[string]string{
		"EventType": "video.encoded",
		"VideoGuid": "guid-123",
	})
	sig := webhookauth.SignBody([]byte(testAppSecret), []byte("different body"))
	w := doRequest(router, http.MethodPost, "/webhook/video-processing", body,
		map[string]string{"X-Signature": sig})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoProcessing_IrrelevantEventIgnored(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]string{
		"EventType": "video.uploaded",
		"VideoGuid": "guid-123",
	})
	sig := webhookauth.SignBody([]byte(testAppSecret), body)
	w := doRequest(router, http.MethodPost, "/webhook/video-processing", body,
		map[string]string{"X-Signature": sig})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Advanced int `json:"streams_advanced"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Advanced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVpsStats_UpdatesLiveness(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("UPDATE vps_servers SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(map[string]interface{}{
		"vps_id":     7,
		"cpu_usage":  41.5,
		"ram_usage":  62.0,
		"disk_usage": 30.1,
		"timestamp":  time.Now().Unix(),
	})
	token := webhookauth.VpsToken(testAppSecret, 7)
	w := doRequest(router, http.MethodPost, "/webhook/vps-stats", body,
		map[string]string{"X-Auth-Token": token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVpsStats_UnknownVpsAcknowledged(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("UPDATE vps_servers SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	body, _ := json.Marshal(map[string]interface{}{
		"vps_id":     99,
		"cpu_usage":  1.0,
		"ram_usage":  1.0,
		"disk_usage": 1.0,
		"timestamp":  time.Now().Unix(),
	})
	token := webhookauth.VpsToken(testAppSecret, 99)
	w := doRequest(router, http.MethodPost, "/webhook/vps-stats", body,
		map[string]string{"X-Auth-Token": token})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Known bool `json:"known"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Known)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVpsStats_BadTokenRejectedBeforeBodyValidation(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Missing metric fields: an unauthenticated caller still gets 403, not
	// field-level validation detail
	body := []byte(`{"vps_id":7}`)
	w := doRequest(router, http.MethodPost, "/webhook/vps-stats", body,
		map[string]string{"X-Auth-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVpsStatus_BadTokenRejectedBeforeBodyValidation(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	body := []byte(`{"vps_id":7}`)
	w := doRequest(router, http.MethodPost, "/webhook/vps-status", body,
		map[string]string{"X-Auth-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVpsProvision_ActivatesOnReady(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("UPDATE vps_servers SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token, err := webhookauth.IssueProvisionToken("jwt-secret", 7, time.Hour)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]interface{}{
		"status": "ready",
		"specs":  map[string]interface{}{"max_concurrent_streams": 5},
	})
	w := doRequest(router, http.MethodPost, "/webhook/vps-provision", body,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Activated bool `json:"activated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Activated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVpsProvision_ExpiredTokenRejected(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token, err := webhookauth.IssueProvisionToken("jwt-secret", 7, -time.Hour)
	require.NoError(t, err)

	w := doRequest(router, http.MethodPost, "/webhook/vps-provision",
		[]byte(`{"status":"ready"}`),
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVpsStatus_AppliesEachStreamEntry(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	now := time.Now()
	body, _ := json.Marshal(map[string]interface{}{
		"vps_id":         7,
		"active_streams": 1,
		"max_streams":    5,
		"timestamp":      now.Unix(),
		"streams": map[string]interface{}{
			"42": map[string]interface{}{"status": "STREAMING"},
		},
	})

	mock.ExpectBegin()
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(42)).
		WillReturnRows(streamRows(42, models.StreamStreaming, int64(7)))
	mock.ExpectExec("UPDATE stream_configurations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	token := webhookauth.VpsToken(testAppSecret, 7)
	w := doRequest(router, http.MethodPost, "/webhook/vps-status", body,
		map[string]string{"X-Auth-Token": token})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Applied  int `json:"applied"`
		Rejected int `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, 0, resp.Rejected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartStream_Conflict(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(42)).
		WillReturnRows(streamRows(42, models.StreamStreaming, int64(7)))
	mock.ExpectRollback()

	w := doRequest(router, http.MethodPost, "/streams/42/start", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStopStream_EnqueuesCommand(t *testing.T) {
	router, mock, dispatcher := newTestRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(42)).
		WillReturnRows(streamRows(42, models.StreamStreaming, int64(7)))
	mock.ExpectExec("UPDATE stream_configurations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w := doRequest(router, http.MethodPost, "/streams/42/stop", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, dispatcher.cmds, 1)
	assert.Equal(t, models.CommandStopStream, dispatcher.cmds[0].Type)
	require.NotNil(t, dispatcher.cmds[0].VpsID)
	assert.Equal(t, int64(7), *dispatcher.cmds[0].VpsID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartStream_NotFound(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM stream_configurations").
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows(streamCols))
	mock.ExpectRollback()

	w := doRequest(router, http.MethodPost, "/streams/999/start", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
