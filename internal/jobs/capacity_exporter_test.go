package jobs

import (
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream-sub009/internal/reconciler"
	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/pkg/monitoring"
)

func TestCapacityExporter_PublishesGauges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mc := monitoring.NewMetricsCollector("harbormaster-test", "dev", "none")
	metrics := reconciler.NewMetrics(mc)

	mock.ExpectQuery("SELECT id, current_streams, max_concurrent_streams FROM vps_servers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "current_streams", "max_concurrent_streams"}).
			AddRow(int64(7), 3, 5).
			AddRow(int64(8), 0, 10))

	exporter := NewCapacityExporter(CapacityExporterConfig{
		Store:    store.New(db, logger),
		Metrics:  metrics,
		Logger:   logger,
		Interval: time.Hour,
	})
	exporter.Start()
	exporter.Stop()

	assert.InDelta(t, 3, testutil.ToFloat64(metrics.VpsStreamCount.WithLabelValues("7")), 0.001)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.VpsStreamCount.WithLabelValues("8")), 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}
