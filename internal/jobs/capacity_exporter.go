package jobs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/truongvando/ezstream-sub009/internal/reconciler"
	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/pkg/logging"
)

// CapacityExporter periodically publishes per-VPS stream counters as gauges.
// Counters are mutated inside reconciliation transactions; exporting from a
// poll keeps the hot path free of metric writes that need a database read.
type CapacityExporter struct {
	store    *store.Store
	metrics  *reconciler.Metrics
	logger   logging.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// CapacityExporterConfig holds configuration for the exporter.
type CapacityExporterConfig struct {
	Store    *store.Store
	Metrics  *reconciler.Metrics
	Logger   logging.Logger
	Interval time.Duration // How often to export (default: 15 seconds)
}

// NewCapacityExporter creates a new capacity exporter.
func NewCapacityExporter(cfg CapacityExporterConfig) *CapacityExporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &CapacityExporter{
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background export loop.
func (j *CapacityExporter) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("Capacity exporter started")
}

// Stop gracefully stops the exporter.
func (j *CapacityExporter) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Capacity exporter stopped")
}

func (j *CapacityExporter) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.export()

	for {
		select {
		case <-ticker.C:
			j.export()
		case <-j.stopCh:
			return
		}
	}
}

func (j *CapacityExporter) export() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gauges, err := j.store.CapacityGauges(ctx)
	if err != nil {
		j.logger.WithError(err).Error("Failed to read capacity gauges")
		return
	}
	for vpsID, counts := range gauges {
		j.metrics.SetVpsStreamCount(strconv.FormatInt(vpsID, 10), counts[0])
	}
}
