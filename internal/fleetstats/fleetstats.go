// Package fleetstats maintains a Redis-cached read model of VPS fleet
// health. Dashboards and the balancer read from here instead of hitting
// Postgres on every poll; the database stays the source of truth.
package fleetstats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/pkg/logging"
	"github.com/truongvando/ezstream-sub009/pkg/models"
)

const (
	vpsKeyPrefix = "fleet:vps:"
	summaryKey   = "fleet:summary"

	// DefaultTTL bounds staleness of cached snapshots. Stats pushes arrive
	// roughly every 10s per agent, so a 30s TTL survives one missed push.
	DefaultTTL = 30 * time.Second
)

// Snapshot is the cached view of one VPS
type Snapshot struct {
	VpsID             int64            `json:"vps_id"`
	Name              string           `json:"name"`
	Status            models.VpsStatus `json:"status"`
	CurrentStreams    int              `json:"current_streams"`
	MaxStreams        int              `json:"max_streams"`
	AvailableCapacity int              `json:"available_capacity"`
	CPUUsage          *float64         `json:"cpu_usage,omitempty"`
	RAMUsage          *float64         `json:"ram_usage,omitempty"`
	DiskUsage         *float64         `json:"disk_usage,omitempty"`
	LastSeenAt        *time.Time       `json:"last_seen_at,omitempty"`
	CachedAt          time.Time        `json:"cached_at"`
}

// Summary is the cached fleet-wide aggregate
type Summary struct {
	TotalVps      int       `json:"total_vps"`
	ActiveVps     int       `json:"active_vps"`
	FailedVps     int       `json:"failed_vps"`
	TotalStreams  int       `json:"total_streams"`
	TotalCapacity int       `json:"total_capacity"`
	CachedAt      time.Time `json:"cached_at"`
}

// Cache is the cache-aside layer over the VPS registry
type Cache struct {
	rdb    goredis.UniversalClient
	store  *store.Store
	ttl    time.Duration
	logger logging.Logger
}

// New creates the fleet stats cache
func New(rdb goredis.UniversalClient, st *store.Store, ttl time.Duration, logger logging.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, store: st, ttl: ttl, logger: logger}
}

func vpsKey(id int64) string {
	return fmt.Sprintf("%s%d", vpsKeyPrefix, id)
}

// RecordLiveness refreshes the cached snapshot for a VPS straight from a
// stats push, without a database round trip. Called on the hot liveness path
// after the registry row is updated.
func (c *Cache) RecordLiveness(ctx context.Context, vps *models.VpsServer, metrics models.VpsMetrics) {
	snap := snapshotFrom(vps)
	snap.CPUUsage = &metrics.CPUUsage
	snap.RAMUsage = &metrics.RAMUsage
	snap.DiskUsage = &metrics.DiskUsage
	seen := metrics.Timestamp
	if seen.IsZero() {
		seen = time.Now()
	}
	snap.LastSeenAt = &seen

	if err := c.put(ctx, vpsKey(vps.ID), snap); err != nil {
		c.logger.WithError(err).WithField("vps_id", vps.ID).Warn("Failed to cache VPS snapshot")
	}
	// Aggregate is stale now; next summary read rebuilds it
	if err := c.rdb.Del(ctx, summaryKey).Err(); err != nil {
		c.logger.WithError(err).Warn("Failed to invalidate fleet summary")
	}
}

// Invalidate drops the cached snapshot for a VPS. Called after reconciliation
// mutates its stream counter.
func (c *Cache) Invalidate(ctx context.Context, vpsID int64) {
	if err := c.rdb.Del(ctx, vpsKey(vpsID), summaryKey).Err(); err != nil {
		c.logger.WithError(err).WithField("vps_id", vpsID).Warn("Failed to invalidate VPS snapshot")
	}
}

// VpsSnapshot returns the cached view of one VPS, falling back to the
// database on a miss.
func (c *Cache) VpsSnapshot(ctx context.Context, vpsID int64) (*Snapshot, error) {
	key := vpsKey(vpsID)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var snap Snapshot
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
			return &snap, nil
		}
		// Corrupt entry, fall through to rebuild
	} else if !errors.Is(err, goredis.Nil) {
		c.logger.WithError(err).WithField("vps_id", vpsID).Warn("Redis read failed, falling back to database")
	}

	vps, err := c.store.GetVps(ctx, vpsID)
	if err != nil {
		return nil, err
	}
	snap := snapshotFrom(vps)
	if err := c.put(ctx, key, snap); err != nil {
		c.logger.WithError(err).WithField("vps_id", vpsID).Warn("Failed to cache VPS snapshot")
	}
	return snap, nil
}

// FleetSummary returns the fleet-wide aggregate, rebuilding it from the
// database on a miss.
func (c *Cache) FleetSummary(ctx context.Context) (*Summary, error) {
	raw, err := c.rdb.Get(ctx, summaryKey).Bytes()
	if err == nil {
		var summary Summary
		if jsonErr := json.Unmarshal(raw, &summary); jsonErr == nil {
			return &summary, nil
		}
	} else if !errors.Is(err, goredis.Nil) {
		c.logger.WithError(err).Warn("Redis read failed, falling back to database")
	}

	servers, err := c.store.ListVps(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{TotalVps: len(servers), CachedAt: time.Now()}
	for _, vps := range servers {
		switch vps.Status {
		case models.VpsActive:
			summary.ActiveVps++
			summary.TotalStreams += vps.CurrentStreams
			summary.TotalCapacity += vps.MaxConcurrentStreams
		case models.VpsFailed:
			summary.FailedVps++
		}
	}

	if err := c.put(ctx, summaryKey, summary); err != nil {
		c.logger.WithError(err).Warn("Failed to cache fleet summary")
	}
	return summary, nil
}

func (c *Cache) put(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func snapshotFrom(vps *models.VpsServer) *Snapshot {
	return &Snapshot{
		VpsID:             vps.ID,
		Name:              vps.Name,
		Status:            vps.Status,
		CurrentStreams:    vps.CurrentStreams,
		MaxStreams:        vps.MaxConcurrentStreams,
		AvailableCapacity: vps.AvailableCapacity(),
		CPUUsage:          vps.CPUUsage,
		RAMUsage:          vps.RAMUsage,
		DiskUsage:         vps.DiskUsage,
		LastSeenAt:        vps.LastSeenAt,
		CachedAt:          time.Now(),
	}
}
