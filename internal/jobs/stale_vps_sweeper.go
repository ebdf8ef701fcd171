// Package jobs holds the background maintenance loops.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/truongvando/ezstream-sub009/internal/reconciler"
	"github.com/truongvando/ezstream-sub009/pkg/logging"
)

// StaleVpsSweeper fails VPS hosts that stopped sending heartbeats and errors
// out the streams stranded on them.
type StaleVpsSweeper struct {
	engine     *reconciler.Engine
	logger     logging.Logger
	interval   time.Duration
	staleAfter time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// StaleVpsSweeperConfig holds configuration for the sweeper.
type StaleVpsSweeperConfig struct {
	Engine     *reconciler.Engine
	Logger     logging.Logger
	Interval   time.Duration // How often to run (default: 1 minute)
	StaleAfter time.Duration // Fail hosts silent longer than this (default: 5 minutes)
}

// NewStaleVpsSweeper creates a new stale VPS sweeper.
func NewStaleVpsSweeper(cfg StaleVpsSweeperConfig) *StaleVpsSweeper {
	interval := cfg.Interval
	if interval == 0 {
		interval = 1 * time.Minute
	}
	staleAfter := cfg.StaleAfter
	if staleAfter == 0 {
		staleAfter = 5 * time.Minute
	}
	return &StaleVpsSweeper{
		engine:     cfg.Engine,
		logger:     cfg.Logger,
		interval:   interval,
		staleAfter: staleAfter,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (j *StaleVpsSweeper) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("Stale VPS sweeper started")
}

// Stop gracefully stops the sweeper.
func (j *StaleVpsSweeper) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Stale VPS sweeper stopped")
}

func (j *StaleVpsSweeper) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *StaleVpsSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-j.staleAfter)
	failedVps, erroredStreams, err := j.engine.SweepStale(ctx, cutoff)
	if err != nil {
		j.logger.WithError(err).Error("Stale VPS sweep failed")
		return
	}
	if failedVps > 0 {
		j.logger.WithFields(logging.Fields{
			"failed_vps":      failedVps,
			"errored_streams": erroredStreams,
		}).Warn("Stale VPS sweep failed unresponsive hosts")
	}
}
