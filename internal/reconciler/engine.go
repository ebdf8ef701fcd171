// Package reconciler applies canonical agent reports to the stream state
// store and the VPS registry as one atomic unit, tolerating out-of-order,
// duplicated and delayed deliveries.
package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/pkg/logging"
	"github.com/truongvando/ezstream-sub009/pkg/models"
)

// Dispatcher places outbound commands for agents on the queue. Enqueue is
// only ever called after the state mutation has committed.
type Dispatcher interface {
	Enqueue(ctx context.Context, cmd models.StreamCommand) error
}

// Result describes the outcome of applying one report
type Result struct {
	Applied         bool
	Reason          string
	PreviousStatus  models.StreamStatus
	ResultingStatus models.StreamStatus
}

// Result reasons
const (
	ReasonApplied        = "applied"
	ReasonHeartbeat      = "heartbeat"
	ReasonStreamNotFound = "stream_not_found"
	ReasonVpsNotFound    = "vps_not_found"
	ReasonStaleReport    = "stale_report"
)

// Engine is the reconciliation state machine
type Engine struct {
	store      *store.Store
	dispatcher Dispatcher
	logger     logging.Logger
	metrics    *Metrics
	locks      *streamLocks

	// wakeConcurrency bounds the post-commit fan-out that re-evaluates
	// streams waiting on processing
	wakeConcurrency int
}

// New creates a reconciliation engine
func New(st *store.Store, dispatcher Dispatcher, logger logging.Logger, metrics *Metrics) *Engine {
	return &Engine{
		store:           st,
		dispatcher:      dispatcher,
		logger:          logger,
		metrics:         metrics,
		locks:           newStreamLocks(),
		wakeConcurrency: 4,
	}
}

// Apply folds one canonical report into the authoritative state. Reports for
// unknown streams and stale reports are acknowledged without mutation so
// agents do not retry them forever; engine-internal failures are returned as
// errors and are safe to retry.
func (e *Engine) Apply(ctx context.Context, report models.AgentReport) (Result, error) {
	start := time.Now()
	defer func() {
		e.metrics.observeDuration(string(report.Source), time.Since(start).Seconds())
	}()

	unlock := e.locks.Lock(report.StreamID)
	defer unlock()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback() }()

	stream, err := e.store.GetStreamForUpdate(ctx, tx, report.StreamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.rejectUnknownStream(ctx, report)
		}
		return Result{}, err
	}

	// Staleness: accept only reports strictly newer than the last accepted
	// one. Equal timestamps are duplicates. Heartbeats are exempt; they
	// carry no transition and only refresh liveness.
	if !report.Heartbeat && stream.LastStatusUpdate != nil && !report.Timestamp.After(*stream.LastStatusUpdate) {
		return e.rejectStale(ctx, stream, report)
	}

	if report.Heartbeat {
		return e.applyHeartbeat(ctx, tx, stream, report)
	}

	oldStatus := stream.Status
	newStatus := report.Status

	// A user action newer than the report that contradicts it is surfaced
	// in sync_notes; the agent's report still wins because agents report
	// physical reality.
	if conflictsWithUserAction(stream, report) {
		appendSyncNote(stream, fmt.Sprintf(
			"agent reported %s after user requested %s at %s; applying agent state",
			report.ReportedStatus, *stream.LastUserAction,
			stream.LastUserActionAt.UTC().Format(time.RFC3339),
		))
	}
	if report.Note != "" {
		appendSyncNote(stream, report.Note)
	}

	capacityWarned, underflowWarned, err := e.applySideEffects(ctx, tx, stream, report, oldStatus, newStatus)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.rejectUnknownVps(ctx, stream, report)
		}
		return Result{}, err
	}

	stream.Status = newStatus
	ts := report.Timestamp
	stream.LastStatusUpdate = &ts
	if report.ProcessID != nil && newStatus.Running() {
		stream.ProcessID = report.ProcessID
	}
	if newStatus == models.StreamError {
		msg := report.Message
		if msg == "" {
			msg = "agent reported an unspecified error"
		}
		stream.ErrorMessage = &msg
	}

	if err := e.store.SaveStreamState(ctx, tx, stream); err != nil {
		return Result{}, err
	}

	eventCtx := map[string]interface{}{
		"stream_id":  report.StreamID,
		"vps_id":     report.VpsID,
		"source":     report.Source,
		"old_status": oldStatus,
		"new_status": newStatus,
		"reported":   report.ReportedStatus,
		"timestamp":  report.Timestamp.Unix(),
	}
	if capacityWarned {
		eventCtx["capacity_warning"] = true
	}
	if underflowWarned {
		eventCtx["counter_underflow"] = true
	}
	if err := e.store.AppendEventTx(ctx, tx, models.EventLogEntry{
		Level:   models.EventLevelInfo,
		Type:    models.EventStreamTransition,
		Message: fmt.Sprintf("stream %d: %s -> %s (%s)", report.StreamID, oldStatus, newStatus, report.Source),
		Context: eventCtx,
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit reconciliation: %w", err)
	}

	e.metrics.report(string(report.Source), ReasonApplied)
	e.metrics.transition(string(oldStatus), string(newStatus))

	e.logger.WithFields(logging.Fields{
		"stream_id":  report.StreamID,
		"vps_id":     report.VpsID,
		"old_status": oldStatus,
		"new_status": newStatus,
		"source":     report.Source,
	}).Info("Applied agent report")

	// Fan-out off the critical path: a stream going live or completing may
	// unblock streams waiting on the same processing pipeline.
	if newStatus == models.StreamStreaming || newStatus == models.StreamCompleted {
		go e.wakeWaiting(context.WithoutCancel(ctx))
	}

	return Result{
		Applied:         true,
		Reason:          ReasonApplied,
		PreviousStatus:  oldStatus,
		ResultingStatus: newStatus,
	}, nil
}

// applySideEffects performs the VPS capacity bookkeeping tied to the status
// transition, inside the same transaction as the stream write.
func (e *Engine) applySideEffects(ctx context.Context, tx *sql.Tx, stream *models.StreamConfiguration, report models.AgentReport, oldStatus, newStatus models.StreamStatus) (capacityWarned, underflowWarned bool, err error) {
	// Entering STREAMING claims a slot, once: assignment happens only when
	// the stream is not already bound to a VPS.
	if newStatus == models.StreamStreaming && stream.VpsServerID == nil {
		vpsID := report.VpsID
		over, err := e.store.IncrementStreamCount(ctx, tx, vpsID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, false, fmt.Errorf("report references unknown vps %d: %w", vpsID, err)
			}
			return false, false, err
		}
		stream.VpsServerID = &vpsID
		if over {
			capacityWarned = true
			e.metrics.capacityWarning(strconv.FormatInt(vpsID, 10))
			e.logger.WithFields(logging.Fields{
				"vps_id":    vpsID,
				"stream_id": stream.ID,
			}).Warn("VPS over capacity after stream assignment")
		}
	}

	// Leaving a capacity-holding state releases the slot exactly once and
	// clears the assignment. STOPPING is included so a confirmed stop frees
	// the slot it was still occupying.
	releasing := oldStatus.HoldsCapacity() &&
		(newStatus == models.StreamInactive || newStatus == models.StreamError || newStatus == models.StreamCompleted)
	if releasing && stream.VpsServerID != nil {
		underflow, err := e.store.DecrementStreamCount(ctx, tx, *stream.VpsServerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return capacityWarned, false, err
		}
		if underflow {
			underflowWarned = true
			e.logger.WithFields(logging.Fields{
				"vps_id":    *stream.VpsServerID,
				"stream_id": stream.ID,
			}).Warn("VPS stream counter already at zero on release")
		}
		stream.VpsServerID = nil
		stream.ProcessID = nil
	}

	return capacityWarned, underflowWarned, nil
}

func (e *Engine) applyHeartbeat(ctx context.Context, tx *sql.Tx, stream *models.StreamConfiguration, report models.AgentReport) (Result, error) {
	// Heartbeats refresh last_status_update without a transition. The
	// timestamp only ever moves forward.
	if stream.LastStatusUpdate == nil || report.Timestamp.After(*stream.LastStatusUpdate) {
		ts := report.Timestamp
		stream.LastStatusUpdate = &ts
	}
	if report.Message != "" {
		msg := report.Message
		stream.OutputLog = &msg
	}

	if err := e.store.SaveStreamState(ctx, tx, stream); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit heartbeat: %w", err)
	}

	e.metrics.report(string(report.Source), ReasonHeartbeat)
	return Result{
		Applied:         true,
		Reason:          ReasonHeartbeat,
		PreviousStatus:  stream.Status,
		ResultingStatus: stream.Status,
	}, nil
}

func (e *Engine) rejectUnknownStream(ctx context.Context, report models.AgentReport) (Result, error) {
	e.metrics.report(string(report.Source), ReasonStreamNotFound)
	e.logger.WithFields(logging.Fields{
		"stream_id": report.StreamID,
		"vps_id":    report.VpsID,
		"source":    report.Source,
	}).Warn("Report for unknown stream acknowledged without mutation")

	err := e.store.AppendEvent(ctx, models.EventLogEntry{
		Level:   models.EventLevelWarn,
		Type:    models.EventStreamNotFound,
		Message: fmt.Sprintf("report for unknown stream %d from vps %d", report.StreamID, report.VpsID),
		Context: map[string]interface{}{
			"stream_id": report.StreamID,
			"vps_id":    report.VpsID,
			"source":    report.Source,
			"reported":  report.ReportedStatus,
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: false, Reason: ReasonStreamNotFound}, nil
}

// rejectUnknownVps acknowledges a report whose capacity side effect names a
// VPS the registry does not know. Retrying cannot fix it, so no error.
func (e *Engine) rejectUnknownVps(ctx context.Context, stream *models.StreamConfiguration, report models.AgentReport) (Result, error) {
	e.metrics.report(string(report.Source), ReasonVpsNotFound)
	e.logger.WithFields(logging.Fields{
		"stream_id": report.StreamID,
		"vps_id":    report.VpsID,
		"source":    report.Source,
	}).Warn("Report naming unknown VPS acknowledged without mutation")

	err := e.store.AppendEvent(ctx, models.EventLogEntry{
		Level:   models.EventLevelWarn,
		Type:    models.EventVpsNotFound,
		Message: fmt.Sprintf("report for stream %d names unknown vps %d", report.StreamID, report.VpsID),
		Context: map[string]interface{}{
			"stream_id": report.StreamID,
			"vps_id":    report.VpsID,
			"source":    report.Source,
			"reported":  report.ReportedStatus,
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Applied:         false,
		Reason:          ReasonVpsNotFound,
		PreviousStatus:  stream.Status,
		ResultingStatus: stream.Status,
	}, nil
}

func (e *Engine) rejectStale(ctx context.Context, stream *models.StreamConfiguration, report models.AgentReport) (Result, error) {
	e.metrics.report(string(report.Source), ReasonStaleReport)

	err := e.store.AppendEvent(ctx, models.EventLogEntry{
		Level:   models.EventLevelInfo,
		Type:    models.EventStaleReport,
		Message: fmt.Sprintf("stale report for stream %d ignored", report.StreamID),
		Context: map[string]interface{}{
			"stream_id":          report.StreamID,
			"vps_id":             report.VpsID,
			"source":             report.Source,
			"reported":           report.ReportedStatus,
			"report_timestamp":   report.Timestamp.Unix(),
			"last_status_update": stream.LastStatusUpdate.Unix(),
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Applied:         false,
		Reason:          ReasonStaleReport,
		PreviousStatus:  stream.Status,
		ResultingStatus: stream.Status,
	}, nil
}

// wakeWaiting enqueues a readiness re-evaluation for every stream parked in
// WAITING_FOR_PROCESSING. Best effort; failures are logged and the next
// qualifying transition retries.
func (e *Engine) wakeWaiting(ctx context.Context) {
	ids, err := e.store.ListWaitingForProcessing(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to list streams waiting for processing")
		return
	}
	if len(ids) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.wakeConcurrency)
	for _, id := range ids {
		streamID := id
		g.Go(func() error {
			cmd := models.StreamCommand{
				ID:       newCommandID(),
				Type:     models.CommandUpdatePlaylist,
				StreamID: streamID,
				IssuedAt: time.Now(),
				Payload:  map[string]interface{}{"reason": "reevaluate_readiness"},
			}
			if err := e.dispatcher.Enqueue(gctx, cmd); err != nil {
				e.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to enqueue readiness re-evaluation")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func conflictsWithUserAction(stream *models.StreamConfiguration, report models.AgentReport) bool {
	if stream.LastUserAction == nil || stream.LastUserActionAt == nil {
		return false
	}
	if !stream.LastUserActionAt.After(report.Timestamp) {
		return false
	}
	switch models.UserAction(*stream.LastUserAction) {
	case models.UserActionStop:
		return report.Status.Running()
	case models.UserActionStart:
		return report.Status == models.StreamInactive || report.Status == models.StreamError
	}
	return false
}

func appendSyncNote(stream *models.StreamConfiguration, note string) {
	stamped := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), note)
	if stream.SyncNotes == nil || *stream.SyncNotes == "" {
		stream.SyncNotes = &stamped
		return
	}
	combined := *stream.SyncNotes + "\n" + stamped
	stream.SyncNotes = &combined
}
