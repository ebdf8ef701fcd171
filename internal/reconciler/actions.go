package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/truongvando/ezstream-sub009/pkg/logging"
	"github.com/truongvando/ezstream-sub009/pkg/models"
)

// ErrInvalidTransition is returned when a user action is not legal from the
// stream's current status.
var ErrInvalidTransition = errors.New("invalid transition for current status")

// RequestStart records a user start action and asks the agent to start the
// stream. The stream moves to STARTING immediately; the agent's own report
// confirms (or contradicts) it later.
func (e *Engine) RequestStart(ctx context.Context, streamID int64) (*models.StreamConfiguration, error) {
	return e.applyUserAction(ctx, streamID, models.UserActionStart)
}

// RequestStop records a user stop action and asks the agent to stop the
// stream. The stream moves to STOPPING immediately.
func (e *Engine) RequestStop(ctx context.Context, streamID int64) (*models.StreamConfiguration, error) {
	return e.applyUserAction(ctx, streamID, models.UserActionStop)
}

func (e *Engine) applyUserAction(ctx context.Context, streamID int64, action models.UserAction) (*models.StreamConfiguration, error) {
	unlock := e.locks.Lock(streamID)
	defer unlock()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stream, err := e.store.GetStreamForUpdate(ctx, tx, streamID)
	if err != nil {
		return nil, err
	}

	var target models.StreamStatus
	switch action {
	case models.UserActionStart:
		switch stream.Status {
		case models.StreamPending, models.StreamInactive, models.StreamStopped,
			models.StreamCompleted, models.StreamError:
			target = models.StreamStarting
		case models.StreamWaitingForProcessing:
			return nil, fmt.Errorf("%w: asset still processing", ErrInvalidTransition)
		default:
			return nil, fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, stream.Status)
		}
	case models.UserActionStop:
		switch stream.Status {
		case models.StreamStarting, models.StreamStreaming:
			target = models.StreamStopping
		default:
			return nil, fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, stream.Status)
		}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}

	oldStatus := stream.Status
	now := time.Now()
	actionName := string(action)
	stream.Status = target
	stream.LastUserAction = &actionName
	stream.LastUserActionAt = &now
	if action == models.UserActionStart {
		stream.ErrorMessage = nil
		stream.SyncNotes = nil
	}

	if err := e.store.SaveStreamState(ctx, tx, stream); err != nil {
		return nil, err
	}

	cmd := models.StreamCommand{
		ID:       newCommandID(),
		StreamID: streamID,
		VpsID:    stream.VpsServerID,
		IssuedAt: now,
	}
	if action == models.UserActionStart {
		cmd.Type = models.CommandStartStream
	} else {
		cmd.Type = models.CommandStopStream
	}

	if err := e.store.AppendEventTx(ctx, tx, models.EventLogEntry{
		Level:   models.EventLevelInfo,
		Type:    models.EventUserAction,
		Message: fmt.Sprintf("user %s on stream %d: %s -> %s", action, streamID, oldStatus, target),
		Context: map[string]interface{}{
			"stream_id":  streamID,
			"action":     action,
			"old_status": oldStatus,
			"new_status": target,
			"command_id": cmd.ID,
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit user action: %w", err)
	}

	e.metrics.transition(string(oldStatus), string(target))

	// The command goes out only after the state change is durable. A lost
	// enqueue leaves the stream in STARTING/STOPPING for the operator to
	// retry; it never leaves a command without its state change.
	if err := e.dispatcher.Enqueue(ctx, cmd); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"stream_id":  streamID,
			"command_id": cmd.ID,
		}).Error("Failed to enqueue stream command after commit")
		return stream, fmt.Errorf("state updated but command enqueue failed: %w", err)
	}

	return stream, nil
}

// HandleAssetProcessed reacts to a CDN processing verdict for a video asset.
// Streams parked in WAITING_FOR_PROCESSING on that asset either advance to
// STARTING (and get a start command) or land in ERROR.
func (e *Engine) HandleAssetProcessed(ctx context.Context, videoGuid string, succeeded bool) (int, error) {
	ids, err := e.store.ListWaitingForAsset(ctx, videoGuid)
	if err != nil {
		return 0, err
	}

	var advanced int
	for _, id := range ids {
		if err := e.advanceWaitingStream(ctx, id, videoGuid, succeeded); err != nil {
			e.logger.WithError(err).WithFields(logging.Fields{
				"stream_id":  id,
				"video_guid": videoGuid,
			}).Error("Failed to advance stream waiting on asset")
			continue
		}
		advanced++
	}
	return advanced, nil
}

func (e *Engine) advanceWaitingStream(ctx context.Context, streamID int64, videoGuid string, succeeded bool) error {
	unlock := e.locks.Lock(streamID)
	defer unlock()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stream, err := e.store.GetStreamForUpdate(ctx, tx, streamID)
	if err != nil {
		return err
	}
	// Something else moved the stream between list and lock
	if stream.Status != models.StreamWaitingForProcessing {
		return nil
	}

	oldStatus := stream.Status
	now := time.Now()
	var cmd *models.StreamCommand
	if succeeded {
		stream.Status = models.StreamStarting
		stream.LastStatusUpdate = &now
		cmd = &models.StreamCommand{
			ID:       newCommandID(),
			Type:     models.CommandStartStream,
			StreamID: streamID,
			IssuedAt: now,
			Payload:  map[string]interface{}{"video_guid": videoGuid},
		}
	} else {
		stream.Status = models.StreamError
		stream.LastStatusUpdate = &now
		msg := fmt.Sprintf("video processing failed for asset %s", videoGuid)
		stream.ErrorMessage = &msg
	}

	if err := e.store.SaveStreamState(ctx, tx, stream); err != nil {
		return err
	}
	if err := e.store.AppendEventTx(ctx, tx, models.EventLogEntry{
		Level:   models.EventLevelInfo,
		Type:    models.EventStreamTransition,
		Message: fmt.Sprintf("stream %d: %s -> %s (cdn)", streamID, oldStatus, stream.Status),
		Context: map[string]interface{}{
			"stream_id":  streamID,
			"video_guid": videoGuid,
			"old_status": oldStatus,
			"new_status": stream.Status,
			"succeeded":  succeeded,
		},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit asset transition: %w", err)
	}

	e.metrics.transition(string(oldStatus), string(stream.Status))

	if cmd != nil {
		if err := e.dispatcher.Enqueue(ctx, *cmd); err != nil {
			e.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to enqueue start command after asset ready")
		}
	}
	return nil
}

// FailVps marks a VPS failed and errors out every stream it was running, all
// in one transaction.
func (e *Engine) FailVps(ctx context.Context, vpsID int64, reason string) (int, error) {
	failed, _, err := e.failVps(ctx, vpsID, reason, nil)
	return failed, err
}

// SweepStale fails every active VPS not seen since the cutoff. The stale set
// is an unlocked snapshot; each VPS is re-checked under its row lock before
// anything is written, so a heartbeat arriving after the snapshot saves it.
func (e *Engine) SweepStale(ctx context.Context, cutoff time.Time) (failedVps, erroredStreams int, err error) {
	stale, err := e.store.ListStaleVps(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}

	for _, vps := range stale {
		reason := fmt.Sprintf("no heartbeat since %s", cutoff.UTC().Format(time.RFC3339))
		streams, swept, err := e.failVps(ctx, vps.ID, reason, &cutoff)
		if err != nil {
			return failedVps, erroredStreams, err
		}
		if swept {
			failedVps++
			erroredStreams += streams
		}
	}
	return failedVps, erroredStreams, nil
}

// failVps errors out the streams on a VPS and marks it failed in one
// transaction. When staleBefore is set, a VPS seen at or after it is left
// alone. Row locks are taken stream rows first, VPS row second, the same
// order the report path uses.
func (e *Engine) failVps(ctx context.Context, vpsID int64, reason string, staleBefore *time.Time) (int, bool, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	streams, err := e.store.ListStreamsOnVps(ctx, tx, vpsID, []models.StreamStatus{
		models.StreamStarting, models.StreamStreaming, models.StreamStopping,
	})
	if err != nil {
		return 0, false, err
	}

	vps, err := e.store.GetVpsForUpdate(ctx, tx, vpsID)
	if err != nil {
		return 0, false, err
	}
	if staleBefore != nil && vps.LastSeenAt != nil && !vps.LastSeenAt.Before(*staleBefore) {
		// Heartbeat arrived after the stale snapshot was taken
		return 0, false, nil
	}

	now := time.Now()
	for _, stream := range streams {
		oldStatus := stream.Status
		msg := fmt.Sprintf("vps %d unreachable: %s", vpsID, reason)
		stream.Status = models.StreamError
		stream.ErrorMessage = &msg
		stream.VpsServerID = nil
		stream.ProcessID = nil
		stream.LastStatusUpdate = &now
		if err := e.store.SaveStreamState(ctx, tx, stream); err != nil {
			return 0, false, err
		}
		e.metrics.transition(string(oldStatus), string(models.StreamError))
	}

	if err := e.store.MarkVpsFailed(ctx, tx, vpsID); err != nil {
		return 0, false, err
	}

	if err := e.store.AppendEventTx(ctx, tx, models.EventLogEntry{
		Level:   models.EventLevelError,
		Type:    models.EventVpsMarkedFailed,
		Message: fmt.Sprintf("vps %d marked failed, %d stream(s) errored", vpsID, len(streams)),
		Context: map[string]interface{}{
			"vps_id":  vpsID,
			"reason":  reason,
			"streams": len(streams),
		},
	}); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit vps failure: %w", err)
	}
	return len(streams), true, nil
}

func newCommandID() string {
	return uuid.New().String()
}
