// Package dispatch places committed stream commands on the outbound Kafka
// topic consumed by the agent transport.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/pkg/logging"
	"github.com/truongvando/ezstream-sub009/pkg/models"
)

// DefaultTopic is the outbound command topic
const DefaultTopic = "stream_commands"

// producer is the slice of the Kafka producer the dispatcher needs
type producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Dispatcher serializes stream commands to Kafka, keyed by stream id so each
// stream's commands stay ordered within a partition. Callers enqueue only
// after the state change producing the command has committed.
type Dispatcher struct {
	producer producer
	store    *store.Store
	topic    string
	logger   logging.Logger
}

// New creates a dispatcher publishing to the given topic
func New(p producer, st *store.Store, topic string, logger logging.Logger) *Dispatcher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Dispatcher{producer: p, store: st, topic: topic, logger: logger}
}

// Enqueue publishes one command and mirrors it into the event log
func (d *Dispatcher) Enqueue(ctx context.Context, cmd models.StreamCommand) error {
	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	key := []byte(strconv.FormatInt(cmd.StreamID, 10))
	headers := map[string]string{
		"command_id":   cmd.ID,
		"command_type": string(cmd.Type),
	}
	if err := d.producer.Produce(ctx, d.topic, key, value, headers); err != nil {
		return fmt.Errorf("produce command %s: %w", cmd.ID, err)
	}

	d.logger.WithFields(logging.Fields{
		"command_id": cmd.ID,
		"type":       cmd.Type,
		"stream_id":  cmd.StreamID,
		"topic":      d.topic,
	}).Info("Enqueued stream command")

	// Audit trail is best effort here. The command is already on the wire;
	// failing the enqueue over a log insert would double-send on retry.
	if err := d.store.AppendEvent(ctx, models.EventLogEntry{
		Level:   models.EventLevelInfo,
		Type:    models.EventCommandEnqueued,
		Message: fmt.Sprintf("command %s (%s) for stream %d", cmd.ID, cmd.Type, cmd.StreamID),
		Context: map[string]interface{}{
			"command_id": cmd.ID,
			"type":       cmd.Type,
			"stream_id":  cmd.StreamID,
			"vps_id":     cmd.VpsID,
		},
	}); err != nil {
		d.logger.WithError(err).WithField("command_id", cmd.ID).Warn("Failed to record command in event log")
	}

	return nil
}
