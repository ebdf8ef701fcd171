package models

import (
	"time"
)

// Event log levels
const (
	EventLevelInfo  = "info"
	EventLevelWarn  = "warning"
	EventLevelError = "error"
)

// Event log entry types emitted by the reconciliation core.
const (
	EventStreamTransition = "STREAM_TRANSITION"
	EventStreamNotFound   = "STREAM_NOT_FOUND"
	EventVpsNotFound      = "VPS_NOT_FOUND"
	EventStaleReport      = "STALE_REPORT"
	EventAuthRejected     = "AUTH_REJECTED"
	EventInvalidPayload   = "INVALID_PAYLOAD"
	EventCapacityWarning  = "CAPACITY_WARNING"
	EventCounterUnderflow = "COUNTER_UNDERFLOW"
	EventVpsLiveness      = "VPS_LIVENESS"
	EventVpsProvisioned   = "VPS_PROVISIONED"
	EventVpsMarkedFailed  = "VPS_MARKED_FAILED"
	EventUserAction       = "USER_ACTION"
	EventCommandEnqueued  = "COMMAND_ENQUEUED"
)

// EventLogEntry is one append-only audit record. Every inbound report,
// accepted or rejected, produces exactly one entry.
type EventLogEntry struct {
	ID        int64                  `json:"id"`
	Level     string                 `json:"level"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
