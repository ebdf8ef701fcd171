package models

import (
	"time"
)

// StreamStatus is the canonical lifecycle state of a stream configuration.
type StreamStatus string

const (
	StreamPending              StreamStatus = "PENDING"
	StreamInactive             StreamStatus = "INACTIVE"
	StreamStarting             StreamStatus = "STARTING"
	StreamStreaming            StreamStatus = "STREAMING"
	StreamStopping             StreamStatus = "STOPPING"
	StreamStopped              StreamStatus = "STOPPED"
	StreamCompleted            StreamStatus = "COMPLETED"
	StreamError                StreamStatus = "ERROR"
	StreamWaitingForProcessing StreamStatus = "WAITING_FOR_PROCESSING"
)

// Valid reports whether s is a known canonical status.
func (s StreamStatus) Valid() bool {
	switch s {
	case StreamPending, StreamInactive, StreamStarting, StreamStreaming,
		StreamStopping, StreamStopped, StreamCompleted, StreamError,
		StreamWaitingForProcessing:
		return true
	}
	return false
}

// Running reports whether the stream is actively starting or streaming.
func (s StreamStatus) Running() bool {
	return s == StreamStarting || s == StreamStreaming
}

// HoldsCapacity reports whether a stream in this status occupies a slot on
// its assigned VPS. STOPPING still holds the slot until the agent confirms
// the stop.
func (s StreamStatus) HoldsCapacity() bool {
	return s == StreamStarting || s == StreamStreaming || s == StreamStopping
}

// StreamConfiguration represents a user-defined streaming job. Rows are
// created by the CRUD layer; the reconciliation core only ever mutates
// status, assignment and diagnostic fields.
type StreamConfiguration struct {
	ID               int64        `json:"id"`
	UserID           int64        `json:"user_id"`
	Title            string       `json:"title"`
	Status           StreamStatus `json:"status"`
	VideoGuid        *string      `json:"video_guid,omitempty"` // CDN asset backing this stream, if any
	VpsServerID      *int64       `json:"vps_server_id,omitempty"`
	ProcessID        *int         `json:"process_id,omitempty"` // agent-side ffmpeg PID, advisory only
	ErrorMessage     *string      `json:"error_message,omitempty"`
	OutputLog        *string      `json:"output_log,omitempty"`
	SyncNotes        *string      `json:"sync_notes,omitempty"`
	LastStatusUpdate *time.Time   `json:"last_status_update,omitempty"`
	LastUserAction   *string      `json:"last_user_action,omitempty"`
	LastUserActionAt *time.Time   `json:"last_user_action_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// UserAction is an explicit user-initiated transition recorded on the stream.
type UserAction string

const (
	UserActionStart UserAction = "start"
	UserActionStop  UserAction = "stop"
)
