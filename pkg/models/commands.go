package models

import (
	"time"
)

// CommandType is the kind of outbound instruction destined for an agent.
type CommandType string

const (
	CommandStartStream    CommandType = "start_stream"
	CommandStopStream     CommandType = "stop_stream"
	CommandUpdatePlaylist CommandType = "update_playlist"
)

// StreamCommand is placed on the outbound queue after a state mutation
// commits. Consumed by the agent-facing transport, not by this service.
type StreamCommand struct {
	ID       string                 `json:"id"`
	Type     CommandType            `json:"type"`
	StreamID int64                  `json:"stream_id"`
	VpsID    *int64                 `json:"vps_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	IssuedAt time.Time              `json:"issued_at"`
}
