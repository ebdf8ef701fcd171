package models

import (
	"time"
)

// ReportSource identifies which webhook shape a report arrived through.
type ReportSource string

const (
	SourceAgent        ReportSource = "agent"
	SourceFleetStatus  ReportSource = "fleet_status"
	SourceProvisioning ReportSource = "provisioning"
	SourceCDN          ReportSource = "cdn"
	SourceStatsPush    ReportSource = "stats_push"
)

// AgentReport is the canonical, transient form every inbound webhook payload
// is normalized into before it reaches the reconciliation engine. It is never
// persisted as-is; accepted or rejected, it is folded into an EventLogEntry.
type AgentReport struct {
	StreamID       int64                  `json:"stream_id"`
	VpsID          int64                  `json:"vps_id"`
	ReportedStatus string                 `json:"reported_status"` // raw agent vocabulary
	Status         StreamStatus           `json:"status"`          // canonical mapping
	Heartbeat      bool                   `json:"heartbeat"`       // timestamp-only update, no transition
	Message        string                 `json:"message,omitempty"`
	Note           string                 `json:"note,omitempty"` // appended to sync_notes on apply
	ProcessID      *int                   `json:"process_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"` // agent-supplied, may be skewed
	Source         ReportSource           `json:"source"`
	ExtraData      map[string]interface{} `json:"extra_data,omitempty"`
}
