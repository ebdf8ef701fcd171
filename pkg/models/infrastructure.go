package models

import (
	"time"
)

// VpsStatus is the lifecycle state of a VPS agent host.
type VpsStatus string

const (
	VpsActive  VpsStatus = "ACTIVE"
	VpsFailed  VpsStatus = "FAILED"
	VpsPending VpsStatus = "PENDING"
)

// VpsServer represents one agent host in the fleet.
type VpsServer struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	IPAddress            string     `json:"ip_address"`
	Status               VpsStatus  `json:"status"`
	CurrentStreams       int        `json:"current_streams"`
	MaxConcurrentStreams int        `json:"max_concurrent_streams"`
	LastSeenAt           *time.Time `json:"last_seen_at,omitempty"`
	CPUUsage             *float64   `json:"cpu_usage,omitempty"`
	RAMUsage             *float64   `json:"ram_usage,omitempty"`
	DiskUsage            *float64   `json:"disk_usage,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// AvailableCapacity returns the remaining stream slots on the VPS.
// Negative values mean the host is over-provisioned.
func (v *VpsServer) AvailableCapacity() int {
	return v.MaxConcurrentStreams - v.CurrentStreams
}

// VpsMetrics is a point-in-time resource snapshot pushed by an agent.
// Write-mostly; read by dashboards, never by the reconciliation engine.
type VpsMetrics struct {
	VpsID         int64     `json:"vps_id"`
	CPUUsage      float64   `json:"cpu_usage"`
	RAMUsage      float64   `json:"ram_usage"`
	DiskUsage     float64   `json:"disk_usage"`
	ActiveStreams int       `json:"active_streams"`
	Timestamp     time.Time `json:"timestamp"`
}
