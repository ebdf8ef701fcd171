// Package normalizer maps the heterogeneous inbound webhook payload shapes
// into the one canonical AgentReport the reconciliation engine consumes.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/truongvando/ezstream-sub009/pkg/models"
)

// Error is a typed normalization failure. Handlers turn it into HTTP 400;
// no state is mutated.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid payload: field %q %s", e.Field, e.Msg)
}

func invalid(field, msg string) error {
	return &Error{Field: field, Msg: msg}
}

// agentPayload is the agent self-report shape
type agentPayload struct {
	StreamID  *int64                 `json:"stream_id"`
	VpsID     *int64                 `json:"vps_id"`
	Status    string                 `json:"status"`
	Timestamp *int64                 `json:"timestamp"`
	Message   string                 `json:"message"`
	ProcessID *int                   `json:"process_id"`
	ExtraData map[string]interface{} `json:"extra_data"`
}

// NormalizeAgentReport parses an agent self-report into a canonical report
func NormalizeAgentReport(body []byte) (models.AgentReport, error) {
	var payload agentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.AgentReport{}, invalid("body", "is not valid JSON")
	}

	if payload.StreamID == nil {
		return models.AgentReport{}, invalid("stream_id", "is required")
	}
	if payload.VpsID == nil {
		return models.AgentReport{}, invalid("vps_id", "is required")
	}
	if payload.Timestamp == nil {
		return models.AgentReport{}, invalid("timestamp", "is required")
	}

	status, heartbeat, note, ok := MapStatus(payload.Status)
	if !ok {
		return models.AgentReport{}, invalid("status", fmt.Sprintf("%q is not in the known vocabulary %v", payload.Status, KnownStatuses()))
	}

	return models.AgentReport{
		StreamID:       *payload.StreamID,
		VpsID:          *payload.VpsID,
		ReportedStatus: payload.Status,
		Status:         status,
		Heartbeat:      heartbeat,
		Note:           note,
		Message:        payload.Message,
		ProcessID:      payload.ProcessID,
		Timestamp:      time.Unix(*payload.Timestamp, 0),
		Source:         models.SourceAgent,
		ExtraData:      payload.ExtraData,
	}, nil
}

// ExtractVpsID pulls only the vps_id out of a payload so the caller can
// verify the VPS token before the rest of the body is validated.
func ExtractVpsID(body []byte) (int64, error) {
	var payload struct {
		VpsID *int64 `json:"vps_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, invalid("body", "is not valid JSON")
	}
	if payload.VpsID == nil {
		return 0, invalid("vps_id", "is required")
	}
	return *payload.VpsID, nil
}

// FleetReport is a normalized VPS fleet-status payload: host-level capacity
// plus one canonical report per stream the agent claims to be running.
type FleetReport struct {
	VpsID             int64
	ActiveStreams     int
	MaxStreams        int
	AvailableCapacity int
	Metrics           *models.VpsMetrics
	Reports           []models.AgentReport
}

type fleetStreamEntry struct {
	Status    string `json:"status"`
	ProcessID *int   `json:"process_id"`
	Message   string `json:"message"`
}

type fleetPayload struct {
	VpsID             *int64                      `json:"vps_id"`
	ActiveStreams     *int                        `json:"active_streams"`
	MaxStreams        *int                        `json:"max_streams"`
	AvailableCapacity *int                        `json:"available_capacity"`
	Timestamp         *int64                      `json:"timestamp"`
	Streams           map[string]fleetStreamEntry `json:"streams"`
	System            *struct {
		CPUUsage  float64 `json:"cpu_usage"`
		RAMUsage  float64 `json:"ram_usage"`
		DiskUsage float64 `json:"disk_usage"`
	} `json:"system"`
}

// NormalizeFleetStatus parses a whole-VPS status payload
func NormalizeFleetStatus(body []byte) (FleetReport, error) {
	var payload fleetPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return FleetReport{}, invalid("body", "is not valid JSON")
	}

	if payload.VpsID == nil {
		return FleetReport{}, invalid("vps_id", "is required")
	}
	if payload.ActiveStreams == nil {
		return FleetReport{}, invalid("active_streams", "is required")
	}
	if payload.MaxStreams == nil {
		return FleetReport{}, invalid("max_streams", "is required")
	}

	reportedAt := time.Now()
	if payload.Timestamp != nil {
		reportedAt = time.Unix(*payload.Timestamp, 0)
	}

	fleet := FleetReport{
		VpsID:         *payload.VpsID,
		ActiveStreams: *payload.ActiveStreams,
		MaxStreams:    *payload.MaxStreams,
	}
	if payload.AvailableCapacity != nil {
		fleet.AvailableCapacity = *payload.AvailableCapacity
	} else {
		fleet.AvailableCapacity = fleet.MaxStreams - fleet.ActiveStreams
	}

	if payload.System != nil {
		fleet.Metrics = &models.VpsMetrics{
			VpsID:         *payload.VpsID,
			CPUUsage:      payload.System.CPUUsage,
			RAMUsage:      payload.System.RAMUsage,
			DiskUsage:     payload.System.DiskUsage,
			ActiveStreams: *payload.ActiveStreams,
			Timestamp:     reportedAt,
		}
	}

	for key, entry := range payload.Streams {
		streamID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return FleetReport{}, invalid("streams", fmt.Sprintf("key %q is not a stream id", key))
		}
		status, heartbeat, note, ok := MapStatus(entry.Status)
		if !ok {
			return FleetReport{}, invalid("streams", fmt.Sprintf("stream %d status %q is not in the known vocabulary", streamID, entry.Status))
		}
		fleet.Reports = append(fleet.Reports, models.AgentReport{
			StreamID:       streamID,
			VpsID:          *payload.VpsID,
			ReportedStatus: entry.Status,
			Status:         status,
			Heartbeat:      heartbeat,
			Note:           note,
			Message:        entry.Message,
			ProcessID:      entry.ProcessID,
			Timestamp:      reportedAt,
			Source:         models.SourceFleetStatus,
		})
	}

	return fleet, nil
}

// ProvisionReport is a normalized provisioning-complete payload
type ProvisionReport struct {
	Ready        bool
	Status       string
	MaxStreams   int
	Capabilities map[string]interface{}
}

type provisionPayload struct {
	Status       string                 `json:"status"`
	Capabilities map[string]interface{} `json:"capabilities"`
	Specs        *struct {
		MaxConcurrentStreams int `json:"max_concurrent_streams"`
	} `json:"specs"`
}

// NormalizeProvisionReport parses a VPS provisioning-complete payload
func NormalizeProvisionReport(body []byte) (ProvisionReport, error) {
	var payload provisionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ProvisionReport{}, invalid("body", "is not valid JSON")
	}
	if payload.Status == "" {
		return ProvisionReport{}, invalid("status", "is required")
	}

	report := ProvisionReport{
		Status:       payload.Status,
		Ready:        payload.Status == "ready",
		Capabilities: payload.Capabilities,
	}
	if payload.Specs != nil {
		report.MaxStreams = payload.Specs.MaxConcurrentStreams
	}
	return report, nil
}

// CDN processing events that affect stream readiness
const (
	CDNEventVideoEncoded = "video.encoded"
	CDNEventVideoFailed  = "video.failed"
)

// CDNEvent is a normalized CDN video-processing webhook
type CDNEvent struct {
	EventType string
	VideoGuid string
	Succeeded bool
	Relevant  bool // false for event types the core ignores
}

type cdnPayload struct {
	EventType string `json:"EventType"`
	VideoGuid string `json:"VideoGuid"`
}

// NormalizeCDNEvent parses a CDN video-processing payload
func NormalizeCDNEvent(body []byte) (CDNEvent, error) {
	var payload cdnPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return CDNEvent{}, invalid("body", "is not valid JSON")
	}
	if payload.EventType == "" {
		return CDNEvent{}, invalid("EventType", "is required")
	}
	if payload.VideoGuid == "" {
		return CDNEvent{}, invalid("VideoGuid", "is required")
	}

	event := CDNEvent{
		EventType: payload.EventType,
		VideoGuid: payload.VideoGuid,
	}
	switch payload.EventType {
	case CDNEventVideoEncoded:
		event.Succeeded = true
		event.Relevant = true
	case CDNEventVideoFailed:
		event.Relevant = true
	}
	return event, nil
}

type statsPayload struct {
	VpsID     *int64   `json:"vps_id"`
	CPUUsage  *float64 `json:"cpu_usage"`
	RAMUsage  *float64 `json:"ram_usage"`
	DiskUsage *float64 `json:"disk_usage"`
	Timestamp *int64   `json:"timestamp"`
}

// NormalizeStatsPush parses a VPS resource-metrics payload
func NormalizeStatsPush(body []byte) (models.VpsMetrics, error) {
	var payload statsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.VpsMetrics{}, invalid("body", "is not valid JSON")
	}
	if payload.VpsID == nil {
		return models.VpsMetrics{}, invalid("vps_id", "is required")
	}
	if payload.CPUUsage == nil || payload.RAMUsage == nil || payload.DiskUsage == nil {
		return models.VpsMetrics{}, invalid("cpu_usage/ram_usage/disk_usage", "are required")
	}
	if payload.Timestamp == nil {
		return models.VpsMetrics{}, invalid("timestamp", "is required")
	}

	return models.VpsMetrics{
		VpsID:     *payload.VpsID,
		CPUUsage:  *payload.CPUUsage,
		RAMUsage:  *payload.RAMUsage,
		DiskUsage: *payload.DiskUsage,
		Timestamp: time.Unix(*payload.Timestamp, 0),
	}, nil
}
