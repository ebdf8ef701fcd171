package normalizer

import (
	"strings"

	"github.com/truongvando/ezstream-sub009/pkg/models"
)

// mappedStatus is one row of the canonical status mapping table
type mappedStatus struct {
	status    models.StreamStatus
	heartbeat bool
	note      string
}

// statusTable is the single source of truth for agent-vocabulary to
// canonical-status mapping. Every webhook entry point goes through it;
// per-endpoint mapping tables are exactly the drift this table exists to
// prevent. Agent STOPPED maps to INACTIVE: a stream stopped by its agent is
// immediately restartable, while the STOPPED state is reserved for
// admin-driven holds.
var statusTable = map[string]mappedStatus{
	"STARTING":    {status: models.StreamStarting},
	"STREAMING":   {status: models.StreamStreaming},
	"STOPPED":     {status: models.StreamInactive},
	"COMPLETED":   {status: models.StreamCompleted},
	"ERROR":       {status: models.StreamError},
	"HEARTBEAT":   {heartbeat: true},
	"DOWNLOADING": {status: models.StreamStarting},
	"RECOVERING":  {status: models.StreamStreaming, note: "agent recovered stream after restart"},
}

// MapStatus resolves a raw agent status into the canonical model. Returns
// ok=false for vocabulary the table does not know.
func MapStatus(raw string) (status models.StreamStatus, heartbeat bool, note string, ok bool) {
	mapped, found := statusTable[strings.ToUpper(strings.TrimSpace(raw))]
	if !found {
		return "", false, "", false
	}
	return mapped.status, mapped.heartbeat, mapped.note, true
}

// KnownStatuses lists the accepted agent vocabulary, for error messages
func KnownStatuses() []string {
	keys := make([]string, 0, len(statusTable))
	for k := range statusTable {
		keys = append(keys, k)
	}
	return keys
}
