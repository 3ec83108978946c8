package guard

import (
	"context"
	"time"
)

// AuditEntry is the append-only compliance record of one tool invocation
// attempt. Exactly one entry per attempt, allowed or denied.
type AuditEntry struct {
	ID        string         `json:"id"`
	MandateID string         `json:"mandate_id"`
	OrderID   string         `json:"order_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Verdict   string         `json:"verdict"`
	Detail    string         `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// VerdictAllowed marks entries whose call was forwarded to the tool.
const VerdictAllowed = "allowed"

// AuditSink persists audit entries. Implementations must never mutate or
// drop entries silently; a failed write is surfaced to the caller.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}
