package dispatch

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a dispatch request. Transitions are
// monotonic; completed, expired and failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusFailed
}

// Failure reasons surfaced to callers.
const (
	ReasonDeviceOffline = "device_offline"
	ReasonTimeout       = "timeout"
)

// Result is what the original caller receives when a request resolves.
type Result struct {
	RequestID string          `json:"request_id"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Request is the durable record of an outstanding tool call, kept in the
// shared KV store so any instance can observe and transition it.
type Request struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"device_id"`
	Tool           string          `json:"tool"`
	Params         json.RawMessage `json:"params,omitempty"`
	OriginInstance string          `json:"origin_instance"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	Deadline       time.Time       `json:"deadline"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Stats is the queue's observability snapshot. The LastHour counters roll
// over on the hour; pending/processing are gauges over the shared store.
type Stats struct {
	Pending           int   `json:"pending"`
	Processing        int   `json:"processing"`
	CompletedLastHour int64 `json:"completedLastHour"`
	ExpiredLastHour   int64 `json:"expiredLastHour"`
	FailedLastHour    int64 `json:"failedLastHour"`
}

// callEnvelope is the cross-instance "deliver this tool_call" message.
type callEnvelope struct {
	RequestID      string          `json:"request_id"`
	DeviceID       string          `json:"device_id"`
	Tool           string          `json:"tool"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutMs      int64           `json:"timeout_ms"`
	OriginInstance string          `json:"origin_instance"`
}

// doneEnvelope is the cross-instance "this request resolved" message sent
// back to the origin instance so it can notify the waiting caller.
type doneEnvelope struct {
	Result Result `json:"result"`
}
