package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the gateway wire protocol version. It is returned in the
// registration REST response and echoed in the register ack so clients can
// detect a mismatch. A mismatched client logs a warning but is not rejected,
// to allow rolling upgrades.
const Version = "1"

// MessageType defines the type of protocol message
type MessageType string

const (
	// Device -> gateway message types
	TypeRegister   MessageType = "register"    // device -> gateway: authenticate the socket
	TypeHeartbeat  MessageType = "heartbeat"   // device -> gateway: liveness refresh
	TypeToolResult MessageType = "tool_result" // device -> gateway: result for a dispatched tool call
	TypeEvent      MessageType = "event"       // device -> gateway: device-originated event

	// Gateway -> device message types
	TypeAck      MessageType = "ack"       // gateway -> device: registration accepted
	TypeToolCall MessageType = "tool_call" // gateway -> device: execute a tool
	TypeSync     MessageType = "sync"      // gateway -> device: server-initiated state push
	TypeConfig   MessageType = "config"    // gateway -> device: server-initiated config push
	TypeError    MessageType = "error"     // gateway -> device: error notification
)

// BaseMessage contains common fields for all protocol messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// Register authenticates a freshly opened socket. It must be the first frame
// a device sends; anything else before registration is answered with an
// Error frame.
type Register struct {
	BaseMessage
	Token        string   `json:"token"`
	Platform     string   `json:"platform,omitempty"`
	Version      string   `json:"version,omitempty"` // client protocol version
	Capabilities []string `json:"capabilities,omitempty"`
}

// Heartbeat refreshes the device's presence entry. No reply is sent.
type Heartbeat struct {
	BaseMessage
}

// ToolResultPayload carries the outcome of a tool call.
type ToolResultPayload struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ToolResult correlates a device's answer back to an outstanding tool call.
type ToolResult struct {
	BaseMessage
	RequestID string            `json:"request_id"`
	Payload   ToolResultPayload `json:"payload"`
}

// Event is a device-originated notification forwarded to the owning user's
// event surface. The gateway does not interpret it.
type Event struct {
	BaseMessage
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack confirms a successful registration.
type Ack struct {
	BaseMessage
	DeviceID         string `json:"device_id"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
	ProtocolVersion  string `json:"protocol_version"`
}

// ToolCallPayload describes the tool invocation a device should perform.
type ToolCallPayload struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeout"`
}

// ToolCall asks a device to execute a tool and report back with a ToolResult
// carrying the same request id.
type ToolCall struct {
	BaseMessage
	RequestID string          `json:"request_id"`
	Payload   ToolCallPayload `json:"payload"`
}

// Sync pushes server-side state to the device.
type Sync struct {
	BaseMessage
	Data json.RawMessage `json:"data,omitempty"`
}

// ConfigPush pushes configuration to the device.
type ConfigPush struct {
	BaseMessage
	Data json.RawMessage `json:"data,omitempty"`
}

// Error notifies the device of a protocol or auth failure.
type Error struct {
	BaseMessage
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ParseMessage parses a JSON frame into the appropriate struct
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch base.Type {
	case TypeRegister:
		var msg Register
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeHeartbeat:
		var msg Heartbeat
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeToolResult:
		var msg ToolResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeEvent:
		var msg Event
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeAck:
		var msg Ack
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeToolCall:
		var msg ToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeSync:
		var msg Sync
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeConfig:
		var msg ConfigPush
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeError:
		var msg Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	default:
		return &base, nil
	}
}

// NewBase builds the envelope for an outbound frame.
func NewBase(t MessageType, id string) BaseMessage {
	return BaseMessage{
		Type:      t,
		ID:        id,
		Timestamp: time.Now(),
	}
}
