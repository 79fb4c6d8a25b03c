package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegister(t *testing.T) {
	data := []byte(`{
		"type": "register",
		"token": "valet_v1_3vQB7B6MdGQ",
		"platform": "desktop",
		"version": "1",
		"capabilities": ["list_files", "screenshot"]
	}`)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)

	msg, ok := parsed.(*Register)
	require.True(t, ok, "expected *Register, got %T", parsed)
	assert.Equal(t, "valet_v1_3vQB7B6MdGQ", msg.Token)
	assert.Equal(t, "desktop", msg.Platform)
	assert.Equal(t, []string{"list_files", "screenshot"}, msg.Capabilities)
}

func TestParseToolResult(t *testing.T) {
	data := []byte(`{
		"type": "tool_result",
		"request_id": "req-123",
		"payload": {"success": true, "result": {"files": []}}
	}`)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)

	msg, ok := parsed.(*ToolResult)
	require.True(t, ok, "expected *ToolResult, got %T", parsed)
	assert.Equal(t, "req-123", msg.RequestID)
	assert.True(t, msg.Payload.Success)
	assert.NotEmpty(t, msg.Payload.Result)
}

func TestParseToolResultError(t *testing.T) {
	data := []byte(`{
		"type": "tool_result",
		"request_id": "req-456",
		"payload": {"success": false, "error": "permission denied"}
	}`)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)

	msg := parsed.(*ToolResult)
	assert.False(t, msg.Payload.Success)
	assert.Equal(t, "permission denied", msg.Payload.Error)
}

func TestParseHeartbeat(t *testing.T) {
	parsed, err := ParseMessage([]byte(`{"type": "heartbeat"}`))
	require.NoError(t, err)

	_, ok := parsed.(*Heartbeat)
	assert.True(t, ok, "expected *Heartbeat, got %T", parsed)
}

func TestParseEvent(t *testing.T) {
	data := []byte(`{"type": "event", "event": "clipboard_changed", "data": {"length": 42}}`)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)

	msg, ok := parsed.(*Event)
	require.True(t, ok)
	assert.Equal(t, "clipboard_changed", msg.Event)
}

func TestParseUnknownTypeReturnsBase(t *testing.T) {
	parsed, err := ParseMessage([]byte(`{"type": "mystery"}`))
	require.NoError(t, err)

	base, ok := parsed.(*BaseMessage)
	require.True(t, ok, "unknown types should fall back to *BaseMessage")
	assert.Equal(t, MessageType("mystery"), base.Type)
}

func TestParseMalformedFrame(t *testing.T) {
	_, err := ParseMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestToolCallRoundTrip(t *testing.T) {
	call := &ToolCall{
		BaseMessage: NewBase(TypeToolCall, "frame-1"),
		RequestID:   "req-789",
		Payload: ToolCallPayload{
			Tool:      "list_files",
			Params:    json.RawMessage(`{"path": "/tmp"}`),
			TimeoutMs: 5000,
		},
	}

	data, err := json.Marshal(call)
	require.NoError(t, err)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)

	got, ok := parsed.(*ToolCall)
	require.True(t, ok)
	assert.Equal(t, "req-789", got.RequestID)
	assert.Equal(t, "list_files", got.Payload.Tool)
	assert.Equal(t, int64(5000), got.Payload.TimeoutMs)
}
