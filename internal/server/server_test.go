package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valet/internal/cluster"
	"valet/internal/config"
	"valet/internal/dispatch"
	"valet/internal/presence"
	"valet/pkg/protocol"
	"valet/pkg/tokens"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.InstanceID = "inst_test"
	cfg.Database.Path = filepath.Join(t.TempDir(), "hub.db")

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.hub.Start(ctx)
	require.NoError(t, s.dispatch.Start(ctx))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return s, ts
}

type registerResponse struct {
	Device struct {
		ID       string `json:"id"`
		UserID   string `json:"user_id"`
		Platform string `json:"platform"`
	} `json:"device"`
	Session struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"session"`
	WSEndpoint      string `json:"ws_endpoint"`
	ProtocolVersion string `json:"protocol_version"`
}

func registerDevice(t *testing.T, ts *httptest.Server) registerResponse {
	t.Helper()

	body := `{"user_id":"user_1","name":"Office Mac","platform":"macos","capabilities":["read_file"]}`
	resp, err := http.Post(ts.URL+"/devices", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out registerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRegisterDevice(t *testing.T) {
	_, ts := newTestServer(t)

	out := registerDevice(t, ts)
	assert.NotEmpty(t, out.Device.ID)
	assert.Equal(t, "user_1", out.Device.UserID)
	assert.True(t, tokens.IsWellFormed(out.Session.Token))
	assert.True(t, out.Session.ExpiresAt.After(time.Now()))
	assert.Contains(t, out.WSEndpoint, "/ws")
	assert.Equal(t, protocol.Version, out.ProtocolVersion)
}

func TestRegisterValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/devices", "application/json",
		strings.NewReader(`{"user_id":"user_1","platform":"macos"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	_, ts := newTestServer(t)
	out := registerDevice(t, ts)

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/devices/"+out.Device.ID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

func TestListDevices(t *testing.T) {
	_, ts := newTestServer(t)
	registerDevice(t, ts)

	resp, err := http.Get(ts.URL + "/devices?user_id=user_1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Devices []json.RawMessage `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Devices, 1)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "healthy", out.Status)
	assert.Equal(t, "inst_test", out.Gateway.Local.InstanceID)
	assert.Zero(t, out.Gateway.DispatchQueue.Pending)
}

// failingKV simulates an unreachable shared-state store.
type failingKV struct{}

var errKVDown = errors.New("kv unavailable")

func (failingKV) Get(context.Context, string) (*cluster.Entry, error) { return nil, errKVDown }

func (failingKV) Put(context.Context, string, []byte) (uint64, error) { return 0, errKVDown }

func (failingKV) Create(context.Context, string, []byte) (uint64, error) {
	return 0, errKVDown
}

func (failingKV) Update(context.Context, string, []byte, uint64) (uint64, error) {
	return 0, errKVDown
}

func (failingKV) Delete(context.Context, string) error { return errKVDown }

func (failingKV) Keys(context.Context) ([]string, error) { return nil, errKVDown }

func TestHealthDegradedWhenPresenceUnavailable(t *testing.T) {
	s, ts := newTestServer(t)
	s.presence = presence.NewDirectory(failingKV{}, time.Minute)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "degraded", out.Status)
	assert.True(t, out.Gateway.Cluster.Degraded)
	assert.False(t, out.Gateway.DispatchQueue.Degraded)
}

func TestHealthUnhealthyWhenSharedStateUnreachable(t *testing.T) {
	s, ts := newTestServer(t)
	s.presence = presence.NewDirectory(failingKV{}, time.Minute)
	s.dispatch = dispatch.NewQueue(failingKV{}, cluster.NewMemoryBus(), s.presence, dispatch.Options{
		InstanceID: "inst_test",
	})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "unhealthy", out.Status)
	assert.True(t, out.Gateway.Cluster.Degraded)
	assert.True(t, out.Gateway.DispatchQueue.Degraded)
}

func TestInvokeOfflineDevice(t *testing.T) {
	_, ts := newTestServer(t)
	out := registerDevice(t, ts)

	resp, err := http.Post(ts.URL+"/devices/"+out.Device.ID+"/invoke", "application/json",
		strings.NewReader(`{"tool":"read_file","timeout":5000}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "device_offline")
}

func TestInvokeUnknownDevice(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/devices/dev_missing/invoke", "application/json",
		strings.NewReader(`{"tool":"read_file"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestRegisterConnectInvoke exercises the full path: REST registration,
// WebSocket attach on the namespaced alias, tool dispatch, result
// correlation.
func TestRegisterConnectInvoke(t *testing.T) {
	_, ts := newTestServer(t)
	out := registerDevice(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/gateway/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Register{
		BaseMessage: protocol.NewBase(protocol.TypeRegister, "reg_1"),
		Token:       out.Session.Token,
		Platform:    "macos",
		Version:     protocol.Version,
	}))

	var ack protocol.Ack
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, out.Device.ID, ack.DeviceID)

	// Device side: answer the tool call when it arrives.
	go func() {
		var call protocol.ToolCall
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&call); err != nil {
			return
		}
		conn.WriteJSON(protocol.ToolResult{
			BaseMessage: protocol.NewBase(protocol.TypeToolResult, "res_1"),
			RequestID:   call.RequestID,
			Payload: protocol.ToolResultPayload{
				Success: true,
				Result:  json.RawMessage(`{"content":"hello"}`),
			},
		})
	}()

	resp, err := http.Post(ts.URL+"/devices/"+out.Device.ID+"/invoke", "application/json",
		strings.NewReader(`{"tool":"read_file","params":{"path":"/tmp/x"},"timeout":5000}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readBody(t, resp)
	assert.Contains(t, body, `"completed"`)
	assert.Contains(t, body, "hello")
}

// TestUnregisterDisconnectsDevice verifies that removing a device severs its
// socket and clears its presence entry, so nothing routes tool calls to it
// afterwards.
func TestUnregisterDisconnectsDevice(t *testing.T) {
	s, ts := newTestServer(t)
	out := registerDevice(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Register{
		BaseMessage: protocol.NewBase(protocol.TypeRegister, "reg_1"),
		Token:       out.Session.Token,
	}))
	var ack protocol.Ack
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/devices/"+out.Device.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The device hears why before the socket drops, then loses the
	// connection.
	var errFrame protocol.Error
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, "unregistered", errFrame.Code)
	_, _, readErr := conn.ReadMessage()
	assert.Error(t, readErr)

	require.Eventually(t, func() bool {
		return !s.hub.Connected(out.Device.ID)
	}, 2*time.Second, 20*time.Millisecond)

	_, err = s.presence.Resolve(context.Background(), out.Device.ID)
	assert.ErrorIs(t, err, presence.ErrOffline)

	// Internal routing fails fast rather than reaching the dead socket.
	res, err := s.dispatch.Invoke(context.Background(), out.Device.ID, "read_file", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, res.Status)
	assert.Equal(t, dispatch.ReasonDeviceOffline, res.Error)

	// The REST surface no longer knows the device at all.
	resp2, err := http.Post(ts.URL+"/devices/"+out.Device.ID+"/invoke", "application/json",
		strings.NewReader(`{"tool":"read_file","timeout":2000}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestWebSocketRejectsStaleToken(t *testing.T) {
	_, ts := newTestServer(t)
	first := registerDevice(t, ts)

	// Re-registering the same device rotates the session; the first token
	// must stop working.
	body := `{"user_id":"user_1","device_id":"` + first.Device.ID + `","name":"Office Mac","platform":"macos","capabilities":["read_file"]}`
	resp, err := http.Post(ts.URL+"/devices", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Register{
		BaseMessage: protocol.NewBase(protocol.TypeRegister, "reg_1"),
		Token:       first.Session.Token,
	}))

	var errFrame protocol.Error
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, protocol.TypeError, errFrame.Type)
	assert.Equal(t, "invalid_token", errFrame.Code)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.String()
}
