// Package hub owns the WebSocket connections for devices attached to this
// gateway instance. A socket is useless until the device authenticates it
// with a register frame; after that the hub keeps presence fresh from
// heartbeats, delivers tool calls, and feeds tool results back to dispatch.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"valet/internal/presence"
	"valet/internal/registry"
	"valet/pkg/protocol"
)

// ErrNotConnected is returned when a delivery targets a device without a
// registered socket on this instance.
var ErrNotConnected = errors.New("device not connected to this instance")

// Registry is the slice of the device registry the hub needs.
type Registry interface {
	ValidateToken(rawToken string) (*registry.Device, error)
	SetOnline(deviceID string, online bool) error
	TouchLastSeen(deviceID string) error
}

// ResultHandler receives tool results read off device sockets.
type ResultHandler interface {
	HandleToolResult(ctx context.Context, requestID string, success bool, payload json.RawMessage, errMsg string)
}

// EventSink receives device-originated events. Optional.
type EventSink interface {
	HandleEvent(ctx context.Context, deviceID, event string, data json.RawMessage)
}

// Client represents one registered device socket.
type Client struct {
	DeviceID string
	Platform string
	Conn     *websocket.Conn
	Send     chan []byte
	done     chan struct{}
}

// Options configures a Hub.
type Options struct {
	InstanceID         string
	HeartbeatInterval  time.Duration
	RegistrationWindow time.Duration
}

// Hub tracks the device sockets held by this instance.
type Hub struct {
	registry Registry
	presence *presence.Directory
	results  ResultHandler
	events   EventSink
	opts     Options

	upgrader websocket.Upgrader
	clients  map[string]*Client
	clientMu sync.RWMutex
	ctx      context.Context // hub lifecycle context for socket goroutines
}

// New creates a Hub. Call Start before serving connections.
func New(reg Registry, dir *presence.Directory, results ResultHandler, events EventSink, opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.RegistrationWindow <= 0 {
		opts.RegistrationWindow = 15 * time.Second
	}

	return &Hub{
		registry: reg,
		presence: dir,
		results:  results,
		events:   events,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
		ctx:     context.Background(),
	}
}

// Start records the lifecycle context used by socket goroutines. Cancelling
// it does not tear down existing sockets; Shutdown does that.
func (h *Hub) Start(ctx context.Context) {
	h.ctx = ctx
}

// ServeHTTP lets the hub be mounted directly on a mux route.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades the request and runs the registration handshake.
// The socket carries no credentials at upgrade time; the first frame must be
// a register carrying a session token.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		Conn: conn,
		Send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	// Use h.ctx rather than r.Context(): the request context is cancelled as
	// soon as this handler returns.
	go h.writePump(client)
	go h.readPump(h.ctx, client)
}

// DeliverToolCall sends a tool_call frame to a locally connected device. An
// error means the device is unreachable right now.
func (h *Hub) DeliverToolCall(_ context.Context, deviceID, requestID, tool string, params json.RawMessage, timeout time.Duration) error {
	h.clientMu.RLock()
	client, ok := h.clients[deviceID]
	h.clientMu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	msg := protocol.ToolCall{
		BaseMessage: protocol.NewBase(protocol.TypeToolCall, requestID),
		RequestID:   requestID,
		Payload: protocol.ToolCallPayload{
			Tool:      tool,
			Params:    params,
			TimeoutMs: timeout.Milliseconds(),
		},
	}
	return h.send(client, msg)
}

// Push sends an arbitrary frame (sync, config) to a connected device.
func (h *Hub) Push(deviceID string, msg interface{}) error {
	h.clientMu.RLock()
	client, ok := h.clients[deviceID]
	h.clientMu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return h.send(client, msg)
}

// Drop severs the device's socket on this instance. The read pump notices
// the closed connection and runs the usual teardown. Returns false when the
// device holds no socket here.
func (h *Hub) Drop(deviceID string) bool {
	h.clientMu.RLock()
	client, ok := h.clients[deviceID]
	h.clientMu.RUnlock()
	if !ok {
		return false
	}

	// Give the write pump a moment to flush any queued frames.
	time.Sleep(50 * time.Millisecond)
	client.Conn.Close()
	return true
}

// Connected reports whether this instance holds a socket for the device.
func (h *Hub) Connected(deviceID string) bool {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	_, ok := h.clients[deviceID]
	return ok
}

// Count returns the number of registered sockets on this instance.
func (h *Hub) Count() int {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every socket.
func (h *Hub) Shutdown() {
	h.clientMu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientMu.Unlock()

	for _, c := range clients {
		c.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		c.Conn.Close()
	}
}

// readPump drives one socket: registration handshake first, then the
// steady-state frame loop.
func (h *Hub) readPump(ctx context.Context, client *Client) {
	defer h.dropClient(ctx, client)

	if !h.awaitRegister(ctx, client) {
		return
	}

	for {
		client.Conn.SetReadDeadline(time.Now().Add(2 * h.opts.HeartbeatInterval))

		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Hub] Device %s closed connection", client.DeviceID)
			} else {
				log.Printf("[Hub] Read error from %s: %v", client.DeviceID, err)
			}
			return
		}

		parsed, err := protocol.ParseMessage(data)
		if err != nil {
			log.Printf("[Hub] Malformed frame from %s: %v", client.DeviceID, err)
			continue
		}

		switch msg := parsed.(type) {
		case *protocol.Heartbeat:
			h.handleHeartbeat(ctx, client)
		case *protocol.ToolResult:
			h.results.HandleToolResult(ctx, msg.RequestID, msg.Payload.Success, msg.Payload.Result, msg.Payload.Error)
		case *protocol.Event:
			if h.events != nil {
				h.events.HandleEvent(ctx, client.DeviceID, msg.Event, msg.Data)
			}
		case *protocol.Register:
			// Already registered on this socket.
			log.Printf("[Hub] Duplicate register frame from %s, ignoring", client.DeviceID)
		default:
			log.Printf("[Hub] Unhandled frame type from %s: %T", client.DeviceID, msg)
		}
	}
}

// awaitRegister reads the first frame, which must be a valid register within
// the registration window. It sends the ack on success and an error frame
// before closing on failure.
func (h *Hub) awaitRegister(ctx context.Context, client *Client) bool {
	client.Conn.SetReadDeadline(time.Now().Add(h.opts.RegistrationWindow))

	_, data, err := client.Conn.ReadMessage()
	if err != nil {
		log.Printf("[Hub] Socket closed before registration: %v", err)
		return false
	}

	parsed, err := protocol.ParseMessage(data)
	if err != nil {
		h.sendError(client, "bad_frame", "malformed frame")
		return false
	}

	reg, ok := parsed.(*protocol.Register)
	if !ok {
		h.sendError(client, "not_registered", "first frame must be register")
		return false
	}

	device, err := h.registry.ValidateToken(reg.Token)
	if err != nil {
		log.Printf("[Hub] Registration rejected: %v", err)
		code := "invalid_token"
		if errors.Is(err, registry.ErrSessionExpired) {
			code = "session_expired"
		}
		h.sendError(client, code, "session token rejected")
		return false
	}

	client.DeviceID = device.ID
	client.Platform = device.Platform

	if reg.Version != "" && reg.Version != protocol.Version {
		log.Printf("[Hub] Device %s speaks protocol %s (gateway: %s)", device.ID, reg.Version, protocol.Version)
	}

	h.clientMu.Lock()
	if old, exists := h.clients[device.ID]; exists {
		// The newer connection wins; the old socket is closed and its read
		// pump will see its replacement in the map and skip cleanup.
		log.Printf("[Hub] Replacing existing connection for %s", device.ID)
		old.Conn.Close()
	}
	h.clients[device.ID] = client
	count := len(h.clients)
	h.clientMu.Unlock()

	if err := h.registry.SetOnline(device.ID, true); err != nil {
		log.Printf("[Hub] Failed to mark %s online: %v", device.ID, err)
	}
	if err := h.presence.Claim(ctx, device.ID, h.opts.InstanceID); err != nil {
		log.Printf("[Hub] Failed to claim presence for %s: %v", device.ID, err)
	}

	log.Printf("[Hub] Device registered: %s (%s), %d connected", device.ID, device.Platform, count)

	ack := protocol.Ack{
		BaseMessage:      protocol.NewBase(protocol.TypeAck, "ack_"+uuid.New().String()[:8]),
		DeviceID:         device.ID,
		HeartbeatSeconds: int(h.opts.HeartbeatInterval.Seconds()),
		ProtocolVersion:  protocol.Version,
	}
	if err := h.send(client, ack); err != nil {
		log.Printf("[Hub] Failed to ack %s: %v", device.ID, err)
		return false
	}
	return true
}

func (h *Hub) handleHeartbeat(ctx context.Context, client *Client) {
	if err := h.registry.TouchLastSeen(client.DeviceID); err != nil {
		log.Printf("[Hub] Failed to touch last_seen for %s: %v", client.DeviceID, err)
	}
	if err := h.presence.Touch(ctx, client.DeviceID); err != nil {
		log.Printf("[Hub] Failed to touch presence for %s: %v", client.DeviceID, err)
	}
}

// dropClient tears down a socket. Registry and presence are only updated if
// this client is still the one on record for the device; a replaced socket
// must not knock its successor offline.
func (h *Hub) dropClient(ctx context.Context, client *Client) {
	client.Conn.Close()
	close(client.done)

	if client.DeviceID == "" {
		return
	}

	h.clientMu.Lock()
	current, ok := h.clients[client.DeviceID]
	owned := ok && current == client
	if owned {
		delete(h.clients, client.DeviceID)
	}
	h.clientMu.Unlock()

	if !owned {
		return
	}

	if err := h.registry.SetOnline(client.DeviceID, false); err != nil {
		log.Printf("[Hub] Failed to mark %s offline: %v", client.DeviceID, err)
	}
	if err := h.presence.Release(ctx, client.DeviceID, h.opts.InstanceID); err != nil {
		log.Printf("[Hub] Failed to release presence for %s: %v", client.DeviceID, err)
	}

	log.Printf("[Hub] Device disconnected: %s", client.DeviceID)
}

// writePump drains the send channel onto the socket.
func (h *Hub) writePump(client *Client) {
	defer client.Conn.Close()

	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				// A wire-level failure is only visible here, after the frame
				// left the send buffer. Frames already queued are lost and an
				// in-flight tool call resolves through the dispatch deadline
				// sweep once the teardown clears presence.
				log.Printf("[Hub] Write error: %v", err)
				return
			}
		case <-client.done:
			client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// send marshals a frame onto the client's send channel without blocking. A
// full buffer counts as a failed delivery, and so does a socket already
// being torn down.
func (h *Hub) send(client *Client, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	select {
	case <-client.done:
		return ErrNotConnected
	default:
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for %s", client.DeviceID)
	}
}

func (h *Hub) sendError(client *Client, code, message string) {
	msg := protocol.Error{
		BaseMessage: protocol.NewBase(protocol.TypeError, ""),
		Code:        code,
		Message:     message,
	}
	h.send(client, msg)
	// Give the write pump a moment to flush before the socket closes.
	time.Sleep(50 * time.Millisecond)
}
