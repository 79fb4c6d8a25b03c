// Package server assembles the gateway: device registry, presence
// directory, connection hub, dispatch queue, and the REST surface that
// fronts them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"valet/internal/cluster"
	"valet/internal/config"
	"valet/internal/dispatch"
	"valet/internal/hub"
	"valet/internal/middleware"
	"valet/internal/presence"
	"valet/internal/registry"
	"valet/pkg/protocol"
)

// Server is one gateway instance.
type Server struct {
	cfg       *config.Config
	registry  *registry.Store
	presence  *presence.Directory
	dispatch  *dispatch.Queue
	hub       *hub.Hub
	rateLimit *middleware.RateLimit
	nats      *cluster.Client
	bus       cluster.Bus
	startedAt time.Time
}

// New wires a gateway instance from config. With clustering disabled the
// shared state lives in process memory and the instance is self-contained;
// with it enabled, presence and dispatch state go through NATS JetStream.
func New(cfg *config.Config) (*Server, error) {
	store, err := registry.NewStore(cfg.Database.Path, cfg.Gateway.SessionTTL())
	if err != nil {
		return nil, fmt.Errorf("failed to open device registry: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		registry:  store,
		rateLimit: middleware.NewRateLimit(cfg.RateLimiting),
		startedAt: time.Now(),
	}

	var presenceKV, dispatchKV cluster.KV
	if cfg.Cluster.Enabled {
		nc, err := cluster.Connect(cfg.Cluster.NATSURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		s.nats = nc

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		staleAfter := 2 * cfg.Gateway.HeartbeatInterval()
		presenceKV, err = nc.KeyValue(ctx, "valet-presence", staleAfter)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open presence bucket: %w", err)
		}
		dispatchKV, err = nc.KeyValue(ctx, "valet-dispatch", 0)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open dispatch bucket: %w", err)
		}
		s.bus = nc.Bus()
		log.Printf("[Server] Cluster mode enabled (instance %s)", cfg.InstanceID)
	} else {
		presenceKV = cluster.NewMemoryKV()
		dispatchKV = cluster.NewMemoryKV()
		s.bus = cluster.NewMemoryBus()
	}

	s.presence = presence.NewDirectory(presenceKV, 2*cfg.Gateway.HeartbeatInterval())

	s.dispatch = dispatch.NewQueue(dispatchKV, s.bus, s.presence, dispatch.Options{
		InstanceID:     cfg.InstanceID,
		DefaultTimeout: cfg.Dispatch.DefaultTimeout(),
		Retention:      cfg.Dispatch.Retention(),
		SweepInterval:  cfg.Dispatch.SweepInterval(),
		MaxPending:     cfg.Dispatch.MaxPending(),
		RolloverCron:   cfg.Dispatch.RolloverCron(),
		Archiver:       store,
	})

	events := &busEventSink{bus: s.bus}
	s.hub = hub.New(store, s.presence, s.dispatch, events, hub.Options{
		InstanceID:         cfg.InstanceID,
		HeartbeatInterval:  cfg.Gateway.HeartbeatInterval(),
		RegistrationWindow: cfg.Gateway.RegistrationWindow(),
	})
	s.dispatch.SetDeliverer(s.hub)

	return s, nil
}

// Dispatch exposes the queue for embedding callers.
func (s *Server) Dispatch() *dispatch.Queue {
	return s.dispatch
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /devices", s.rateLimit.Wrap(http.HandlerFunc(s.handleRegisterDevice)))
	mux.Handle("DELETE /devices/{id}", s.rateLimit.Wrap(http.HandlerFunc(s.handleUnregisterDevice)))
	mux.Handle("GET /devices", s.rateLimit.Wrap(http.HandlerFunc(s.handleListDevices)))
	mux.Handle("POST /devices/{id}/invoke", s.rateLimit.Wrap(http.HandlerFunc(s.handleInvokeTool)))
	mux.Handle("GET /health", s.rateLimit.Wrap(http.HandlerFunc(s.handleHealth)))

	// The WebSocket endpoint authenticates via the register frame, not the
	// upgrade request, so it sits outside the rate limiter.
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	mux.HandleFunc("/gateway/ws", s.hub.HandleWebSocket)

	return mux
}

// Start runs the gateway until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.hub.Start(ctx)
	if err := s.dispatch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatch queue: %w", err)
	}
	s.presence.StartSweeper(ctx)
	go s.maintenanceLoop(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[Server] HTTP server error: %v", err)
		}
	}()

	log.Printf("[Server] Gateway started on port %d (instance %s)", s.cfg.Port, s.cfg.InstanceID)

	<-ctx.Done()

	log.Println("[Server] Shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] HTTP shutdown error: %v", err)
	}

	s.hub.Shutdown()
	s.rateLimit.Stop()
	return s.Close()
}

// Close releases held resources.
func (s *Server) Close() error {
	if s.nats != nil {
		s.nats.Close()
	}
	return s.registry.Close()
}

// maintenanceLoop runs periodic housekeeping: expired session cleanup.
func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.registry.CleanupExpiredSessions()
			if err != nil {
				log.Printf("[Server] Session cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[Server] Cleaned up %d expired sessions", n)
			}
		}
	}
}

// handleRegisterDevice creates (or refreshes) a device and issues a fresh
// session token.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get(middleware.UserHeader)
	}

	device, session, err := s.registry.Register(req)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "unknown_device", "no such device to refresh")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	log.Printf("[Server] Device registered: %s (%s) for user %s", device.ID, device.Platform, device.UserID)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"device":           device,
		"session":          session,
		"ws_endpoint":      s.wsEndpoint(),
		"protocol_version": protocol.Version,
	})
}

// handleUnregisterDevice removes a device. Removing an absent device is not
// an error; the caller wanted it gone and it is.
func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := s.registry.Unregister(deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	// Tell the device why it is being cut off, then sever the socket. The
	// presence entry is removed unconditionally: the socket may be held by
	// another instance, and heartbeats never resurrect a deleted entry.
	if s.hub.Connected(deviceID) {
		s.hub.Push(deviceID, protocol.Error{
			BaseMessage: protocol.NewBase(protocol.TypeError, ""),
			Code:        "unregistered",
			Message:     "device has been unregistered",
		})
		s.hub.Drop(deviceID)
	}
	if err := s.presence.Remove(r.Context(), deviceID); err != nil {
		log.Printf("[Server] Failed to clear presence for %s: %v", deviceID, err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListDevices lists a user's devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get(middleware.UserHeader)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	devices, err := s.registry.ListDevices(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

type invokeRequest struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeout,omitempty"`
}

// handleInvokeTool runs a tool on a device and waits for the outcome. This
// is the control plane's entry into the dispatch queue.
func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	if _, err := s.registry.GetDevice(deviceID); err != nil {
		writeError(w, http.StatusNotFound, "unknown_device", "no such device")
		return
	}

	result, err := s.dispatch.Invoke(r.Context(), deviceID, req.Tool, req.Params,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "queue_full", "too many outstanding requests")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	status := http.StatusOK
	switch {
	case result.Status == dispatch.StatusExpired:
		status = http.StatusGatewayTimeout
	case result.Status == dispatch.StatusFailed && result.Error == dispatch.ReasonDeviceOffline:
		status = http.StatusBadGateway
	}
	// A device-reported tool failure is still a 200: the dispatch round
	// trip itself worked.
	writeJSON(w, status, result)
}

// wsEndpoint derives the address devices should dial.
func (s *Server) wsEndpoint() string {
	if s.cfg.PublicURL != "" {
		base := strings.TrimSuffix(s.cfg.PublicURL, "/")
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
		return base + "/ws"
	}
	return fmt.Sprintf("ws://localhost:%d/ws", s.cfg.Port)
}

// busEventSink forwards device events onto the cluster bus, where the rest
// of the platform picks them up.
type busEventSink struct {
	bus cluster.Bus
}

func (s *busEventSink) HandleEvent(ctx context.Context, deviceID, event string, data json.RawMessage) {
	payload, err := json.Marshal(map[string]interface{}{
		"device_id": deviceID,
		"event":     event,
		"data":      data,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, "valet.events."+deviceID, payload); err != nil {
		log.Printf("[Server] Failed to publish event from %s: %v", deviceID, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
