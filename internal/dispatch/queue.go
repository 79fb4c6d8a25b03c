// Package dispatch tracks outstanding tool calls from creation through
// completion, expiry, or failure. Request state lives in the shared KV
// store so every instance sees it; the waiting caller's handle stays on the
// instance that enqueued, and cross-instance delivery rides the bus.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"valet/internal/cluster"
	"valet/internal/presence"
)

// ErrQueueFull is returned when this instance already has the maximum
// number of outstanding requests.
var ErrQueueFull = errors.New("dispatch queue full")

// Deliverer writes a tool_call frame to a locally-held device socket. A
// returned error means the device is unreachable right now: no local
// connection, or the socket write failed.
type Deliverer interface {
	DeliverToolCall(ctx context.Context, deviceID, requestID, tool string, params json.RawMessage, timeout time.Duration) error
}

// Resolver locates the instance holding a device's connection.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) (string, error)
}

// Archiver records terminal requests for audit. Optional.
type Archiver interface {
	ArchiveDispatch(requestID, deviceID, tool, status string, createdAt, resolvedAt time.Time, errMsg string) error
}

// Options configures a Queue.
type Options struct {
	InstanceID     string
	DefaultTimeout time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	MaxPending     int
	RolloverCron   string
	Archiver       Archiver
}

// Queue is the dispatch queue for one gateway instance.
type Queue struct {
	kv       cluster.KV
	bus      cluster.Bus
	resolver Resolver
	opts     Options

	deliverer Deliverer

	mu      sync.Mutex
	waiters map[string]chan Result

	countersMu sync.Mutex
	completed  int64
	expired    int64
	failed     int64

	cron *cron.Cron
	now  func() time.Time // test hook
}

// NewQueue creates a dispatch queue. The deliverer is wired afterwards via
// SetDeliverer because the connection hub is constructed with a reference
// to the queue.
func NewQueue(kv cluster.KV, bus cluster.Bus, resolver Resolver, opts Options) *Queue {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 1000
	}
	if opts.RolloverCron == "" {
		opts.RolloverCron = "0 * * * *"
	}

	return &Queue{
		kv:       kv,
		bus:      bus,
		resolver: resolver,
		opts:     opts,
		waiters:  make(map[string]chan Result),
		now:      time.Now,
	}
}

// SetDeliverer wires the local connection hub.
func (q *Queue) SetDeliverer(d Deliverer) {
	q.deliverer = d
}

// Start subscribes to this instance's bus subjects and launches the
// deadline and purge sweepers plus the hourly counter rollover.
func (q *Queue) Start(ctx context.Context) error {
	if _, err := q.bus.Subscribe(ctx, callSubject(q.opts.InstanceID), q.onCall); err != nil {
		return fmt.Errorf("failed to subscribe to call subject: %w", err)
	}
	if _, err := q.bus.Subscribe(ctx, doneSubject(q.opts.InstanceID), q.onDone); err != nil {
		return fmt.Errorf("failed to subscribe to done subject: %w", err)
	}

	q.cron = cron.New()
	if _, err := q.cron.AddFunc(q.opts.RolloverCron, q.rollover); err != nil {
		return fmt.Errorf("failed to schedule stats rollover: %w", err)
	}
	q.cron.Start()

	go q.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		q.cron.Stop()
	}()

	return nil
}

// Enqueue records a new tool call and starts delivery. The returned channel
// receives exactly one Result: completion, expiry, or failure.
func (q *Queue) Enqueue(ctx context.Context, deviceID, tool string, params json.RawMessage, timeout time.Duration) (string, <-chan Result, error) {
	if timeout <= 0 {
		timeout = q.opts.DefaultTimeout
	}

	requestID := uuid.New().String()
	ch := make(chan Result, 1)

	q.mu.Lock()
	if len(q.waiters) >= q.opts.MaxPending {
		q.mu.Unlock()
		return "", nil, ErrQueueFull
	}
	q.waiters[requestID] = ch
	q.mu.Unlock()

	now := q.now()
	req := Request{
		ID:             requestID,
		DeviceID:       deviceID,
		Tool:           tool,
		Params:         params,
		OriginInstance: q.opts.InstanceID,
		Status:         StatusPending,
		CreatedAt:      now,
		Deadline:       now.Add(timeout),
	}
	data, err := json.Marshal(req)
	if err != nil {
		q.abandon(requestID)
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if _, err := q.kv.Create(ctx, requestID, data); err != nil {
		q.abandon(requestID)
		return "", nil, fmt.Errorf("failed to store request: %w", err)
	}

	instance, err := q.resolver.Resolve(ctx, deviceID)
	if err != nil {
		// Offline, or a routing read failed; either way the caller gets a
		// fast device_offline rather than a pointless wait.
		if !errors.Is(err, presence.ErrOffline) {
			log.Printf("[Dispatch] Presence resolve failed for %s: %v", deviceID, err)
		}
		q.resolve(ctx, requestID, StatusFailed, nil, ReasonDeviceOffline)
		return requestID, ch, nil
	}

	env := callEnvelope{
		RequestID:      requestID,
		DeviceID:       deviceID,
		Tool:           tool,
		Params:         params,
		TimeoutMs:      timeout.Milliseconds(),
		OriginInstance: q.opts.InstanceID,
	}

	if instance == q.opts.InstanceID {
		q.deliverLocal(ctx, env)
		return requestID, ch, nil
	}

	envData, err := json.Marshal(env)
	if err != nil {
		q.resolve(ctx, requestID, StatusFailed, nil, ReasonDeviceOffline)
		return requestID, ch, nil
	}
	if err := q.bus.Publish(ctx, callSubject(instance), envData); err != nil {
		log.Printf("[Dispatch] Forward to %s failed: %v", instance, err)
		q.resolve(ctx, requestID, StatusFailed, nil, ReasonDeviceOffline)
	}
	return requestID, ch, nil
}

// Invoke enqueues a tool call and blocks until it resolves or ctx is done.
func (q *Queue) Invoke(ctx context.Context, deviceID, tool string, params json.RawMessage, timeout time.Duration) (Result, error) {
	requestID, ch, err := q.Enqueue(ctx, deviceID, tool, params, timeout)
	if err != nil {
		return Result{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		q.abandon(requestID)
		return Result{}, ctx.Err()
	}
}

// HandleToolResult is called by the connection hub when a device answers.
// Late and duplicate results are dropped silently: a race between expiry
// and a slow device is expected, not an error.
func (q *Queue) HandleToolResult(ctx context.Context, requestID string, success bool, payload json.RawMessage, errMsg string) {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}
	q.resolve(ctx, requestID, status, payload, errMsg)
}

// Stats returns the queue's observability snapshot. Gauges come from a scan
// of the shared store; a scan failure degrades to counters only.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.countersMu.Lock()
	stats := Stats{
		CompletedLastHour: q.completed,
		ExpiredLastHour:   q.expired,
		FailedLastHour:    q.failed,
	}
	q.countersMu.Unlock()

	keys, err := q.kv.Keys(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to scan dispatch state: %w", err)
	}
	for _, key := range keys {
		req, _, err := q.load(ctx, key)
		if err != nil {
			continue
		}
		switch req.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		}
	}
	return stats, nil
}

// deliverLocal hands the call to the local hub and marks it processing.
func (q *Queue) deliverLocal(ctx context.Context, env callEnvelope) {
	if q.deliverer == nil {
		q.resolve(ctx, env.RequestID, StatusFailed, nil, ReasonDeviceOffline)
		return
	}

	timeout := time.Duration(env.TimeoutMs) * time.Millisecond
	if err := q.deliverer.DeliverToolCall(ctx, env.DeviceID, env.RequestID, env.Tool, env.Params, timeout); err != nil {
		// A failed socket write is immediate unreachability, not something
		// to buffer and wait out.
		log.Printf("[Dispatch] Delivery to %s failed: %v", env.DeviceID, err)
		q.resolve(ctx, env.RequestID, StatusFailed, nil, ReasonDeviceOffline)
		return
	}

	q.markProcessing(ctx, env.RequestID)
}

// onCall handles a tool call forwarded from another instance.
func (q *Queue) onCall(ctx context.Context, data []byte) {
	var env callEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[Dispatch] Malformed call envelope: %v", err)
		return
	}
	q.deliverLocal(ctx, env)
}

// onDone handles a resolution notification for a request this instance
// enqueued but another instance resolved.
func (q *Queue) onDone(_ context.Context, data []byte) {
	var env doneEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[Dispatch] Malformed done envelope: %v", err)
		return
	}
	q.notify(env.Result)
}

// markProcessing transitions pending -> processing. Losing the race (for
// example to the deadline sweeper) is fine.
func (q *Queue) markProcessing(ctx context.Context, requestID string) {
	req, revision, err := q.load(ctx, requestID)
	if err != nil || req.Status != StatusPending {
		return
	}

	req.Status = StatusProcessing
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if _, err := q.kv.Update(ctx, requestID, data, revision); err != nil && !errors.Is(err, cluster.ErrConflict) {
		log.Printf("[Dispatch] Failed to mark %s processing: %v", requestID, err)
	}
}

// resolve performs the terminal transition with compare-and-set, then
// notifies the original caller exactly once. Requests already terminal are
// left untouched; a duplicate or late result cannot double-resolve or
// resurrect an expired request.
func (q *Queue) resolve(ctx context.Context, requestID string, status Status, payload json.RawMessage, errMsg string) {
	req, revision, err := q.load(ctx, requestID)
	if err != nil {
		return
	}
	if req.Status.Terminal() {
		if q.verboseDrop(req, status) {
			log.Printf("[Dispatch] Dropping %s result for %s (already %s)", status, requestID, req.Status)
		}
		return
	}

	now := q.now()
	req.Status = status
	req.ResolvedAt = &now
	req.Result = payload
	req.Error = errMsg

	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if _, err := q.kv.Update(ctx, requestID, data, revision); err != nil {
		// Lost the race; whoever won notifies the caller.
		return
	}

	q.bumpCounter(status)

	if q.opts.Archiver != nil && req.OriginInstance == q.opts.InstanceID {
		if err := q.opts.Archiver.ArchiveDispatch(req.ID, req.DeviceID, req.Tool, string(status), req.CreatedAt, now, errMsg); err != nil {
			log.Printf("[Dispatch] Archive failed for %s: %v", req.ID, err)
		}
	}

	result := Result{
		RequestID: requestID,
		Status:    status,
		Payload:   payload,
		Error:     errMsg,
	}

	if req.OriginInstance == q.opts.InstanceID {
		q.notify(result)
		return
	}

	env, err := json.Marshal(doneEnvelope{Result: result})
	if err != nil {
		return
	}
	if err := q.bus.Publish(ctx, doneSubject(req.OriginInstance), env); err != nil {
		log.Printf("[Dispatch] Failed to notify origin %s: %v", req.OriginInstance, err)
	}
}

// notify delivers the result to the local waiter, at most once.
func (q *Queue) notify(res Result) {
	q.mu.Lock()
	ch, ok := q.waiters[res.RequestID]
	if ok {
		delete(q.waiters, res.RequestID)
	}
	q.mu.Unlock()

	if ok {
		ch <- res
		close(ch)
	}
}

// abandon drops the waiter for a request the caller no longer wants.
func (q *Queue) abandon(requestID string) {
	q.mu.Lock()
	delete(q.waiters, requestID)
	q.mu.Unlock()
}

// sweepLoop expires overdue requests and purges resolved ones past the
// retention window.
func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx)
		}
	}
}

// sweep walks the shared store once. Every instance sweeps; the CAS in
// resolve makes that safe, and the winner notifies the origin.
func (q *Queue) sweep(ctx context.Context) {
	keys, err := q.kv.Keys(ctx)
	if err != nil {
		log.Printf("[Dispatch] Sweep scan failed: %v", err)
		return
	}

	now := q.now()
	for _, key := range keys {
		req, _, err := q.load(ctx, key)
		if err != nil {
			continue
		}

		if !req.Status.Terminal() && now.After(req.Deadline) {
			q.resolve(ctx, key, StatusExpired, nil, ReasonTimeout)
			continue
		}

		if req.Status.Terminal() && req.ResolvedAt != nil && now.Sub(*req.ResolvedAt) > q.opts.Retention {
			if err := q.kv.Delete(ctx, key); err != nil {
				log.Printf("[Dispatch] Purge failed for %s: %v", key, err)
			}
		}
	}
}

// load fetches and decodes a request record.
func (q *Queue) load(ctx context.Context, requestID string) (Request, uint64, error) {
	entry, err := q.kv.Get(ctx, requestID)
	if err != nil {
		return Request{}, 0, err
	}
	var req Request
	if err := json.Unmarshal(entry.Value, &req); err != nil {
		return Request{}, 0, fmt.Errorf("corrupt request record %s: %w", requestID, err)
	}
	return req, entry.Revision, nil
}

func (q *Queue) bumpCounter(status Status) {
	q.countersMu.Lock()
	defer q.countersMu.Unlock()

	switch status {
	case StatusCompleted:
		q.completed++
	case StatusExpired:
		q.expired++
	case StatusFailed:
		q.failed++
	}
}

// rollover zeroes the hourly counters.
func (q *Queue) rollover() {
	q.countersMu.Lock()
	q.completed, q.expired, q.failed = 0, 0, 0
	q.countersMu.Unlock()
}

// verboseDrop decides whether a silently-dropped result deserves a log
// line. A late tool_result against an expired request is routine.
func (q *Queue) verboseDrop(req Request, incoming Status) bool {
	return req.Status == StatusExpired && incoming == StatusCompleted
}

func callSubject(instanceID string) string {
	return "valet.dispatch.call." + instanceID
}

func doneSubject(instanceID string) string {
	return "valet.dispatch.done." + instanceID
}
