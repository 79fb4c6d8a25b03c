package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valet/internal/cluster"
	"valet/internal/presence"
)

type fakeResolver struct {
	mu        sync.Mutex
	instances map[string]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{instances: make(map[string]string)}
}

func (r *fakeResolver) set(deviceID, instanceID string) {
	r.mu.Lock()
	r.instances[deviceID] = instanceID
	r.mu.Unlock()
}

func (r *fakeResolver) Resolve(_ context.Context, deviceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.instances[deviceID]
	if !ok {
		return "", presence.ErrOffline
	}
	return instance, nil
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []callEnvelope
	err   error
}

func (d *fakeDeliverer) DeliverToolCall(_ context.Context, deviceID, requestID, tool string, params json.RawMessage, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, callEnvelope{
		RequestID: requestID,
		DeviceID:  deviceID,
		Tool:      tool,
		Params:    params,
		TimeoutMs: timeout.Milliseconds(),
	})
	return nil
}

func (d *fakeDeliverer) delivered() []callEnvelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]callEnvelope(nil), d.calls...)
}

type archiveRecord struct {
	requestID string
	status    string
	errMsg    string
}

type fakeArchiver struct {
	mu      sync.Mutex
	records []archiveRecord
}

func (a *fakeArchiver) ArchiveDispatch(requestID, _, _, status string, _, _ time.Time, errMsg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, archiveRecord{requestID: requestID, status: status, errMsg: errMsg})
	return nil
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *fakeResolver, *fakeDeliverer) {
	t.Helper()
	if opts.InstanceID == "" {
		opts.InstanceID = "inst_a"
	}
	resolver := newFakeResolver()
	deliverer := &fakeDeliverer{}
	q := NewQueue(cluster.NewMemoryKV(), cluster.NewMemoryBus(), resolver, opts)
	q.SetDeliverer(deliverer)
	return q, resolver, deliverer
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch result")
		return Result{}
	}
}

func TestEnqueueOfflineFailsFast(t *testing.T) {
	q, _, deliverer := newTestQueue(t, Options{})
	ctx := context.Background()

	start := time.Now()
	_, ch, err := q.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	require.NoError(t, err)

	res := waitResult(t, ch)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonDeviceOffline, res.Error)
	assert.Less(t, time.Since(start), time.Second, "offline device should fail immediately, not wait out the timeout")
	assert.Empty(t, deliverer.delivered())
}

func TestInvokeCompletes(t *testing.T) {
	q, resolver, deliverer := newTestQueue(t, Options{})
	resolver.set("dev_1", "inst_a")
	ctx := context.Background()

	params := json.RawMessage(`{"path":"/tmp/notes.txt"}`)
	requestID, ch, err := q.Enqueue(ctx, "dev_1", "read_file", params, 10*time.Second)
	require.NoError(t, err)

	calls := deliverer.delivered()
	require.Len(t, calls, 1)
	assert.Equal(t, requestID, calls[0].RequestID)
	assert.Equal(t, "read_file", calls[0].Tool)
	assert.JSONEq(t, string(params), string(calls[0].Params))

	// Delivery succeeded, so the record should be processing.
	req, _, err := q.load(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, req.Status)

	q.HandleToolResult(ctx, requestID, true, json.RawMessage(`{"content":"hello"}`), "")

	res := waitResult(t, ch)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.JSONEq(t, `{"content":"hello"}`, string(res.Payload))

	req, _, err = q.load(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
	require.NotNil(t, req.ResolvedAt)
}

func TestDeviceErrorFails(t *testing.T) {
	q, resolver, _ := newTestQueue(t, Options{})
	resolver.set("dev_1", "inst_a")
	ctx := context.Background()

	requestID, ch, err := q.Enqueue(ctx, "dev_1", "run_shell", nil, 10*time.Second)
	require.NoError(t, err)

	q.HandleToolResult(ctx, requestID, false, nil, "command not found")

	res := waitResult(t, ch)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "command not found", res.Error)
}

func TestDuplicateResultIgnored(t *testing.T) {
	q, resolver, _ := newTestQueue(t, Options{})
	resolver.set("dev_1", "inst_a")
	ctx := context.Background()

	requestID, ch, err := q.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	require.NoError(t, err)

	q.HandleToolResult(ctx, requestID, true, json.RawMessage(`{"n":1}`), "")
	q.HandleToolResult(ctx, requestID, true, json.RawMessage(`{"n":2}`), "")

	res := waitResult(t, ch)
	assert.JSONEq(t, `{"n":1}`, string(res.Payload))

	// The channel was closed after the first notification; nothing else
	// arrives.
	_, ok := <-ch
	assert.False(t, ok)

	req, _, err := q.load(ctx, requestID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(req.Result))
}

func TestExpiryIsTerminal(t *testing.T) {
	q, resolver, _ := newTestQueue(t, Options{})
	resolver.set("dev_1", "inst_a")
	ctx := context.Background()

	current := time.Now()
	q.now = func() time.Time { return current }

	requestID, ch, err := q.Enqueue(ctx, "dev_1", "read_file", nil, 5*time.Second)
	require.NoError(t, err)

	current = current.Add(6 * time.Second)
	q.sweep(ctx)

	res := waitResult(t, ch)
	assert.Equal(t, StatusExpired, res.Status)
	assert.Equal(t, ReasonTimeout, res.Error)

	// A late result from the device must not resurrect the request.
	q.HandleToolResult(ctx, requestID, true, json.RawMessage(`{"late":true}`), "")

	req, _, err := q.load(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, req.Status)
	assert.Empty(t, req.Result)
}

func TestDeliveryFailureFailsFast(t *testing.T) {
	q, resolver, deliverer := newTestQueue(t, Options{})
	resolver.set("dev_1", "inst_a")
	deliverer.err = errors.New("write: broken pipe")
	ctx := context.Background()

	_, ch, err := q.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	require.NoError(t, err)

	res := waitResult(t, ch)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonDeviceOffline, res.Error)
}

func TestCrossInstanceRouting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := cluster.NewMemoryKV()
	bus := cluster.NewMemoryBus()
	resolver := newFakeResolver()
	resolver.set("dev_1", "inst_b")

	origin := NewQueue(kv, bus, resolver, Options{InstanceID: "inst_a"})
	origin.SetDeliverer(&fakeDeliverer{})
	require.NoError(t, origin.Start(ctx))

	holder := NewQueue(kv, bus, resolver, Options{InstanceID: "inst_b"})
	holderDeliverer := &fakeDeliverer{}
	holder.SetDeliverer(holderDeliverer)
	require.NoError(t, holder.Start(ctx))

	requestID, ch, err := origin.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	require.NoError(t, err)

	// Delivery happens asynchronously via the bus.
	require.Eventually(t, func() bool {
		return len(holderDeliverer.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, requestID, holderDeliverer.delivered()[0].RequestID)

	// The holding instance resolves; the origin's waiter is notified.
	holder.HandleToolResult(ctx, requestID, true, json.RawMessage(`{"ok":true}`), "")

	res := waitResult(t, ch)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
}

func TestQueueFull(t *testing.T) {
	q, resolver, _ := newTestQueue(t, Options{MaxPending: 1})
	resolver.set("dev_1", "inst_a")
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	require.NoError(t, err)

	_, _, err = q.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestStats(t *testing.T) {
	q, resolver, _ := newTestQueue(t, Options{})
	resolver.set("dev_1", "inst_a")
	ctx := context.Background()

	first, ch, err := q.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processing)
	assert.Zero(t, stats.CompletedLastHour)

	q.HandleToolResult(ctx, first, true, nil, "")
	waitResult(t, ch)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, int64(1), stats.CompletedLastHour)

	q.rollover()
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.CompletedLastHour)
}

func TestPurgeAndArchive(t *testing.T) {
	archiver := &fakeArchiver{}
	q, resolver, _ := newTestQueue(t, Options{Retention: time.Minute, Archiver: archiver})
	resolver.set("dev_1", "inst_a")
	ctx := context.Background()

	current := time.Now()
	q.now = func() time.Time { return current }

	requestID, ch, err := q.Enqueue(ctx, "dev_1", "read_file", nil, 10*time.Second)
	require.NoError(t, err)

	q.HandleToolResult(ctx, requestID, true, nil, "")
	waitResult(t, ch)

	archiver.mu.Lock()
	require.Len(t, archiver.records, 1)
	assert.Equal(t, string(StatusCompleted), archiver.records[0].status)
	archiver.mu.Unlock()

	// Still queryable inside the retention window.
	q.sweep(ctx)
	_, _, err = q.load(ctx, requestID)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	q.sweep(ctx)
	_, _, err = q.load(ctx, requestID)
	assert.ErrorIs(t, err, cluster.ErrKeyNotFound)
}
