package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Client holds a NATS connection and its JetStream context. It satisfies
// the fleet's shared-state needs: KV buckets for presence and dispatch
// state, core NATS for the instance-to-instance bus.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes the NATS connection used for cluster coordination.
func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{nc: nc, js: js}, nil
}

// KeyValue opens (or creates) a JetStream KV bucket. A non-zero ttl expires
// entries at the bucket level, which backs the presence staleness bound
// even if a sweep never runs.
func (c *Client) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (KV, error) {
	cfg := jetstream.KeyValueConfig{Bucket: bucket}
	if ttl > 0 {
		cfg.TTL = ttl
	}

	kv, err := c.js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
	}

	return &natsKV{kv: kv}, nil
}

// Bus returns the NATS-backed instance-to-instance bus.
func (c *Client) Bus() Bus {
	return &natsBus{nc: c.nc}
}

// Close closes the NATS connection.
func (c *Client) Close() error {
	c.nc.Close()
	return nil
}

type natsKV struct {
	kv jetstream.KeyValue
}

func (n *natsKV) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return &Entry{Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (n *natsKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := n.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return rev, nil
}

func (n *natsKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := n.kv.Create(ctx, key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create key %s: %w", key, err)
	}
	return rev, nil
}

func (n *natsKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := n.kv.Update(ctx, key, value, revision)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		// JetStream reports a lost CAS as a wrong-last-sequence API error.
		return 0, ErrConflict
	}
	return rev, nil
}

func (n *natsKV) Delete(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (n *natsKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := n.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

type natsBus struct {
	nc *nats.Conn
}

func (b *natsBus) Publish(_ context.Context, subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *natsBus) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	unsubscribe := func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			// Nothing actionable; the connection is going away.
			_ = err
		}
	}
	return unsubscribe, nil
}
