// Package presence is the cluster-wide record of which gateway instance
// currently holds each device's live connection. It is the single source of
// truth for routing decisions, and it is deliberately eventually consistent:
// a stale "online" read just causes a dispatch attempt that fails fast.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"valet/internal/cluster"
)

// ErrOffline is returned by Resolve when a device has no usable presence
// entry. It is an expected, common outcome, not a fault.
var ErrOffline = errors.New("device offline")

// Entry maps a device to the instance holding its socket.
type Entry struct {
	InstanceID      string    `json:"instance_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Stats is the eventually-consistent cluster view used by health reporting.
type Stats struct {
	DevicesOnline      int `json:"devices_online"`
	InstancesReporting int `json:"instances_reporting"`
}

// Directory tracks device presence in the shared KV store.
type Directory struct {
	kv         cluster.KV
	staleAfter time.Duration

	now func() time.Time // test hook
}

// NewDirectory creates a presence directory. staleAfter should be twice the
// client heartbeat interval; entries older than that are unusable for
// routing.
func NewDirectory(kv cluster.KV, staleAfter time.Duration) *Directory {
	return &Directory{
		kv:         kv,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Claim records that instanceID now owns the device's connection.
// Last-writer-wins: a reconnect through another instance simply overwrites
// the entry.
func (d *Directory) Claim(ctx context.Context, deviceID, instanceID string) error {
	data, err := json.Marshal(Entry{
		InstanceID:      instanceID,
		LastHeartbeatAt: d.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	if _, err := d.kv.Put(ctx, deviceID, data); err != nil {
		return fmt.Errorf("failed to claim presence for %s: %w", deviceID, err)
	}
	return nil
}

// Touch refreshes the liveness timestamp. Missing entries are a no-op (the
// device must re-register); a lost revision race means a newer claim
// happened elsewhere, which also must not be clobbered.
func (d *Directory) Touch(ctx context.Context, deviceID string) error {
	existing, err := d.kv.Get(ctx, deviceID)
	if errors.Is(err, cluster.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read presence for %s: %w", deviceID, err)
	}

	var entry Entry
	if err := json.Unmarshal(existing.Value, &entry); err != nil {
		return fmt.Errorf("corrupt presence entry for %s: %w", deviceID, err)
	}
	entry.LastHeartbeatAt = d.now()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	_, err = d.kv.Update(ctx, deviceID, data, existing.Revision)
	if errors.Is(err, cluster.ErrConflict) || errors.Is(err, cluster.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to touch presence for %s: %w", deviceID, err)
	}
	return nil
}

// Resolve returns the instance currently holding the device's socket, or
// ErrOffline for a missing or stale entry.
func (d *Directory) Resolve(ctx context.Context, deviceID string) (string, error) {
	existing, err := d.kv.Get(ctx, deviceID)
	if errors.Is(err, cluster.ErrKeyNotFound) {
		return "", ErrOffline
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve presence for %s: %w", deviceID, err)
	}

	var entry Entry
	if err := json.Unmarshal(existing.Value, &entry); err != nil {
		return "", fmt.Errorf("corrupt presence entry for %s: %w", deviceID, err)
	}

	if d.isStale(entry) {
		return "", ErrOffline
	}
	return entry.InstanceID, nil
}

// Release removes the device's entry, but only if it still names the given
// instance. A disconnect on instance A must not clobber presence claimed by
// a newer connection on instance B.
func (d *Directory) Release(ctx context.Context, deviceID, instanceID string) error {
	existing, err := d.kv.Get(ctx, deviceID)
	if errors.Is(err, cluster.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read presence for %s: %w", deviceID, err)
	}

	var entry Entry
	if err := json.Unmarshal(existing.Value, &entry); err != nil {
		// Corrupt entries are safe to drop.
		return d.kv.Delete(ctx, deviceID)
	}
	if entry.InstanceID != instanceID {
		return nil
	}

	return d.kv.Delete(ctx, deviceID)
}

// Remove deletes the device's entry regardless of which instance owns it.
// Used when a device is unregistered and must stop routing immediately,
// even when its socket lives on another instance.
func (d *Directory) Remove(ctx context.Context, deviceID string) error {
	if err := d.kv.Delete(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to remove presence for %s: %w", deviceID, err)
	}
	return nil
}

// SweepStale removes entries whose last heartbeat is older than the
// staleness window, and returns how many were removed.
func (d *Directory) SweepStale(ctx context.Context) (int, error) {
	keys, err := d.kv.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list presence keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		existing, err := d.kv.Get(ctx, key)
		if errors.Is(err, cluster.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to read presence for %s: %w", key, err)
		}

		var entry Entry
		if err := json.Unmarshal(existing.Value, &entry); err != nil || d.isStale(entry) {
			if err := d.kv.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Stats aggregates an eventually-consistent view of the cluster. Stale
// entries are not counted but are left for the sweeper.
func (d *Directory) Stats(ctx context.Context) (Stats, error) {
	keys, err := d.kv.Keys(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list presence keys: %w", err)
	}

	instances := make(map[string]bool)
	online := 0
	for _, key := range keys {
		existing, err := d.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(existing.Value, &entry); err != nil {
			continue
		}
		if d.isStale(entry) {
			continue
		}
		online++
		instances[entry.InstanceID] = true
	}

	return Stats{
		DevicesOnline:      online,
		InstancesReporting: len(instances),
	}, nil
}

// StartSweeper runs the staleness sweep on a ticker until ctx is cancelled.
// The sweep period is half the staleness window, so a silent device becomes
// unroutable no later than 2x its heartbeat interval.
func (d *Directory) StartSweeper(ctx context.Context) {
	interval := d.staleAfter / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := d.SweepStale(ctx); err != nil {
					log.Printf("[Presence] Stale sweep failed: %v", err)
				} else if removed > 0 {
					log.Printf("[Presence] Swept %d stale entries", removed)
				}
			}
		}
	}()
}

func (d *Directory) isStale(entry Entry) bool {
	return d.now().Sub(entry.LastHeartbeatAt) > d.staleAfter
}
