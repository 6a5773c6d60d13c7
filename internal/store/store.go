// Package store persists the toggle snapshot in Redis under a single fixed
// key. The record is an opaque JSON blob: read once and written once per
// invocation, last writer wins, never deleted by UsageGate.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/usagegate/usagegate/internal/redis"
	"github.com/usagegate/usagegate/internal/snapshot"
)

// Redis is the snapshot store backed by a Redis client.
type Redis struct {
	client redis.Client
	key    string
	logger *slog.Logger
}

// New creates a snapshot store writing to the given fixed key.
func New(client redis.Client, key string, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		key:    key,
		logger: logger.With("component", "store"),
	}
}

// Get retrieves the last persisted snapshot. A missing key is "no prior
// state", not an error: the caller falls back to the access controller's
// live status. A corrupt record is treated the same way, with a warning —
// the next Put overwrites it.
func (s *Redis) Get(ctx context.Context) (*snapshot.Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("state store get %s: %w", s.key, err)
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("discarding corrupt snapshot", "key", s.key, "error", err)
		return nil, false, nil
	}
	if !snap.ToggleState.Valid() {
		s.logger.Warn("discarding snapshot with unknown toggle state", "key", s.key, "state", snap.ToggleState)
		return nil, false, nil
	}

	return &snap, true, nil
}

// Put overwrites the persisted snapshot. The record has no expiry.
func (s *Redis) Put(ctx context.Context, snap *snapshot.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("state store put %s: %w", s.key, err)
	}
	s.logger.Debug("snapshot persisted", "key", s.key, "state", snap.ToggleState)
	return nil
}

// Ping probes store connectivity for deep health checks.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
