package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

func keyInstance(id string) string { return "instances:" + id }

// RegisterInstance refreshes this orchestrator's heartbeat key. Instances
// that stop heartbeating disappear after the TTL, so the registry only ever
// lists live peers.
func (s *Store) RegisterInstance(ctx context.Context, instanceID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, keyInstance(instanceID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("op=redisstore.RegisterInstance: %w", err)
	}
	return nil
}

// Instances lists the ids of currently live orchestrator instances.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, keyInstance("*")).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.Instances: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyInstance("")))
	}
	return ids, nil
}
