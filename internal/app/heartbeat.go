package app

import (
	"context"
	"log/slog"
	"time"
)

// InstanceRegistry is the slice of the state store the heartbeat needs.
type InstanceRegistry interface {
	RegisterInstance(ctx context.Context, instanceID string, ttl time.Duration) error
}

// RunHeartbeat keeps the instance's registry entry alive until ctx ends.
// The refresh period is a third of the TTL so one missed beat is harmless.
func RunHeartbeat(ctx context.Context, reg InstanceRegistry, instanceID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if err := reg.RegisterInstance(ctx, instanceID, ttl); err != nil {
		slog.Warn("heartbeat registration failed", slog.String("instance_id", instanceID), slog.Any("error", err))
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := reg.RegisterInstance(ctx, instanceID, ttl); err != nil {
				slog.Warn("heartbeat refresh failed", slog.String("instance_id", instanceID), slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}
