package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// Leases are JSON values with a Redis TTL; expiry simply deletes the key.
// Compare-and-set transitions run as Lua so two orchestrator instances can
// never both win.

const luaAcquireLease = `
local cur = redis.call("GET", KEYS[1])
if cur then
  local lease = cjson.decode(cur)
  if lease.owner and lease.owner ~= "" and lease.owner ~= ARGV[2] then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`

const luaRenewLease = `
local cur = redis.call("GET", KEYS[1])
if not cur then return 0 end
local lease = cjson.decode(cur)
if lease.leaseId ~= ARGV[1] then return 0 end
if not lease.owner or lease.owner ~= ARGV[2] then return 0 end
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`

const luaReleaseLease = `
local cur = redis.call("GET", KEYS[1])
if not cur then return 0 end
local lease = cjson.decode(cur)
if lease.leaseId ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1
`

// EnsureTaskLease writes a fresh lease for a dispatch, replacing any prior
// one. The TTL comes from the record.
func (s *Store) EnsureTaskLease(ctx domain.Context, lease domain.TaskLeaseRecord) error {
	b, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("op=redisstore.EnsureTaskLease: %w", err)
	}
	ttl := time.Duration(lease.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	key := keyLease(lease.PipelineID, lease.StageName, lease.TaskIndex)
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("op=redisstore.EnsureTaskLease: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// AcquireTaskLease takes the lease when it is unowned, owned by the same
// owner, or expired (key gone).
func (s *Store) AcquireTaskLease(ctx domain.Context, pipelineID, stageName string, taskIndex int, leaseID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	lease := domain.TaskLeaseRecord{
		PipelineID: pipelineID,
		StageName:  stageName,
		TaskIndex:  taskIndex,
		LeaseID:    leaseID,
		Owner:      owner,
		TTLMs:      ttl.Milliseconds(),
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	b, err := json.Marshal(lease)
	if err != nil {
		return false, fmt.Errorf("op=redisstore.AcquireTaskLease: %w", err)
	}
	key := keyLease(pipelineID, stageName, taskIndex)
	n, err := s.acquireLease.Run(ctx, s.rdb, []string{key}, b, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.AcquireTaskLease: %w: %v", domain.ErrStateStore, err)
	}
	return n == 1, nil
}

// RenewTaskLease extends the TTL only when lease id and owner both match.
func (s *Store) RenewTaskLease(ctx domain.Context, pipelineID, stageName string, taskIndex int, leaseID, owner string, ttl time.Duration) (bool, error) {
	key := keyLease(pipelineID, stageName, taskIndex)
	n, err := s.renewLease.Run(ctx, s.rdb, []string{key}, leaseID, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.RenewTaskLease: %w: %v", domain.ErrStateStore, err)
	}
	return n == 1, nil
}

// ReleaseTaskLease deletes the lease only when the lease id matches. A false
// return means the caller's result is stale and must be dropped.
func (s *Store) ReleaseTaskLease(ctx domain.Context, pipelineID, stageName string, taskIndex int, leaseID string) (bool, error) {
	key := keyLease(pipelineID, stageName, taskIndex)
	n, err := s.releaseLease.Run(ctx, s.rdb, []string{key}, leaseID).Int()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.ReleaseTaskLease: %w: %v", domain.ErrStateStore, err)
	}
	return n == 1, nil
}

// GetTaskLease loads the current lease for a task.
func (s *Store) GetTaskLease(ctx domain.Context, pipelineID, stageName string, taskIndex int) (domain.TaskLeaseRecord, error) {
	b, err := s.rdb.Get(ctx, keyLease(pipelineID, stageName, taskIndex)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.TaskLeaseRecord{}, fmt.Errorf("op=redisstore.GetTaskLease: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.TaskLeaseRecord{}, fmt.Errorf("op=redisstore.GetTaskLease: %w: %v", domain.ErrStateStore, err)
	}
	var lease domain.TaskLeaseRecord
	if err := json.Unmarshal(b, &lease); err != nil {
		return domain.TaskLeaseRecord{}, fmt.Errorf("op=redisstore.GetTaskLease: %w", err)
	}
	return lease, nil
}
