// Package redisstore implements the orchestrator's state store ports on
// Redis: key/value records, hashes for stage barriers, lists for task
// attempts and outputs, sorted sets for pending approvals, Lua scripts for
// lease compare-and-set, and pub/sub for approval events.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store implements domain.StateStore on a Redis client.
type Store struct {
	rdb *redis.Client

	acquireLease *redis.Script
	renewLease   *redis.Script
	releaseLease *redis.Script

	// dlqCap bounds the dead-letter archive per queue.
	dlqCap int
}

// Option tweaks Store construction.
type Option func(*Store)

// WithDeadLetterCap overrides the per-queue archive cap (default 100).
func WithDeadLetterCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.dlqCap = n
		}
	}
}

// New constructs a Store around an existing client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:          rdb,
		acquireLease: redis.NewScript(luaAcquireLease),
		renewLease:   redis.NewScript(luaRenewLease),
		releaseLease: redis.NewScript(luaReleaseLease),
		dlqCap:       100,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open dials Redis from a URL and constructs a Store.
func Open(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	ropt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.Open: %w", err)
	}
	rdb := redis.NewClient(ropt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=redisstore.Open: %w", err)
	}
	return New(rdb, opts...), nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping reports backend liveness for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Key layout. All orchestrator state lives under the pipeline: / dlq: /
// approval: / breaker: prefixes.
func keyPipeline(id string) string        { return "pipeline:" + id }
func keyRunningSet() string               { return "pipelines:running" }
func keyCancelled(id string) string       { return "pipeline:" + id + ":cancelled" }
func keyStage(id, stage string) string    { return "pipeline:" + id + ":stage:" + stage }
func keyStageSet(id string) string        { return "pipeline:" + id + ":stages" }
func keyTaskList(id, stage string) string { return keyStage(id, stage) + ":tasks" }
func keyTaskLatest(id, stage string) string {
	return keyStage(id, stage) + ":task-latest"
}
func keyLease(id, stage string, idx int) string {
	return keyStage(id, stage) + ":task:" + strconv.Itoa(idx) + ":lease"
}
func keyOutputs(id, stage string, attempt int) string {
	return keyStage(id, stage) + ":outputs:" + strconv.Itoa(attempt)
}
func keyContextVersion(id string) string { return "pipeline:" + id + ":context-version" }
func keyContext(id string, v int64) string {
	return "pipeline:" + id + ":context:" + strconv.FormatInt(v, 10)
}
func keyCompensations(id string) string { return "pipeline:" + id + ":compensations" }
func keyDeadLetters(queue string) string { return "dlq:" + queue }
func keyApproval(id string) string       { return "approval:" + id }
func keyPendingApprovals() string        { return "approvals:pending" }
func keyBreaker(actorType string) string { return "breaker:" + actorType }

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
