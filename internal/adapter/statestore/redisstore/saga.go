package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// The saga stack is a Redis list used LIFO: LPUSH on record, LPOP on replay,
// so compensations run in reverse completion order.

// PushCompensation pushes one saga frame.
func (s *Store) PushCompensation(ctx domain.Context, entry domain.CompensationEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=redisstore.PushCompensation: %w", err)
	}
	if err := s.rdb.LPush(ctx, keyCompensations(entry.PipelineID), b).Err(); err != nil {
		return fmt.Errorf("op=redisstore.PushCompensation: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// PopCompensation pops the most recent frame. The second return is false
// when the stack is empty.
func (s *Store) PopCompensation(ctx domain.Context, pipelineID string) (domain.CompensationEntry, bool, error) {
	raw, err := s.rdb.LPop(ctx, keyCompensations(pipelineID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CompensationEntry{}, false, nil
	}
	if err != nil {
		return domain.CompensationEntry{}, false, fmt.Errorf("op=redisstore.PopCompensation: %w: %v", domain.ErrStateStore, err)
	}
	var entry domain.CompensationEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.CompensationEntry{}, false, fmt.Errorf("op=redisstore.PopCompensation: %w", err)
	}
	return entry, true, nil
}

// HasPendingCompensations reports whether the stack is non-empty.
func (s *Store) HasPendingCompensations(ctx domain.Context, pipelineID string) (bool, error) {
	n, err := s.rdb.LLen(ctx, keyCompensations(pipelineID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.HasPendingCompensations: %w: %v", domain.ErrStateStore, err)
	}
	return n > 0, nil
}

// ClearCompensations drops the stack, used on pipeline success.
func (s *Store) ClearCompensations(ctx domain.Context, pipelineID string) error {
	if err := s.rdb.Del(ctx, keyCompensations(pipelineID)).Err(); err != nil {
		return fmt.Errorf("op=redisstore.ClearCompensations: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}
