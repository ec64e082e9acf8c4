package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// SaveBreakerState persists the breaker snapshot for an actor type. Cross
// instance consistency is eventual.
func (s *Store) SaveBreakerState(ctx domain.Context, st domain.CircuitBreakerState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=redisstore.SaveBreakerState: %w", err)
	}
	if err := s.rdb.Set(ctx, keyBreaker(st.ActorType), b, 0).Err(); err != nil {
		return fmt.Errorf("op=redisstore.SaveBreakerState: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// GetBreakerState loads the breaker snapshot for an actor type.
func (s *Store) GetBreakerState(ctx domain.Context, actorType string) (domain.CircuitBreakerState, error) {
	b, err := s.rdb.Get(ctx, keyBreaker(actorType)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CircuitBreakerState{}, fmt.Errorf("op=redisstore.GetBreakerState: %w: %s", domain.ErrNotFound, actorType)
	}
	if err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("op=redisstore.GetBreakerState: %w: %v", domain.ErrStateStore, err)
	}
	var st domain.CircuitBreakerState
	if err := json.Unmarshal(b, &st); err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("op=redisstore.GetBreakerState: %w", err)
	}
	return st, nil
}
