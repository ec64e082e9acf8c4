package redisstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// ArchiveDeadLetter prepends the message to the per-queue archive and trims
// it to the cap, newest first.
func (s *Store) ArchiveDeadLetter(ctx domain.Context, queueName string, message any) error {
	rec := domain.DeadLetterRecord{
		QueueName:  queueName,
		ArchivedAt: time.Now().UTC(),
		Message:    message,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=redisstore.ArchiveDeadLetter: %w", err)
	}
	key := keyDeadLetters(queueName)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, b)
		pipe.LTrim(ctx, key, 0, int64(s.dlqCap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisstore.ArchiveDeadLetter: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// DeadLetters lists archived messages for a queue, newest first.
func (s *Store) DeadLetters(ctx domain.Context, queueName string, limit int) ([]domain.DeadLetterRecord, error) {
	if limit <= 0 || limit > s.dlqCap {
		limit = s.dlqCap
	}
	raws, err := s.rdb.LRange(ctx, keyDeadLetters(queueName), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.DeadLetters: %w: %v", domain.ErrStateStore, err)
	}
	out := make([]domain.DeadLetterRecord, 0, len(raws))
	for _, raw := range raws {
		var rec domain.DeadLetterRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("op=redisstore.DeadLetters: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
