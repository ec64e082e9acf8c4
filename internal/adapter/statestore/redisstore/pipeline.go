package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// CreatePipeline writes the pipeline record and adds it to the running set
// when submitted in running state. Fails on conflict so idempotent submits
// can detect an existing record first via GetPipeline.
func (s *Store) CreatePipeline(ctx domain.Context, rec domain.PipelineRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=redisstore.CreatePipeline: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, keyPipeline(rec.PipelineID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("op=redisstore.CreatePipeline: %w: %v", domain.ErrStateStore, err)
	}
	if !ok {
		return fmt.Errorf("op=redisstore.CreatePipeline: %w: pipeline %s exists", domain.ErrConflict, rec.PipelineID)
	}
	if rec.Status == domain.PipelineRunning {
		if err := s.rdb.SAdd(ctx, keyRunningSet(), rec.PipelineID).Err(); err != nil {
			return fmt.Errorf("op=redisstore.CreatePipeline: %w: %v", domain.ErrStateStore, err)
		}
	}
	return nil
}

// GetPipeline loads one pipeline record.
func (s *Store) GetPipeline(ctx domain.Context, pipelineID string) (domain.PipelineRecord, error) {
	b, err := s.rdb.Get(ctx, keyPipeline(pipelineID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PipelineRecord{}, fmt.Errorf("op=redisstore.GetPipeline: %w: %s", domain.ErrNotFound, pipelineID)
	}
	if err != nil {
		return domain.PipelineRecord{}, fmt.Errorf("op=redisstore.GetPipeline: %w: %v", domain.ErrStateStore, err)
	}
	var rec domain.PipelineRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return domain.PipelineRecord{}, fmt.Errorf("op=redisstore.GetPipeline: %w", err)
	}
	return rec, nil
}

// SetPipelineStatus applies the patch and the status transition, and keeps
// running-set membership in the same write batch. Last writer wins.
func (s *Store) SetPipelineStatus(ctx domain.Context, pipelineID string, status domain.PipelineStatus, patch domain.PipelinePatch) error {
	rec, err := s.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if patch.CurrentStage != nil {
		rec.CurrentStage = *patch.CurrentStage
	}
	if patch.ResumeCursor != nil {
		rec.ResumeCursor = patch.ResumeCursor
	}
	if patch.ActiveStages != nil {
		rec.ActiveStages = *patch.ActiveStages
	}
	if patch.StartedAt != nil {
		rec.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		rec.CompletedAt = patch.CompletedAt
	}
	if patch.ContextVersion != nil {
		rec.ContextVersion = *patch.ContextVersion
	}
	if patch.Error != nil {
		rec.Error = *patch.Error
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=redisstore.SetPipelineStatus: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyPipeline(pipelineID), b, 0)
		if status == domain.PipelineRunning {
			pipe.SAdd(ctx, keyRunningSet(), pipelineID)
		} else {
			pipe.SRem(ctx, keyRunningSet(), pipelineID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisstore.SetPipelineStatus: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// RunningPipelines lists ids in the running set.
func (s *Store) RunningPipelines(ctx domain.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyRunningSet()).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.RunningPipelines: %w: %v", domain.ErrStateStore, err)
	}
	return ids, nil
}

// MarkPipelineCancelled raises the cooperative cancellation flag.
func (s *Store) MarkPipelineCancelled(ctx domain.Context, pipelineID string) error {
	if err := s.rdb.Set(ctx, keyCancelled(pipelineID), "1", 0).Err(); err != nil {
		return fmt.Errorf("op=redisstore.MarkPipelineCancelled: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// ClearPipelineCancellation removes the cancellation flag.
func (s *Store) ClearPipelineCancellation(ctx domain.Context, pipelineID string) error {
	if err := s.rdb.Del(ctx, keyCancelled(pipelineID)).Err(); err != nil {
		return fmt.Errorf("op=redisstore.ClearPipelineCancellation: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// IsPipelineCancelled reads the cancellation flag.
func (s *Store) IsPipelineCancelled(ctx domain.Context, pipelineID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyCancelled(pipelineID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.IsPipelineCancelled: %w: %v", domain.ErrStateStore, err)
	}
	return n > 0, nil
}
