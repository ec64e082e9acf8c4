package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// RecordTaskAttempt appends the attempt row and updates the per-taskIndex
// latest cell in one batch. Fields missing from an update are carried
// forward from the previous latest value for the same index.
func (s *Store) RecordTaskAttempt(ctx domain.Context, rec domain.TaskAttemptRecord) error {
	field := strconv.Itoa(rec.TaskIndex)
	prevRaw, err := s.rdb.HGet(ctx, keyTaskLatest(rec.PipelineID, rec.StageName), field).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=redisstore.RecordTaskAttempt: %w: %v", domain.ErrStateStore, err)
	}
	if len(prevRaw) > 0 {
		var prev domain.TaskAttemptRecord
		if err := json.Unmarshal(prevRaw, &prev); err == nil {
			rec = carryForward(rec, prev)
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=redisstore.RecordTaskAttempt: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, keyTaskList(rec.PipelineID, rec.StageName), b)
		pipe.HSet(ctx, keyTaskLatest(rec.PipelineID, rec.StageName), field, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisstore.RecordTaskAttempt: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// carryForward fills fields an update left empty from the prior row.
func carryForward(rec, prev domain.TaskAttemptRecord) domain.TaskAttemptRecord {
	if rec.Input == nil {
		rec.Input = prev.Input
	}
	if rec.Metadata == nil {
		rec.Metadata = prev.Metadata
	}
	if rec.ActorType == "" {
		rec.ActorType = prev.ActorType
	}
	if rec.QueueName == "" {
		rec.QueueName = prev.QueueName
	}
	if rec.MessageID == "" {
		rec.MessageID = prev.MessageID
	}
	if rec.AvailableAt == nil {
		rec.AvailableAt = prev.AvailableAt
	}
	if rec.QueuedAt.IsZero() {
		rec.QueuedAt = prev.QueuedAt
	}
	if rec.Attempt == 0 {
		rec.Attempt = prev.Attempt
	}
	return rec
}

// ListTaskAttempts returns every recorded attempt row in append order.
func (s *Store) ListTaskAttempts(ctx domain.Context, pipelineID, stageName string) ([]domain.TaskAttemptRecord, error) {
	raws, err := s.rdb.LRange(ctx, keyTaskList(pipelineID, stageName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.ListTaskAttempts: %w: %v", domain.ErrStateStore, err)
	}
	out := make([]domain.TaskAttemptRecord, 0, len(raws))
	for _, raw := range raws {
		var rec domain.TaskAttemptRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("op=redisstore.ListTaskAttempts: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// TaskStatusMap returns the latest attempt per task index.
func (s *Store) TaskStatusMap(ctx domain.Context, pipelineID, stageName string) (map[int]domain.TaskAttemptRecord, error) {
	m, err := s.rdb.HGetAll(ctx, keyTaskLatest(pipelineID, stageName)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.TaskStatusMap: %w: %v", domain.ErrStateStore, err)
	}
	out := make(map[int]domain.TaskAttemptRecord, len(m))
	for field, raw := range m {
		idx, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		var rec domain.TaskAttemptRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("op=redisstore.TaskStatusMap: %w", err)
		}
		out[idx] = rec
	}
	return out, nil
}

// PendingTasks returns the latest attempt of every task that has not
// completed, ordered by task index.
func (s *Store) PendingTasks(ctx domain.Context, pipelineID, stageName string) ([]domain.TaskAttemptRecord, error) {
	m, err := s.TaskStatusMap(ctx, pipelineID, stageName)
	if err != nil {
		return nil, err
	}
	idxs := make([]int, 0, len(m))
	for idx, rec := range m {
		if rec.Status != domain.TaskCompleted {
			idxs = append(idxs, idx)
		}
	}
	sort.Ints(idxs)
	out := make([]domain.TaskAttemptRecord, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, m[idx])
	}
	return out, nil
}

// AppendStageOutput appends one output to the per-attempt durable list in
// arrival order.
func (s *Store) AppendStageOutput(ctx domain.Context, pipelineID, stageName string, attempt int, output any) error {
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("op=redisstore.AppendStageOutput: %w", err)
	}
	if err := s.rdb.RPush(ctx, keyOutputs(pipelineID, stageName, attempt), b).Err(); err != nil {
		return fmt.Errorf("op=redisstore.AppendStageOutput: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// StageOutputs loads the per-attempt output list.
func (s *Store) StageOutputs(ctx domain.Context, pipelineID, stageName string, attempt int) ([]any, error) {
	raws, err := s.rdb.LRange(ctx, keyOutputs(pipelineID, stageName, attempt), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.StageOutputs: %w: %v", domain.ErrStateStore, err)
	}
	out := make([]any, 0, len(raws))
	for _, raw := range raws {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("op=redisstore.StageOutputs: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ClearStageOutputs drops the per-attempt output list.
func (s *Store) ClearStageOutputs(ctx domain.Context, pipelineID, stageName string, attempt int) error {
	if err := s.rdb.Del(ctx, keyOutputs(pipelineID, stageName, attempt)).Err(); err != nil {
		return fmt.Errorf("op=redisstore.ClearStageOutputs: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}
