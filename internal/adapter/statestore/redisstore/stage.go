package redisstore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// Stage records are hashes so completedTasks can advance with HINCRBY.

func stageFields(rec domain.StageRecord) map[string]any {
	return map[string]any{
		"pipelineId":        rec.PipelineID,
		"stageName":         rec.StageName,
		"status":            string(rec.Status),
		"attempt":           rec.Attempt,
		"expectedTasks":     rec.ExpectedTasks,
		"completedTasks":    rec.CompletedTasks,
		"startedAt":         formatTime(rec.StartedAt),
		"completedAt":       formatTime(rec.CompletedAt),
		"outputsRef":        rec.OutputsRef,
		"pendingApprovalId": rec.PendingApprovalID,
		"error":             rec.Error,
	}
}

func stageFromFields(m map[string]string) domain.StageRecord {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(m[k])
		return n
	}
	return domain.StageRecord{
		PipelineID:        m["pipelineId"],
		StageName:         m["stageName"],
		Status:            domain.StageStatus(m["status"]),
		Attempt:           atoi("attempt"),
		ExpectedTasks:     atoi("expectedTasks"),
		CompletedTasks:    atoi("completedTasks"),
		StartedAt:         parseTime(m["startedAt"]),
		CompletedAt:       parseTime(m["completedAt"]),
		OutputsRef:        m["outputsRef"],
		PendingApprovalID: m["pendingApprovalId"],
		Error:             m["error"],
	}
}

// UpsertStage writes the full stage record and indexes the stage name.
func (s *Store) UpsertStage(ctx domain.Context, rec domain.StageRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyStage(rec.PipelineID, rec.StageName), stageFields(rec))
		pipe.SAdd(ctx, keyStageSet(rec.PipelineID), rec.StageName)
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisstore.UpsertStage: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// GetStage loads one stage record.
func (s *Store) GetStage(ctx domain.Context, pipelineID, stageName string) (domain.StageRecord, error) {
	m, err := s.rdb.HGetAll(ctx, keyStage(pipelineID, stageName)).Result()
	if err != nil {
		return domain.StageRecord{}, fmt.Errorf("op=redisstore.GetStage: %w: %v", domain.ErrStateStore, err)
	}
	if len(m) == 0 {
		return domain.StageRecord{}, fmt.Errorf("op=redisstore.GetStage: %w: %s/%s", domain.ErrNotFound, pipelineID, stageName)
	}
	return stageFromFields(m), nil
}

// ListStages loads every stage record of a pipeline.
func (s *Store) ListStages(ctx domain.Context, pipelineID string) ([]domain.StageRecord, error) {
	names, err := s.rdb.SMembers(ctx, keyStageSet(pipelineID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.ListStages: %w: %v", domain.ErrStateStore, err)
	}
	out := make([]domain.StageRecord, 0, len(names))
	for _, name := range names {
		rec, err := s.GetStage(ctx, pipelineID, name)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateStageProgress applies deltas and overrides to the stored record.
// The completed-tasks delta uses HINCRBY so concurrent result handlers never
// lose increments.
func (s *Store) UpdateStageProgress(ctx domain.Context, pipelineID, stageName string, p domain.StageProgress) error {
	key := keyStage(pipelineID, stageName)
	fields := map[string]any{}
	if p.Status != nil {
		fields["status"] = string(*p.Status)
	}
	if p.Attempt != nil {
		fields["attempt"] = *p.Attempt
	}
	if p.ExpectedTasks != nil {
		fields["expectedTasks"] = *p.ExpectedTasks
	}
	if p.StartedAt != nil {
		fields["startedAt"] = formatTime(p.StartedAt)
	}
	if p.CompletedAt != nil {
		fields["completedAt"] = formatTime(p.CompletedAt)
	}
	if p.OutputsRef != nil {
		fields["outputsRef"] = *p.OutputsRef
	}
	if p.PendingApprovalID != nil {
		fields["pendingApprovalId"] = *p.PendingApprovalID
	}
	if p.Error != nil {
		fields["error"] = *p.Error
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		if p.CompletedTasksDelta != 0 {
			pipe.HIncrBy(ctx, key, "completedTasks", int64(p.CompletedTasksDelta))
		}
		pipe.HSet(ctx, key, "updatedAt", time.Now().UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisstore.UpdateStageProgress: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}
