package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// PutApproval writes the request with TTL and indexes it in the pending
// sorted set keyed by creation time.
func (s *Store) PutApproval(ctx domain.Context, req domain.ApprovalRequest, ttl time.Duration) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("op=redisstore.PutApproval: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyApproval(req.ApprovalID), b, ttl)
		pipe.ZAdd(ctx, keyPendingApprovals(), redis.Z{
			Score:  float64(req.CreatedAt.UnixMilli()),
			Member: req.ApprovalID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisstore.PutApproval: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// GetApproval loads one approval request.
func (s *Store) GetApproval(ctx domain.Context, approvalID string) (domain.ApprovalRequest, error) {
	b, err := s.rdb.Get(ctx, keyApproval(approvalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ApprovalRequest{}, fmt.Errorf("op=redisstore.GetApproval: %w: %s", domain.ErrNotFound, approvalID)
	}
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("op=redisstore.GetApproval: %w: %v", domain.ErrStateStore, err)
	}
	var req domain.ApprovalRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("op=redisstore.GetApproval: %w", err)
	}
	return req, nil
}

// UpdateApproval rewrites the request; terminal statuses leave the pending
// index and stay readable for the retention window.
func (s *Store) UpdateApproval(ctx domain.Context, req domain.ApprovalRequest, retention time.Duration) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("op=redisstore.UpdateApproval: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyApproval(req.ApprovalID), b, retention)
		if req.Status.Terminal() {
			pipe.ZRem(ctx, keyPendingApprovals(), req.ApprovalID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisstore.UpdateApproval: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

// PendingApprovals lists pending requests oldest first, optionally filtered.
func (s *Store) PendingApprovals(ctx domain.Context, filter domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	ids, err := s.rdb.ZRange(ctx, keyPendingApprovals(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.PendingApprovals: %w: %v", domain.ErrStateStore, err)
	}
	out := []domain.ApprovalRequest{}
	for _, id := range ids {
		req, err := s.GetApproval(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// TTL beat the index; drop the stale member.
			_ = s.rdb.ZRem(ctx, keyPendingApprovals(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Status != domain.ApprovalPending {
			continue
		}
		if filter.PipelineID != "" && req.PipelineID != filter.PipelineID {
			continue
		}
		if filter.AssignTo != "" && req.AssignTo != filter.AssignTo {
			continue
		}
		out = append(out, req)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
