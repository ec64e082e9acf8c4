// Package approval implements human-approval gates: durable approval
// requests, pub/sub decision delivery, webhook notification, and delayed
// timeout handling with configurable fallbacks.
package approval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/observability"
)

// System principals stamped on timeout-driven decisions.
const (
	TimeoutAutoApproveBy = "system:timeout:auto-approve"
	TimeoutAutoRejectBy  = "system:timeout:auto-reject"
	TimeoutEscalateBy    = "system:timeout:escalate"
)

const (
	// waitGrace pads the hard in-process wait past the timeout job.
	waitGrace      = 5 * time.Second
	webhookTimeout = 10 * time.Second
	webhookRetries = 2
)

// Manager owns the approval lifecycle.
type Manager struct {
	store     domain.ApprovalStore
	pubsub    domain.PubSub
	transport domain.Transport
	client    *http.Client
	// ttlGrace pads the stored request's TTL past the timeout.
	ttlGrace  time.Duration
	retention time.Duration
}

// New constructs a Manager.
func New(store domain.ApprovalStore, pubsub domain.PubSub, transport domain.Transport, ttlGrace, retention time.Duration) *Manager {
	if ttlGrace <= 0 {
		ttlGrace = 60 * time.Second
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Manager{
		store:     store,
		pubsub:    pubsub,
		transport: transport,
		client:    &http.Client{Timeout: webhookTimeout},
		ttlGrace:  ttlGrace,
		retention: retention,
	}
}

// TimeoutPayload is the body of the delayed timeout job.
type TimeoutPayload struct {
	ApprovalID string                  `json:"approvalId"`
	Fallback   domain.ApprovalFallback `json:"fallback"`
}

// RequestAndWait opens an approval request and blocks until a decision
// arrives or the hard timeout (policy timeout + grace) expires. The
// subscription is established before the timeout job is scheduled so the
// fallback decision can never be missed. opened, when non-nil, is invoked
// once the request is durable, before blocking.
func (m *Manager) RequestAndWait(ctx domain.Context, pipelineID, stageName string, policy domain.ApprovalPolicy, data map[string]any, opened func(domain.ApprovalRequest)) (domain.ApprovalRequest, *domain.ApprovalDecisionEvent, error) {
	timeout := time.Duration(policy.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	now := time.Now().UTC()
	req := domain.ApprovalRequest{
		ApprovalID: ulid.Make().String(),
		PipelineID: pipelineID,
		StageName:  stageName,
		AssignTo:   policy.AssignTo,
		Data:       data,
		CreatedAt:  now,
		ExpiresAt:  now.Add(timeout),
		Status:     domain.ApprovalPending,
	}
	if err := m.store.PutApproval(ctx, req, timeout+m.ttlGrace); err != nil {
		return req, nil, fmt.Errorf("op=approval.RequestAndWait: %w", err)
	}
	if opened != nil {
		opened(req)
	}

	sub, err := m.pubsub.Subscribe(ctx, domain.ApprovalDecisionChannel(req.ApprovalID))
	if err != nil {
		return req, nil, fmt.Errorf("op=approval.RequestAndWait: %w", err)
	}
	defer func() { _ = sub.Close() }()

	m.notify(ctx, req, policy)
	if err := m.scheduleTimeout(ctx, req.ApprovalID, policy.Fallback, timeout); err != nil {
		return req, nil, err
	}

	lg := observability.LoggerFromContext(ctx)
	timer := time.NewTimer(timeout + waitGrace)
	defer timer.Stop()
	for {
		select {
		case raw, ok := <-sub.C():
			if !ok {
				return req, nil, fmt.Errorf("op=approval.RequestAndWait: %w: subscription closed", domain.ErrStateStore)
			}
			var ev domain.ApprovalDecisionEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				lg.Warn("bad approval decision payload", slog.Any("error", err))
				continue
			}
			if ev.ApprovalID != req.ApprovalID {
				continue
			}
			return req, &ev, nil
		case <-timer.C:
			return req, nil, fmt.Errorf("op=approval.RequestAndWait: %w: %s", domain.ErrApprovalTimeout, req.ApprovalID)
		case <-ctx.Done():
			return req, nil, ctx.Err()
		}
	}
}

// notify publishes the notification event and optionally POSTs the webhook.
// Both are best effort.
func (m *Manager) notify(ctx domain.Context, req domain.ApprovalRequest, policy domain.ApprovalPolicy) {
	lg := observability.LoggerFromContext(ctx)
	note := domain.ApprovalNotification{
		ApprovalID: req.ApprovalID,
		PipelineID: req.PipelineID,
		StageName:  req.StageName,
		AssignTo:   req.AssignTo,
		Data:       req.Data,
		ExpiresAt:  req.ExpiresAt,
	}
	if err := m.pubsub.Publish(ctx, domain.ApprovalNotificationChannel, note); err != nil {
		lg.Warn("approval notification publish failed", slog.Any("error", err))
	}
	if policy.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(note)
	if err != nil {
		return
	}
	post := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, policy.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := m.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		return nil
	}
	if err := backoff.Retry(post, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookRetries)); err != nil {
		lg.Warn("approval webhook failed", slog.String("url", policy.WebhookURL), slog.Any("error", err))
	}
}

func (m *Manager) scheduleTimeout(ctx domain.Context, approvalID string, fallback domain.ApprovalFallback, timeout time.Duration) error {
	payload, err := json.Marshal(TimeoutPayload{ApprovalID: approvalID, Fallback: fallback})
	if err != nil {
		return fmt.Errorf("op=approval.scheduleTimeout: %w", err)
	}
	job := domain.Job{
		Queue:   domain.ApprovalTimeoutQueue,
		JobID:   domain.ApprovalTimeoutJobID(approvalID),
		Type:    "approval-timeout",
		Payload: payload,
		Delay:   timeout,
	}
	if err := m.transport.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("op=approval.scheduleTimeout: %w", err)
	}
	return nil
}

// SubmitDecision records an external decision: cancels the timeout job,
// updates the stored request, and publishes the decision event.
func (m *Manager) SubmitDecision(ctx domain.Context, approvalID, decision, decidedBy, comment string, metadata map[string]any) error {
	req, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("op=approval.SubmitDecision: %w: %s is %s", domain.ErrAlreadyDecided, approvalID, req.Status)
	}
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return fmt.Errorf("op=approval.SubmitDecision: %w: decision %q", domain.ErrConfiguration, decision)
	}
	_ = m.transport.CancelJob(ctx, domain.ApprovalTimeoutQueue, domain.ApprovalTimeoutJobID(approvalID))
	return m.finalize(ctx, req, decision, decidedBy, comment, metadata)
}

// HandleTimeout is invoked by the delayed job consumer. A decided request is
// a no-op; otherwise the configured fallback is applied.
func (m *Manager) HandleTimeout(ctx domain.Context, p TimeoutPayload) error {
	req, err := m.store.GetApproval(ctx, p.ApprovalID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if req.Status != domain.ApprovalPending {
		return nil
	}
	lg := observability.LoggerFromContext(ctx)
	lg.Info("approval timed out",
		slog.String("approval_id", p.ApprovalID),
		slog.String("fallback", string(p.Fallback)))
	switch p.Fallback {
	case domain.FallbackAutoApprove:
		return m.finalize(ctx, req, domain.DecisionApprove, TimeoutAutoApproveBy, "", nil)
	case domain.FallbackEscalate:
		if err := m.pubsub.Publish(ctx, domain.ApprovalEscalationChannel, domain.ApprovalNotification{
			ApprovalID: req.ApprovalID,
			PipelineID: req.PipelineID,
			StageName:  req.StageName,
			AssignTo:   req.AssignTo,
			ExpiresAt:  req.ExpiresAt,
		}); err != nil {
			lg.Warn("escalation publish failed", slog.Any("error", err))
		}
		return m.finalize(ctx, req, domain.DecisionReject, TimeoutEscalateBy, "escalated after timeout", nil)
	default:
		return m.finalize(ctx, req, domain.DecisionReject, TimeoutAutoRejectBy, "", nil)
	}
}

func (m *Manager) finalize(ctx domain.Context, req domain.ApprovalRequest, decision, decidedBy, comment string, metadata map[string]any) error {
	now := time.Now().UTC()
	dec := domain.ApprovalDecision{
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: now,
		Comment:   comment,
		Metadata:  metadata,
	}
	if decision == domain.DecisionApprove {
		req.Status = domain.ApprovalApproved
	} else {
		req.Status = domain.ApprovalRejected
	}
	req.Decision = &dec
	if err := m.store.UpdateApproval(ctx, req, m.retention); err != nil {
		return err
	}
	observability.ApprovalDecided(string(req.Status))
	ev := domain.ApprovalDecisionEvent{
		ApprovalID: req.ApprovalID,
		Decision:   decision,
		DecidedBy:  decidedBy,
		DecidedAt:  now,
		Comment:    comment,
		Metadata:   metadata,
	}
	if err := m.pubsub.Publish(ctx, domain.ApprovalDecisionChannel(req.ApprovalID), ev); err != nil {
		return fmt.Errorf("op=approval.finalize: %w", err)
	}
	return nil
}

// Get loads one approval request.
func (m *Manager) Get(ctx domain.Context, approvalID string) (domain.ApprovalRequest, error) {
	return m.store.GetApproval(ctx, approvalID)
}

// Pending lists pending requests.
func (m *Manager) Pending(ctx domain.Context, filter domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	return m.store.PendingApprovals(ctx, filter)
}

// SubscribeNotifications invokes cb for every new approval request until ctx
// ends.
func (m *Manager) SubscribeNotifications(ctx domain.Context, cb func(domain.ApprovalNotification)) error {
	sub, err := m.pubsub.Subscribe(ctx, domain.ApprovalNotificationChannel)
	if err != nil {
		return err
	}
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case raw, ok := <-sub.C():
				if !ok {
					return
				}
				var note domain.ApprovalNotification
				if err := json.Unmarshal(raw, &note); err != nil {
					continue
				}
				cb(note)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
