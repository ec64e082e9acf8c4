package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/flowpipe/internal/config"
	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/orchestrator"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Orch       *orchestrator.Orchestrator
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs the control-surface server.
func NewServer(cfg config.Config, orch *orchestrator.Orchestrator, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Orch: orch, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type executeRequest struct {
	Definition domain.PipelineDefinition `json:"definition" validate:"required"`
	Trigger    map[string]any            `json:"trigger"`
	Metadata   map[string]any            `json:"metadata"`
}

type executeResponse struct {
	PipelineID string `json:"pipelineId"`
}

// ExecuteHandler submits a pipeline. The Idempotency-Key header makes the
// submission replay-safe: the same key always maps to the same pipeline.
func (s *Server) ExecuteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid body: %v", domain.ErrConfiguration, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrConfiguration, err), nil)
			return
		}
		id, err := s.Orch.Execute(r.Context(), req.Definition, req.Trigger, orchestrator.ExecuteOptions{
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Metadata:       req.Metadata,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, executeResponse{PipelineID: id})
	}
}

// GetPipelineHandler returns the durable pipeline record.
func (s *Server) GetPipelineHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.Orch.GetPipeline(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ListStagesHandler returns the per-stage barrier records.
func (s *Server) ListStagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stages, err := s.Orch.ListStages(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stages": stages})
	}
}

// GetContextHandler returns the latest context snapshot.
func (s *Server) GetContextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Orch.LatestContext(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// CancelHandler sets the cooperative cancellation flag.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.Orch.GetPipeline(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Orch.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"pipelineId": id, "cancelled": true})
	}
}

type decisionRequest struct {
	Decision  string         `json:"decision" validate:"required,oneof=approve reject"`
	DecidedBy string         `json:"decidedBy" validate:"required"`
	Comment   string         `json:"comment"`
	Metadata  map[string]any `json:"metadata"`
}

// DecideApprovalHandler records a human decision on a pending approval.
func (s *Server) DecideApprovalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid body: %v", domain.ErrConfiguration, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrConfiguration, err), nil)
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Orch.SubmitApproval(r.Context(), id, req.Decision, req.DecidedBy, req.Comment, req.Metadata); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvalId": id, "decision": req.Decision})
	}
}

// GetApprovalHandler returns one approval request.
func (s *Server) GetApprovalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.Orch.GetApproval(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// ListApprovalsHandler lists pending approvals, optionally filtered.
func (s *Server) ListApprovalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := domain.ApprovalFilter{
			PipelineID: r.URL.Query().Get("pipelineId"),
			AssignTo:   r.URL.Query().Get("assignTo"),
			Limit:      queryInt(r, "limit", 50),
		}
		pending, err := s.Orch.PendingApprovals(r.Context(), filter)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
	}
}

// ListDeadLettersHandler returns the archived messages of one DLQ, newest
// first.
func (s *Server) ListDeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := chi.URLParam(r, "queue")
		records, err := s.Orch.ListDeadLetters(r.Context(), queue, queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": domain.SanitizeQueueName(queue), "messages": records})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler is the readiness probe: Redis must answer and resume must
// have finished.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.RedisCheck != nil {
			if err := s.RedisCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "redis unavailable"})
				return
			}
		}
		if err := s.Orch.WaitForResume(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "resuming"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
