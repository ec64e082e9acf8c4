// Package asynqadp adapts the asynq Redis job queue to the transport port.
// Jobs carry deterministic ids so a duplicate enqueue of a live job is a
// no-op, and delayed jobs back approval timeouts and retry backoff.
package asynqadp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

const defaultConcurrency = 8

// Transport is the asynq-backed queue. One asynq.Server per consumed queue
// so consumers for freshly named queues can be added while running.
type Transport struct {
	opt       asynq.RedisConnOpt
	client    *asynq.Client
	inspector *asynq.Inspector

	mu          sync.Mutex
	servers     map[string]*asynq.Server
	concurrency map[string]int
	defaultConc int
	closed      bool
}

// Option configures the transport.
type Option func(*Transport)

// WithDefaultConcurrency sets the worker count for queues without an
// explicit setting.
func WithDefaultConcurrency(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.defaultConc = n
		}
	}
}

// WithQueueConcurrency sets the worker count for one queue.
func WithQueueConcurrency(queue string, n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.concurrency[queue] = n
		}
	}
}

// New connects to the Redis behind redisURL.
func New(redisURL string, opts ...Option) (*Transport, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynqadp.New: %w: %v", domain.ErrTransport, err)
	}
	t := &Transport{
		opt:         opt,
		client:      asynq.NewClient(opt),
		inspector:   asynq.NewInspector(opt),
		servers:     map[string]*asynq.Server{},
		concurrency: map[string]int{},
		defaultConc: defaultConcurrency,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Enqueue submits one job. A task-id conflict means a live job with the
// same id already exists and the enqueue is dropped silently.
func (t *Transport) Enqueue(ctx domain.Context, job domain.Job) error {
	opts := []asynq.Option{
		asynq.Queue(job.Queue),
		asynq.MaxRetry(job.MaxRetry),
	}
	if job.JobID != "" {
		opts = append(opts, asynq.TaskID(job.JobID))
	}
	if job.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(job.Delay))
	}
	if job.Retention > 0 {
		opts = append(opts, asynq.Retention(job.Retention))
	}
	_, err := t.client.EnqueueContext(ctx, asynq.NewTask(job.Type, job.Payload), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			slog.Debug("duplicate job suppressed",
				slog.String("queue", job.Queue), slog.String("job_id", job.JobID))
			return nil
		}
		return fmt.Errorf("op=asynqadp.Enqueue: %w: %v", domain.ErrTransport, err)
	}
	return nil
}

// CancelJob deletes a not-yet-consumed job. Missing jobs and queues are
// not errors.
func (t *Transport) CancelJob(ctx domain.Context, queue, jobID string) error {
	err := t.inspector.DeleteTask(queue, jobID)
	if err == nil ||
		errors.Is(err, asynq.ErrTaskNotFound) ||
		errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return fmt.Errorf("op=asynqadp.CancelJob: %w: %v", domain.ErrTransport, err)
}

// Consume starts a dedicated worker server for the queue. Registering a
// queue twice is a no-op.
func (t *Transport) Consume(queue string, h domain.JobHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("op=asynqadp.Consume: %w: transport closed", domain.ErrTransport)
	}
	if _, ok := t.servers[queue]; ok {
		return nil
	}
	conc := t.concurrency[queue]
	if conc <= 0 {
		conc = t.defaultConc
	}
	srv := asynq.NewServer(t.opt, asynq.Config{
		Concurrency: conc,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			slog.Error("job handler failed",
				slog.String("queue", queue),
				slog.String("type", task.Type()),
				slog.Any("error", err))
		}),
	})
	handler := asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		return h(ctx, task.Type(), task.Payload())
	})
	if err := srv.Start(handler); err != nil {
		return fmt.Errorf("op=asynqadp.Consume: %w: %v", domain.ErrTransport, err)
	}
	t.servers[queue] = srv
	return nil
}

// Close drains all workers and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	servers := make([]*asynq.Server, 0, len(t.servers))
	for _, srv := range t.servers {
		servers = append(servers, srv)
	}
	t.mu.Unlock()

	for _, srv := range servers {
		srv.Shutdown()
	}
	if err := t.inspector.Close(); err != nil {
		slog.Warn("inspector close failed", slog.Any("error", err))
	}
	if err := t.client.Close(); err != nil {
		return fmt.Errorf("op=asynqadp.Close: %w: %v", domain.ErrTransport, err)
	}
	return nil
}
