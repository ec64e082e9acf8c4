// Package memory is an in-process transport with the same contract as the
// Redis-backed one: deterministic job-id deduplication, delayed delivery,
// and per-queue consumers. It backs unit tests and local demos.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// Transport implements domain.Transport in memory. Handlers run on their own
// goroutines, so enqueueing never re-enters the caller.
type Transport struct {
	mu       sync.Mutex
	handlers map[string]domain.JobHandler
	seen     map[string]struct{}
	timers   map[string]*time.Timer
	// backlog holds jobs enqueued before their queue had a consumer.
	backlog map[string][]domain.Job
	closed  bool

	wg sync.WaitGroup
}

// New constructs an empty transport.
func New() *Transport {
	return &Transport{
		handlers: map[string]domain.JobHandler{},
		seen:     map[string]struct{}{},
		timers:   map[string]*time.Timer{},
		backlog:  map[string][]domain.Job{},
	}
}

// Enqueue delivers the job to its queue's consumer, after Delay when set. A
// job id that was already enqueued is dropped silently.
func (t *Transport) Enqueue(_ domain.Context, job domain.Job) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrTransport
	}
	if job.JobID != "" {
		if _, dup := t.seen[job.JobID]; dup {
			t.mu.Unlock()
			return nil
		}
		t.seen[job.JobID] = struct{}{}
	}
	if job.Delay > 0 {
		t.wg.Add(1)
		timer := time.AfterFunc(job.Delay, func() {
			defer t.wg.Done()
			t.mu.Lock()
			delete(t.timers, job.JobID)
			t.mu.Unlock()
			t.deliver(job)
		})
		if job.JobID != "" {
			t.timers[job.JobID] = timer
		}
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.deliver(job)
	return nil
}

// CancelJob drops a delayed job that has not fired yet.
func (t *Transport) CancelJob(_ domain.Context, _ string, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[jobID]; ok {
		if timer.Stop() {
			t.wg.Done()
		}
		delete(t.timers, jobID)
	}
	return nil
}

// Consume registers the consumer for a queue and drains any backlog.
func (t *Transport) Consume(queue string, h domain.JobHandler) error {
	t.mu.Lock()
	t.handlers[queue] = h
	pending := t.backlog[queue]
	delete(t.backlog, queue)
	t.mu.Unlock()
	for _, job := range pending {
		t.deliver(job)
	}
	return nil
}

// Close waits for outstanding deliveries.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *Transport) deliver(job domain.Job) {
	t.mu.Lock()
	h, ok := t.handlers[job.Queue]
	if !ok {
		t.backlog[job.Queue] = append(t.backlog[job.Queue], job)
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		_ = h(context.Background(), job.Type, job.Payload)
	}()
}
