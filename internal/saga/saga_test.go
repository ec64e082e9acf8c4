package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/flowpipe/internal/adapter/statestore/redisstore"
	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/expr"
)

type captureTransport struct {
	mu   sync.Mutex
	jobs []domain.Job
	fail map[string]error
}

func (c *captureTransport) Enqueue(_ domain.Context, job domain.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.fail[job.Queue]; ok {
		return err
	}
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureTransport) CancelJob(domain.Context, string, string) error { return nil }
func (c *captureTransport) Consume(string, domain.JobHandler) error        { return nil }
func (c *captureTransport) Close() error                                   { return nil }

func (c *captureTransport) enqueued() []domain.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Job(nil), c.jobs...)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *captureTransport) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	transport := &captureTransport{}
	return New(redisstore.New(rdb), transport, expr.New(), time.Millisecond), transport
}

func TestRecordCompensationResolvesInput(t *testing.T) {
	c, transport := newTestCoordinator(t)
	ctx := context.Background()

	stage := &domain.StageDefinition{
		Name:  "charge",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "payment"},
		Compensation: &domain.CompensationSpec{
			Actor: "refund",
			Input: map[string]any{"chargeId": "$.chargeId", "reason": "rollback"},
		},
	}
	output := map[string]any{"chargeId": "ch-1", "amount": float64(42)}
	require.NoError(t, c.RecordCompensation(ctx, "pipeline:p1", stage, output))

	pending, err := c.HasPending(ctx, "pipeline:p1")
	require.NoError(t, err)
	assert.True(t, pending)

	c.ExecuteCompensations(ctx, "pipeline:p1")

	jobs := transport.enqueued()
	require.Len(t, jobs, 1)
	assert.Equal(t, "actor-refund", jobs[0].Queue)
	assert.Equal(t, domain.CompensationJobID("pipeline:p1", "charge"), jobs[0].JobID)

	var msg domain.ActorMessage
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &msg))
	assert.Equal(t, domain.TaskTypeCompensation, msg.Payload.TaskType)
	assert.Equal(t, "ch-1", msg.Payload.Input["chargeId"])
	assert.Equal(t, "rollback", msg.Payload.Input["reason"])
}

func TestRecordCompensationNoClause(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	stage := &domain.StageDefinition{Name: "charge", Mode: domain.ModeSingle}
	require.NoError(t, c.RecordCompensation(ctx, "pipeline:p1", stage, map[string]any{"x": 1}))

	pending, err := c.HasPending(ctx, "pipeline:p1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestExecuteCompensationsLIFO(t *testing.T) {
	c, transport := newTestCoordinator(t)
	ctx := context.Background()

	for _, name := range []string{"reserve", "charge", "notify"} {
		stage := &domain.StageDefinition{
			Name:         name,
			Mode:         domain.ModeSingle,
			Compensation: &domain.CompensationSpec{Actor: "undo-" + name},
		}
		require.NoError(t, c.RecordCompensation(ctx, "pipeline:p1", stage, nil))
	}

	c.ExecuteCompensations(ctx, "pipeline:p1")

	jobs := transport.enqueued()
	require.Len(t, jobs, 3)
	assert.Equal(t, "actor-undo-notify", jobs[0].Queue)
	assert.Equal(t, "actor-undo-charge", jobs[1].Queue)
	assert.Equal(t, "actor-undo-reserve", jobs[2].Queue)

	pending, err := c.HasPending(ctx, "pipeline:p1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestExecuteCompensationsToleratesDispatchFailure(t *testing.T) {
	c, transport := newTestCoordinator(t)
	transport.fail = map[string]error{"actor-undo-charge": errors.New("queue down")}
	ctx := context.Background()

	for _, name := range []string{"reserve", "charge"} {
		stage := &domain.StageDefinition{
			Name:         name,
			Mode:         domain.ModeSingle,
			Compensation: &domain.CompensationSpec{Actor: "undo-" + name},
		}
		require.NoError(t, c.RecordCompensation(ctx, "pipeline:p1", stage, nil))
	}

	// The failed dispatch is logged; the rollback continues.
	c.ExecuteCompensations(ctx, "pipeline:p1")

	jobs := transport.enqueued()
	require.Len(t, jobs, 1)
	assert.Equal(t, "actor-undo-reserve", jobs[0].Queue)

	pending, err := c.HasPending(ctx, "pipeline:p1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestClear(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	stage := &domain.StageDefinition{
		Name:         "charge",
		Mode:         domain.ModeSingle,
		Compensation: &domain.CompensationSpec{Actor: "refund"},
	}
	require.NoError(t, c.RecordCompensation(ctx, "pipeline:p1", stage, nil))
	require.NoError(t, c.Clear(ctx, "pipeline:p1"))

	pending, err := c.HasPending(ctx, "pipeline:p1")
	require.NoError(t, err)
	assert.False(t, pending)
}
