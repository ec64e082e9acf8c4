package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/flowpipe/internal/adapter/queue/memory"
	"github.com/fairyhunter13/flowpipe/internal/adapter/statestore/redisstore"
	"github.com/fairyhunter13/flowpipe/internal/approval"
	"github.com/fairyhunter13/flowpipe/internal/breaker"
	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/expr"
	"github.com/fairyhunter13/flowpipe/internal/saga"
)

type env struct {
	orch  *Orchestrator
	store *redisstore.Store
	tr    *memory.Transport
}

func newTestEnv(t *testing.T) *env {
	return newSeededEnv(t, nil)
}

// newSeededEnv lets a test write durable state and register worker consumers
// before the orchestrator starts, which is how resume sees a prior life.
func newSeededEnv(t *testing.T, seed func(store *redisstore.Store, tr *memory.Transport)) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.New(rdb)

	tr := memory.New()
	t.Cleanup(func() { _ = tr.Close() })
	if seed != nil {
		seed(store, tr)
	}

	breakers := breaker.NewRegistry(store)
	sagas := saga.New(store, tr, expr.New(), time.Millisecond)
	approvals := approval.New(store, store, tr, time.Second, time.Hour)
	o := New(store, tr, breakers, sagas, approvals,
		WithOwner("orch-test"),
		WithDefaultLeaseTTL(time.Minute))
	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.WaitForResume(context.Background()))
	return &env{orch: o, store: store, tr: tr}
}

// registerWorker simulates a worker pool for one actor type: it consumes the
// actor queue and replies on the control queue with fn's result or failure.
func registerWorker(t *testing.T, tr *memory.Transport, actorType string, fn func(p domain.TaskPayload) (any, *domain.FailureDetail)) {
	t.Helper()
	require.NoError(t, tr.Consume(domain.ActorQueue(actorType), func(ctx domain.Context, _ string, payload []byte) error {
		var msg domain.ActorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		p := msg.Payload
		out, failure := fn(p)

		var ctrl domain.ControlMessage
		if failure != nil {
			ctrl = domain.ControlMessage{Type: domain.MessageTypeFailure, Failure: &domain.FailurePayload{
				PipelineID:   p.PipelineID,
				StageName:    p.StageName,
				TaskIndex:    p.TaskIndex,
				ActorType:    msg.To,
				Input:        p.Input,
				Metadata:     p.Metadata,
				Error:        *failure,
				Attempt:      p.Attempt,
				RetryAttempt: p.RetryAttempt,
				RetryPolicy:  p.RetryPolicy,
				WorkerID:     "worker-test",
				LeaseID:      p.LeaseID,
			}}
		} else {
			ctrl = domain.ControlMessage{Type: domain.MessageTypeResult, Result: &domain.ResultPayload{
				PipelineID:   p.PipelineID,
				StageName:    p.StageName,
				TaskIndex:    p.TaskIndex,
				Output:       out,
				WorkerID:     "worker-test",
				Attempt:      p.Attempt,
				RetryAttempt: p.RetryAttempt,
				LeaseID:      p.LeaseID,
			}}
		}
		b, err := json.Marshal(ctrl)
		if err != nil {
			return err
		}
		return tr.Enqueue(ctx, domain.Job{Queue: domain.ControlQueue, Type: ctrl.Type, Payload: b})
	}))
}

// registerSilentWorker captures dispatched payloads without ever replying.
func registerSilentWorker(t *testing.T, tr *memory.Transport, actorType string) <-chan domain.TaskPayload {
	t.Helper()
	captured := make(chan domain.TaskPayload, 8)
	require.NoError(t, tr.Consume(domain.ActorQueue(actorType), func(_ domain.Context, _ string, payload []byte) error {
		var msg domain.ActorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		captured <- msg.Payload
		return nil
	}))
	return captured
}

func (e *env) waitPipeline(t *testing.T, id string, want domain.PipelineStatus) domain.PipelineRecord {
	t.Helper()
	var rec domain.PipelineRecord
	require.Eventually(t, func() bool {
		r, err := e.store.GetPipeline(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 5*time.Second, 10*time.Millisecond, "pipeline %s never reached %s", id, want)
	return rec
}

func (e *env) sendResult(t *testing.T, p domain.ResultPayload) {
	t.Helper()
	msg := domain.ControlMessage{Type: domain.MessageTypeResult, Result: &p}
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, e.tr.Enqueue(context.Background(), domain.Job{
		Queue:   domain.ControlQueue,
		Type:    msg.Type,
		Payload: b,
	}))
}

func stageOutput(t *testing.T, snap domain.ContextSnapshot, stage string, idx int) map[string]any {
	t.Helper()
	stages, ok := snap.Data["stages"].(map[string]any)
	require.True(t, ok, "context has no stages map")
	outputs, ok := stages[stage].([]any)
	require.True(t, ok, "stage %s has no outputs", stage)
	require.Greater(t, len(outputs), idx)
	out, ok := outputs[idx].(map[string]any)
	require.True(t, ok, "output %d of %s is not an object", idx, stage)
	return out
}

func TestExecuteSingleStagePipeline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	registerWorker(t, e.tr, "greeter", func(p domain.TaskPayload) (any, *domain.FailureDetail) {
		name, _ := p.Input["name"].(string)
		return map[string]any{"greeting": "hello " + name}, nil
	})

	def := domain.PipelineDefinition{Name: "greet-flow", Stages: []domain.StageDefinition{{
		Name:  "greet",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "greeter"},
		Input: map[string]any{"name": "$.trigger.name"},
	}}}
	id, err := e.orch.Execute(ctx, def, map[string]any{"name": "ada"}, ExecuteOptions{})
	require.NoError(t, err)

	rec := e.waitPipeline(t, id, domain.PipelineCompleted)
	assert.Equal(t, []string{"greet"}, rec.StageOrder)
	assert.Empty(t, rec.CurrentStage)
	assert.NotNil(t, rec.CompletedAt)

	stages, err := e.orch.ListStages(ctx, id)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, domain.StageCompleted, stages[0].Status)
	assert.Equal(t, 1, stages[0].ExpectedTasks)
	assert.Equal(t, 1, stages[0].CompletedTasks)

	snap, err := e.orch.LatestContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello ada", stageOutput(t, snap, "greet", 0)["greeting"])
}

func TestExecuteRejectsInvalidDefinitions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.orch.Execute(ctx, domain.PipelineDefinition{Name: "empty"}, nil, ExecuteOptions{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = e.orch.Execute(ctx, domain.PipelineDefinition{Name: "bad-mode", Stages: []domain.StageDefinition{{
		Name: "a", Mode: "teleport",
	}}}, nil, ExecuteOptions{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = e.orch.Execute(ctx, domain.PipelineDefinition{Name: "bad-dep", Stages: []domain.StageDefinition{
		simpleStage("a"),
		simpleStage("b", "ghost"),
	}}, nil, ExecuteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestIdempotentSubmission(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var calls atomic.Int32
	registerWorker(t, e.tr, "charger", func(domain.TaskPayload) (any, *domain.FailureDetail) {
		calls.Add(1)
		return map[string]any{"charged": true}, nil
	})

	def := domain.PipelineDefinition{Name: "charge-once", Stages: []domain.StageDefinition{{
		Name:  "charge",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "charger"},
	}}}
	opts := ExecuteOptions{IdempotencyKey: "order-42"}

	id, err := e.orch.Execute(ctx, def, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "pipeline:idem:order-42", id)
	e.waitPipeline(t, id, domain.PipelineCompleted)

	again, err := e.orch.Execute(ctx, def, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScatterGatherFlow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	registerWorker(t, e.tr, "pricer", func(p domain.TaskPayload) (any, *domain.FailureDetail) {
		qty, _ := p.Input["qty"].(float64)
		return map[string]any{"price": qty * 10}, nil
	})
	registerWorker(t, e.tr, "summer", func(p domain.TaskPayload) (any, *domain.FailureDetail) {
		items, _ := p.Input["items"].([]any)
		total := 0.0
		for _, it := range items {
			m, _ := it.(map[string]any)
			price, _ := m["price"].(float64)
			total += price
		}
		return map[string]any{"total": total}, nil
	})

	def := domain.PipelineDefinition{Name: "pricing", Stages: []domain.StageDefinition{
		{
			Name:    "price",
			Mode:    domain.ModeScatter,
			Actor:   &domain.ActorRef{Literal: "pricer"},
			Scatter: &domain.ScatterSpec{Input: "$.trigger.items", As: "item"},
			Input:   map[string]any{"sku": "$.item.sku", "qty": "$.item.qty"},
		},
		{
			Name:   "total",
			Mode:   domain.ModeGather,
			Actor:  &domain.ActorRef{Literal: "summer"},
			Gather: &domain.GatherSpec{Stage: "price"},
		},
	}}
	trigger := map[string]any{"items": []any{
		map[string]any{"sku": "a", "qty": 1},
		map[string]any{"sku": "b", "qty": 2},
		map[string]any{"sku": "c", "qty": 3},
	}}
	id, err := e.orch.Execute(ctx, def, trigger, ExecuteOptions{})
	require.NoError(t, err)

	e.waitPipeline(t, id, domain.PipelineCompleted)

	stages, err := e.orch.ListStages(ctx, id)
	require.NoError(t, err)
	byName := map[string]domain.StageRecord{}
	for _, sr := range stages {
		byName[sr.StageName] = sr
	}
	assert.Equal(t, 3, byName["price"].ExpectedTasks)
	assert.Equal(t, 3, byName["price"].CompletedTasks)
	assert.Equal(t, 1, byName["total"].ExpectedTasks)

	snap, err := e.orch.LatestContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 60.0, stageOutput(t, snap, "total", 0)["total"])
}

func TestTaskRetryThenSuccess(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var calls atomic.Int32
	registerWorker(t, e.tr, "flaky", func(domain.TaskPayload) (any, *domain.FailureDetail) {
		if calls.Add(1) == 1 {
			return nil, &domain.FailureDetail{Message: "transient glitch"}
		}
		return map[string]any{"ok": true}, nil
	})

	def := domain.PipelineDefinition{Name: "retrying", Stages: []domain.StageDefinition{{
		Name:  "work",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "flaky"},
		Retry: &domain.RetryPolicy{MaxAttempts: 3, Backoff: domain.BackoffFixed, BaseDelayMs: 1},
	}}}
	id, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)

	e.waitPipeline(t, id, domain.PipelineCompleted)
	assert.Equal(t, int32(2), calls.Load())

	taskMap, err := e.store.TaskStatusMap(ctx, id, "work")
	require.NoError(t, err)
	require.Contains(t, taskMap, 0)
	assert.Equal(t, domain.TaskCompleted, taskMap[0].Status)
	assert.Equal(t, 2, taskMap[0].RetryAttempt)
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var calls atomic.Int32
	registerWorker(t, e.tr, "broken", func(domain.TaskPayload) (any, *domain.FailureDetail) {
		calls.Add(1)
		return nil, &domain.FailureDetail{Message: "boom"}
	})

	def := domain.PipelineDefinition{Name: "doomed", Stages: []domain.StageDefinition{{
		Name:  "work",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "broken"},
		Retry: &domain.RetryPolicy{MaxAttempts: 2, Backoff: domain.BackoffFixed, BaseDelayMs: 1},
	}}}
	id, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)

	rec := e.waitPipeline(t, id, domain.PipelineFailed)
	assert.Contains(t, rec.Error, "boom")
	assert.Equal(t, int32(2), calls.Load())

	require.Eventually(t, func() bool {
		letters, err := e.orch.ListDeadLetters(ctx, domain.DefaultDeadLetterQueue("broken"), 10)
		return err == nil && len(letters) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSagaCompensationOnDownstreamFailure(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	registerWorker(t, e.tr, "payment", func(domain.TaskPayload) (any, *domain.FailureDetail) {
		return map[string]any{"chargeId": "ch-9"}, nil
	})
	registerWorker(t, e.tr, "shipper", func(domain.TaskPayload) (any, *domain.FailureDetail) {
		return nil, &domain.FailureDetail{Message: "no trucks"}
	})
	compensations := make(chan domain.ActorMessage, 4)
	require.NoError(t, e.tr.Consume(domain.ActorQueue("refund"), func(_ domain.Context, _ string, payload []byte) error {
		var msg domain.ActorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		compensations <- msg
		return nil
	}))

	def := domain.PipelineDefinition{Name: "order", Stages: []domain.StageDefinition{
		{
			Name:  "charge",
			Mode:  domain.ModeSingle,
			Actor: &domain.ActorRef{Literal: "payment"},
			Compensation: &domain.CompensationSpec{
				Actor: "refund",
				Input: map[string]any{"chargeId": "$.chargeId"},
			},
		},
		{
			Name:  "ship",
			Mode:  domain.ModeSingle,
			Actor: &domain.ActorRef{Literal: "shipper"},
		},
	}}
	id, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)

	rec := e.waitPipeline(t, id, domain.PipelineFailed)
	assert.Contains(t, rec.Error, "no trucks")

	select {
	case msg := <-compensations:
		assert.Equal(t, domain.TaskTypeCompensation, msg.Payload.TaskType)
		assert.Equal(t, "ch-9", msg.Payload.Input["chargeId"])
	case <-time.After(5 * time.Second):
		t.Fatal("compensation never dispatched")
	}
}

func TestCircuitBreakerRejectsAfterThreshold(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var calls atomic.Int32
	registerWorker(t, e.tr, "bank", func(domain.TaskPayload) (any, *domain.FailureDetail) {
		calls.Add(1)
		return nil, &domain.FailureDetail{Message: "gateway down"}
	})

	def := domain.PipelineDefinition{Name: "payout", Stages: []domain.StageDefinition{{
		Name:           "pay",
		Mode:           domain.ModeSingle,
		Actor:          &domain.ActorRef{Literal: "bank"},
		CircuitBreaker: &domain.BreakerPolicy{FailureThreshold: 1, TimeoutMs: 60_000},
	}}}

	first, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)
	e.waitPipeline(t, first, domain.PipelineFailed)
	assert.Equal(t, int32(1), calls.Load())

	second, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)
	rec := e.waitPipeline(t, second, domain.PipelineFailed)
	assert.Contains(t, rec.Error, "circuit open")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelTearsDownOnNextMessage(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	captured := registerSilentWorker(t, e.tr, "slow")

	def := domain.PipelineDefinition{Name: "cancellable", Stages: []domain.StageDefinition{{
		Name:  "work",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "slow"},
	}}}
	id, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)

	var p domain.TaskPayload
	select {
	case p = <-captured:
	case <-time.After(5 * time.Second):
		t.Fatal("task never dispatched")
	}

	require.NoError(t, e.orch.Cancel(ctx, id))

	// The in-flight worker "finishes"; its message hits the cancellation flag.
	e.sendResult(t, domain.ResultPayload{
		PipelineID:   id,
		StageName:    p.StageName,
		TaskIndex:    p.TaskIndex,
		Output:       map[string]any{"ok": true},
		Attempt:      p.Attempt,
		RetryAttempt: p.RetryAttempt,
		LeaseID:      p.LeaseID,
	})

	rec := e.waitPipeline(t, id, domain.PipelineFailed)
	assert.Equal(t, "cancelled", rec.Error)
}

func TestLateResultIgnoredAfterCompletion(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	registerWorker(t, e.tr, "greeter", func(domain.TaskPayload) (any, *domain.FailureDetail) {
		return map[string]any{"ok": true}, nil
	})

	def := domain.PipelineDefinition{Name: "short", Stages: []domain.StageDefinition{{
		Name:  "greet",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "greeter"},
	}}}
	id, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)
	e.waitPipeline(t, id, domain.PipelineCompleted)

	// A duplicate delivery after completion is dropped without error.
	require.NoError(t, e.orch.HandleStageResult(ctx, domain.ResultPayload{
		PipelineID: id,
		StageName:  "greet",
		TaskIndex:  0,
		Output:     map[string]any{"ok": true},
	}))

	stages, err := e.orch.ListStages(ctx, id)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, 1, stages[0].CompletedTasks)
}

func TestStaleLeaseResultDropped(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	captured := registerSilentWorker(t, e.tr, "manual")

	def := domain.PipelineDefinition{Name: "leased", Stages: []domain.StageDefinition{{
		Name:  "work",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "manual"},
	}}}
	id, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)

	var p domain.TaskPayload
	select {
	case p = <-captured:
	case <-time.After(5 * time.Second):
		t.Fatal("task never dispatched")
	}
	require.NotEmpty(t, p.LeaseID)

	// A result carrying a lease id other than the stored one is stale.
	e.sendResult(t, domain.ResultPayload{
		PipelineID:   id,
		StageName:    p.StageName,
		TaskIndex:    p.TaskIndex,
		Output:       map[string]any{"ok": false},
		Attempt:      p.Attempt,
		RetryAttempt: p.RetryAttempt,
		LeaseID:      "stolen-lease",
	})
	time.Sleep(50 * time.Millisecond)

	stages, err := e.orch.ListStages(ctx, id)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, 0, stages[0].CompletedTasks)
	assert.Equal(t, domain.StageRunning, stages[0].Status)

	// The holder of the stored lease settles the task.
	e.sendResult(t, domain.ResultPayload{
		PipelineID:   id,
		StageName:    p.StageName,
		TaskIndex:    p.TaskIndex,
		Output:       map[string]any{"ok": true},
		Attempt:      p.Attempt,
		RetryAttempt: p.RetryAttempt,
		LeaseID:      p.LeaseID,
	})
	e.waitPipeline(t, id, domain.PipelineCompleted)
}

func TestDuplicateResultDeliveryCountedOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	captured := registerSilentWorker(t, e.tr, "fanout")

	def := domain.PipelineDefinition{Name: "fan-once", Stages: []domain.StageDefinition{{
		Name:    "fan",
		Mode:    domain.ModeScatter,
		Actor:   &domain.ActorRef{Literal: "fanout"},
		Scatter: &domain.ScatterSpec{Input: "$.trigger.items", As: "item"},
		Input:   map[string]any{"v": "$.item"},
	}}}
	id, err := e.orch.Execute(ctx, def, map[string]any{"items": []any{1, 2}}, ExecuteOptions{})
	require.NoError(t, err)

	tasks := map[int]domain.TaskPayload{}
	for len(tasks) < 2 {
		select {
		case p := <-captured:
			tasks[p.TaskIndex] = p
		case <-time.After(5 * time.Second):
			t.Fatal("scatter tasks never dispatched")
		}
	}

	first := domain.ResultPayload{
		PipelineID:   id,
		StageName:    "fan",
		TaskIndex:    tasks[0].TaskIndex,
		Output:       map[string]any{"v": 10},
		Attempt:      tasks[0].Attempt,
		RetryAttempt: tasks[0].RetryAttempt,
		LeaseID:      tasks[0].LeaseID,
	}
	e.sendResult(t, first)
	require.Eventually(t, func() bool {
		sr, err := e.store.GetStage(ctx, id, "fan")
		return err == nil && sr.CompletedTasks == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The transport redelivers the exact same message. Its lease was
	// settled by the first copy, so it must not count a second time.
	e.sendResult(t, first)
	time.Sleep(50 * time.Millisecond)

	sr, err := e.store.GetStage(ctx, id, "fan")
	require.NoError(t, err)
	assert.Equal(t, domain.StageRunning, sr.Status)
	assert.Equal(t, 1, sr.CompletedTasks)

	e.sendResult(t, domain.ResultPayload{
		PipelineID:   id,
		StageName:    "fan",
		TaskIndex:    tasks[1].TaskIndex,
		Output:       map[string]any{"v": 20},
		Attempt:      tasks[1].Attempt,
		RetryAttempt: tasks[1].RetryAttempt,
		LeaseID:      tasks[1].LeaseID,
	})
	e.waitPipeline(t, id, domain.PipelineCompleted)

	sr, err = e.store.GetStage(ctx, id, "fan")
	require.NoError(t, err)
	assert.Equal(t, 2, sr.CompletedTasks)
}

// stallAppendStore delays the first stage-output append until the gate
// opens, standing in for a slow durable write racing the barrier.
type stallAppendStore struct {
	domain.StateStore
	gate    chan struct{}
	stalled atomic.Bool
}

func (s *stallAppendStore) AppendStageOutput(ctx domain.Context, pipelineID, stageName string, attempt int, output any) error {
	if s.stalled.CompareAndSwap(false, true) {
		<-s.gate
	}
	return s.StateStore.AppendStageOutput(ctx, pipelineID, stageName, attempt, output)
}

func TestBarrierWaitsForDurableOutputs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	base := redisstore.New(rdb)

	gate := make(chan struct{})
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	store := &stallAppendStore{StateStore: base, gate: gate}

	tr := memory.New()
	t.Cleanup(func() { _ = tr.Close() })
	t.Cleanup(openGate)

	registerWorker(t, tr, "pricer", func(p domain.TaskPayload) (any, *domain.FailureDetail) {
		return map[string]any{"v": p.Input["v"]}, nil
	})

	breakers := breaker.NewRegistry(store)
	sagas := saga.New(store, tr, expr.New(), time.Millisecond)
	approvals := approval.New(store, store, tr, time.Second, time.Hour)
	o := New(store, tr, breakers, sagas, approvals,
		WithOwner("orch-test"),
		WithDefaultLeaseTTL(time.Minute))
	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.WaitForResume(context.Background()))
	e := &env{orch: o, store: base, tr: tr}
	ctx := context.Background()

	def := domain.PipelineDefinition{Name: "fan-durable", Stages: []domain.StageDefinition{{
		Name:    "fan",
		Mode:    domain.ModeScatter,
		Actor:   &domain.ActorRef{Literal: "pricer"},
		Scatter: &domain.ScatterSpec{Input: "$.trigger.items", As: "item"},
		Input:   map[string]any{"v": "$.item"},
	}}}
	id, err := e.orch.Execute(ctx, def, map[string]any{"items": []any{1, 2}}, ExecuteOptions{})
	require.NoError(t, err)

	// One result's output append is stalled, so its task has not counted
	// yet and the barrier must hold although the other result landed.
	require.Eventually(t, func() bool {
		sr, err := base.GetStage(ctx, id, "fan")
		return err == nil && sr.CompletedTasks == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	rec, err := base.GetPipeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineRunning, rec.Status)

	openGate()
	e.waitPipeline(t, id, domain.PipelineCompleted)

	snap, err := e.orch.LatestContext(ctx, id)
	require.NoError(t, err)
	stages, ok := snap.Data["stages"].(map[string]any)
	require.True(t, ok, "context has no stages map")
	outs, ok := stages["fan"].([]any)
	require.True(t, ok, "fan has no outputs")
	assert.Len(t, outs, 2)
}

func TestResumeStartsPendingStage(t *testing.T) {
	const id = "pipeline:resume-pending"
	def := domain.PipelineDefinition{Name: "recoverable", Stages: []domain.StageDefinition{{
		Name:  "work",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "echo"},
		Input: map[string]any{"name": "$.trigger.name"},
	}}}

	e := newSeededEnv(t, func(store *redisstore.Store, tr *memory.Transport) {
		registerWorker(t, tr, "echo", func(p domain.TaskPayload) (any, *domain.FailureDetail) {
			return map[string]any{"echoed": p.Input["name"]}, nil
		})

		ctx := context.Background()
		now := time.Now().UTC()
		trigger := map[string]any{"name": "grace"}
		require.NoError(t, store.CreatePipeline(ctx, domain.PipelineRecord{
			PipelineID:  id,
			Definition:  def,
			Status:      domain.PipelineRunning,
			TriggerData: trigger,
			CreatedAt:   now,
			StartedAt:   &now,
			UpdatedAt:   now,
			StageOrder:  []string{"work"},
		}))
		require.NoError(t, store.UpsertStage(ctx, domain.StageRecord{
			PipelineID: id,
			StageName:  "work",
			Status:     domain.StagePending,
			Attempt:    1,
		}))
		_, err := store.SnapshotContext(ctx, id, domain.NewContextData(trigger))
		require.NoError(t, err)
	})

	rec := e.waitPipeline(t, id, domain.PipelineCompleted)
	assert.NotNil(t, rec.CompletedAt)

	snap, err := e.orch.LatestContext(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "grace", stageOutput(t, snap, "work", 0)["echoed"])
}

func TestResumeReenqueuesFailedTask(t *testing.T) {
	const id = "pipeline:resume-failed"
	def := domain.PipelineDefinition{Name: "recoverable", Stages: []domain.StageDefinition{{
		Name:  "work",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "echo"},
	}}}

	e := newSeededEnv(t, func(store *redisstore.Store, tr *memory.Transport) {
		registerWorker(t, tr, "echo", func(domain.TaskPayload) (any, *domain.FailureDetail) {
			return map[string]any{"ok": true}, nil
		})

		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, store.CreatePipeline(ctx, domain.PipelineRecord{
			PipelineID:   id,
			Definition:   def,
			Status:       domain.PipelineRunning,
			CreatedAt:    now,
			StartedAt:    &now,
			UpdatedAt:    now,
			StageOrder:   []string{"work"},
			ActiveStages: []string{"work"},
		}))
		expected := 1
		require.NoError(t, store.UpsertStage(ctx, domain.StageRecord{
			PipelineID:    id,
			StageName:     "work",
			Status:        domain.StageRunning,
			Attempt:       1,
			ExpectedTasks: expected,
			StartedAt:     &now,
		}))
		require.NoError(t, store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
			PipelineID:   id,
			StageName:    "work",
			TaskIndex:    0,
			Attempt:      1,
			RetryAttempt: 1,
			Status:       domain.TaskFailed,
			QueueName:    domain.ActorQueue("echo"),
			ActorType:    "echo",
			Input:        map[string]any{"n": float64(1)},
			Error:        &domain.FailureDetail{Message: "crashed mid-flight"},
			QueuedAt:     now,
			RecordedAt:   now,
		}))
		_, err := store.SnapshotContext(ctx, id, domain.NewContextData(nil))
		require.NoError(t, err)
	})

	e.waitPipeline(t, id, domain.PipelineCompleted)

	taskMap, err := e.store.TaskStatusMap(context.Background(), id, "work")
	require.NoError(t, err)
	require.Contains(t, taskMap, 0)
	assert.Equal(t, domain.TaskCompleted, taskMap[0].Status)
	assert.Equal(t, 2, taskMap[0].RetryAttempt)
}

func TestResumeRerunsInterruptedStage(t *testing.T) {
	const id = "pipeline:resume-interrupted"
	def := domain.PipelineDefinition{Name: "recoverable", Stages: []domain.StageDefinition{{
		Name:  "work",
		Mode:  domain.ModeSingle,
		Actor: &domain.ActorRef{Literal: "echo"},
	}}}

	e := newSeededEnv(t, func(store *redisstore.Store, tr *memory.Transport) {
		registerWorker(t, tr, "echo", func(domain.TaskPayload) (any, *domain.FailureDetail) {
			return map[string]any{"ok": true}, nil
		})

		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, store.CreatePipeline(ctx, domain.PipelineRecord{
			PipelineID:   id,
			Definition:   def,
			Status:       domain.PipelineRunning,
			CreatedAt:    now,
			StartedAt:    &now,
			UpdatedAt:    now,
			StageOrder:   []string{"work"},
			ActiveStages: []string{"work"},
		}))
		// Interrupted after the stage went running but before dispatch
		// recorded an expected count.
		require.NoError(t, store.UpsertStage(ctx, domain.StageRecord{
			PipelineID: id,
			StageName:  "work",
			Status:     domain.StageRunning,
			Attempt:    1,
			StartedAt:  &now,
		}))
		_, err := store.SnapshotContext(ctx, id, domain.NewContextData(nil))
		require.NoError(t, err)
	})

	e.waitPipeline(t, id, domain.PipelineCompleted)

	stages, err := e.orch.ListStages(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, domain.StageCompleted, stages[0].Status)
	assert.Equal(t, 1, stages[0].ExpectedTasks)
	assert.Equal(t, 1, stages[0].CompletedTasks)
}

func TestHumanApprovalApproveUnblocksPipeline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	registerWorker(t, e.tr, "finisher", func(domain.TaskPayload) (any, *domain.FailureDetail) {
		return map[string]any{"done": true}, nil
	})

	def := domain.PipelineDefinition{Name: "gated", Stages: []domain.StageDefinition{
		{
			Name:          "gate",
			Mode:          domain.ModeHumanApproval,
			HumanApproval: &domain.ApprovalPolicy{AssignTo: "ops", TimeoutMs: 60_000},
			Input:         map[string]any{"amount": "$.trigger.amount"},
		},
		{
			Name:  "finish",
			Mode:  domain.ModeSingle,
			Actor: &domain.ActorRef{Literal: "finisher"},
		},
	}}
	id, err := e.orch.Execute(ctx, def, map[string]any{"amount": 1200}, ExecuteOptions{})
	require.NoError(t, err)

	var pending []domain.ApprovalRequest
	require.Eventually(t, func() bool {
		pending, err = e.orch.PendingApprovals(ctx, domain.ApprovalFilter{PipelineID: id})
		return err == nil && len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "gate", pending[0].StageName)
	assert.Equal(t, "ops", pending[0].AssignTo)

	require.NoError(t, e.orch.SubmitApproval(ctx, pending[0].ApprovalID, domain.DecisionApprove, "alice", "ship it", nil))

	e.waitPipeline(t, id, domain.PipelineCompleted)

	snap, err := e.orch.LatestContext(ctx, id)
	require.NoError(t, err)
	gate := stageOutput(t, snap, "gate", 0)
	decision, ok := gate["__approval"].(map[string]any)
	require.True(t, ok, "gate output carries no approval record")
	assert.Equal(t, domain.DecisionApprove, decision["decision"])
	assert.Equal(t, "alice", decision["decidedBy"])
}

func TestHumanApprovalRejectFailsPipeline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := domain.PipelineDefinition{Name: "gated", Stages: []domain.StageDefinition{{
		Name:          "gate",
		Mode:          domain.ModeHumanApproval,
		HumanApproval: &domain.ApprovalPolicy{TimeoutMs: 60_000},
	}}}
	id, err := e.orch.Execute(ctx, def, nil, ExecuteOptions{})
	require.NoError(t, err)

	var pending []domain.ApprovalRequest
	require.Eventually(t, func() bool {
		pending, err = e.orch.PendingApprovals(ctx, domain.ApprovalFilter{PipelineID: id})
		return err == nil && len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.orch.SubmitApproval(ctx, pending[0].ApprovalID, domain.DecisionReject, "bob", "too risky", nil))

	rec := e.waitPipeline(t, id, domain.PipelineFailed)
	assert.Contains(t, rec.Error, "approval rejected")
}
