package orchestrator

import (
	"sync"
	"time"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/executor"
)

// stageState is the in-memory barrier state of one stage. Guarded by the
// owning execState's mutex.
type stageState struct {
	def       *domain.StageDefinition
	status    domain.StageStatus
	attempt   int
	expected  int
	// expectedSet distinguishes "no tasks" from "executor still scheduling";
	// results that arrive before the executor returns must not release the
	// barrier early.
	expectedSet bool
	completed   int
	activeTasks int
	// pending queues throttled task requests FIFO when config.concurrency
	// caps in-flight tasks.
	pending   []executor.TaskRequest
	outputs   []any
	startedAt time.Time
	errMsg    string
}

// execState is the per-instance cache of one running pipeline. It is
// authoritative for barrier arithmetic on this instance and is rebuilt from
// the store on resume.
type execState struct {
	mu         sync.Mutex
	pipelineID string
	def        *domain.PipelineDefinition
	graph      *dag
	context    domain.ContextData
	stages     map[string]*stageState
	active     map[string]struct{}
}

func newExecState(pipelineID string, def *domain.PipelineDefinition, graph *dag, data domain.ContextData) *execState {
	es := &execState{
		pipelineID: pipelineID,
		def:        def,
		graph:      graph,
		context:    data,
		stages:     map[string]*stageState{},
		active:     map[string]struct{}{},
	}
	for i := range def.Stages {
		st := &def.Stages[i]
		es.stages[st.Name] = &stageState{def: st, status: domain.StagePending, attempt: 1}
	}
	return es
}

// activeList snapshots the active set for persistence. Caller holds mu.
func (es *execState) activeList() []string {
	out := make([]string, 0, len(es.active))
	for name := range es.active {
		out = append(out, name)
	}
	return out
}

// allCompleted reports whether every stage reached completed. Caller holds mu.
func (es *execState) allCompleted() bool {
	for _, st := range es.stages {
		if st.status != domain.StageCompleted {
			return false
		}
	}
	return true
}
