package executor

import (
	"fmt"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// MapReduce is declared but intentionally unimplemented. Definitions pass
// validation; execution fails with guidance to express the stage as
// scatter followed by gather.
type MapReduce struct{}

func (MapReduce) Name() string { return string(domain.ModeMapReduce) }

func (MapReduce) Validate(*domain.StageDefinition) error { return nil }

func (MapReduce) Execute(domain.Context, *Context) (Result, error) {
	return Result{}, fmt.Errorf("%w: map-reduce is not implemented; express the stage as scatter followed by gather", domain.ErrConfiguration)
}
