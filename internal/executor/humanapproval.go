package executor

import (
	"fmt"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// ApprovalGate is the approval workflow the human-approval executor blocks
// on. Satisfied by *approval.Manager.
type ApprovalGate interface {
	RequestAndWait(ctx domain.Context, pipelineID, stageName string, policy domain.ApprovalPolicy, data map[string]any, opened func(domain.ApprovalRequest)) (domain.ApprovalRequest, *domain.ApprovalDecisionEvent, error)
}

// HumanApproval pauses the pipeline until a decision arrives or the
// approval times out. The stage schedules no actor tasks; its output is the
// resolved input plus the decision record.
type HumanApproval struct {
	Approvals ApprovalGate
}

func (HumanApproval) Name() string { return string(domain.ModeHumanApproval) }

func (HumanApproval) Validate(stage *domain.StageDefinition) error {
	if stage.HumanApproval == nil {
		return fmt.Errorf("%w: stage %q requires humanApproval", domain.ErrConfiguration, stage.Name)
	}
	return nil
}

func (h HumanApproval) Execute(ctx domain.Context, ec *Context) (Result, error) {
	if h.Approvals == nil {
		return Result{}, fmt.Errorf("%w: human-approval stages need an approval manager", domain.ErrConfiguration)
	}
	policy := *ec.Stage.HumanApproval
	data := ec.Eval.ResolveInputs(ec.Stage.Input, ec.Pipeline)

	opened := func(req domain.ApprovalRequest) {
		if ec.OnApprovalOpened != nil {
			ec.OnApprovalOpened(req.ApprovalID)
		}
	}
	req, decision, err := h.Approvals.RequestAndWait(ctx, ec.PipelineID, ec.Stage.Name, policy, data, opened)
	if err != nil {
		return Result{}, err
	}
	if decision.Decision != domain.DecisionApprove {
		if decision.Comment != "" {
			return Result{}, fmt.Errorf("%w: %s by %s: %s", domain.ErrApprovalRejected, req.ApprovalID, decision.DecidedBy, decision.Comment)
		}
		return Result{}, fmt.Errorf("%w: %s by %s", domain.ErrApprovalRejected, req.ApprovalID, decision.DecidedBy)
	}

	output := map[string]any{}
	for k, v := range data {
		output[k] = v
	}
	output["__approval"] = map[string]any{
		"approvalId": req.ApprovalID,
		"decision":   decision.Decision,
		"decidedBy":  decision.DecidedBy,
		"decidedAt":  decision.DecidedAt,
		"comment":    decision.Comment,
	}
	return Result{ExpectedTasks: 0, Synchronous: output, HasSynchronous: true}, nil
}
