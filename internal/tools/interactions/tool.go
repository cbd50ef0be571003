package interactions

import (
	"context"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tools"
)

// Tool is check_drug_interactions.
type Tool struct {
	checker Checker
	guard   *tools.Guard
}

func NewTool(checker Checker, guard *tools.Guard) *Tool {
	return &Tool{checker: checker, guard: guard}
}

func (t *Tool) Name() string { return tools.CheckInteractions }

func (t *Tool) Invoke(ctx context.Context, in tools.InteractionInput) domain.ToolResult {
	if err := in.Validate(); err != nil {
		return tools.Failed(t.Name(), domain.Wrap(domain.ErrInvalidInput, "interactions.invoke", "", err))
	}
	if t.checker == nil {
		return tools.Failed(t.Name(), domain.Errorf(domain.ErrToolFailure, "interactions.invoke", "", "no interaction source configured"))
	}
	return t.guard.Run(ctx, t.Name(), func(ctx context.Context) (tools.Output, error) {
		report, err := t.checker.Check(ctx, in.Drugs)
		if err != nil {
			return tools.Output{}, err
		}
		return tools.Output{Payload: report}, nil
	})
}
