package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tools"
)

// ToolCall is a closed tagged variant: Name selects exactly one non-nil input.
type ToolCall struct {
	Name         string
	History      *tools.PatientHistoryInput
	Research     *tools.ResearchInput
	Interactions *tools.InteractionInput
}

var errUnknownTool = errors.New("unknown tool")

// ParseToolCall decodes raw into the input type of the named tool. Unknown
// tools, unknown fields, trailing data and non-object inputs are rejected.
func ParseToolCall(name string, raw json.RawMessage) (ToolCall, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	call := ToolCall{Name: name}
	var err error
	switch name {
	case tools.PatientHistory:
		call.History = &tools.PatientHistoryInput{}
		err = decodeStrict(raw, call.History)
	case tools.SearchResearch:
		call.Research = &tools.ResearchInput{}
		err = decodeStrict(raw, call.Research)
	case tools.CheckInteractions:
		call.Interactions = &tools.InteractionInput{}
		err = decodeStrict(raw, call.Interactions)
	default:
		return ToolCall{}, fmt.Errorf("%w %q", errUnknownTool, name)
	}
	if err != nil {
		return ToolCall{}, fmt.Errorf("decode %s input: %w", name, err)
	}
	return call, nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after input object")
	}
	return nil
}

// Validate checks the selected input.
func (c ToolCall) Validate() error {
	switch {
	case c.History != nil:
		return c.History.Validate()
	case c.Research != nil:
		return c.Research.Validate()
	case c.Interactions != nil:
		return c.Interactions.Validate()
	}
	return fmt.Errorf("%w %q", errUnknownTool, c.Name)
}

// Input returns the selected input for the transcript.
func (c ToolCall) Input() any {
	switch {
	case c.History != nil:
		return c.History
	case c.Research != nil:
		return c.Research
	case c.Interactions != nil:
		return c.Interactions
	}
	return nil
}

// HistoryTool is get_patient_history.
type HistoryTool interface {
	Invoke(ctx context.Context, in tools.PatientHistoryInput) domain.ToolResult
}

// ResearchTool is search_medical_research.
type ResearchTool interface {
	Invoke(ctx context.Context, in tools.ResearchInput) domain.ToolResult
}

// InteractionTool is check_drug_interactions.
type InteractionTool interface {
	Invoke(ctx context.Context, in tools.InteractionInput) domain.ToolResult
}

// Toolset holds one adapter per tool. A nil adapter fails every call.
type Toolset struct {
	History      HistoryTool
	Research     ResearchTool
	Interactions InteractionTool
}

func (ts Toolset) dispatch(ctx context.Context, call ToolCall) domain.ToolResult {
	missing := func() domain.ToolResult {
		return tools.Failed(call.Name, domain.Errorf(domain.ErrToolFailure, "agent.dispatch", call.Name, "tool not configured"))
	}
	switch {
	case call.History != nil:
		if ts.History == nil {
			return missing()
		}
		return ts.History.Invoke(ctx, *call.History)
	case call.Research != nil:
		if ts.Research == nil {
			return missing()
		}
		return ts.Research.Invoke(ctx, *call.Research)
	case call.Interactions != nil:
		if ts.Interactions == nil {
			return missing()
		}
		return ts.Interactions.Invoke(ctx, *call.Interactions)
	}
	return missing()
}
