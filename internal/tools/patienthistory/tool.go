package patienthistory

import (
	"context"
	"strings"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tools"
)

// Source loads patient records.
type Source interface {
	Get(ctx context.Context, patientID string) (*Record, error)
}

// Tool is get_patient_history.
type Tool struct {
	source Source
	guard  *tools.Guard
}

func NewTool(source Source, guard *tools.Guard) *Tool {
	return &Tool{source: source, guard: guard}
}

func (t *Tool) Name() string { return tools.PatientHistory }

// Invoke returns the parsed record as payload and the record itself as
// evidence.
func (t *Tool) Invoke(ctx context.Context, in tools.PatientHistoryInput) domain.ToolResult {
	if err := in.Validate(); err != nil {
		return tools.Failed(t.Name(), domain.Wrap(domain.ErrInvalidInput, "history.invoke", in.PatientID, err))
	}
	return t.guard.Run(ctx, t.Name(), func(ctx context.Context) (tools.Output, error) {
		rec, err := t.source.Get(ctx, in.PatientID)
		if err != nil {
			return tools.Output{}, err
		}
		docID := DocumentID(strings.TrimSpace(in.PatientID))
		return tools.Output{
			Payload: rec,
			Evidence: []domain.Provenance{{
				DocumentID: docID,
				ChunkID:    docID,
				Kind:       domain.KindPatient,
				SourcePath: rec.SourcePath,
				PatientID:  rec.PatientID,
				Offset:     domain.Offset{Start: 0, End: len(rec.Raw)},
			}},
		}, nil
	})
}
