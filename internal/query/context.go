package query

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// DefaultContextBudget is the character budget of the context window.
const DefaultContextBudget = 8000

// Passage is one numbered entry of the context window.
type Passage struct {
	N          int               `json:"n"`
	Provenance domain.Provenance `json:"provenance"`
	Section    string            `json:"section,omitempty"`
	Text       string            `json:"text"`
	Truncated  bool              `json:"truncated,omitempty"`
}

// BuildContext takes results in rank order until the rendered size would
// exceed budget characters. A first passage that alone exceeds the budget is
// truncated instead of dropped, so a non-empty result set always yields
// context.
func BuildContext(results []domain.RankedResult, budget int) []Passage {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	var passages []Passage
	used := 0
	for i, r := range results {
		p := Passage{
			N:          i + 1,
			Provenance: r.Provenance,
			Section:    r.Chunk.Section,
			Text:       r.Chunk.Text,
		}
		size := utf8.RuneCountInString(renderPassage(p))
		if used+size > budget {
			if len(passages) > 0 {
				break
			}
			p.Text = truncateRunes(p.Text, budget-utf8.RuneCountInString(renderPassage(Passage{N: p.N, Provenance: p.Provenance, Section: p.Section})))
			p.Truncated = true
			size = utf8.RuneCountInString(renderPassage(p))
		}
		passages = append(passages, p)
		used += size
	}
	return passages
}

func renderPassage(p Passage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s\n", p.N, sourceLabel(p.Provenance))
	if p.Section != "" {
		b.WriteString(p.Section)
		b.WriteByte('\n')
	}
	b.WriteString(p.Text)
	b.WriteString("\n\n")
	return b.String()
}

func sourceLabel(prov domain.Provenance) string {
	switch {
	case prov.PaperID != "":
		return fmt.Sprintf("(research paper %s, %s)", prov.PaperID, prov.ChunkID)
	case prov.PatientID != "":
		return fmt.Sprintf("(patient record %s, %s)", prov.PatientID, prov.ChunkID)
	default:
		return fmt.Sprintf("(%s)", prov.ChunkID)
	}
}

// RenderContext formats passages as the CONTEXT block of a prompt.
func RenderContext(passages []Passage) string {
	var b strings.Builder
	for _, p := range passages {
		b.WriteString(renderPassage(p))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

const systemPrompt = "You are a clinical assistant summarising evidence for a medical professional. " +
	"Use only the numbered passages in CONTEXT. Never invent studies, doses or patient facts."

const answerTemplate = `Using ONLY the patient information and research passages in CONTEXT, draft a preliminary treatment plan that answers the QUESTION.

Group the plan by condition. For every condition give the suggested treatment and cite the supporting passages by their number, for example [2].
If CONTEXT does not cover a condition, say so instead of guessing.

CONTEXT:
%s

QUESTION:
%s

End with a short disclaimer that this summary is based on limited data and does not replace professional medical advice.`

// AnswerPrompt builds the generation prompt for a question.
func AnswerPrompt(question string, passages []Passage) string {
	return fmt.Sprintf(answerTemplate, RenderContext(passages), question)
}
