package chunker

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// section is a byte range of the document that chunks may not cross.
type section struct {
	HeaderPath string // "# Guideline > ## Dosing"
	Start, End int
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
}

// markdownSections splits source at H1 and H2 headings. Text before the first
// heading becomes a section with an empty header path. Each heading's section
// runs to the next H1 or H2 in document order, so an H1 never repeats the
// text of its H2 children.
func markdownSections(md goldmark.Markdown, source []byte) ([]section, error) {
	doc := md.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	var marks []section
	collectHeadings(doc, source, tree.Items, nil, &marks)
	if len(marks) == 0 {
		return []section{{Start: 0, End: len(source)}}, nil
	}

	sort.SliceStable(marks, func(i, j int) bool { return marks[i].Start < marks[j].Start })

	var sections []section
	if len(bytes.TrimSpace(source[:marks[0].Start])) > 0 {
		sections = append(sections, section{Start: 0, End: marks[0].Start})
	}
	for i, m := range marks {
		end := len(source)
		if i+1 < len(marks) {
			end = marks[i+1].Start
		}
		m.End = end
		sections = append(sections, m)
	}
	return sections, nil
}

// collectHeadings walks the TOC tree and records the line start of every
// heading together with its header path.
func collectHeadings(doc ast.Node, source []byte, items toc.Items, ancestors []string, out *[]section) {
	for _, item := range items {
		path := append(append([]string(nil), ancestors...), string(item.Title))

		if node := findHeaderByID(doc, string(item.ID)); node != nil && node.Lines().Len() > 0 {
			*out = append(*out, section{
				HeaderPath: formatHeaderPath(path),
				Start:      lineStart(source, node.Lines().At(0).Start),
			})
		}

		if len(item.Items) > 0 {
			collectHeadings(doc, source, item.Items, path, out)
		}
	}
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Hypertension", "First-line"] -> "# Hypertension > ## First-line"
func formatHeaderPath(path []string) string {
	parts := make([]string, 0, len(path))
	for i, segment := range path {
		parts = append(parts, strings.Repeat("#", i+1)+" "+segment)
	}
	return strings.Join(parts, " > ")
}

// findHeaderByID locates a heading node by its auto-generated ID.
func findHeaderByID(node ast.Node, id string) ast.Node {
	if id == "" {
		return nil
	}
	var found ast.Node
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			headingID, ok := n.AttributeString("id")
			if !ok {
				return ast.WalkContinue, nil
			}
			if b, isBytes := headingID.([]byte); isBytes && string(b) == id {
				found = n
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}

// lineStart moves pos back to the first byte of its line. Heading segments
// start after the "## " marker.
func lineStart(source []byte, pos int) int {
	return bytes.LastIndexByte(source[:pos], '\n') + 1
}
