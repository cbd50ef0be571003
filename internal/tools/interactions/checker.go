// Package interactions checks medication lists for known drug-drug
// interactions, either against a remote service or a local YAML table.
package interactions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// Interaction is one flagged pair.
type Interaction struct {
	DrugA       string `json:"drug_a" yaml:"-"`
	DrugB       string `json:"drug_b" yaml:"-"`
	Severity    string `json:"severity" yaml:"severity"`
	Description string `json:"description" yaml:"description"`
}

// Report is the result of one check.
type Report struct {
	Drugs        []string      `json:"drugs"`
	Interactions []Interaction `json:"interactions"`
	Source       string        `json:"source"`
}

// Checker looks up interactions between drugs.
type Checker interface {
	Check(ctx context.Context, drugs []string) (*Report, error)
}

// HTTPConfig configures HTTPChecker.
type HTTPConfig struct {
	BaseURL        string
	RequestsPerSec float64
	HTTPClient     *http.Client
}

// HTTPChecker posts {"drugs": [...]} to <base>/interactions.
type HTTPChecker struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPChecker(cfg HTTPConfig) *HTTPChecker {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPChecker{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
	}
}

func (c *HTTPChecker) Check(ctx context.Context, drugs []string) (*Report, error) {
	drugs = normalize(drugs)
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string][]string{"drugs": drugs})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interactions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("interaction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("interaction service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, domain.Wrap(domain.ErrInvalidInput, "interactions.check", "", err)
		}
		return nil, err
	}

	var out struct {
		Interactions []Interaction `json:"interactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode interaction response: %w", err)
	}
	if out.Interactions == nil {
		out.Interactions = []Interaction{}
	}
	return &Report{Drugs: drugs, Interactions: out.Interactions, Source: c.baseURL}, nil
}

type tableEntry struct {
	Drugs       []string `yaml:"drugs"`
	Severity    string   `yaml:"severity"`
	Description string   `yaml:"description"`
}

type tableFile struct {
	Interactions []tableEntry `yaml:"interactions"`
}

// TableChecker matches drugs against a static interaction table. A drug
// matches a table name when its lowercased text contains that name, so
// "Warfarin Sodium 5 MG Oral Tablet" matches "warfarin".
type TableChecker struct {
	entries []tableEntry
	source  string
}

// LoadTable reads a YAML table:
//
//	interactions:
//	  - drugs: [warfarin, aspirin]
//	    severity: major
//	    description: Increased bleeding risk.
func LoadTable(path string) (*TableChecker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read interaction table: %w", err)
	}
	tc, err := ParseTable(data)
	if err != nil {
		return nil, err
	}
	tc.source = path
	return tc, nil
}

func ParseTable(data []byte) (*TableChecker, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse interaction table: %w", err)
	}
	for i, e := range f.Interactions {
		if len(e.Drugs) != 2 {
			return nil, fmt.Errorf("interaction table entry %d: want 2 drugs, got %d", i, len(e.Drugs))
		}
		f.Interactions[i].Drugs = []string{strings.ToLower(strings.TrimSpace(e.Drugs[0])), strings.ToLower(strings.TrimSpace(e.Drugs[1]))}
	}
	return &TableChecker{entries: f.Interactions, source: "table"}, nil
}

func (t *TableChecker) Check(ctx context.Context, drugs []string) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	drugs = normalize(drugs)
	lower := make([]string, len(drugs))
	for i, d := range drugs {
		lower[i] = strings.ToLower(d)
	}

	found := []Interaction{}
	for _, e := range t.entries {
		a := indexOf(lower, e.Drugs[0], -1)
		if a < 0 {
			continue
		}
		b := indexOf(lower, e.Drugs[1], a)
		if b < 0 {
			continue
		}
		found = append(found, Interaction{
			DrugA:       drugs[a],
			DrugB:       drugs[b],
			Severity:    e.Severity,
			Description: e.Description,
		})
	}
	return &Report{Drugs: drugs, Interactions: found, Source: t.source}, nil
}

func indexOf(drugs []string, name string, skip int) int {
	for i, d := range drugs {
		if i != skip && strings.Contains(d, name) {
			return i
		}
	}
	return -1
}

// normalize trims, drops empties and duplicates, and sorts.
func normalize(drugs []string) []string {
	seen := make(map[string]bool, len(drugs))
	out := make([]string, 0, len(drugs))
	for _, d := range drugs {
		d = strings.TrimSpace(d)
		key := strings.ToLower(d)
		if d == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
