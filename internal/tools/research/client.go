// Package research searches the research corpus for the agent and tops it up
// from the Semantic Scholar paper search when the corpus has too little.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.semanticscholar.org"
	DefaultLimit   = 5

	searchPath   = "/graph/v1/paper/search"
	searchFields = "title,abstract"
	maxAttempts  = 4
)

var errRateLimited = errors.New("rate limited by paper search")

// Paper is one search hit.
type Paper struct {
	PaperID  string `json:"paperId"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
}

type searchResponse struct {
	Total int     `json:"total"`
	Data  []Paper `json:"data"`
}

// ClientConfig configures the paper search client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	Limit          int
	RequestsPerSec float64
	// RetryBase is the first wait after a 429; it doubles per attempt.
	RetryBase  time.Duration
	HTTPClient *http.Client
}

// Client calls the Semantic Scholar graph API.
type Client struct {
	baseURL   string
	apiKey    string
	limit     int
	retryBase time.Duration
	http      *http.Client
	limiter   *rate.Limiter
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		limit:     cfg.Limit,
		retryBase: cfg.RetryBase,
		http:      cfg.HTTPClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
	}
}

// Search returns up to limit papers for query. A 429 or a transport error is
// retried with a doubling wait, four attempts in total; other non-2xx answers
// fail at once.
func (c *Client) Search(ctx context.Context, query string) ([]Paper, error) {
	var papers []Paper

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		p, err := c.search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			var status *statusError
			if errors.As(err, &status) && status.code != http.StatusTooManyRequests && status.code < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		papers = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * c.retryBase
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("paper search %q: %w", query, err)
	}
	return papers, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.code == http.StatusTooManyRequests {
		return errRateLimited.Error()
	}
	return "paper search returned " + strconv.Itoa(e.code) + ": " + e.body
}

func (e *statusError) Is(target error) bool {
	return target == errRateLimited && e.code == http.StatusTooManyRequests
}

func (c *Client) search(ctx context.Context, query string) ([]Paper, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(c.limit))
	params.Set("fields", searchFields)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+searchPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode search response: %w", err))
	}
	return out.Data, nil
}
