// Package guidelines mirrors a GitHub directory of markdown clinical
// guidelines into the research corpus.
package guidelines

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"
)

// Client wraps the GitHub API client with rate limiting support.
type Client struct {
	*github.Client
}

// NewClient creates a GitHub client that waits out primary and secondary
// rate limits. An empty token keeps the client anonymous.
func NewClient(token string) (*Client, error) {
	return newClient(nil, token)
}

func newClient(base http.RoundTripper, token string) (*Client, error) {
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(base)
	if err != nil {
		return nil, err
	}
	gh := github.NewClient(rateLimiter)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{Client: gh}, nil
}

// withBaseURL points the client at another API root (tests, GitHub Enterprise).
func (c *Client) withBaseURL(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	c.BaseURL = u
	return nil
}
