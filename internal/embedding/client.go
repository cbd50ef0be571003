package embedding

import (
	"errors"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ClientOptions configures the OpenAI-compatible endpoint.
type ClientOptions struct {
	APIKey  string // defaults to OPENAI_API_KEY
	BaseURL string // empty uses api.openai.com
}

// Client wraps the OpenAI client shared by embedding and chat generation.
type Client struct {
	client *openai.Client
}

// NewClient creates a client. Retries are left to the callers, which own
// their backoff policy.
func NewClient(opts ClientOptions) (*Client, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return &Client{client: &client}, nil
}

// Client returns the underlying OpenAI client for the chat adapter.
func (c *Client) Client() *openai.Client {
	return c.client
}
