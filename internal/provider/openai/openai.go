package openai

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/vnmchuo/aegis-gateway/internal/provider"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct {
	endpoint     provider.Endpoint
	includeUsage bool
}

type Option func(*OpenAIProvider)

// WithStreamUsage asks for a usage block in the final SSE event of streamed
// calls by setting stream_options.include_usage.
func WithStreamUsage(enabled bool) Option {
	return func(p *OpenAIProvider) { p.includeUsage = enabled }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) { p.endpoint.Client = c }
}

func New(apiKey, baseURL string, opts ...Option) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &OpenAIProvider{
		endpoint: provider.Endpoint{Name: provider.OpenAI, APIKey: apiKey, BaseURL: baseURL},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string {
	return provider.OpenAI
}

func (p *OpenAIProvider) Do(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	if stream && p.includeUsage {
		withUsage, err := injectStreamUsage(body)
		if err != nil {
			return nil, err
		}
		body = withUsage
	}
	return p.endpoint.Post(ctx, body)
}

// QuotaExhausted is always false: OpenAI rate limits are not retried on
// another model.
func (p *OpenAIProvider) QuotaExhausted(int, []byte) bool {
	return false
}

// injectStreamUsage merges include_usage=true into any stream_options the
// client already sent.
func injectStreamUsage(body []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	opts := map[string]json.RawMessage{}
	if raw, ok := fields["stream_options"]; ok {
		// A non-object stream_options is replaced.
		_ = json.Unmarshal(raw, &opts)
		if opts == nil {
			opts = map[string]json.RawMessage{}
		}
	}
	opts["include_usage"] = json.RawMessage("true")
	return provider.SetField(body, "stream_options", opts)
}
