package gemini

import (
	"bytes"
	"context"
	"net/http"

	"github.com/vnmchuo/aegis-gateway/internal/provider"
)

// DefaultBaseURL is Gemini's OpenAI-compatible surface.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// quotaPhrases mark a 429 body as quota exhaustion rather than a transient
// burst limit.
var quotaPhrases = [][]byte{
	[]byte("resource_exhausted"),
	[]byte("quota exceeded"),
	[]byte("rate limit"),
	[]byte("generativelanguage.googleapis.com/generate_content"),
}

type GeminiProvider struct {
	endpoint provider.Endpoint
}

func New(apiKey, baseURL string, client *http.Client) *GeminiProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GeminiProvider{
		endpoint: provider.Endpoint{Name: provider.Gemini, APIKey: apiKey, BaseURL: baseURL, Client: client},
	}
}

func (p *GeminiProvider) Name() string {
	return provider.Gemini
}

func (p *GeminiProvider) Do(ctx context.Context, body []byte, _ bool) (*http.Response, error) {
	return p.endpoint.Post(ctx, body)
}

func (p *GeminiProvider) QuotaExhausted(status int, body []byte) bool {
	if status != http.StatusTooManyRequests {
		return false
	}
	lower := bytes.ToLower(body)
	for _, phrase := range quotaPhrases {
		if bytes.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
