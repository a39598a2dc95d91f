// Package provider holds the upstream chat completion endpoints the gateway
// forwards to. Every upstream speaks the OpenAI wire format; bodies are
// passed through as raw JSON.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	OpenAI = "openai"
	Gemini = "gemini"
)

var ErrMissingAPIKey = errors.New("provider api key not configured")

// Upstream is an OpenAI-compatible chat completions endpoint.
type Upstream interface {
	Name() string
	// Do posts body to the completions endpoint. The caller owns the
	// response body.
	Do(ctx context.Context, body []byte, stream bool) (*http.Response, error)
	// QuotaExhausted reports whether an error response is a quota or
	// rate-limit rejection that a cheaper model may still serve.
	QuotaExhausted(status int, body []byte) bool
}

// Endpoint is the shared HTTP plumbing behind each upstream.
type Endpoint struct {
	Name    string
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (e Endpoint) Post(ctx context.Context, body []byte) (*http.Response, error) {
	if e.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, e.Name)
	}
	url := strings.TrimRight(e.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

// SetField returns body with key replaced by value. Other members keep their
// original encoding.
func SetField(body []byte, key string, value any) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields[key] = raw
	return json.Marshal(fields)
}
