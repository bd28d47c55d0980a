// Package llm is the vendor-neutral completion client used by the analyzer
// and the relationship resolver. Provider adapters translate the unified
// request/response contract to vendor HTTP APIs and surface failures through
// the typed error hierarchy in errors.go.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request is a single system+user completion call.
type Request struct {
	Provider    string // empty selects the client default
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature *float64
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if strings.TrimSpace(r.User) == "" {
		return &ConfigurationError{Message: "user prompt is required"}
	}
	return nil
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response carries the raw text body. Anything beyond plain text (markdown
// fences, commentary) is the caller's problem; the analyzer's sanitizer
// handles it.
type Response struct {
	Body  string
	Usage Usage
}

// Completer is the surface the pipeline depends on. *Client implements it;
// tests substitute fakes.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ProviderAdapter is implemented by each vendor backend.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client routes requests to registered provider adapters.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[adapter.Name()] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = adapter.Name()
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	return out
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov
	return adapter.Complete(ctx, req)
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
