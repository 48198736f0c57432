// Package provider implements upstream model provider adapters.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind selects the adapter operation a request maps to.
type Kind string

const (
	KindChat       Kind = "chat"
	KindCompletion Kind = "completion"
	KindEmbedding  Kind = "embedding"
)

// Message is one chat message in OpenAI wire form. Content is a string or a
// structured part list; it passes through untouched.
type Message struct {
	Role      string          `json:"role"`
	Content   any             `json:"content"`
	Name      string          `json:"name,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// Request is the normalized invocation the gateway hands to an adapter.
type Request struct {
	Kind     Kind
	Model    string
	Messages []Message

	// Completion and embedding payloads.
	Prompt any
	Input  any

	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	N                *int
	Stop             any
	PresencePenalty  *float64
	FrequencyPenalty *float64
	User             string
	EncodingFormat   string
}

// Result is a completed non-streaming invocation. Body is the full
// OpenAI-compatible response, emitted to the client verbatim.
type Result struct {
	Body          json.RawMessage
	ModelID       string
	InputTokens   int64
	OutputTokens  int64
	LatencyMs     int64
	EstimatedCost float64
	PricingKnown  bool
}

// Chunk is one streamed SSE frame. Data holds the JSON payload of a single
// `data:` line, without the prefix and without the [DONE] sentinel.
type Chunk struct {
	Data string
	Err  error
}

// Validation is the outcome of a credential check.
type Validation struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"account_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ModelInfo describes one model the upstream advertises.
type ModelInfo struct {
	ModelID            string   `json:"model_id"`
	DisplayName        string   `json:"display_name"`
	ContextWindow      int      `json:"context_window"`
	InputPricePer1M    float64  `json:"input_price_per_1m"`
	OutputPricePer1M   float64  `json:"output_price_per_1m"`
	StreamingSupported bool     `json:"streaming_supported"`
	Capabilities       []string `json:"capabilities"`
}

// DailyCost is one day of upstream spend.
type DailyCost struct {
	Date string  `json:"date"`
	Cost float64 `json:"cost"`
}

// CostReport aggregates upstream spend over a window.
type CostReport struct {
	Total      float64     `json:"total"`
	Currency   string      `json:"currency"`
	DailyCosts []DailyCost `json:"daily_costs"`
}

// Health is a provider reachability probe result.
type Health struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latency_ms"`
}

// Adapter is the polymorphic provider contract the gateway depends on.
// Implementations fail with categorised *Error values.
type Adapter interface {
	// ValidateCredentials performs a lightweight identity call. It must not
	// mutate remote state.
	ValidateCredentials(ctx context.Context) (*Validation, error)

	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Invoke runs a non-streaming call and prices the result.
	Invoke(ctx context.Context, req *Request) (*Result, error)

	// InvokeStream runs a streaming call. The channel closes after the
	// upstream terminates; the [DONE] sentinel is not delivered as a chunk.
	InvokeStream(ctx context.Context, req *Request) (<-chan Chunk, error)

	// GetCosts fetches upstream billing data for the window.
	GetCosts(ctx context.Context, start, end time.Time) (*CostReport, error)

	HealthCheck(ctx context.Context) (*Health, error)
}

// Constructor builds an adapter from decrypted credentials.
type Constructor func(creds map[string]string) (Adapter, error)

var registry = map[string]Constructor{}

// RegisterAdapter binds a provider_type to its constructor. Called from
// adapter init functions.
func RegisterAdapter(providerType string, ctor Constructor) {
	registry[providerType] = ctor
}

// NewAdapter constructs an adapter for a provider type.
func NewAdapter(providerType string, creds map[string]string) (Adapter, error) {
	ctor, ok := registry[providerType]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", providerType)
	}
	return ctor(creds)
}

// SupportedTypes lists registered provider types.
func SupportedTypes() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}

const (
	connectTimeout    = 2 * time.Second
	readTimeout       = 60 * time.Second
	streamReadTimeout = 300 * time.Second
)

// newHTTPClient builds a pooled client with the standard socket budget:
// connect 2s, read 60s non-stream / 300s stream.
func newHTTPClient(streaming bool) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	timeout := readTimeout
	if streaming {
		timeout = streamReadTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
