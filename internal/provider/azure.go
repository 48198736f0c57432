package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAzureAPIVersion = "2024-06-01"

func init() {
	RegisterAdapter("azure", func(creds map[string]string) (Adapter, error) {
		return NewAzureAdapter(creds["api_key"], creds["endpoint"], creds["deployment"], creds["api_version"])
	})
}

// AzureAdapter talks to an Azure OpenAI resource. Azure scopes calls to a
// deployment name rather than a model ID, and authenticates with an api-key
// header instead of a bearer token.
type AzureAdapter struct {
	apiKey     string
	endpoint   string
	deployment string
	apiVersion string

	client       *http.Client
	streamClient *http.Client
}

// NewAzureAdapter creates an adapter for one Azure OpenAI deployment.
func NewAzureAdapter(apiKey, endpoint, deployment, apiVersion string) (*AzureAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("azure: api_key is required")
	}
	if endpoint == "" {
		return nil, errors.New("azure: endpoint is required")
	}
	if deployment == "" {
		return nil, errors.New("azure: deployment is required")
	}
	if apiVersion == "" {
		apiVersion = defaultAzureAPIVersion
	}
	return &AzureAdapter{
		apiKey:       apiKey,
		endpoint:     strings.TrimRight(endpoint, "/"),
		deployment:   deployment,
		apiVersion:   apiVersion,
		client:       newHTTPClient(false),
		streamClient: newHTTPClient(true),
	}, nil
}

func (a *AzureAdapter) url(op string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		a.endpoint, a.deployment, op, a.apiVersion)
}

func (a *AzureAdapter) opFor(kind Kind) string {
	switch kind {
	case KindCompletion:
		return "completions"
	case KindEmbedding:
		return "embeddings"
	default:
		return "chat/completions"
	}
}

func (a *AzureAdapter) buildBody(req *Request, stream bool) map[string]any {
	// The deployment carries the model binding; "model" in the body is
	// ignored by Azure but kept for symmetry in logs.
	body := map[string]any{}

	switch req.Kind {
	case KindChat:
		body["messages"] = req.Messages
	case KindCompletion:
		body["prompt"] = req.Prompt
	case KindEmbedding:
		body["input"] = req.Input
		return body
	}

	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.Stop != nil {
		body["stop"] = req.Stop
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body
}

func (a *AzureAdapter) post(ctx context.Context, client *http.Client, url string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", a.apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError("azure", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, upstreamError("azure", resp.StatusCode, string(raw))
	}
	return resp, nil
}

func (a *AzureAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	resp, err := a.post(ctx, a.client, a.url(a.opFor(req.Kind)), a.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("azure", err)
	}

	var parsed struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Category: CategoryPermanent, Provider: "azure",
			Message: "malformed upstream response", Err: err}
	}

	modelUsed := parsed.Model
	if modelUsed == "" {
		modelUsed = req.Model
	}
	cost, known := EstimateCost(modelUsed, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)

	return &Result{
		Body:          raw,
		ModelID:       modelUsed,
		InputTokens:   parsed.Usage.PromptTokens,
		OutputTokens:  parsed.Usage.CompletionTokens,
		LatencyMs:     time.Since(start).Milliseconds(),
		EstimatedCost: cost,
		PricingKnown:  known,
	}, nil
}

func (a *AzureAdapter) InvokeStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	resp, err := a.post(ctx, a.streamClient, a.url(a.opFor(req.Kind)), a.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		sse := NewSSEReader(resp.Body)
		for {
			ev, err := sse.ReadEvent()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					out <- Chunk{Err: transportError("azure", err)}
				}
				return
			}
			if ev.Data == "[DONE]" {
				return
			}
			select {
			case out <- Chunk{Data: ev.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ValidateCredentials probes the deployment with a zero-token completion.
// Azure has no cheap identity call that is deployment-scoped.
func (a *AzureAdapter) ValidateCredentials(ctx context.Context) (*Validation, error) {
	one := 1
	req := &Request{
		Kind:      KindChat,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: &one,
	}
	if _, err := a.Invoke(ctx, req); err != nil {
		var provErr *Error
		if errors.As(err, &provErr) && provErr.Category == CategoryInvalidCredentials {
			return &Validation{Valid: false, Message: "invalid API key or endpoint"}, nil
		}
		return nil, err
	}
	return &Validation{Valid: true, AccountID: a.deployment}, nil
}

// ListModels reports the single bound deployment; Azure deployments map
// one-to-one onto models.
func (a *AzureAdapter) ListModels(_ context.Context) ([]ModelInfo, error) {
	in, out, _ := LookupPrice(a.deployment)
	return []ModelInfo{{
		ModelID:            a.deployment,
		DisplayName:        a.deployment,
		ContextWindow:      128000,
		InputPricePer1M:    in,
		OutputPricePer1M:   out,
		StreamingSupported: true,
		Capabilities:       []string{"chat"},
	}}, nil
}

// GetCosts requires the Azure Cost Management API and a service principal,
// which credential maps do not carry; spend is accounted locally.
func (a *AzureAdapter) GetCosts(_ context.Context, _, _ time.Time) (*CostReport, error) {
	return &CostReport{Currency: "USD"}, nil
}

func (a *AzureAdapter) HealthCheck(ctx context.Context) (*Health, error) {
	start := time.Now()
	v, err := a.ValidateCredentials(ctx)
	healthy := err == nil && v != nil && v.Valid
	return &Health{Healthy: healthy, LatencyMs: time.Since(start).Milliseconds()}, nil
}
