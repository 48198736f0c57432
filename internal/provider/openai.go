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

func init() {
	RegisterAdapter("openai", func(creds map[string]string) (Adapter, error) {
		return NewOpenAIAdapter(creds["api_key"], creds["base_url"])
	})
}

// OpenAIAdapter talks to the OpenAI API, or any endpoint that speaks the
// same wire protocol.
type OpenAIAdapter struct {
	apiKey       string
	baseURL      string
	providerType string
	client       *http.Client
	streamClient *http.Client
}

// NewOpenAIAdapter creates an adapter for api.openai.com, or a custom
// baseURL for compatible endpoints.
func NewOpenAIAdapter(apiKey, baseURL string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api_key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		providerType: "openai",
		client:       newHTTPClient(false),
		streamClient: newHTTPClient(true),
	}, nil
}

func (a *OpenAIAdapter) setAuth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}

func (a *OpenAIAdapter) endpoint(kind Kind) string {
	switch kind {
	case KindCompletion:
		return a.baseURL + "/completions"
	case KindEmbedding:
		return a.baseURL + "/embeddings"
	default:
		return a.baseURL + "/chat/completions"
	}
}

// buildBody assembles the upstream JSON body. The request already arrived
// in OpenAI wire form, so this is a field-for-field relay.
func (a *OpenAIAdapter) buildBody(req *Request, stream bool) map[string]any {
	body := map[string]any{"model": req.Model}

	switch req.Kind {
	case KindChat:
		body["messages"] = req.Messages
	case KindCompletion:
		body["prompt"] = req.Prompt
	case KindEmbedding:
		body["input"] = req.Input
		if req.EncodingFormat != "" {
			body["encoding_format"] = req.EncodingFormat
		}
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
	if req.N != nil {
		body["n"] = *req.N
	}
	if req.Stop != nil {
		body["stop"] = req.Stop
	}
	if req.PresencePenalty != nil {
		body["presence_penalty"] = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		body["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.User != "" {
		body["user"] = req.User
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body
}

func (a *OpenAIAdapter) post(ctx context.Context, client *http.Client, url string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.setAuth(httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(a.providerType, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, upstreamError(a.providerType, resp.StatusCode, string(raw))
	}
	return resp, nil
}

// Invoke runs a non-streaming call. The upstream body is returned verbatim;
// usage is parsed out of it for pricing.
func (a *OpenAIAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	resp, err := a.post(ctx, a.client, a.endpoint(req.Kind), a.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(a.providerType, err)
	}

	var parsed struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Category: CategoryPermanent, Provider: a.providerType,
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

// InvokeStream proxies the upstream event stream. Each chunk carries one
// data payload; the [DONE] sentinel closes the channel.
func (a *OpenAIAdapter) InvokeStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	resp, err := a.post(ctx, a.streamClient, a.endpoint(req.Kind), a.buildBody(req, true))
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
					out <- Chunk{Err: transportError(a.providerType, err)}
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

// ValidateCredentials lists models as a lightweight identity check.
func (a *OpenAIAdapter) ValidateCredentials(ctx context.Context) (*Validation, error) {
	if _, err := a.ListModels(ctx); err != nil {
		var provErr *Error
		if errors.As(err, &provErr) && provErr.Category == CategoryInvalidCredentials {
			return &Validation{Valid: false, Message: "invalid API key"}, nil
		}
		return nil, err
	}
	return &Validation{Valid: true}, nil
}

func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	a.setAuth(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(a.providerType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, upstreamError(a.providerType, resp.StatusCode, string(raw))
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	var models []ModelInfo
	for _, m := range result.Data {
		if !strings.HasPrefix(m.ID, "gpt-") && !strings.HasPrefix(m.ID, "o1") &&
			!strings.HasPrefix(m.ID, "text-embedding") {
			continue
		}
		in, out, _ := LookupPrice(m.ID)
		caps := []string{"chat"}
		if strings.HasPrefix(m.ID, "text-embedding") {
			caps = []string{"embedding"}
		}
		models = append(models, ModelInfo{
			ModelID:            m.ID,
			DisplayName:        m.ID,
			ContextWindow:      128000,
			InputPricePer1M:    in,
			OutputPricePer1M:   out,
			StreamingSupported: caps[0] == "chat",
			Capabilities:       caps,
		})
	}
	return models, nil
}

// GetCosts is not available over the public OpenAI API; spend is accounted
// locally from usage rows instead.
func (a *OpenAIAdapter) GetCosts(_ context.Context, _, _ time.Time) (*CostReport, error) {
	return &CostReport{Currency: "USD"}, nil
}

func (a *OpenAIAdapter) HealthCheck(ctx context.Context) (*Health, error) {
	start := time.Now()
	_, err := a.ListModels(ctx)
	h := &Health{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	return h, nil
}
