package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

func init() {
	RegisterAdapter("anthropic", func(creds map[string]string) (Adapter, error) {
		return NewAnthropicAdapter(creds["api_key"])
	})
}

// AnthropicAdapter talks to the Anthropic Messages API and translates
// responses into the OpenAI-compatible schema the gateway emits.
type AnthropicAdapter struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

// NewAnthropicAdapter creates an adapter for api.anthropic.com.
func NewAnthropicAdapter(apiKey string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api_key is required")
	}
	return &AnthropicAdapter{
		apiKey:       apiKey,
		baseURL:      anthropicBaseURL,
		client:       newHTTPClient(false),
		streamClient: newHTTPClient(true),
	}, nil
}

func (a *AnthropicAdapter) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("Content-Type", "application/json")
}

// buildBody maps the OpenAI-shaped request onto the Messages API. The
// system role moves to the top-level system field; max_tokens is mandatory
// upstream so a default applies.
func (a *AnthropicAdapter) buildBody(req *Request, stream bool) (map[string]any, error) {
	if req.Kind == KindEmbedding {
		return nil, &Error{Category: CategoryModelNotFound, Provider: "anthropic",
			Message: "embeddings are not supported"}
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
	}

	var system string
	var messages []map[string]any
	if req.Kind == KindCompletion {
		messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			if s, ok := m.Content.(string); ok {
				system = s
			}
			continue
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	body["messages"] = messages
	if system != "" {
		body["system"] = system
	}

	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if stop, ok := req.Stop.([]any); ok {
		body["stop_sequences"] = stop
	} else if stop, ok := req.Stop.(string); ok {
		body["stop_sequences"] = []string{stop}
	}
	if stream {
		body["stream"] = true
	}
	return body, nil
}

func (a *AnthropicAdapter) post(ctx context.Context, client *http.Client, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	a.setHeaders(httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, upstreamError("anthropic", resp.StatusCode, string(raw))
	}
	return resp, nil
}

// stopReasonToFinish maps Anthropic stop reasons onto OpenAI finish reasons.
func stopReasonToFinish(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func (a *AnthropicAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	body, err := a.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.post(ctx, a.client, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Category: CategoryPermanent, Provider: "anthropic",
			Message: "malformed upstream response", Err: err}
	}

	var text string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	out := map[string]any{
		"id":      parsed.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   parsed.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": stopReasonToFinish(parsed.StopReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     parsed.Usage.InputTokens,
			"completion_tokens": parsed.Usage.OutputTokens,
			"total_tokens":      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}

	cost, known := EstimateCost(parsed.Model, parsed.Usage.InputTokens, parsed.Usage.OutputTokens)
	return &Result{
		Body:          raw,
		ModelID:       parsed.Model,
		InputTokens:   parsed.Usage.InputTokens,
		OutputTokens:  parsed.Usage.OutputTokens,
		LatencyMs:     time.Since(start).Milliseconds(),
		EstimatedCost: cost,
		PricingKnown:  known,
	}, nil
}

// InvokeStream converts the Anthropic event stream into OpenAI-style
// chat.completion.chunk frames. Usage accumulates across message_start and
// message_delta and rides out on the final frame.
func (a *AnthropicAdapter) InvokeStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	body, err := a.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, a.streamClient, body)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		id := "chatcmpl-" + uuid.New().String()
		created := time.Now().Unix()
		var inputTokens, outputTokens int64

		emit := func(delta map[string]any, finish string, withUsage bool) bool {
			frame := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   req.Model,
				"choices": []map[string]any{{
					"index": 0,
					"delta": delta,
				}},
			}
			if finish != "" {
				frame["choices"].([]map[string]any)[0]["finish_reason"] = finish
			}
			if withUsage {
				frame["usage"] = map[string]any{
					"prompt_tokens":     inputTokens,
					"completion_tokens": outputTokens,
					"total_tokens":      inputTokens + outputTokens,
				}
			}
			raw, err := json.Marshal(frame)
			if err != nil {
				return false
			}
			select {
			case out <- Chunk{Data: string(raw)}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sse := NewSSEReader(resp.Body)
		for {
			ev, err := sse.ReadEvent()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					out <- Chunk{Err: transportError("anthropic", err)}
				}
				return
			}

			switch ev.Event {
			case "message_start":
				var msg struct {
					Message struct {
						Usage struct {
							InputTokens int64 `json:"input_tokens"`
						} `json:"usage"`
					} `json:"message"`
				}
				if json.Unmarshal([]byte(ev.Data), &msg) == nil {
					inputTokens = msg.Message.Usage.InputTokens
				}
				if !emit(map[string]any{"role": "assistant", "content": ""}, "", false) {
					return
				}

			case "content_block_delta":
				var delta struct {
					Delta struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"delta"`
				}
				if json.Unmarshal([]byte(ev.Data), &delta) != nil || delta.Delta.Text == "" {
					continue
				}
				if !emit(map[string]any{"content": delta.Delta.Text}, "", false) {
					return
				}

			case "message_delta":
				var md struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				}
				if json.Unmarshal([]byte(ev.Data), &md) != nil {
					continue
				}
				outputTokens = md.Usage.OutputTokens
				if !emit(map[string]any{}, stopReasonToFinish(md.Delta.StopReason), true) {
					return
				}

			case "message_stop":
				return
			}
		}
	}()
	return out, nil
}

func (a *AnthropicAdapter) ValidateCredentials(ctx context.Context) (*Validation, error) {
	if _, err := a.ListModels(ctx); err != nil {
		var provErr *Error
		if errors.As(err, &provErr) && provErr.Category == CategoryInvalidCredentials {
			return &Validation{Valid: false, Message: "invalid API key"}, nil
		}
		return nil, err
	}
	return &Validation{Valid: true}, nil
}

func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, upstreamError("anthropic", resp.StatusCode, string(raw))
	}

	var result struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	models := make([]ModelInfo, 0, len(result.Data))
	for _, m := range result.Data {
		in, out, _ := LookupPrice(m.ID)
		models = append(models, ModelInfo{
			ModelID:            m.ID,
			DisplayName:        m.DisplayName,
			ContextWindow:      200000,
			InputPricePer1M:    in,
			OutputPricePer1M:   out,
			StreamingSupported: true,
			Capabilities:       []string{"chat"},
		})
	}
	return models, nil
}

// GetCosts is not exposed by the Anthropic API; spend is accounted locally.
func (a *AnthropicAdapter) GetCosts(_ context.Context, _, _ time.Time) (*CostReport, error) {
	return &CostReport{Currency: "USD"}, nil
}

func (a *AnthropicAdapter) HealthCheck(ctx context.Context) (*Health, error) {
	start := time.Now()
	_, err := a.ListModels(ctx)
	return &Health{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}, nil
}
