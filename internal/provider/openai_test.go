package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIInvoke(t *testing.T) {
	t.Run("non-streaming chat", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("path = %s, want /chat/completions", r.URL.Path)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
				t.Errorf("Authorization = %q", auth)
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("bad request body: %v", err)
			}
			if body["model"] != "gpt-4o" {
				t.Errorf("model = %v, want gpt-4o", body["model"])
			}
			fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-2024-08-06",
				"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
				"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
		}))
		defer srv.Close()

		a, err := NewOpenAIAdapter("sk-test", srv.URL)
		if err != nil {
			t.Fatalf("NewOpenAIAdapter failed: %v", err)
		}

		res, err := a.Invoke(context.Background(), &Request{
			Kind:     KindChat,
			Model:    "gpt-4o",
			Messages: []Message{{Role: "user", Content: "hello"}},
		})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}

		if res.InputTokens != 10 || res.OutputTokens != 20 {
			t.Errorf("tokens = (%d, %d), want (10, 20)", res.InputTokens, res.OutputTokens)
		}
		if res.ModelID != "gpt-4o-2024-08-06" {
			t.Errorf("ModelID = %q", res.ModelID)
		}
		if !res.PricingKnown {
			t.Error("Expected known pricing for gpt-4o")
		}
		// Body passes through verbatim.
		var out map[string]any
		if err := json.Unmarshal(res.Body, &out); err != nil {
			t.Fatalf("body not JSON: %v", err)
		}
		if out["id"] != "chatcmpl-1" {
			t.Errorf("body id = %v", out["id"])
		}
	})

	t.Run("upstream 429 categorised", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limit"}}`)
		}))
		defer srv.Close()

		a, _ := NewOpenAIAdapter("sk-test", srv.URL)
		_, err := a.Invoke(context.Background(), &Request{Kind: KindChat, Model: "gpt-4o"})

		var provErr *Error
		if !errors.As(err, &provErr) {
			t.Fatalf("Expected *Error, got %T", err)
		}
		if provErr.Category != CategoryRateLimitedUpstream {
			t.Errorf("Category = %s, want rate_limited_upstream", provErr.Category)
		}
	})

	t.Run("connection refused is transient", func(t *testing.T) {
		a, _ := NewOpenAIAdapter("sk-test", "http://127.0.0.1:1")
		_, err := a.Invoke(context.Background(), &Request{Kind: KindChat, Model: "gpt-4o"})

		var provErr *Error
		if !errors.As(err, &provErr) {
			t.Fatalf("Expected *Error, got %T", err)
		}
		if provErr.Category != CategoryTransient {
			t.Errorf("Category = %s, want transient", provErr.Category)
		}
	})
}

func TestOpenAIInvokeStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("Expected stream=true upstream")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"c%d\"}}]}\n\n", i)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":7,\"total_tokens\":12}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	a, _ := NewOpenAIAdapter("sk-test", srv.URL)
	ch, err := a.InvokeStream(context.Background(), &Request{
		Kind:     KindChat,
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("InvokeStream failed: %v", err)
	}

	var chunks []string
	var lastIn, lastOut int64
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		chunks = append(chunks, c.Data)
		if in, out, ok := ParseStreamUsage(c.Data); ok {
			lastIn, lastOut = in, out
		}
	}

	// 3 deltas + 1 usage frame; the [DONE] sentinel is consumed.
	if len(chunks) != 4 {
		t.Fatalf("Got %d chunks, want 4", len(chunks))
	}
	if lastIn != 5 || lastOut != 7 {
		t.Errorf("usage = (%d, %d), want (5, 7)", lastIn, lastOut)
	}
}

func TestOpenAIValidateCredentials(t *testing.T) {
	t.Run("valid key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":[{"id":"gpt-4o"}]}`)
		}))
		defer srv.Close()

		a, _ := NewOpenAIAdapter("sk-test", srv.URL)
		v, err := a.ValidateCredentials(context.Background())
		if err != nil {
			t.Fatalf("ValidateCredentials failed: %v", err)
		}
		if !v.Valid {
			t.Error("Expected valid")
		}
	})

	t.Run("rejected key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
		}))
		defer srv.Close()

		a, _ := NewOpenAIAdapter("sk-bad", srv.URL)
		v, err := a.ValidateCredentials(context.Background())
		if err != nil {
			t.Fatalf("ValidateCredentials failed: %v", err)
		}
		if v.Valid {
			t.Error("Expected invalid")
		}
	})
}

func TestOpenAIListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"gpt-4o"},{"id":"whisper-1"},{"id":"text-embedding-3-small"}]}`)
	}))
	defer srv.Close()

	a, _ := NewOpenAIAdapter("sk-test", srv.URL)
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}

	// whisper-1 is filtered out.
	if len(models) != 2 {
		t.Fatalf("Got %d models, want 2", len(models))
	}
	if models[0].ModelID != "gpt-4o" {
		t.Errorf("models[0] = %q", models[0].ModelID)
	}
	if models[1].Capabilities[0] != "embedding" {
		t.Errorf("embedding model capabilities = %v", models[1].Capabilities)
	}
}

func TestAdapterRegistry(t *testing.T) {
	t.Run("registered types construct", func(t *testing.T) {
		a, err := NewAdapter("openai", map[string]string{"api_key": "sk-x"})
		if err != nil {
			t.Fatalf("NewAdapter(openai) failed: %v", err)
		}
		if a == nil {
			t.Fatal("nil adapter")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewAdapter("nonexistent", nil); err == nil {
			t.Error("Expected error for unknown provider type")
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		if _, err := NewAdapter("openai", map[string]string{}); err == nil {
			t.Error("Expected error for missing api_key")
		}
	})
}
