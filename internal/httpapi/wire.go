package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"bonito/internal/audit"
	"bonito/internal/auth"
	"bonito/internal/domain"
	"bonito/internal/gateway"
	"bonito/internal/provider"
)

// chatCompletionRequest is the OpenAI chat wire form. Sampling parameters
// pass through to the adapter untouched.
type chatCompletionRequest struct {
	Model            string             `json:"model"`
	Messages         []provider.Message `json:"messages"`
	Stream           bool               `json:"stream,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                *int               `json:"n,omitempty"`
	Stop             any                `json:"stop,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	User             string             `json:"user,omitempty"`
}

type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      any      `json:"prompt"`
	Stream      bool     `json:"stream,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        any      `json:"stop,omitempty"`
	User        string   `json:"user,omitempty"`
}

type embeddingRequest struct {
	Model          string `json:"model"`
	Input          any    `json:"input"`
	EncodingFormat string `json:"encoding_format,omitempty"`
	User           string `json:"user,omitempty"`
}

// gatewayToken pulls the bn- key from the Authorization header.
func gatewayToken(r *http.Request) (string, error) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return "", domain.ErrInvalidKey("missing Authorization header")
	}
	return token, nil
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatCompletionRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Model == "" {
		s.writeError(w, r, domain.ErrValidation("model is required", "model"))
		return
	}
	if len(body.Messages) == 0 {
		s.writeError(w, r, domain.ErrValidation("messages must not be empty", "messages"))
		return
	}

	req := &provider.Request{
		Kind:             provider.KindChat,
		Model:            body.Model,
		Messages:         body.Messages,
		MaxTokens:        body.MaxTokens,
		Temperature:      body.Temperature,
		TopP:             body.TopP,
		N:                body.N,
		Stop:             body.Stop,
		PresencePenalty:  body.PresencePenalty,
		FrequencyPenalty: body.FrequencyPenalty,
		User:             body.User,
	}
	s.invoke(w, r, req, body.Stream)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Model == "" {
		s.writeError(w, r, domain.ErrValidation("model is required", "model"))
		return
	}
	if body.Prompt == nil {
		s.writeError(w, r, domain.ErrValidation("prompt is required", "prompt"))
		return
	}

	req := &provider.Request{
		Kind:        provider.KindCompletion,
		Model:       body.Model,
		Prompt:      body.Prompt,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		Stop:        body.Stop,
		User:        body.User,
	}
	s.invoke(w, r, req, body.Stream)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var body embeddingRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Model == "" {
		s.writeError(w, r, domain.ErrValidation("model is required", "model"))
		return
	}
	if body.Input == nil {
		s.writeError(w, r, domain.ErrValidation("input is required", "input"))
		return
	}

	req := &provider.Request{
		Kind:           provider.KindEmbedding,
		Model:          body.Model,
		Input:          body.Input,
		EncodingFormat: body.EncodingFormat,
		User:           body.User,
	}
	s.invoke(w, r, req, false)
}

// invoke runs admission then hands off to the pipeline, streaming or not.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request, req *provider.Request, stream bool) {
	token, err := gatewayToken(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.pipeline.Admit(r.Context(), token, req.Model)
	if err != nil {
		s.auditRevokedKey(r, req.Model, err)
		s.writeError(w, r, err)
		return
	}

	if stream {
		s.streamResponse(w, r, sess, req)
		return
	}

	result, err := s.pipeline.Complete(r.Context(), sess, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The upstream body is already OpenAI-compatible; it goes out verbatim.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result.Body)
}

// auditRevokedKey records an invoke attempt with a revoked key. Other
// admission failures cannot name an org and are visible only in the server
// log; revoked keys still know their owner and are a security signal worth
// keeping.
func (s *Server) auditRevokedKey(r *http.Request, model string, err error) {
	var revoked *auth.RevokedKeyError
	if s.audit == nil || !errors.As(err, &revoked) {
		return
	}
	s.audit.Log(&domain.AuditLog{
		OrgID:        revoked.OrgID,
		Action:       "invoke",
		ResourceType: "model",
		ResourceID:   model,
		Details: map[string]any{
			"status_code": http.StatusUnauthorized,
			"reason":      "revoked_key",
			"key_id":      revoked.KeyID,
		},
		IPAddress: audit.ClientIP(r),
	})
}

// streamResponse relays SSE frames chunk for chunk and appends the [DONE]
// sentinel. Once the first byte is written errors can only surface in-band.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, sess *gateway.Session, req *provider.Request) {
	upstream, err := s.pipeline.Stream(r.Context(), sess, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, domain.ErrInternal("streaming unsupported by connection"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range upstream {
		if chunk.Err != nil {
			// The stream is already committed; deliver the error in-band.
			frame, _ := json.Marshal(map[string]any{
				"error": map[string]string{
					"code":    "upstream_error",
					"message": chunk.Err.Error(),
				},
			})
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
			break
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// modelEntry is one row of the OpenAI-compatible model listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleListModels serves the org's model catalog in OpenAI list form.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	token, err := gatewayToken(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.pipeline.Admit(r.Context(), token, "")
	if err != nil {
		s.auditRevokedKey(r, "", err)
		s.writeError(w, r, err)
		return
	}

	models, err := s.store.ListModels(r.Context(), sess.Org.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		data = append(data, modelEntry{
			ID:      m.ModelID,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "bonito",
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}
