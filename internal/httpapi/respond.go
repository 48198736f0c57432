package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"bonito/internal/domain"
	"bonito/internal/gateway"
)

// envelope is the uniform response body. Data is set on success, Error on
// failure; RequestID is always present.
type envelope struct {
	Success   bool             `json:"success"`
	Data      any              `json:"data,omitempty"`
	Error     *domain.APIError `json:"error,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{
		Success:   true,
		Data:      data,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeError renders an error through the client-facing taxonomy. Anything
// that is not an APIError becomes a 500; in production the message of a 500
// is redacted on management paths so internals never leak.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := domain.AsAPIError(err)
	if !ok {
		if errors.Is(err, domain.ErrRecordNotFound) {
			apiErr = domain.ErrNotFound("resource")
		} else {
			slog.Error("unhandled request error",
				"method", r.Method, "path", r.URL.Path, "error", err)
			apiErr = domain.ErrInternal(err.Error())
		}
	}

	if apiErr.Status == http.StatusInternalServerError &&
		s.cfg.IsProduction() && !strings.HasPrefix(r.URL.Path, "/v1/") {
		apiErr = domain.ErrInternal("internal server error")
	}

	var rle *gateway.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
	}

	writeJSON(w, apiErr.Status, envelope{
		Success:   false,
		Error:     apiErr,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// decodeBody parses a JSON request body. A body over the admission cap
// surfaces as 413, malformed JSON as 422.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.ErrPayloadTooLarge(maxErr.Limit)
		}
		return domain.ErrValidation("malformed JSON body", "")
	}
	return nil
}
