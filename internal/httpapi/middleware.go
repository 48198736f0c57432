package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"bonito/internal/audit"
	"bonito/internal/auth"
	"bonito/internal/domain"
)

type ctxKey int

const claimsKey ctxKey = 1

// claimsFrom returns the verified session claims, nil outside the
// authenticated management surface.
func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

// requireSession verifies the control-plane JWT and stashes its claims.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.writeError(w, r, domain.ErrInvalidToken("missing bearer token"))
			return
		}
		claims, err := s.tokens.VerifyAccess(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// securityHeaders sets the baseline response headers. HSTS only makes sense
// behind TLS, so it is limited to production.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if s.cfg.IsProduction() {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflights and reflects allowed origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.Server.CORSOrigins)+1)
	for _, o := range s.cfg.Server.CORSOrigins {
		allowed[o] = true
	}
	if s.cfg.Server.FrontendURL != "" {
		allowed[s.cfg.Server.FrontendURL] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "300")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxBody caps request bodies before any rate-limit budget is spent.
func (s *Server) maxBody(next http.Handler) http.Handler {
	limit := s.cfg.Server.MaxRequestSize
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer turns a handler panic into a 500 envelope. The request ID is
// already assigned upstream so even a panic response carries one.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))
				s.writeError(w, r, domain.ErrInternal("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// auditMiddleware records mutating management calls. Auditing is async and
// never fails or delays the request it describes.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		claims := claimsFrom(r.Context())
		if claims == nil || s.audit == nil {
			return
		}
		action, resourceType, resourceID := audit.Describe(r.Method, r.URL.Path)
		s.audit.Log(&domain.AuditLog{
			OrgID:        claims.OrgID,
			UserID:       claims.Subject,
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Details: map[string]any{
				"status":     ww.Status(),
				"latency_ms": time.Since(start).Milliseconds(),
			},
			IPAddress: audit.ClientIP(r),
		})
	})
}
