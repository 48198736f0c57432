// Package audit records control-plane actions as append-only audit rows.
package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"bonito/internal/domain"
)

// Writer is the slice of storage the audit service needs.
type Writer interface {
	InsertAuditLog(ctx context.Context, l *domain.AuditLog) error
}

// Service writes audit rows asynchronously. Auditing never fails or delays
// the request it describes; a row that cannot be written is logged and
// dropped.
type Service struct {
	writer Writer
	queue  chan *domain.AuditLog
	wg     sync.WaitGroup
}

// NewService starts the audit writer.
func NewService(writer Writer) *Service {
	s := &Service{
		writer: writer,
		queue:  make(chan *domain.AuditLog, 256),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for l := range s.queue {
			if err := s.writer.InsertAuditLog(context.Background(), l); err != nil {
				slog.Error("failed to write audit log",
					"org_id", l.OrgID, "action", l.Action, "error", err)
			}
		}
	}()
	return s
}

// Log enqueues one audit row. Overflow drops the row rather than blocking.
func (s *Service) Log(l *domain.AuditLog) {
	select {
	case s.queue <- l:
	default:
		slog.Warn("audit queue full, dropping entry",
			"org_id", l.OrgID, "action", l.Action)
	}
}

// Close drains the queue and stops the writer.
func (s *Service) Close() {
	close(s.queue)
	s.wg.Wait()
}

// Describe derives (action, resource_type, resource_id) from a management
// API call. The first path segment after the API prefix names the resource;
// a UUID segment becomes the resource ID.
func Describe(method, path string) (action, resourceType, resourceID string) {
	path = strings.TrimPrefix(path, "/api/")
	segments := strings.Split(strings.Trim(path, "/"), "/")

	parts := make([]string, 0, 2)
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			resourceID = seg
			continue
		}
		parts = append(parts, seg)
	}

	resourceType = strings.Join(parts, "_")
	if resourceType == "" {
		resourceType = "unknown"
	}

	switch method {
	case http.MethodPost:
		action = "create"
	case http.MethodPut, http.MethodPatch:
		action = "update"
	case http.MethodDelete:
		action = "delete"
	default:
		action = "read"
	}
	return action + "_" + resourceType, resourceType, resourceID
}

// ClientIP extracts the caller address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if i := strings.IndexByte(ip, ','); i >= 0 {
			return strings.TrimSpace(ip[:i])
		}
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
