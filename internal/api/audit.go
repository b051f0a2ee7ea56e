package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-tuya/internal/audit"
)

// auditChanSize bounds queued audit entries. Entries beyond it are dropped.
const auditChanSize = 256

// AuditStore records and lists operator actions.
type AuditStore interface {
	Create(ctx context.Context, e *audit.Entry) error
	List(ctx context.Context, f audit.Filter) (*audit.Page, error)
}

// auditLog queues an entry for the background writer. It never blocks
// the request.
func (s *Server) auditLog(r *http.Request, action, deviceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := &audit.Entry{
		Action:   action,
		DeviceID: deviceID,
		Source:   "api",
		Details:  details,
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		entry.Operator = claims.Subject
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit queue full, dropping entry", "action", action, "device_id", deviceID)
	}
}

// drainAuditLog writes queued entries one at a time until ctx ends, then
// flushes what is left.
func (s *Server) drainAuditLog(ctx context.Context) {
	write := func(e *audit.Entry) {
		if err := s.audit.Create(context.Background(), e); err != nil {
			s.logger.Error("audit write failed", "action", e.Action, "error", err)
		}
	}
	for {
		select {
		case e := <-s.auditCh:
			write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-s.auditCh:
					write(e)
				default:
					return
				}
			}
		}
	}
}

// handleListAudit returns audit entries, newest first.
//
// Query parameters: action, device_id, limit (default 50, max 200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusConflict, ErrCodeConflict, "audit log is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		DeviceID: q.Get("device_id"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = n
	}

	page, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
