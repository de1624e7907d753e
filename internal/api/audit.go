package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/knxlink/internal/audit"
)

// auditChanSize bounds the queue of entries waiting to be written. When it
// is full new entries are dropped.
const auditChanSize = 256

// AuditStore records and lists operator actions. Satisfied by
// *audit.SQLiteRepository.
type AuditStore interface {
	Create(ctx context.Context, e *audit.Entry) error
	List(ctx context.Context, f audit.Filter) (*audit.ListResult, error)
}

var _ AuditStore = (*audit.SQLiteRepository)(nil)

// auditLog queues an entry for the request's action. err decides the
// outcome; the subject comes from the authenticated token, if any.
func (s *Server) auditLog(r *http.Request, action, target string, err error, details map[string]any) {
	if s.auditRepo == nil || s.auditCh == nil {
		return
	}

	subject, _ := r.Context().Value(ctxKeySubject).(string)
	entry := &audit.Entry{
		Action:  action,
		Target:  target,
		Subject: subject,
		Source:  "api",
		Outcome: audit.OutcomeOK,
		Details: details,
	}
	if err != nil {
		entry.Outcome = audit.OutcomeError
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["error"] = err.Error()
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit log queue full, dropping entry", "action", action, "target", target)
	}
}

// drainAuditLog writes queued entries one at a time until ctx is done, then
// flushes whatever is left.
func (s *Server) drainAuditLog(ctx context.Context) {
	write := func(e *audit.Entry) {
		if err := s.auditRepo.Create(context.Background(), e); err != nil {
			s.logger.Error("audit log write failed", "action", e.Action, "error", err)
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

// handleListAudit returns recorded operator actions, newest first.
//
// GET /audit?action=write&target=1/2/3&subject=ops&since=...&limit=50&offset=0
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConfigured, "audit log is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:  q.Get("action"),
		Target:  q.Get("target"),
		Subject: q.Get("subject"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
