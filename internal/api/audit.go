package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/venus-bridge/internal/audit"
	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
)

// auditChanSize is the buffer size for the async audit log channel.
// Entries beyond this are dropped (best-effort) to avoid back-pressure on requests.
const auditChanSize = 256

// auditSource marks entries written by this package.
const auditSource = "api"

// auditCommand enqueues an audit entry for a command run over HTTP, tagged
// with the token subject that issued it.
// If the channel is full the entry is dropped and a warning is logged.
func (s *Server) auditCommand(ctx context.Context, deviceID, action string, params map[string]any, status venus.AckStatus, cmdErr error, elapsed time.Duration) {
	if s.auditCh == nil {
		return
	}

	details := map[string]any{
		"status":      string(status),
		"duration_ms": elapsed.Milliseconds(),
	}
	if len(params) > 0 {
		details["parameters"] = params
	}
	if cmdErr != nil {
		details["error"] = cmdErr.Error()
	}
	if claims := claimsFromContext(ctx); claims != nil {
		details["subject"] = claims.Subject
	}

	entry := &audit.AuditLog{
		Action:     action,
		EntityType: "device",
		EntityID:   deviceID,
		Source:     auditSource,
		Details:    details,
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit log channel full, dropping entry",
			"action", action,
			"device_id", deviceID,
		)
	}
}

// drainAuditLog writes queued entries one at a time until ctx is cancelled,
// then writes whatever is still queued.
func (s *Server) drainAuditLog(ctx context.Context) {
	for {
		select {
		case entry := <-s.auditCh:
			s.writeAudit(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					s.writeAudit(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeAudit(entry *audit.AuditLog) {
	if err := s.auditRepo.Create(context.Background(), entry); err != nil {
		s.logger.Error("audit log write failed",
			"action", entry.Action,
			"device_id", entry.EntityID,
			"error", err,
		)
	}
}

// handleListAuditLogs returns paginated audit log entries with optional filters.
//
// Query parameters:
//   - action: command name (set_mode, clear_schedules, ...)
//   - device_id: filter by device
//   - source: mqtt, api or cli
//   - since: RFC3339 timestamp
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		EntityID: q.Get("device_id"),
		Source:   q.Get("source"),
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "invalid since timestamp")
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
		s.logger.Error("failed to list audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
