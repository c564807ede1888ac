package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/venus-bridge/internal/history"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// handleGetHistory returns recorded snapshot slices for a device, newest first.
//
// Query parameters:
//   - limit: max results (default 50, max 200)
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "snapshot history unavailable")
		return
	}

	entries, err := s.history.List(r.Context(), c.ID(), limit)
	if err != nil {
		s.logger.Error("failed to load snapshot history", "device_id", c.ID(), "error", err)
		writeInternalError(w, "failed to load snapshot history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": c.ID(),
		"entries":   entries,
		"count":     len(entries),
	})
}

func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}
