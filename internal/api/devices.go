package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// DeviceSummary is one device as listed by GET /devices.
type DeviceSummary struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	PollIntervalSeconds int64      `json:"poll_interval_seconds"`
	Stale               bool       `json:"stale"`
	LastError           string     `json:"last_error,omitempty"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
	UpdateFailures      uint64     `json:"update_failures"`
	Version             uint64     `json:"version"`
	SOC                 *float64   `json:"soc,omitempty"`
}

func summarize(c *venus.Coordinator) DeviceSummary {
	snap := c.Snapshot()
	sum := DeviceSummary{
		ID:                  c.ID(),
		Name:                c.Name(),
		PollIntervalSeconds: int64(c.Interval().Seconds()),
		Stale:               snap.Stale(),
		LastError:           snap.LastError,
		UpdateFailures:      c.UpdateFailures(),
		Version:             snap.Version,
	}
	if !snap.UpdatedAt.IsZero() {
		at := snap.UpdatedAt
		sum.UpdatedAt = &at
	}
	if soc, ok := snap.Status().SOC(); ok {
		sum.SOC = &soc
	}
	return sum
}

// coordinator resolves the {id} URL parameter, writing a 404 if unknown.
func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) (*venus.Coordinator, bool) {
	c, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, "device not found")
		return nil, false
	}
	return c, true
}

// decodeOptionalBody decodes a JSON body into out. An empty body leaves out
// untouched.
func decodeOptionalBody(r *http.Request, out any) error {
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleListDevices returns every configured device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	coords := s.manager.Coordinators()
	devices := make([]DeviceSummary, 0, len(coords))
	for _, c := range coords {
		devices = append(devices, summarize(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device summary.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarize(c))
}

// handleGetSnapshot returns the device's current snapshot without touching
// the device.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// handleRefresh refreshes one read endpoint now.
//
// Body (optional):
//
//	{"endpoint": "battery"}
//
// With no endpoint, the status endpoint is refreshed.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var p venus.RefreshParams
	if err := decodeOptionalBody(r, &p); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ep := p.Endpoint
	if ep == "" {
		ep = marstek.EndpointStatus
	}

	result, err := c.RequestRefresh(r.Context(), ep)
	if err != nil {
		writeDeviceError(w, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": c.ID(),
		"endpoint":  ep,
		"result":    result,
		"version":   c.Snapshot().Version,
	})
}

// handleRefreshAll refreshes status on every device. A failing device does
// not stop the others; the response lists each outcome.
func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.RefreshAll(r.Context())

	outcome := make(map[string]string, len(results))
	failed := 0
	for id, rerr := range results {
		if rerr != nil {
			outcome[id] = rerr.Error()
			failed++
			continue
		}
		outcome[id] = "ok"
	}
	data := map[string]any{"results": outcome, "failed": failed}

	if err != nil {
		writeDeviceError(w, err, data)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// handleCall sends a raw endpoint call.
//
// Body:
//
//	{"endpoint": "wifi", "params": {...}}
//
// Calls to mutating endpoints are audited. The snapshot is not updated.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var p venus.CallParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if p.Endpoint == "" {
		writeBadRequest(w, "endpoint is required")
		return
	}

	start := time.Now()
	result, err := c.CallEndpoint(r.Context(), p.Endpoint, p.Params)
	if p.Endpoint.IsMutating() {
		status := venus.AckCompleted
		if err != nil {
			status = venus.AckFailed
		}
		s.auditCommand(r.Context(), c.ID(), "call:"+string(p.Endpoint), p.Params, status, err, time.Since(start))
	}
	if err != nil {
		writeDeviceError(w, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": c.ID(),
		"endpoint":  p.Endpoint,
		"result":    result,
	})
}

// handleCommand returns a handler that runs a named command with the JSON
// body as parameters. Every command is audited.
//
// A partial bulk write answers 200 with status "partial"; the caller reads
// failed_slots from the result.
func (s *Server) handleCommand(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.coordinator(w, r)
		if !ok {
			return
		}

		var params map[string]any
		if err := decodeOptionalBody(r, &params); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}

		start := time.Now()
		result, status, err := venus.Execute(r.Context(), c, command, params)
		s.auditCommand(r.Context(), c.ID(), command, params, status, err, time.Since(start))

		if err != nil {
			writeDeviceError(w, err, result)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"device_id": c.ID(),
			"command":   command,
			"status":    status,
			"result":    result,
		})
	}
}
