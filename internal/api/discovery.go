package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// maxDiscoveryWindow bounds a scan requested over HTTP.
const maxDiscoveryWindow = 60 * time.Second

// DiscoveryResponse lists devices that answered a discovery broadcast.
type DiscoveryResponse struct {
	Devices     []DiscoveredDevice `json:"devices"`
	Count       int                `json:"count"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// DiscoveredDevice is one answering device.
type DiscoveredDevice struct {
	Address  string         `json:"address"`
	Port     int            `json:"port"`
	Type     string         `json:"type,omitempty"`
	Firmware string         `json:"firmware,omitempty"`
	WifiMac  string         `json:"wifi_mac,omitempty"`
	BLEMac   string         `json:"ble_mac,omitempty"`
	Payload  marstek.Result `json:"payload"`
}

func newDiscoveryResponse(found []marstek.DiscoveredDevice, at time.Time) DiscoveryResponse {
	resp := DiscoveryResponse{
		Devices: make([]DiscoveredDevice, 0, len(found)),
		Count:   len(found),
	}
	for _, d := range found {
		resp.Devices = append(resp.Devices, DiscoveredDevice{
			Address:  d.Address,
			Port:     d.Port,
			Type:     d.DeviceType(),
			Firmware: d.Firmware(),
			WifiMac:  d.WifiMac(),
			BLEMac:   d.BLEMac(),
			Payload:  d.Payload,
		})
	}
	if !at.IsZero() {
		resp.CompletedAt = &at
	}
	return resp
}

// handleDiscover runs a discovery scan and blocks for the scan window.
//
// Body (optional):
//
//	{"window_seconds": 5}
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WindowSeconds float64 `json:"window_seconds"`
	}
	if err := decodeOptionalBody(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	window := time.Duration(body.WindowSeconds * float64(time.Second))
	if window < 0 || window > maxDiscoveryWindow {
		writeBadRequest(w, "window_seconds must be between 0 and 60")
		return
	}

	found, err := s.manager.Discover(r.Context(), window)
	if err != nil {
		writeDeviceError(w, err, nil)
		return
	}

	s.logger.Info("discovery scan finished", "devices", len(found))
	writeJSON(w, http.StatusOK, newDiscoveryResponse(found, time.Now().UTC()))
}

// handleLastDiscovery returns the result of the most recent scan.
func (s *Server) handleLastDiscovery(w http.ResponseWriter, _ *http.Request) {
	found, at := s.manager.LastDiscovery()
	writeJSON(w, http.StatusOK, newDiscoveryResponse(found, at))
}
