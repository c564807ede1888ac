package venus

import (
	"time"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// EndpointData is the last successful result of one read endpoint.
type EndpointData struct {
	Result    marstek.Result `json:"result"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Snapshot is the last known state of one device.
//
// Snapshots are immutable once published. Every change produces a new
// Snapshot value that replaces the previous one as a whole, so readers
// never observe a partially applied update.
type Snapshot struct {
	// DeviceID is the configured device identifier.
	DeviceID string `json:"device_id"`

	// Endpoints holds one slice per read endpoint that has been fetched.
	Endpoints map[marstek.Endpoint]EndpointData `json:"endpoints"`

	// LastUpdateSuccess is false after a failed periodic status refresh
	// until the next successful one. Endpoint data is kept, but stale.
	LastUpdateSuccess bool `json:"last_update_success"`

	// LastError describes the most recent failed status refresh.
	LastError string `json:"last_error,omitempty"`

	// UpdatedAt is when the status slice was last refreshed successfully.
	UpdatedAt time.Time `json:"updated_at"`

	// Version increases by one with every published snapshot.
	Version uint64 `json:"version"`
}

func newSnapshot(deviceID string) *Snapshot {
	return &Snapshot{
		DeviceID:  deviceID,
		Endpoints: make(map[marstek.Endpoint]EndpointData),
	}
}

// Endpoint returns the slice for ep.
func (s *Snapshot) Endpoint(ep marstek.Endpoint) (EndpointData, bool) {
	d, ok := s.Endpoints[ep]
	return d, ok
}

// Status returns typed access to the status slice. The view is empty when
// status has never been fetched.
func (s *Snapshot) Status() marstek.Status {
	return marstek.NewStatus(s.Endpoints[marstek.EndpointStatus].Result)
}

// Stale reports whether the last periodic refresh failed or never ran.
func (s *Snapshot) Stale() bool {
	return !s.LastUpdateSuccess
}

func (s *Snapshot) clone() *Snapshot {
	next := *s
	next.Endpoints = make(map[marstek.Endpoint]EndpointData, len(s.Endpoints)+1)
	for ep, d := range s.Endpoints {
		next.Endpoints[ep] = d
	}
	next.Version = s.Version + 1
	return &next
}

// withEndpoint returns a copy with one slice replaced. A status slice also
// marks the snapshot as fresh.
func (s *Snapshot) withEndpoint(ep marstek.Endpoint, result marstek.Result, now time.Time) *Snapshot {
	next := s.clone()
	next.Endpoints[ep] = EndpointData{Result: result.Clone(), UpdatedAt: now}
	if ep == marstek.EndpointStatus {
		next.LastUpdateSuccess = true
		next.LastError = ""
		next.UpdatedAt = now
	}
	return next
}

// withFailure returns a copy marked stale. Existing slices are kept.
func (s *Snapshot) withFailure(err error) *Snapshot {
	next := s.clone()
	next.LastUpdateSuccess = false
	next.LastError = err.Error()
	return next
}

// Update is delivered to listeners whenever a coordinator publishes a new
// snapshot or a periodic refresh fails.
type Update struct {
	DeviceID string
	Snapshot *Snapshot

	// Endpoint is the slice that changed, or the endpoint whose refresh
	// failed.
	Endpoint marstek.Endpoint

	// Err is set on the "update failed" signal. Snapshot then carries the
	// stale data.
	Err error
}

// Failed reports whether this is an update-failed signal.
func (u Update) Failed() bool {
	return u.Err != nil
}

// Listener receives coordinator updates. Listeners run synchronously on the
// goroutine that published the update. They must not block and must not
// call back into the coordinator.
type Listener func(Update)
