package venus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

type deviceCall struct {
	Method string
	Params map[string]any
}

// fakeDevice implements marstek.Caller with per-method handlers.
// Methods without a handler answer with an empty result.
type fakeDevice struct {
	mu       sync.Mutex
	calls    []deviceCall
	handlers map[string]func(params map[string]any) (marstek.Result, error)
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		handlers: make(map[string]func(map[string]any) (marstek.Result, error)),
	}
}

func (f *fakeDevice) Call(_ context.Context, method string, params map[string]any) (marstek.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, deviceCall{Method: method, Params: params})
	h := f.handlers[method]
	f.mu.Unlock()

	if h == nil {
		return marstek.Result{}, nil
	}
	return h(params)
}

func (f *fakeDevice) on(method string, h func(params map[string]any) (marstek.Result, error)) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeDevice) reply(method string, r marstek.Result) {
	f.on(method, func(map[string]any) (marstek.Result, error) { return r, nil })
}

func (f *fakeDevice) fail(method string, err error) {
	f.on(method, func(map[string]any) (marstek.Result, error) { return nil, err })
}

func (f *fakeDevice) callsTo(method string) []deviceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []deviceCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, id string, dev *fakeDevice) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{
		DeviceID: id,
		Client:   marstek.NewClient(dev),
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// updateRecorder collects listener updates.
type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) listen(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *updateRecorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
