package venus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// Manager holds one coordinator per configured device and the results of
// the last discovery scan.
type Manager struct {
	coordinators map[string]*Coordinator
	order        []string
	mu           sync.RWMutex

	scanner    *marstek.Scanner
	scanWindow time.Duration

	discovered   []marstek.DiscoveredDevice
	discoveredAt time.Time
	discMu       sync.RWMutex
}

// NewManager creates an empty manager. scanner may be nil, in which case
// Discover returns ErrNoScanner.
func NewManager(scanner *marstek.Scanner, scanWindow time.Duration) *Manager {
	if scanWindow <= 0 {
		scanWindow = marstek.DefaultScanWindow
	}
	return &Manager{
		coordinators: make(map[string]*Coordinator),
		scanner:      scanner,
		scanWindow:   scanWindow,
	}
}

// Add registers a coordinator.
func (m *Manager) Add(c *Coordinator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.coordinators[c.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, c.ID())
	}
	m.coordinators[c.ID()] = c
	m.order = append(m.order, c.ID())
	return nil
}

// Get returns the coordinator for a device.
func (m *Manager) Get(id string) (*Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.coordinators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return c, nil
}

// Coordinators returns every coordinator in registration order.
func (m *Manager) Coordinators() []*Coordinator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Coordinator, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.coordinators[id])
	}
	return out
}

// Len returns the number of managed devices.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Start starts polling on every coordinator.
func (m *Manager) Start(ctx context.Context) {
	for _, c := range m.Coordinators() {
		c.Start(ctx)
	}
}

// Stop stops every coordinator.
func (m *Manager) Stop() {
	for _, c := range m.Coordinators() {
		c.Stop()
	}
}

// Subscribe registers l on every coordinator and returns a function that
// removes it from all of them.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	coords := m.Coordinators()
	cancels := make([]func(), 0, len(coords))
	for _, c := range coords {
		cancels = append(cancels, c.Subscribe(l))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// RefreshAll refreshes status on every device in parallel. The map holds
// each device's outcome (nil on success); the error is the first failure.
// A failing device never stops the others.
func (m *Manager) RefreshAll(ctx context.Context) (map[string]error, error) {
	coords := m.Coordinators()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]error, len(coords))
	)
	for _, c := range coords {
		g.Go(func() error {
			err := c.RefreshStatus(ctx)

			mu.Lock()
			results[c.ID()] = err
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("%s: %w", c.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// Discover scans the LAN for devices and keeps the result for
// LastDiscovery. A zero window uses the manager default.
func (m *Manager) Discover(ctx context.Context, window time.Duration) ([]marstek.DiscoveredDevice, error) {
	if m.scanner == nil {
		return nil, ErrNoScanner
	}
	if window <= 0 {
		window = m.scanWindow
	}

	found, err := m.scanner.Discover(ctx, window)
	if err != nil {
		return found, err
	}

	m.discMu.Lock()
	m.discovered = found
	m.discoveredAt = time.Now().UTC()
	m.discMu.Unlock()

	return found, nil
}

// LastDiscovery returns the devices found by the last successful scan and
// when it finished. The time is zero if no scan has completed.
func (m *Manager) LastDiscovery() ([]marstek.DiscoveredDevice, time.Time) {
	m.discMu.RLock()
	defer m.discMu.RUnlock()

	out := make([]marstek.DiscoveredDevice, len(m.discovered))
	copy(out, m.discovered)
	return out, m.discoveredAt
}
