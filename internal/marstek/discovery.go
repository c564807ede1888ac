package marstek

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Discovery defaults.
const (
	// DefaultScanWindow is how long a scan listens for replies.
	DefaultScanWindow = 10 * time.Second

	// DefaultResendInterval is the cadence at which the probe is rebroadcast.
	DefaultResendInterval = 2 * time.Second

	// DefaultReceiveTimeout bounds each read so the loop notices the end of
	// the scan window promptly.
	DefaultReceiveTimeout = 500 * time.Millisecond

	// DefaultBroadcastAddress is the IPv4 limited-broadcast address.
	DefaultBroadcastAddress = "255.255.255.255"
)

// DiscoveredDevice is one device that answered a discovery probe.
// It lives in process memory only.
type DiscoveredDevice struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Payload Result `json:"payload"`
}

// DeviceType returns the model string reported by the device, if any.
func (d DiscoveredDevice) DeviceType() string {
	s, _ := d.Payload.String("device")
	return s
}

// Firmware returns the firmware version reported by the device, if any.
func (d DiscoveredDevice) Firmware() string {
	if s, ok := d.Payload.String("ver"); ok {
		return s
	}
	if v, ok := d.Payload.Int("ver"); ok {
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// BLEMac returns the Bluetooth MAC reported by the device, if any.
func (d DiscoveredDevice) BLEMac() string {
	s, _ := d.Payload.String("ble_mac")
	return s
}

// WifiMac returns the WiFi MAC reported by the device, if any.
func (d DiscoveredDevice) WifiMac() string {
	s, _ := d.Payload.String("wifi_mac")
	return s
}

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// Port is the device port the probe is sent to. Default: 30000.
	Port int

	// ListenPort is the local port the scanner binds. The device answers
	// broadcasts on the discovery port, so this defaults to Port.
	ListenPort int

	// BroadcastAddress is the probe destination. Default: 255.255.255.255.
	BroadcastAddress string

	// ResendInterval is how often the probe is rebroadcast. Default: 2s.
	ResendInterval time.Duration

	// ReceiveTimeout bounds each socket read. Default: 500ms.
	ReceiveTimeout time.Duration
}

// Scanner finds devices by broadcasting a Marstek.GetDevice probe.
//
// Thread Safety:
//   - Discover may be called concurrently, but two scans binding the same
//     fixed port will contend for it; the loser falls back to an ephemeral
//     port and may miss replies.
type Scanner struct {
	cfg ScannerConfig

	logger   Logger
	loggerMu sync.RWMutex
}

// NewScanner creates a scanner with defaults applied.
func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = cfg.Port
	}
	if cfg.BroadcastAddress == "" {
		cfg.BroadcastAddress = DefaultBroadcastAddress
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	return &Scanner{cfg: cfg}
}

// SetLogger sets the logger for the scanner.
func (s *Scanner) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Scanner) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// DiscoveryProbe returns the fixed discovery request.
func DiscoveryProbe() Request {
	return Request{
		ID:     0,
		Method: MethodGetDevice,
		Params: map[string]any{"ble_mac": "0"},
	}
}

// Discover broadcasts the probe every ResendInterval for the whole window
// while collecting replies.
//
// Replies without a "result" member are dropped (this includes the
// scanner's own probe echoing back on the shared port). The first reply from
// each source address wins. Finding nothing is not an error.
//
// Parameters:
//   - ctx: Cancels the scan early
//   - window: How long to listen. Default: 10 seconds.
//
// Returns:
//   - []DiscoveredDevice: Unique responders in arrival order
//   - error: Only if no socket could be opened, or ctx was cancelled
func (s *Scanner) Discover(ctx context.Context, window time.Duration) ([]DiscoveredDevice, error) {
	if window <= 0 {
		window = DefaultScanWindow
	}
	logger := s.getLogger()

	conn, err := s.bind(logger)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4",
		net.JoinHostPort(s.cfg.BroadcastAddress, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	probe, err := Encode(DiscoveryProbe())
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.broadcastLoop(scanCtx, conn, dst, probe, logger)
	}()

	col := newCollector()
	s.receiveLoop(scanCtx, conn, col, logger)
	cancel()
	wg.Wait()

	devices := col.devices()
	logInfo(logger, "discovery finished", "devices", len(devices), "window", window)

	if err := ctx.Err(); err != nil {
		return devices, err
	}
	return devices, nil
}

// bind opens the broadcast socket on the fixed discovery port, falling back
// to an ephemeral port when the fixed one is taken.
func (s *Scanner) bind(logger Logger) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.ListenPort})
	if err == nil {
		return conn, nil
	}

	logWarn(logger, "cannot bind discovery port, replies may be missed",
		"port", s.cfg.ListenPort,
		"error", err)

	conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocket, err)
	}
	return conn, nil
}

// broadcastLoop sends the probe immediately and then on every tick until
// the scan context ends.
func (s *Scanner) broadcastLoop(ctx context.Context, conn *net.UDPConn, dst *net.UDPAddr, probe []byte, logger Logger) {
	ticker := time.NewTicker(s.cfg.ResendInterval)
	defer ticker.Stop()

	for {
		if _, err := conn.WriteToUDP(probe, dst); err != nil {
			logWarn(logger, "failed to send discovery probe", "destination", dst.String(), "error", err)
		} else {
			logDebug(logger, "discovery probe sent", "destination", dst.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// receiveLoop reads with short deadlines until the scan context ends.
func (s *Scanner) receiveLoop(ctx context.Context, conn *net.UDPConn, col *collector, logger Logger) {
	buf := make([]byte, maxDatagramSize)
	scanDeadline, _ := ctx.Deadline()

	for ctx.Err() == nil {
		deadline := time.Now().Add(s.cfg.ReceiveTimeout)
		if !scanDeadline.IsZero() && scanDeadline.Before(deadline) {
			deadline = scanDeadline
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			logWarn(logger, "failed to set discovery read deadline", "error", err)
			return
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				logWarn(logger, "discovery receive failed", "error", err)
			}
			return
		}

		if col.add(from, buf[:n]) {
			logDebug(logger, "device responded to discovery", "address", from.String())
		}
	}
}

// collector filters and deduplicates discovery replies by source address.
type collector struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	found []DiscoveredDevice
}

func newCollector() *collector {
	return &collector{seen: make(map[string]struct{})}
}

// add records a reply. It returns true when the reply was kept.
func (c *collector) add(from *net.UDPAddr, data []byte) bool {
	resp, err := Decode(data)
	if err != nil || !resp.HasResult() {
		return false
	}

	key := from.IP.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[key]; dup {
		return false
	}
	c.seen[key] = struct{}{}
	c.found = append(c.found, DiscoveredDevice{
		Address: key,
		Port:    from.Port,
		Payload: resp.Result,
	})
	return true
}

func (c *collector) devices() []DiscoveredDevice {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DiscoveredDevice, len(c.found))
	copy(out, c.found)
	return out
}

// Discover runs a one-off scan with default settings on the given port.
func Discover(ctx context.Context, window time.Duration, port int) ([]DiscoveredDevice, error) {
	return NewScanner(ScannerConfig{Port: port}).Discover(ctx, window)
}
