package marstek

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Transport defaults.
const (
	// DefaultPort is the UDP port the device listens on for JSON-RPC.
	DefaultPort = 30000

	// DefaultTimeout is the per-attempt reply timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxAttempts is the number of sends before giving up.
	DefaultMaxAttempts = 2

	// maxDatagramSize is the largest reply we will read.
	maxDatagramSize = 64 * 1024
)

// errAttemptTimeout marks an attempt that ran out of time and may be retried.
var errAttemptTimeout = errors.New("attempt timed out")

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// CallOptions bounds a single request/response exchange.
type CallOptions struct {
	// Timeout is how long each attempt waits for a matching reply.
	// Default: 10 seconds.
	Timeout time.Duration

	// MaxAttempts is the total number of sends, including the first.
	// Default: 2.
	MaxAttempts int

	// Logger is optional.
	Logger Logger

	// observe receives per-exchange counters when set by a Session.
	observe *sessionCounters
}

func (o CallOptions) withDefaults() CallOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Call sends req to address:port and waits for the reply carrying the same id.
//
// Each attempt opens a fresh unconnected UDP socket on an ephemeral port,
// sends the encoded request, and reads until a reply with a matching id
// arrives or the attempt times out. Replies with another id are discarded
// and the attempt keeps waiting. A timed-out attempt is retried with the
// identical payload until MaxAttempts is used up.
//
// Parameters:
//   - ctx: Overall bound; cancellation aborts the current attempt
//   - address: Device host name or IPv4 address
//   - port: Device UDP port
//   - req: The request; its id is reused on every attempt
//   - opts: Timeout, attempt count and logger
//
// Returns:
//   - Result: The device's result object, unchanged
//   - error: ErrTimeout, ErrDecode, *RPCError, or a socket error
func Call(ctx context.Context, address string, port int, req Request, opts CallOptions) (Result, error) {
	opts = opts.withDefaults()

	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	payload, err := Encode(req)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 && opts.observe != nil {
			opts.observe.retries.Add(1)
		}

		resp, err := exchange(ctx, raddr, payload, req.ID, opts)
		switch {
		case errors.Is(err, errAttemptTimeout):
			logWarn(opts.Logger, "request timed out",
				"method", req.Method,
				"address", raddr.String(),
				"attempt", attempt,
				"max_attempts", opts.MaxAttempts)
			continue
		case err != nil:
			return nil, err
		}

		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}

	if opts.observe != nil {
		opts.observe.timeouts.Add(1)
	}
	return nil, fmt.Errorf("%w: %s to %s after %d attempts",
		ErrTimeout, req.Method, raddr.String(), opts.MaxAttempts)
}

// exchange performs one attempt on its own socket.
func exchange(ctx context.Context, raddr *net.UDPAddr, payload []byte, id int64, opts CallOptions) (*Response, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocket, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocket, err)
	}

	// Unblock the read as soon as the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDP(payload, raddr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, errAttemptTimeout
			}
			return nil, fmt.Errorf("%w: %w", ErrReceiveFailed, err)
		}

		resp, err := Decode(buf[:n])
		if err != nil {
			return nil, err
		}

		if !resp.Matches(id) {
			if opts.observe != nil {
				opts.observe.mismatched.Add(1)
			}
			logDebug(opts.Logger, "discarding reply with mismatched id",
				"want", id,
				"got", resp.ID,
				"from", from.String())
			continue
		}

		return resp, nil
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Host is the device address.
	Host string

	// Port is the device UDP port. Default: 30000.
	Port int

	// Timeout is the per-attempt reply timeout. Default: 10 seconds.
	Timeout time.Duration

	// MaxAttempts is the total number of sends per call. Default: 2.
	MaxAttempts int
}

// SessionStats holds operational counters for one session.
type SessionStats struct {
	CallsTotal      uint64
	ErrorsTotal     uint64
	TimeoutsTotal   uint64
	RetriesTotal    uint64
	MismatchedTotal uint64
	LastSuccess     time.Time
}

type sessionCounters struct {
	calls      atomic.Uint64
	errors     atomic.Uint64
	timeouts   atomic.Uint64
	retries    atomic.Uint64
	mismatched atomic.Uint64
	lastOK     atomic.Int64
}

// Session is a request-id sequence bound to one device address.
//
// Ids start at 1 and increase by one per call. Retries within a call reuse
// the call's id.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Concurrent calls each use
//     their own socket and id.
type Session struct {
	cfg    SessionConfig
	nextID atomic.Int64
	stats  sessionCounters

	logger   Logger
	loggerMu sync.RWMutex
}

// NewSession creates a session for one device.
//
// Parameters:
//   - cfg: Device address and retry policy
//
// Returns:
//   - *Session: Ready for use
//   - error: If Host is empty or Port is out of range
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidAddress)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, cfg.Port)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	return &Session{cfg: cfg}, nil
}

// Call sends one request with the next id in the sequence.
func (s *Session) Call(ctx context.Context, method string, params map[string]any) (Result, error) {
	req := Request{
		ID:     s.nextID.Add(1),
		Method: method,
		Params: params,
	}

	s.stats.calls.Add(1)
	result, err := Call(ctx, s.cfg.Host, s.cfg.Port, req, CallOptions{
		Timeout:     s.cfg.Timeout,
		MaxAttempts: s.cfg.MaxAttempts,
		Logger:      s.getLogger(),
		observe:     &s.stats,
	})
	if err != nil {
		s.stats.errors.Add(1)
		return nil, err
	}

	s.stats.lastOK.Store(time.Now().UnixNano())
	return result, nil
}

// Address returns the device address as host:port.
func (s *Session) Address() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Config returns the effective session configuration.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() SessionStats {
	stats := SessionStats{
		CallsTotal:      s.stats.calls.Load(),
		ErrorsTotal:     s.stats.errors.Load(),
		TimeoutsTotal:   s.stats.timeouts.Load(),
		RetriesTotal:    s.stats.retries.Load(),
		MismatchedTotal: s.stats.mismatched.Load(),
	}
	if ns := s.stats.lastOK.Load(); ns != 0 {
		stats.LastSuccess = time.Unix(0, ns)
	}
	return stats
}

// SetLogger sets the logger for the session.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func logDebug(logger Logger, msg string, keysAndValues ...any) {
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func logWarn(logger Logger, msg string, keysAndValues ...any) {
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func logInfo(logger Logger, msg string, keysAndValues ...any) {
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}
