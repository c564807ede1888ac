package history

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
)

// Recorder defaults.
const (
	defaultQueueSize     = 64
	defaultPruneInterval = 6 * time.Hour
	writeTimeout         = 5 * time.Second
)

// Logger is the logging interface used by the recorder.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Repository Repository

	// Retention bounds the table. 0 disables pruning.
	Retention time.Duration

	// PruneInterval is how often old entries are deleted. Default: 6h.
	PruneInterval time.Duration

	// QueueSize is how many updates may wait for the writer. Default: 64.
	QueueSize int

	Logger Logger
}

// Recorder writes coordinator updates to a Repository from its own
// goroutine. Listen is a venus.Listener and never blocks: when the queue
// is full the update is dropped and counted.
type Recorder struct {
	repo          Repository
	retention     time.Duration
	pruneInterval time.Duration
	logger        Logger

	queue   chan venus.Update
	dropped uint64
	mu      sync.Mutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder creates a recorder. Call Start before subscribing it.
func NewRecorder(cfg RecorderConfig) *Recorder {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &Recorder{
		repo:          cfg.Repository,
		retention:     cfg.Retention,
		pruneInterval: interval,
		logger:        cfg.Logger,
		queue:         make(chan venus.Update, size),
		done:          make(chan struct{}),
	}
}

// Listen queues an update for writing. Failed refreshes are recorded as a
// stale entry carrying the last known status.
func (r *Recorder) Listen(u venus.Update) {
	select {
	case r.queue <- u:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped returns how many updates were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Start runs the writer until ctx is cancelled or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop drains queued updates and waits for the writer to exit.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	var prune <-chan time.Time
	if r.retention > 0 {
		ticker := time.NewTicker(r.pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			r.drain()
			return
		case u := <-r.queue:
			r.write(u)
		case <-prune:
			r.prune()
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case u := <-r.queue:
			r.write(u)
		default:
			return
		}
	}
}

func (r *Recorder) write(u venus.Update) {
	if u.Snapshot == nil {
		return
	}
	data, _ := u.Snapshot.Endpoint(u.Endpoint)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := r.repo.Record(ctx, Entry{
		DeviceID: u.DeviceID,
		Endpoint: u.Endpoint,
		Result:   data.Result,
		Stale:    u.Failed() || u.Snapshot.Stale(),
		Version:  u.Snapshot.Version,
	})
	if err != nil && r.logger != nil {
		r.logger.Warn("snapshot history write failed", "device", u.DeviceID, "error", err)
	}
}

func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	n, err := r.repo.Prune(ctx, r.retention)
	if r.logger == nil {
		return
	}
	if err != nil {
		r.logger.Warn("snapshot history prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("snapshot history pruned", "deleted", n)
	}
}
