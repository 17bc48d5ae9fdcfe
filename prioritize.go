package pglock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/pglock/internal/metrics"
	"github.com/kneutral-org/pglock/lockview"
)

// DefaultInterval is how often the prioritization worker sweeps for
// blocking sessions.
const DefaultInterval = time.Second

// workerState tracks the prioritization worker lifecycle.
type workerState int32

const (
	workerIdle workerState = iota
	workerStarting
	workerRunning
	workerStopRequested
	workerStopped
)

func (s workerState) String() string {
	switch s {
	case workerIdle:
		return "idle"
	case workerStarting:
		return "starting"
	case workerRunning:
		return "running"
	case workerStopRequested:
		return "stop-requested"
	case workerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// prioritizeConfig collects Prioritize options.
type prioritizeConfig struct {
	interval time.Duration
	policy   Policy
	store    *lockview.Store
	timeout  *time.Duration
	once     bool
}

// PrioritizeOption configures a prioritized region.
type PrioritizeOption func(*prioritizeConfig)

// Interval sets the sweep interval of the background worker.
func Interval(d time.Duration) PrioritizeOption {
	return func(c *prioritizeConfig) {
		c.interval = d
	}
}

// WithPolicy sets the side-effect policy applied to discovered blockers.
// Defaults to Terminate().
func WithPolicy(p Policy) PrioritizeOption {
	return func(c *prioritizeConfig) {
		c.policy = p
	}
}

// WithWorkerStore sets the lock view store the worker queries and kills
// through. Required for sessions not created with FromPool; the store must
// use connections distinct from the protected session's.
func WithWorkerStore(store *lockview.Store) PrioritizeOption {
	return func(c *prioritizeConfig) {
		c.store = store
	}
}

// WithLockTimeout additionally applies a lock-wait timeout scope around the
// protected body as a backstop. Never use a value smaller than the sweep
// interval, or the body can time out before the worker ever acts.
func WithLockTimeout(d time.Duration) PrioritizeOption {
	return func(c *prioritizeConfig) {
		c.timeout = &d
	}
}

// Once makes the worker act a single time, after the first interval, instead
// of sweeping periodically.
func Once() PrioritizeOption {
	return func(c *prioritizeConfig) {
		c.once = true
	}
}

// prioritizeWorker is the background unit that discovers and kills sessions
// blocking the protected backend. It shares nothing with the foreground
// region except the stop channel and the captured backend PID.
type prioritizeWorker struct {
	id       uuid.UUID
	ownerPID int
	interval time.Duration
	policy   Policy
	store    *lockview.Store
	logger   zerolog.Logger
	once     bool

	state    atomic.Int32
	stopOnce sync.Once
	started  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newPrioritizeWorker(ownerPID int, cfg *prioritizeConfig, logger zerolog.Logger) *prioritizeWorker {
	id := uuid.New()
	return &prioritizeWorker{
		id:       id,
		ownerPID: ownerPID,
		interval: cfg.interval,
		policy:   cfg.policy,
		store:    cfg.store,
		once:     cfg.once,
		logger: logger.With().
			Str("component", "prioritize-worker").
			Str("workerId", id.String()).
			Int("ownerPid", ownerPID).
			Logger(),
		started: make(chan struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// start spawns the worker and blocks until it confirms its loop has begun,
// so a fast protected region cannot finish before the worker exists.
func (w *prioritizeWorker) start(ctx context.Context) error {
	w.state.Store(int32(workerStarting))
	go w.run()

	select {
	case <-w.started:
		return nil
	case <-ctx.Done():
		w.stop()
		return ctx.Err()
	}
}

// stop signals the worker and waits for its loop to cease. After stop
// returns, no further kill commands can be issued for this region. A sweep
// already in flight is allowed to finish; stop waits for it.
func (w *prioritizeWorker) stop() {
	for {
		st := workerState(w.state.Load())
		if st != workerStarting && st != workerRunning {
			return
		}
		if w.state.CompareAndSwap(int32(st), int32(workerStopRequested)) {
			break
		}
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *prioritizeWorker) run() {
	defer close(w.doneCh)
	defer w.state.Store(int32(workerStopped))

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	w.state.CompareAndSwap(int32(workerStarting), int32(workerRunning))
	close(w.started)
	w.logger.Debug().Dur("interval", w.interval).Msg("prioritization worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.logger.Debug().Msg("prioritization worker stopped")
			return
		case <-ticker.C:
			w.sweep()
			if w.once {
				// Keep honoring the stop handshake; just act no further.
				<-w.stopCh
				w.logger.Debug().Msg("prioritization worker stopped")
				return
			}
		}
	}
}

// sweep runs one discovery-and-kill iteration. Iteration failures are logged
// and absorbed; only a stop request ends the loop.
func (w *prioritizeWorker) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	base := []lockview.QueryOption{lockview.BlockedBy(w.ownerPID)}
	pids, err := w.policy.Apply(ctx, w.store, base)
	if err != nil {
		metrics.WorkerIterations.WithLabelValues("error").Inc()
		w.logger.Error().Err(err).Msg("prioritization sweep failed")
		return
	}

	metrics.WorkerIterations.WithLabelValues("ok").Inc()
	if len(pids) > 0 {
		metrics.BlockersHandled.Add(float64(len(pids)))
		w.logger.Info().Ints("pids", pids).Msg("handled sessions blocking prioritized region")
	}
}

// Prioritize runs fn as a protected region: a background worker sweeps for
// sessions blocking this session's backend on a fixed interval and applies
// the side-effect policy to them, Terminate by default. The worker starts
// before fn runs and is stopped and joined after fn returns, on every exit
// path. Each nested call gets its own independent worker.
func (s *Session) Prioritize(ctx context.Context, fn func(ctx context.Context) error, opts ...PrioritizeOption) error {
	cfg := &prioritizeConfig{
		interval: DefaultInterval,
		policy:   Terminate(),
		store:    s.store,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.store == nil {
		return ErrNoWorkerStore
	}
	if cfg.interval <= 0 {
		return fmt.Errorf("pglock: prioritize interval must be positive")
	}

	ownerPID, err := s.BackendPID(ctx)
	if err != nil {
		return err
	}

	w := newPrioritizeWorker(ownerPID, cfg, s.logger)
	if err := w.start(ctx); err != nil {
		return err
	}
	defer w.stop()

	if cfg.timeout != nil {
		return s.WithTimeout(ctx, *cfg.timeout, fn)
	}
	return fn(ctx)
}
