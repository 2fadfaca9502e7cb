package pairing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval is how often expired sessions are evicted.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically evicts expired sessions through the relay.
type Sweeper struct {
	relay    *Relay
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	started bool
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(relay *Relay, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		relay:    relay,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		cron:     cron.New(),
	}
}

// Start schedules the sweep job.
func (s *Sweeper) Start() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.run))
	s.cron.Start()
	s.started = true
	s.logger.Info("expiry sweeper started", "interval", s.interval.String())
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps immediately and returns the number of evicted sessions.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.relay.Sweep(ctx)
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if _, err := s.relay.Sweep(ctx); err != nil && !errors.Is(err, ErrRelayStopped) {
		s.logger.Warn("sweep failed", "error", err)
	}
}
