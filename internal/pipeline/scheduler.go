package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 20
)

// Scheduler periodically advances due runs.
type Scheduler struct {
	engine   *Engine
	cron     *cron.Cron
	interval time.Duration
	batch    int
	logger   *slog.Logger

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler that visits at most batch due runs every interval.
func NewScheduler(engine *Engine, interval time.Duration, batch int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:   engine,
		cron:     cron.New(),
		interval: interval,
		batch:    batch,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the scheduled ticks.
func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("failed to schedule run worker: %w", err)
	}
	s.cron.Start()
	s.logger.Info("run scheduler started", "interval", s.interval, "batch", s.batch, "worker_id", s.engine.WorkerID())
	return nil
}

// Stop stops scheduling and waits for an in-flight tick. If ctx ends first the
// tick is interrupted; its runs resume on the next start.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.cancel()
		<-done.Done()
	}
	s.cancel()
	s.logger.Info("run scheduler stopped")
}

// RunNow triggers an immediate tick.
func (s *Scheduler) RunNow() {
	go s.tick()
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("previous tick still running, skipping")
		return
	}
	defer s.running.Store(false)

	n, err := s.engine.Tick(s.ctx, s.batch)
	if err != nil {
		s.logger.Error("scheduled tick failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("scheduled tick completed", "runs", n)
	}
}
