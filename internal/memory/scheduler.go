package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler periodically runs consolidation and embedding backfill against a
// memory service.
type Scheduler struct {
	service       Service
	logger        *zap.Logger
	interval      time.Duration
	backfillLimit int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets how often maintenance runs. Default is 5 minutes.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBackfillLimit caps how many unembedded entries each cycle processes.
func WithBackfillLimit(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.backfillLimit = n
		}
	}
}

// NewScheduler creates a maintenance scheduler for the given service.
func NewScheduler(service Service, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		service:       service,
		logger:        logger,
		interval:      5 * time.Minute,
		backfillLimit: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the maintenance loop. Safe to call more than once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	s.logger.Info("memory maintenance scheduler started",
		zap.Duration("interval", s.interval))
}

// Stop halts the maintenance loop and waits for an in-flight cycle to finish.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("memory maintenance scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.safeCycle()
		}
	}
}

func (s *Scheduler) safeCycle() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("memory maintenance panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	s.cycle(context.Background())
}

func (s *Scheduler) cycle(ctx context.Context) {
	if n, err := s.service.Backfill(ctx, s.backfillLimit); err != nil {
		s.logger.Warn("embedding backfill failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("embedding backfill completed", zap.Int("embedded", n))
	}

	if n, err := s.service.Consolidate(ctx, 0); err != nil {
		s.logger.Warn("memory consolidation failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("memory consolidation completed", zap.Int("archived", n))
	}
}
