package approval

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExpiryHook is invoked for each request the sweeper expires.
type ExpiryHook func(ctx context.Context, req Request)

// Sweeper periodically expires lapsed pending requests.
type Sweeper struct {
	service  Service
	logger   *zap.Logger
	interval time.Duration
	onExpiry ExpiryHook

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithExpiryHook installs a callback that observes each expired request.
func WithExpiryHook(hook ExpiryHook) SweeperOption {
	return func(s *Sweeper) { s.onExpiry = hook }
}

// NewSweeper creates a sweeper for the given service. A non-positive
// interval falls back to one minute.
func NewSweeper(service Service, interval time.Duration, logger *zap.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Sweeper{
		service:  service,
		logger:   logger,
		interval: interval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. Safe to call more than once.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	s.logger.Info("approval sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the sweep loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("approval sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("approval sweep panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	ctx := context.Background()
	expired, err := s.service.Sweep(ctx)
	if err != nil {
		s.logger.Warn("approval sweep failed", zap.Error(err))
		return
	}
	if s.onExpiry != nil {
		for _, req := range expired {
			s.onExpiry(ctx, req)
		}
	}
}
