package undo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spatialai/braind/internal/config"
)

const instrumentationName = "github.com/spatialai/braind/internal/undo"

// ApplierFunc reverses one recorded operation. It receives the record whose
// payload describes what to undo.
type ApplierFunc func(ctx context.Context, rec Record) error

// Service is the bounded undo stack.
type Service interface {
	// Push records a reversible operation. When the stack is full the
	// oldest record is evicted.
	Push(ctx context.Context, req PushRequest) (*Record, error)
	// List returns active records newest first. An empty sessionID lists
	// across all sessions. Consumed records are excluded.
	List(ctx context.Context, sessionID string, limit int) ([]Record, error)
	// Peek returns the newest active record for the session, or ErrNotFound
	// when the stack is empty.
	Peek(ctx context.Context, sessionID string) (*Record, error)
	// Execute runs the registered applier for the record and marks it
	// consumed. A record executes at most once; records flagged
	// non-reversible fail with ErrNotUndoable without being consumed.
	Execute(ctx context.Context, id string) (*Record, error)
	// Register installs the applier for an operation kind, replacing any
	// previous one.
	Register(kind string, fn ApplierFunc)
	// Close releases resources.
	Close() error
}

type service struct {
	cfg    config.UndoConfig
	store  *store
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	pushCounter    metric.Int64Counter
	executeCounter metric.Int64Counter
	evictedGauge   metric.Int64Counter

	appliersMu sync.RWMutex
	appliers   map[string]ApplierFunc

	mu     sync.RWMutex
	closed bool

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

var _ Service = (*service)(nil)

// New opens the undo store at dbPath.
func New(dbPath string, cfg config.UndoConfig, logger *zap.Logger) (Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("undo: max entries must be positive, got %d", cfg.MaxEntries)
	}

	st, err := newStore(dbPath)
	if err != nil {
		return nil, err
	}

	s := &service{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		appliers: make(map[string]ApplierFunc),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	if s.pushCounter, err = s.meter.Int64Counter("undo.pushes",
		metric.WithDescription("Operations recorded on the undo stack")); err != nil {
		s.logger.Warn("failed to create push counter", zap.Error(err))
	}
	if s.executeCounter, err = s.meter.Int64Counter("undo.executions",
		metric.WithDescription("Undo records executed")); err != nil {
		s.logger.Warn("failed to create execute counter", zap.Error(err))
	}
	if s.evictedGauge, err = s.meter.Int64Counter("undo.evictions",
		metric.WithDescription("Records evicted by the stack bound")); err != nil {
		s.logger.Warn("failed to create eviction counter", zap.Error(err))
	}
}

func (s *service) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *service) Register(kind string, fn ApplierFunc) {
	s.appliersMu.Lock()
	defer s.appliersMu.Unlock()
	s.appliers[kind] = fn
}

func (s *service) applier(kind string) (ApplierFunc, bool) {
	s.appliersMu.RLock()
	defer s.appliersMu.RUnlock()
	fn, ok := s.appliers[kind]
	return fn, ok
}

func (s *service) Push(ctx context.Context, req PushRequest) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "undo.Push",
		trace.WithAttributes(
			attribute.String("undo.session_id", req.SessionID),
			attribute.String("undo.kind", req.Kind),
		))
	defer span.End()

	before, err := s.store.count(ctx)
	if err != nil {
		s.logger.Warn("failed to count undo records", zap.Error(err))
	}

	r := &Record{
		ID:          s.newID(),
		SessionID:   req.SessionID,
		TaskID:      req.TaskID,
		Kind:        req.Kind,
		Description: req.Description,
		Payload:     req.Payload,
		PostState:   req.PostState,
		Undoable:    req.Undoable,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.push(ctx, r, s.cfg.MaxEntries); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.pushCounter != nil {
		s.pushCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", req.Kind)))
	}
	if before >= s.cfg.MaxEntries {
		if s.evictedGauge != nil {
			s.evictedGauge.Add(ctx, 1)
		}
		s.logger.Debug("undo stack full, evicted oldest record",
			zap.Int("max_entries", s.cfg.MaxEntries))
	}
	return r, nil
}

func (s *service) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.MaxEntries
	}
	return s.store.listActive(ctx, sessionID, limit)
}

func (s *service) Peek(ctx context.Context, sessionID string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	records, err := s.store.listActive(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: stack empty", ErrNotFound)
	}
	return &records[0], nil
}

func (s *service) Execute(ctx context.Context, id string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "undo.Execute",
		trace.WithAttributes(attribute.String("undo.record_id", id)))
	defer span.End()

	r, err := s.store.get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if r.Status == StatusConsumed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConsumed, id)
	}
	if !r.Undoable {
		return nil, fmt.Errorf("%w: record %s is flagged non-reversible", ErrNotUndoable, id)
	}

	fn, ok := s.applier(r.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: no applier for kind %q", ErrNotUndoable, r.Kind)
	}

	// Consume first so a concurrent execute cannot run the applier twice.
	// On applier failure the record stays consumed; reversal is not
	// retryable once it has started mutating state.
	ok, err = s.store.consume(ctx, id, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConsumed, id)
	}

	if err := fn(ctx, *r); err != nil {
		span.RecordError(err)
		s.logger.Error("undo applier failed",
			zap.String("record_id", id),
			zap.String("kind", r.Kind),
			zap.Error(err))
		return nil, fmt.Errorf("undo: apply %s: %w", r.Kind, err)
	}

	if s.executeCounter != nil {
		s.executeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", r.Kind)))
	}
	s.logger.Info("undo executed",
		zap.String("record_id", id),
		zap.String("kind", r.Kind),
		zap.String("session_id", r.SessionID))
	return s.store.get(ctx, id)
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.close()
}
