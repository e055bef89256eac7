package approval

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

const instrumentationName = "github.com/spatialai/braind/internal/approval"

// timeNow is swapped in tests to control TTL expiry.
var timeNow = time.Now

// Service is the approval gateway.
type Service interface {
	// Submit stages a result for review. Requests below the risk threshold
	// bypass the gateway entirely: the returned request is pre-approved and
	// nothing is persisted. The rest become pending with a TTL.
	Submit(ctx context.Context, req SubmitRequest) (*Request, error)
	// Get returns a request by ID.
	Get(ctx context.Context, id string) (*Request, error)
	// Pending lists requests still awaiting resolution, oldest first. A
	// non-empty sessionID restricts the list to that session.
	Pending(ctx context.Context, sessionID string) ([]Request, error)
	// Resolve approves or rejects a pending request. Returns
	// ErrAlreadyResolved when the request reached a terminal status,
	// including lapsing past its deadline.
	Resolve(ctx context.Context, id string, approve bool, resolvedBy, reason string) (*Request, error)
	// Sweep expires pending requests past their deadline and returns the
	// requests it expired.
	Sweep(ctx context.Context) ([]Request, error)
	// Audit returns the append-only event history for a request.
	Audit(ctx context.Context, requestID string) ([]AuditEvent, error)
	// Close releases resources.
	Close() error
}

type service struct {
	cfg    config.ApprovalConfig
	store  *store
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	submitCounter  metric.Int64Counter
	autoCounter    metric.Int64Counter
	resolveCounter metric.Int64Counter
	expireCounter  metric.Int64Counter

	mu     sync.RWMutex
	closed bool

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

var _ Service = (*service)(nil)

// New opens the approval store at dbPath.
func New(dbPath string, cfg config.ApprovalConfig, logger *zap.Logger) (Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL.Duration() <= 0 {
		return nil, fmt.Errorf("approval: ttl must be positive")
	}
	if cfg.RiskThreshold < 0 || cfg.RiskThreshold > 1 {
		return nil, fmt.Errorf("approval: risk threshold must be in [0,1], got %v", cfg.RiskThreshold)
	}

	st, err := newStore(dbPath)
	if err != nil {
		return nil, err
	}

	s := &service{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	if s.submitCounter, err = s.meter.Int64Counter("approval.submitted",
		metric.WithDescription("Approval requests submitted")); err != nil {
		s.logger.Warn("failed to create submit counter", zap.Error(err))
	}
	if s.autoCounter, err = s.meter.Int64Counter("approval.auto_approved",
		metric.WithDescription("Requests approved without review")); err != nil {
		s.logger.Warn("failed to create auto-approve counter", zap.Error(err))
	}
	if s.resolveCounter, err = s.meter.Int64Counter("approval.resolved",
		metric.WithDescription("Requests resolved by a reviewer")); err != nil {
		s.logger.Warn("failed to create resolve counter", zap.Error(err))
	}
	if s.expireCounter, err = s.meter.Int64Counter("approval.expired",
		metric.WithDescription("Requests expired by the sweeper")); err != nil {
		s.logger.Warn("failed to create expire counter", zap.Error(err))
	}
}

func (s *service) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *service) Submit(ctx context.Context, req SubmitRequest) (*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "approval.Submit",
		trace.WithAttributes(
			attribute.String("approval.session_id", req.SessionID),
			attribute.Float64("approval.risk", req.Risk),
		))
	defer span.End()

	now := timeNow().UTC()

	// Below the threshold the operation never enters the gateway: no row,
	// no audit trail, the caller gets a pre-approved result back.
	if req.Risk < s.cfg.RiskThreshold {
		if s.autoCounter != nil {
			s.autoCounter.Add(ctx, 1)
		}
		s.logger.Debug("operation below risk threshold, gateway bypassed",
			zap.String("session_id", req.SessionID),
			zap.Float64("risk", req.Risk))
		return &Request{
			SessionID:   req.SessionID,
			TaskID:      req.TaskID,
			Description: req.Description,
			Risk:        req.Risk,
			Payload:     req.Payload,
			Status:      StatusApproved,
			ResolvedBy:  "system",
			Reason:      "risk below threshold",
			CreatedAt:   now,
			ResolvedAt:  now,
		}, nil
	}

	r := &Request{
		ID:          s.newID(),
		SessionID:   req.SessionID,
		TaskID:      req.TaskID,
		Description: req.Description,
		Risk:        req.Risk,
		Payload:     req.Payload,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TTL.Duration()),
	}
	if err := s.store.insert(ctx, r, EventSubmitted); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.submitCounter != nil {
		s.submitCounter.Add(ctx, 1)
	}
	s.logger.Info("approval pending review",
		zap.String("request_id", r.ID),
		zap.String("session_id", r.SessionID),
		zap.Float64("risk", r.Risk),
		zap.Time("expires_at", r.ExpiresAt))
	return r, nil
}

func (s *service) Get(ctx context.Context, id string) (*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.get(ctx, id)
}

func (s *service) Pending(ctx context.Context, sessionID string) ([]Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.pending(ctx, timeNow().UTC(), sessionID)
}

func (s *service) Resolve(ctx context.Context, id string, approve bool, resolvedBy, reason string) (*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if resolvedBy == "" {
		return nil, fmt.Errorf("approval: resolver identity is required")
	}

	ctx, span := s.tracer.Start(ctx, "approval.Resolve",
		trace.WithAttributes(
			attribute.String("approval.request_id", id),
			attribute.Bool("approval.approve", approve),
		))
	defer span.End()

	r, err := s.store.get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyResolved, r.Status)
	}

	now := timeNow().UTC()
	if !now.Before(r.ExpiresAt) {
		// Lapsed but not yet swept. Expire it now rather than honor a
		// resolution past the deadline.
		if _, err := s.expireOne(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyResolved, StatusExpired)
	}

	to, event := StatusApproved, EventApproved
	if !approve {
		to, event = StatusRejected, EventRejected
	}
	ok, err := s.store.transition(ctx, id, to, event, resolvedBy, reason, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		r, err := s.store.get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyResolved, r.Status)
	}

	if s.resolveCounter != nil {
		s.resolveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(to))))
	}
	s.logger.Info("approval resolved",
		zap.String("request_id", id),
		zap.String("status", string(to)),
		zap.String("resolved_by", resolvedBy))
	return s.store.get(ctx, id)
}

// Sweep expires lapsed pending requests one at a time so a slow expiry never
// blocks concurrent submits or resolutions.
func (s *service) Sweep(ctx context.Context) ([]Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "approval.Sweep")
	defer span.End()

	ids, err := s.store.expiredIDs(ctx, timeNow().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var expired []Request
	for _, id := range ids {
		ok, err := s.expireOne(ctx, id)
		if err != nil {
			s.logger.Warn("failed to expire approval request",
				zap.String("request_id", id), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		r, err := s.store.get(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load expired approval request",
				zap.String("request_id", id), zap.Error(err))
			continue
		}
		expired = append(expired, *r)
	}
	if len(expired) > 0 {
		s.logger.Info("expired approval requests", zap.Int("count", len(expired)))
	}
	return expired, nil
}

func (s *service) expireOne(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.transition(ctx, id, StatusExpired, EventExpired, "system", "ttl elapsed", timeNow().UTC())
	if err != nil {
		return false, err
	}
	if ok && s.expireCounter != nil {
		s.expireCounter.Add(ctx, 1)
	}
	return ok, nil
}

func (s *service) Audit(ctx context.Context, requestID string) ([]AuditEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.audit(ctx, requestID)
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
