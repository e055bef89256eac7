// Package router maps a classified task to an ordered chain of provider
// adapters and executes the chain with fallback. Selection is data-driven:
// a tier policy table names the primary (and optional validation) adapter,
// and fallback candidates are drawn from the remaining fleet by capability,
// cost, and remaining rate budget.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spatialai/braind/internal/classifier"
	"github.com/spatialai/braind/internal/config"
	"github.com/spatialai/braind/internal/provider"
)

const instrumentationName = "github.com/spatialai/braind/internal/router"

var (
	// ErrRoutingExhausted means every candidate adapter failed or the
	// task's wall-clock budget ran out. Terminal for the task; the
	// caller may resubmit.
	ErrRoutingExhausted = errors.New("routing exhausted")

	// ErrUnknownTier means the tier has no policy entry.
	ErrUnknownTier = errors.New("unknown routing tier")
)

// Router selects and executes adapters for classified tasks.
type Router struct {
	cfg      config.RoutingConfig
	adapters map[string]provider.Adapter
	logger   *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	attemptCounter   metric.Int64Counter
	fallbackCounter  metric.Int64Counter
	exhaustedCounter metric.Int64Counter
	disabledCounter  metric.Int64Counter
	costCounter      metric.Float64Counter

	// states are created once in New; the map itself is never mutated
	// afterwards, so lookups need no lock. Each state guards its own
	// fields per adapter, keeping unrelated adapters uncontended.
	states map[string]*adapterState

	ledger *costLedger
}

// adapterState holds the mutable per-adapter budget and health.
type adapterState struct {
	mu       sync.Mutex
	requests *rate.Limiter
	tokens   *rate.Limiter
	disabled bool
}

// New creates a Router over the given adapter fleet.
func New(cfg config.RoutingConfig, adapters map[string]provider.Adapter, logger *zap.Logger) (*Router, error) {
	if len(adapters) == 0 {
		return nil, errors.New("at least one adapter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	for tier, policy := range cfg.Tiers {
		if _, ok := adapters[policy.Primary]; !ok {
			return nil, fmt.Errorf("tier %q primary %q has no adapter", tier, policy.Primary)
		}
		if policy.Validator != "" {
			if _, ok := adapters[policy.Validator]; !ok {
				return nil, fmt.Errorf("tier %q validator %q has no adapter", tier, policy.Validator)
			}
		}
	}

	states := make(map[string]*adapterState, len(adapters))
	for name, a := range adapters {
		desc := a.Descriptor()
		st := &adapterState{}
		if desc.RequestsPerMin > 0 {
			st.requests = rate.NewLimiter(rate.Limit(float64(desc.RequestsPerMin)/60.0), desc.RequestsPerMin)
		}
		if desc.TokensPerMin > 0 {
			st.tokens = rate.NewLimiter(rate.Limit(float64(desc.TokensPerMin)/60.0), desc.TokensPerMin)
		}
		states[name] = st
	}

	r := &Router{
		cfg:      cfg,
		adapters: adapters,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		states:   states,
		ledger:   newCostLedger(cfg.DailyCostCeiling),
	}

	r.initMetrics()

	return r, nil
}

func (r *Router) initMetrics() {
	var err error

	r.attemptCounter, err = r.meter.Int64Counter(
		"braind.router.attempts_total",
		metric.WithDescription("Total adapter execution attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		r.logger.Warn("failed to create attempt counter", zap.Error(err))
	}

	r.fallbackCounter, err = r.meter.Int64Counter(
		"braind.router.fallbacks_total",
		metric.WithDescription("Total fallback advances past a failed adapter"),
		metric.WithUnit("{fallback}"),
	)
	if err != nil {
		r.logger.Warn("failed to create fallback counter", zap.Error(err))
	}

	r.exhaustedCounter, err = r.meter.Int64Counter(
		"braind.router.exhausted_total",
		metric.WithDescription("Total tasks that exhausted every candidate"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		r.logger.Warn("failed to create exhausted counter", zap.Error(err))
	}

	r.disabledCounter, err = r.meter.Int64Counter(
		"braind.router.adapters_disabled_total",
		metric.WithDescription("Total adapters disabled after authentication failures"),
		metric.WithUnit("{adapter}"),
	)
	if err != nil {
		r.logger.Warn("failed to create disabled counter", zap.Error(err))
	}

	r.costCounter, err = r.meter.Float64Counter(
		"braind.router.cost_total",
		metric.WithDescription("Accumulated adapter cost in budget units"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		r.logger.Warn("failed to create cost counter", zap.Error(err))
	}
}

// Route returns the ordered candidate chain for a tier: the policy's
// primary adapter first, then fallbacks sorted cheapest-first among
// adapters with remaining rate budget. Disabled adapters are excluded,
// and once the daily cost ceiling is spent, so is every adapter that
// requires network access.
func (r *Router) Route(tier classifier.Tier, required []string) ([]string, error) {
	policy, ok := r.cfg.Tiers[tier.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	networkAllowed := r.ledger.networkAllowed()

	eligible := func(name string) bool {
		a, ok := r.adapters[name]
		if !ok {
			return false
		}
		desc := a.Descriptor()
		if !desc.HasCapabilities(required) {
			return false
		}
		if desc.RequiresNetwork && !networkAllowed {
			return false
		}
		return !r.isDisabled(name)
	}

	var chain []string
	seen := make(map[string]bool)

	if eligible(policy.Primary) {
		chain = append(chain, policy.Primary)
		seen[policy.Primary] = true
	}

	type candidate struct {
		name      string
		cost      float64
		hasBudget bool
	}
	var fallbacks []candidate
	for name, a := range r.adapters {
		if seen[name] || !eligible(name) {
			continue
		}
		fallbacks = append(fallbacks, candidate{
			name:      name,
			cost:      a.Descriptor().CostPerToken,
			hasBudget: r.hasRateBudget(name),
		})
	}

	// Cheapest first among adapters with remaining budget; exhausted
	// adapters trail the chain rather than being dropped, since their
	// budget may have refilled by the time the chain reaches them.
	sort.Slice(fallbacks, func(i, j int) bool {
		if fallbacks[i].hasBudget != fallbacks[j].hasBudget {
			return fallbacks[i].hasBudget
		}
		if fallbacks[i].cost != fallbacks[j].cost {
			return fallbacks[i].cost < fallbacks[j].cost
		}
		return fallbacks[i].name < fallbacks[j].name
	})

	for _, c := range fallbacks {
		chain = append(chain, c.name)
	}

	return chain, nil
}

// Validator returns the tier's validation adapter, if the policy names
// one and it is currently usable.
func (r *Router) Validator(tier classifier.Tier) (provider.Adapter, bool) {
	policy, ok := r.cfg.Tiers[tier.String()]
	if !ok || policy.Validator == "" {
		return nil, false
	}
	if r.isDisabled(policy.Validator) {
		return nil, false
	}
	a, ok := r.adapters[policy.Validator]
	if !ok {
		return nil, false
	}
	if a.Descriptor().RequiresNetwork && !r.ledger.networkAllowed() {
		return nil, false
	}
	return a, true
}

// Execute runs the prompt down the tier's fallback chain and returns the
// first successful result.
//
// Failure policy per attempt: authentication failures disable the adapter
// for the life of the process; an invalid response earns the same adapter
// one retry before the chain advances; every other failure advances the
// chain immediately. The chain is bounded and no adapter is attempted
// more than once (plus the single invalid-response retry), so every task
// terminates. A wall-clock budget caps the whole chain.
func (r *Router) Execute(ctx context.Context, tier classifier.Tier, required []string, prompt string) (*provider.Result, error) {
	ctx, span := r.tracer.Start(ctx, "router.Execute",
		trace.WithAttributes(
			attribute.String("tier", tier.String()),
		))
	defer span.End()

	if budget := r.cfg.MaxTaskWallClock.Duration(); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	chain, err := r.Route(tier, required)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(chain) == 0 {
		r.addExhausted(ctx, tier)
		span.SetStatus(codes.Error, "no candidates")
		return nil, fmt.Errorf("%w: no eligible adapters for tier %s", ErrRoutingExhausted, tier)
	}

	var lastErr error

	for i, name := range chain {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if i > 0 && r.fallbackCounter != nil {
			r.fallbackCounter.Add(ctx, 1)
		}

		result, err := r.attempt(ctx, name, prompt)
		if err == nil {
			span.SetAttributes(attribute.String("adapter", name))
			return result, nil
		}
		lastErr = err

		if provider.KindOf(err) == provider.FailureInvalidResponse {
			// One retry against the same adapter, then advance.
			result, err = r.attempt(ctx, name, prompt)
			if err == nil {
				span.SetAttributes(attribute.String("adapter", name))
				return result, nil
			}
			lastErr = err
		}
	}

	r.addExhausted(ctx, tier)
	span.SetStatus(codes.Error, "exhausted")
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last failure: %v", ErrRoutingExhausted, lastErr)
	}
	return nil, ErrRoutingExhausted
}

// attempt executes one adapter call, charging budgets and applying the
// disable-on-auth-failure policy.
func (r *Router) attempt(ctx context.Context, name string, prompt string) (*provider.Result, error) {
	adapter := r.adapters[name]
	state := r.states[name]

	if r.attemptCounter != nil {
		r.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("adapter", name)))
	}

	if state.requests != nil && !state.requests.Allow() {
		return nil, &provider.Error{
			Adapter: name,
			Kind:    provider.FailureRateLimited,
			Err:     errors.New("request budget exhausted"),
		}
	}

	result, err := adapter.Execute(ctx, prompt)
	if err != nil {
		kind := provider.KindOf(err)
		r.logger.Debug("adapter attempt failed",
			zap.String("adapter", name),
			zap.String("kind", kind.String()),
			zap.Error(err))

		if kind == provider.FailureAuthFailed {
			r.disable(name)
			r.logger.Warn("adapter disabled after authentication failure",
				zap.String("adapter", name))
			if r.disabledCounter != nil {
				r.disabledCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("adapter", name)))
			}
		}
		return nil, err
	}

	if state.tokens != nil && result.TotalTokens > 0 {
		state.tokens.AllowN(timeNow(), result.TotalTokens)
	}
	r.ledger.add(result.Cost)
	if r.costCounter != nil && result.Cost > 0 {
		r.costCounter.Add(ctx, result.Cost, metric.WithAttributes(attribute.String("adapter", name)))
	}

	return result, nil
}

func (r *Router) addExhausted(ctx context.Context, tier classifier.Tier) {
	if r.exhaustedCounter != nil {
		r.exhaustedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier.String())))
	}
}

func (r *Router) isDisabled(name string) bool {
	state, ok := r.states[name]
	if !ok {
		return true
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.disabled
}

func (r *Router) disable(name string) {
	if state, ok := r.states[name]; ok {
		state.mu.Lock()
		state.disabled = true
		state.mu.Unlock()
	}
}

// hasRateBudget reports whether the adapter has at least one request and
// some token budget left in the current window.
func (r *Router) hasRateBudget(name string) bool {
	state, ok := r.states[name]
	if !ok {
		return false
	}
	if state.requests != nil && state.requests.Tokens() < 1 {
		return false
	}
	if state.tokens != nil && state.tokens.Tokens() <= 0 {
		return false
	}
	return true
}

// Spent returns the cost accumulated in the current daily window.
func (r *Router) Spent() float64 {
	return r.ledger.spent()
}
