package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spatialai/braind/internal/classifier"
	"github.com/spatialai/braind/internal/config"
	"github.com/spatialai/braind/internal/provider"
)

// fakeAdapter is a scriptable adapter for router tests.
type fakeAdapter struct {
	desc provider.Descriptor

	mu    sync.Mutex
	calls int
	fn    func(call int) (*provider.Result, error)
}

func (f *fakeAdapter) Descriptor() provider.Descriptor {
	return f.desc
}

func (f *fakeAdapter) Execute(ctx context.Context, prompt string) (*provider.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(call)
	}
	return &provider.Result{
		Adapter:     f.desc.Name,
		Output:      "ok from " + f.desc.Name,
		TotalTokens: 100,
		Cost:        float64(100) * f.desc.CostPerToken,
	}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFake(name string, cost float64, network bool) *fakeAdapter {
	return &fakeAdapter{
		desc: provider.Descriptor{
			Name:            name,
			Capabilities:    []string{"general", "coding", "analysis"},
			CostPerToken:    cost,
			RequiresNetwork: network,
			Timeout:         time.Second,
		},
	}
}

func failWith(name string, kind provider.FailureKind) func(int) (*provider.Result, error) {
	return func(int) (*provider.Result, error) {
		return nil, &provider.Error{Adapter: name, Kind: kind, Err: errors.New("scripted failure")}
	}
}

func testConfig() config.RoutingConfig {
	return config.RoutingConfig{
		Tiers: map[string]config.TierPolicy{
			"simple":   {Primary: "local"},
			"moderate": {Primary: "local", Validator: "fast"},
			"complex":  {Primary: "fast"},
			"critical": {Primary: "deep"},
		},
		DailyCostCeiling: 5.00,
		MaxTaskWallClock: config.Duration(time.Minute),
	}
}

func testFleet() (map[string]provider.Adapter, *fakeAdapter, *fakeAdapter, *fakeAdapter) {
	local := newFake("local", 0, false)
	fast := newFake("fast", 0.000015, true)
	deep := newFake("deep", 0.00003, true)
	return map[string]provider.Adapter{
		"local": local,
		"fast":  fast,
		"deep":  deep,
	}, local, fast, deep
}

func TestNewValidation(t *testing.T) {
	fleet, _, _, _ := testFleet()

	_, err := New(testConfig(), nil, nil)
	assert.Error(t, err)

	bad := testConfig()
	bad.Tiers["simple"] = config.TierPolicy{Primary: "ghost"}
	_, err = New(bad, fleet, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRouteOrdering(t *testing.T) {
	fleet, _, _, _ := testFleet()
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	// Primary first, then fallbacks cheapest-first.
	chain, err := r.Route(classifier.TierComplex, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fast", "local", "deep"}, chain)

	chain, err = r.Route(classifier.TierSimple, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "fast", "deep"}, chain)
}

func TestRouteUnknownTier(t *testing.T) {
	fleet, _, _, _ := testFleet()
	cfg := testConfig()
	delete(cfg.Tiers, "critical")
	r, err := New(cfg, fleet, nil)
	require.NoError(t, err)

	_, err = r.Route(classifier.TierCritical, nil)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestRouteCapabilityFilter(t *testing.T) {
	fleet, _, _, deep := testFleet()
	deep.desc.Capabilities = append(deep.desc.Capabilities, "reasoning")
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	chain, err := r.Route(classifier.TierSimple, []string{"reasoning"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deep"}, chain)
}

func TestExecutePrimarySuccess(t *testing.T) {
	fleet, local, fast, deep := testFleet()
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	result, err := r.Execute(context.Background(), classifier.TierSimple, nil, "list files")
	require.NoError(t, err)
	assert.Equal(t, "local", result.Adapter)
	assert.Equal(t, 1, local.callCount())
	assert.Zero(t, fast.callCount())
	assert.Zero(t, deep.callCount())
}

func TestExecuteFallsBackOnTransientFailure(t *testing.T) {
	fleet, local, fast, _ := testFleet()
	fast.fn = failWith("fast", provider.FailureBackendUnavailable)
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	result, err := r.Execute(context.Background(), classifier.TierComplex, nil, "design a schema")
	require.NoError(t, err)
	assert.Equal(t, "local", result.Adapter)
	assert.Equal(t, 1, fast.callCount())
	assert.Equal(t, 1, local.callCount())
}

func TestExecuteRetriesOnceOnInvalidResponse(t *testing.T) {
	fleet, local, _, _ := testFleet()
	local.fn = func(call int) (*provider.Result, error) {
		if call == 1 {
			return nil, &provider.Error{Adapter: "local", Kind: provider.FailureInvalidResponse, Err: errors.New("empty")}
		}
		return &provider.Result{Adapter: "local", Output: "recovered", TotalTokens: 10}, nil
	}
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	result, err := r.Execute(context.Background(), classifier.TierSimple, nil, "list files")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Output)
	assert.Equal(t, 2, local.callCount())
}

func TestExecuteInvalidResponseRetryThenFallback(t *testing.T) {
	fleet, local, fast, _ := testFleet()
	local.fn = failWith("local", provider.FailureInvalidResponse)
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	result, err := r.Execute(context.Background(), classifier.TierSimple, nil, "list files")
	require.NoError(t, err)
	assert.Equal(t, "fast", result.Adapter)
	// One attempt plus exactly one retry, never more.
	assert.Equal(t, 2, local.callCount())
	assert.Equal(t, 1, fast.callCount())
}

func TestAuthFailureDisablesAdapter(t *testing.T) {
	fleet, local, fast, _ := testFleet()
	fast.fn = failWith("fast", provider.FailureAuthFailed)
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	result, err := r.Execute(context.Background(), classifier.TierComplex, nil, "design a schema")
	require.NoError(t, err)
	assert.Equal(t, "local", result.Adapter)

	// The disabled adapter is gone from subsequent chains and never
	// called again.
	chain, err := r.Route(classifier.TierComplex, nil)
	require.NoError(t, err)
	assert.NotContains(t, chain, "fast")

	_, err = r.Execute(context.Background(), classifier.TierComplex, nil, "again")
	require.NoError(t, err)
	assert.Equal(t, 1, fast.callCount())
	assert.Equal(t, 2, local.callCount())
}

func TestExecuteExhausted(t *testing.T) {
	fleet, local, fast, deep := testFleet()
	local.fn = failWith("local", provider.FailureBackendUnavailable)
	fast.fn = failWith("fast", provider.FailureBackendUnavailable)
	deep.fn = failWith("deep", provider.FailureBackendUnavailable)
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), classifier.TierSimple, nil, "list files")
	assert.ErrorIs(t, err, ErrRoutingExhausted)
	assert.Equal(t, 1, local.callCount())
	assert.Equal(t, 1, fast.callCount())
	assert.Equal(t, 1, deep.callCount())
}

func TestCostCeilingForcesLocalOnly(t *testing.T) {
	fleet, _, fast, deep := testFleet()
	// A single expensive call blows the whole daily budget.
	fast.fn = func(int) (*provider.Result, error) {
		return &provider.Result{Adapter: "fast", Output: "ok", TotalTokens: 10, Cost: 6.00}, nil
	}
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), classifier.TierComplex, nil, "design a schema")
	require.NoError(t, err)
	assert.InDelta(t, 6.00, r.Spent(), 0.001)

	// Remote adapters are now excluded; only the local adapter remains.
	chain, err := r.Route(classifier.TierComplex, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, chain)

	result, err := r.Execute(context.Background(), classifier.TierCritical, nil, "delete backups")
	require.NoError(t, err)
	assert.Equal(t, "local", result.Adapter)
	assert.Equal(t, 1, fast.callCount())
	assert.Zero(t, deep.callCount())
}

func TestRequestBudgetSkipsAdapter(t *testing.T) {
	fleet, local, fast, _ := testFleet()
	local.desc.RequestsPerMin = 1
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	first, err := r.Execute(context.Background(), classifier.TierSimple, nil, "list files")
	require.NoError(t, err)
	assert.Equal(t, "local", first.Adapter)

	// Budget of one request per minute is spent; the chain advances.
	second, err := r.Execute(context.Background(), classifier.TierSimple, nil, "list files")
	require.NoError(t, err)
	assert.Equal(t, "fast", second.Adapter)
	assert.Equal(t, 1, local.callCount())
	assert.Equal(t, 1, fast.callCount())
}

func TestValidator(t *testing.T) {
	fleet, _, _, _ := testFleet()
	r, err := New(testConfig(), fleet, nil)
	require.NoError(t, err)

	v, ok := r.Validator(classifier.TierModerate)
	require.True(t, ok)
	assert.Equal(t, "fast", v.Descriptor().Name)

	_, ok = r.Validator(classifier.TierSimple)
	assert.False(t, ok)

	// Once the budget is gone, a network validator is withheld too.
	r.ledger.add(10.00)
	_, ok = r.Validator(classifier.TierModerate)
	assert.False(t, ok)
}

func TestWallClockBudget(t *testing.T) {
	fleet, local, fast, deep := testFleet()
	slow := func(name string) func(int) (*provider.Result, error) {
		return func(int) (*provider.Result, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, &provider.Error{Adapter: name, Kind: provider.FailureTimeout, Err: context.DeadlineExceeded}
		}
	}
	local.fn = slow("local")
	fast.fn = slow("fast")
	deep.fn = slow("deep")

	cfg := testConfig()
	cfg.MaxTaskWallClock = config.Duration(30 * time.Millisecond)
	r, err := New(cfg, fleet, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Execute(context.Background(), classifier.TierSimple, nil, "list files")
	assert.ErrorIs(t, err, ErrRoutingExhausted)
	// The chain aborts after the wall clock expires instead of walking
	// every remaining candidate.
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.LessOrEqual(t, fast.callCount()+deep.callCount(), 1)
}

func TestCostLedgerRollsOverDaily(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	l := newCostLedger(5.00)
	l.add(6.00)
	assert.False(t, l.networkAllowed())

	now = now.Add(2 * time.Hour)
	assert.True(t, l.networkAllowed())
	assert.Zero(t, l.spent())
}

func TestZeroCeilingDisablesBudget(t *testing.T) {
	l := newCostLedger(0)
	l.add(1000)
	assert.True(t, l.networkAllowed())
}
