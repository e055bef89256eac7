package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTiers(t *testing.T) {
	c := New()

	tests := []struct {
		name        string
		description string
		wantTier    Tier
	}{
		{"list is simple", "list the open tickets", TierSimple},
		{"status is simple", "status of the import job", TierSimple},
		{"summarize is simple", "summarize document X", TierSimple},
		{"analyze is moderate", "analyze the failure modes", TierModerate},
		{"implement is moderate", "implement the parser changes", TierModerate},
		{"design is complex", "design a caching layer", TierComplex},
		{"orchestrate is complex", "orchestrate the migration steps", TierComplex},
		{"delete is critical", "delete all backups", TierCritical},
		{"deploy is critical", "deploy to production", TierCritical},
		{"no keywords default complex", "frobnicate the doohickey", TierComplex},
		{"empty defaults complex", "", TierComplex},
		{"whitespace defaults complex", "   \t\n ", TierComplex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.description)
			assert.Equal(t, tt.wantTier, got.Tier, "description %q", tt.description)
		})
	}
}

func TestCriticalWinsOverOtherMatches(t *testing.T) {
	c := New()

	// "list" (simple) and "delete" (critical) both match.
	got := c.Classify("list and delete stale sessions")
	assert.Equal(t, TierCritical, got.Tier)
	assert.GreaterOrEqual(t, got.Risk, 0.9)
}

func TestRiskScores(t *testing.T) {
	c := New()

	assert.InDelta(t, 0.1, c.Classify("list files").Risk, 0.001)
	assert.InDelta(t, 0.1, c.Classify("summarize document X").Risk, 0.001)
	assert.InDelta(t, 0.3, c.Classify("analyze the report").Risk, 0.001)
	assert.InDelta(t, 0.5, c.Classify("design the schema").Risk, 0.001)
	assert.InDelta(t, 0.9, c.Classify("delete the index").Risk, 0.001)

	// Multiple critical keywords raise risk but never past 1.
	boosted := c.Classify("delete and destroy the production deploy, irreversible")
	assert.Greater(t, boosted.Risk, 0.9)
	assert.LessOrEqual(t, boosted.Risk, 1.0)
}

func TestRiskIsClamped(t *testing.T) {
	p := DefaultPolicy()
	p.RiskBoost = 0.5
	c := New(WithPolicy(p))

	got := c.Classify("delete remove destroy production deploy publish irreversible critical")
	assert.Equal(t, 1.0, got.Risk)
}

func TestHistoryInformsClassification(t *testing.T) {
	c := New()

	// Description alone has no keywords; history mentions deletion.
	got := c.Classify("do the thing we discussed", "we should delete the old snapshots")
	assert.Equal(t, TierCritical, got.Tier)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := New()

	first := c.Classify("delete all backups")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify("delete all backups"))
	}
}

func TestMatchedKeywords(t *testing.T) {
	c := New()

	got := c.Classify("organize and compare the two reports")
	assert.Equal(t, TierModerate, got.Tier)
	assert.ElementsMatch(t, []string{"compare", "organize"}, got.Matched)
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierSimple, ParseTier("simple"))
	assert.Equal(t, TierModerate, ParseTier(" Moderate "))
	assert.Equal(t, TierCritical, ParseTier("CRITICAL"))
	assert.Equal(t, TierComplex, ParseTier("bogus"))
	assert.Equal(t, TierComplex, ParseTier(""))
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "simple", TierSimple.String())
	assert.Equal(t, "critical", TierCritical.String())
	assert.Equal(t, "unknown", Tier(42).String())
}
