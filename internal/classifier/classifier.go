// Package classifier scores incoming tasks by estimated complexity and
// risk. Classification is a pure function of the input plus a policy
// table; it performs no I/O, so routing decisions are unit-testable
// without mocks.
package classifier

import (
	"strings"
)

// Tier is an ordered complexity bucket driving routing policy.
type Tier int

const (
	TierSimple Tier = iota
	TierModerate
	TierComplex
	TierCritical
)

// String returns the canonical lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierModerate:
		return "moderate"
	case TierComplex:
		return "complex"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseTier converts a tier name to its Tier. Unknown names map to
// TierComplex, the conservative default.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple":
		return TierSimple
	case "moderate":
		return TierModerate
	case "complex":
		return TierComplex
	case "critical":
		return TierCritical
	default:
		return TierComplex
	}
}

// Classification is the result of scoring one task.
type Classification struct {
	Tier Tier
	// Risk is in [0,1]; the approval gateway compares it against its
	// configured threshold.
	Risk float64
	// Matched lists the keywords that drove the decision.
	Matched []string
}

// Policy is the keyword table and risk weights the classifier applies.
type Policy struct {
	Keywords  map[Tier][]string
	BaseRisk  map[Tier]float64
	RiskBoost float64 // added per extra critical keyword beyond the first
}

// DefaultPolicy returns the stock keyword table. Keywords are matched as
// case-insensitive substrings of the task description.
func DefaultPolicy() Policy {
	return Policy{
		Keywords: map[Tier][]string{
			TierSimple: {
				"list", "show", "display", "get", "retrieve", "status",
				"check", "verify", "validate", "summarize", "simple",
			},
			TierModerate: {
				"analyze", "compare", "organize", "categorize",
				"implement", "create", "build", "modify",
			},
			TierComplex: {
				"design", "architect", "optimize", "complex", "advanced",
				"integrate", "coordinate", "orchestrate", "strategic",
			},
			TierCritical: {
				"delete", "remove", "destroy", "critical", "production",
				"deploy", "publish", "irreversible",
			},
		},
		BaseRisk: map[Tier]float64{
			TierSimple:   0.1,
			TierModerate: 0.3,
			TierComplex:  0.5,
			TierCritical: 0.9,
		},
		RiskBoost: 0.05,
	}
}

// Classifier scores task descriptions against a policy table.
type Classifier struct {
	policy Policy
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithPolicy replaces the default policy table.
func WithPolicy(p Policy) Option {
	return func(c *Classifier) {
		c.policy = p
	}
}

// New creates a Classifier with the default policy unless overridden.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		policy: DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify scores a task description, optionally informed by prior
// context strings (recent session history). Critical keywords are checked
// first; otherwise the first matching tier in simple, moderate, complex
// order wins. Empty or unrecognized input defaults to TierComplex rather
// than failing open to the cheap path.
func (c *Classifier) Classify(description string, history ...string) Classification {
	text := strings.ToLower(strings.TrimSpace(description))
	if text == "" {
		return Classification{Tier: TierComplex, Risk: c.policy.BaseRisk[TierComplex]}
	}
	for _, h := range history {
		text += "\n" + strings.ToLower(h)
	}

	// Critical wins regardless of other matches. Every critical keyword
	// beyond the first raises the risk score.
	if matched := c.matches(text, TierCritical); len(matched) > 0 {
		risk := c.policy.BaseRisk[TierCritical] + float64(len(matched)-1)*c.policy.RiskBoost
		if risk > 1 {
			risk = 1
		}
		return Classification{Tier: TierCritical, Risk: risk, Matched: matched}
	}

	for _, tier := range []Tier{TierSimple, TierModerate, TierComplex} {
		if matched := c.matches(text, tier); len(matched) > 0 {
			return Classification{
				Tier:    tier,
				Risk:    c.policy.BaseRisk[tier],
				Matched: matched,
			}
		}
	}

	// Nothing matched; assume the task is harder than it looks.
	return Classification{Tier: TierComplex, Risk: c.policy.BaseRisk[TierComplex]}
}

func (c *Classifier) matches(text string, tier Tier) []string {
	var matched []string
	for _, kw := range c.policy.Keywords[tier] {
		if strings.Contains(text, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}
