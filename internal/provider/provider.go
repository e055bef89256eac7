// Package provider wraps heterogeneous AI backends behind a uniform
// Adapter interface. Each adapter carries a static Descriptor (cost, rate
// limits, capabilities) that the router uses for candidate selection; the
// adapter itself only knows how to execute a prompt against its backend.
package provider

import (
	"context"
	"time"
)

// Descriptor is the static metadata for one adapter.
type Descriptor struct {
	Name            string
	Kind            string // ollama, openai, anthropic
	Model           string
	Capabilities    []string
	CostPerToken    float64
	MaxTokens       int
	RequestsPerMin  int
	TokensPerMin    int
	RequiresNetwork bool
	Timeout         time.Duration
}

// HasCapabilities reports whether the descriptor covers every required
// capability.
func (d Descriptor) HasCapabilities(required []string) bool {
	for _, req := range required {
		found := false
		for _, cap := range d.Capabilities {
			if cap == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Result is the outcome of one successful adapter execution.
type Result struct {
	Adapter          string
	Model            string
	Output           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	Elapsed          time.Duration
}

// Adapter executes prompts against one AI backend.
type Adapter interface {
	// Descriptor returns the adapter's static metadata.
	Descriptor() Descriptor

	// Execute runs the prompt against the backend. The adapter applies
	// its declared timeout on top of the caller's context. Failures are
	// returned as *Error with a FailureKind the router can act on.
	Execute(ctx context.Context, prompt string) (*Result, error)
}
