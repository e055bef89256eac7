// Package secrets detects and redacts credentials from task inputs and
// results before they are persisted to the memory store.
//
// Two tiers are available: a fast regexp scrubber for the hot path, and a
// gitleaks-backed deep scan for content that is about to be stored
// long-term.
package secrets
