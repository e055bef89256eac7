package secrets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// DeepFinding represents a secret detected by the deep scan, with location
// information for redaction.
type DeepFinding struct {
	RuleID   string // gitleaks rule ID (e.g. "github-pat")
	RuleDesc string // human-readable description
	Line     int    // line number where the secret was found
	StartCol int    // start column (0-indexed)
	EndCol   int    // end column (0-indexed)
	Match    string // the actual secret value
}

// DeepScanner scans content with the full gitleaks rule set (800+ patterns).
// It is slower than the regexp Scrubber and intended for content about to
// enter long-term storage.
type DeepScanner struct {
	once     sync.Once
	detector *detect.Detector
	initErr  error
}

// NewDeepScanner returns a DeepScanner. The gitleaks detector is built
// lazily on first use because constructing it parses the full default
// config.
func NewDeepScanner() *DeepScanner {
	return &DeepScanner{}
}

// Scan scans content for secrets and returns findings with positions.
func (d *DeepScanner) Scan(content string) ([]DeepFinding, error) {
	d.once.Do(func() {
		d.detector, d.initErr = detect.NewDetectorDefaultConfig()
	})
	if d.initErr != nil {
		return nil, fmt.Errorf("initializing gitleaks detector: %w", d.initErr)
	}

	raw := d.detector.DetectString(content)

	findings := make([]DeepFinding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, DeepFinding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}

	return findings, nil
}

// Redact scans content and replaces every detected secret value with the
// redaction marker. Returns the redacted content and the finding count.
func (d *DeepScanner) Redact(content string) (string, int, error) {
	findings, err := d.Scan(content)
	if err != nil {
		return content, 0, err
	}
	for _, f := range findings {
		if f.Match != "" {
			content = strings.ReplaceAll(content, f.Match, "[REDACTED]")
		}
	}
	return content, len(findings), nil
}
