package pii

import (
	"fmt"
	"regexp"

	"elida/internal/types"
)

// DefaultInjectionPatterns returns the baseline prompt-injection patterns
// from spec §4.3: ignore-previous-instructions phrasing, role-token
// injection, and an explicit new-instructions marker.
func DefaultInjectionPatterns() []string {
	return []string{
		`(?i)ignore\s+(all\s+)?previous\s+instructions`,
		`(?i)disregard\s+all\s+prior`,
		`(?i)new\s+instructions\s*:`,
		`(?i)\bsystem\s*:\s*you\s+are\s+now\b`,
		`(?i)\[\s*(system|assistant)\s*\]`,
	}
}

// InjectionDetector flags prompts that contain known injection patterns.
// One hit is enough to set injection_detected; it does not by itself block
// the request (spec §4.3).
type InjectionDetector struct {
	patterns []*regexp.Regexp
}

// NewInjectionDetector compiles the given regex pattern set.
func NewInjectionDetector(patterns []string) (*InjectionDetector, error) {
	if len(patterns) == 0 {
		patterns = DefaultInjectionPatterns()
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pii: invalid injection pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &InjectionDetector{patterns: compiled}, nil
}

// Detect reports whether text matches any configured injection pattern.
func (d *InjectionDetector) Detect(text string) bool {
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// RoutingBlocked reports whether a backend may not process a prompt that
// produced the given PII result, per the compatibility check in spec §4.3:
// blocked iff the prompt has PII and the backend disallows PII.
func RoutingBlocked(result types.PIIResult, backend *types.Backend) bool {
	return result.HasPII && !backend.PIIAllowed
}
