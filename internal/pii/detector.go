// Package pii implements the PII detector, redactor, and prompt-injection
// detector described in spec §4.3. It is pure and stateless except for the
// tokenizer's process-lifetime value<->token map.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"elida/internal/types"
)

// PatternDef is one named, configured PII pattern (grounded on
// elida/internal/redaction's Pattern table).
type PatternDef struct {
	Type  string `yaml:"type"`
	Regex string `yaml:"regex"`
}

// DefaultPatterns returns the minimum recognized PII type set from spec §1/§4.3.
func DefaultPatterns() []PatternDef {
	return []PatternDef{
		{Type: "email", Regex: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
		{Type: "phone", Regex: `\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`},
		{Type: "ssn", Regex: `\b\d{3}-\d{2}-\d{4}\b`},
		{Type: "credit_card", Regex: `\b(?:\d[ -]?){13,16}\b`},
		{Type: "ip_address", Regex: `\b(?:\d{1,3}\.){3}\d{1,3}\b`},
	}
}

type compiledPattern struct {
	typ string
	re  *regexp.Regexp
}

// Detector finds categorized PII matches in prompt text.
type Detector struct {
	mu       sync.RWMutex
	patterns []compiledPattern
}

// NewDetector compiles the given pattern set. An empty type name, a
// duplicate type name, or a regex that does not compile is rejected with an
// error; type names are not checked against a fixed list.
func NewDetector(defs []PatternDef) (*Detector, error) {
	if len(defs) == 0 {
		defs = DefaultPatterns()
	}
	seen := make(map[string]struct{}, len(defs))
	compiled := make([]compiledPattern, 0, len(defs))
	for _, d := range defs {
		if d.Type == "" {
			return nil, fmt.Errorf("pii: pattern with empty type")
		}
		if _, dup := seen[d.Type]; dup {
			return nil, fmt.Errorf("pii: duplicate pattern type %q", d.Type)
		}
		seen[d.Type] = struct{}{}
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return nil, fmt.Errorf("pii: invalid pattern %q: %w", d.Type, err)
		}
		compiled = append(compiled, compiledPattern{typ: d.Type, re: re})
	}
	return &Detector{patterns: compiled}, nil
}

// KnownTypes returns the set of PII types this detector recognizes.
func (d *Detector) KnownTypes() map[string]struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]struct{}, len(d.patterns))
	for _, p := range d.patterns {
		out[p.typ] = struct{}{}
	}
	return out
}

type rawMatch struct {
	typ        string
	start, end int
}

// Detect scans text and returns all non-overlapping matches, resolving
// overlaps by earliest-start then longest-match (spec §4.3).
func (d *Detector) Detect(text string) types.PIIResult {
	d.mu.RLock()
	patterns := d.patterns
	d.mu.RUnlock()

	var raw []rawMatch
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			raw = append(raw, rawMatch{typ: p.typ, start: loc[0], end: loc[1]})
		}
	}

	sort.Slice(raw, func(i, j int) bool {
		if raw[i].start != raw[j].start {
			return raw[i].start < raw[j].start
		}
		// Longer match wins the tie-break, so sort longer spans first.
		return (raw[i].end - raw[i].start) > (raw[j].end - raw[j].start)
	})

	result := types.PIIResult{}
	typesSeen := make(map[string]struct{})
	lastEnd := -1
	for _, m := range raw {
		if m.start < lastEnd {
			continue // overlaps the previously accepted match
		}
		result.Matches = append(result.Matches, types.PIIMatch{
			Type:          m.typ,
			Start:         m.start,
			End:           m.end,
			ValueRedacted: "[REDACTED]",
		})
		typesSeen[m.typ] = struct{}{}
		lastEnd = m.end
	}

	result.HasPII = len(result.Matches) > 0
	for t := range typesSeen {
		result.Types = append(result.Types, t)
	}
	sort.Strings(result.Types)
	return result
}
