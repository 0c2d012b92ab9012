// Package filter selects index entries with regex allow- or block-lists
// applied to their header fields and body preview.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/mbox-indexer/model"
)

var ErrFilterModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

// PatternHits pairs a pattern with the number of entries it matched.
type PatternHits struct {
	Pattern string
	Count   int
}

// Stats is a snapshot of per-pattern match counts.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeHeaderHits     []int
	IncludeBodyPatterns   []string
	IncludeBodyHits       []int
	ExcludeHeaderPatterns []string
	ExcludeHeaderHits     []int
	ExcludeBodyPatterns   []string
	ExcludeBodyHits       []int
}

type patternSet struct {
	patterns []*regexp.Regexp
	hits     []int
}

// Filter holds compiled regex patterns for filtering entries. It is safe
// for concurrent use.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  patternSet
	includeBody    patternSet
	excludeHeader  patternSet
	excludeBody    patternSet
	needHeaderText bool

	mu sync.Mutex
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, ErrFilterModeConflict
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  newPatternSet(includeHeader),
		includeBody:    newPatternSet(includeBody),
		excludeHeader:  newPatternSet(excludeHeader),
		excludeBody:    newPatternSet(excludeBody),
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
	}, nil
}

// AllowsEntry applies the filter to an index entry. Header patterns see the
// entry rendered as "Key: value" lines; body patterns see the preview.
func (f *Filter) AllowsEntry(entry model.MessageIndexEntry) bool {
	var headerText string
	if f.needHeaderText {
		headerText = HeaderText(entry)
	}
	return f.allows(headerText, entry.BodyPreview)
}

func (f *Filter) allows(headerText, bodyText string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.includeMode {
		// Evaluate both sets so hit counts stay meaningful.
		headerMatched := f.includeHeader.match(headerText)
		bodyMatched := f.includeBody.match(bodyText)
		return headerMatched || bodyMatched
	}

	if f.excludeMode {
		headerMatched := f.excludeHeader.match(headerText)
		bodyMatched := f.excludeBody.match(bodyText)
		if headerMatched || bodyMatched {
			return false
		}
	}

	return true
}

// GetStats returns per-pattern hit counts accumulated so far.
func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Stats{
		IncludeHeaderPatterns: f.includeHeader.sources(),
		IncludeHeaderHits:     append([]int(nil), f.includeHeader.hits...),
		IncludeBodyPatterns:   f.includeBody.sources(),
		IncludeBodyHits:       append([]int(nil), f.includeBody.hits...),
		ExcludeHeaderPatterns: f.excludeHeader.sources(),
		ExcludeHeaderHits:     append([]int(nil), f.excludeHeader.hits...),
		ExcludeBodyPatterns:   f.excludeBody.sources(),
		ExcludeBodyHits:       append([]int(nil), f.excludeBody.hits...),
	}
}

// Hits zips patterns with their counts.
func Hits(patterns []string, hits []int) []PatternHits {
	out := make([]PatternHits, 0, len(patterns))
	for i, p := range patterns {
		count := 0
		if i < len(hits) {
			count = hits[i]
		}
		out = append(out, PatternHits{Pattern: p, Count: count})
	}
	return out
}

// HeaderText renders the indexed header fields of an entry, one per line.
func HeaderText(entry model.MessageIndexEntry) string {
	var b strings.Builder
	b.WriteString("Message-ID: " + entry.MessageID + "\n")
	b.WriteString("From: " + entry.From + "\n")
	b.WriteString("To: " + entry.To + "\n")
	b.WriteString("Subject: " + entry.Subject + "\n")
	if entry.HasDate() {
		b.WriteString("Date: " + entry.Date.Format("Mon, 2 Jan 2006 15:04:05 -0700") + "\n")
	}
	return b.String()
}

func newPatternSet(patterns []*regexp.Regexp) patternSet {
	return patternSet{patterns: patterns, hits: make([]int, len(patterns))}
}

func (p *patternSet) match(text string) bool {
	matched := false
	for i, re := range p.patterns {
		if re.MatchString(text) {
			p.hits[i]++
			matched = true
		}
	}
	return matched
}

func (p *patternSet) sources() []string {
	out := make([]string, 0, len(p.patterns))
	for _, re := range p.patterns {
		out = append(out, re.String())
	}
	return out
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
