// Package overlay holds the versioned terminology context shared by all
// running analyses. Internal jargon in feature descriptions ("ASL", "GH",
// "Utah Act") is expanded through this mapping before prompts are built.
//
// The store follows a single-writer discipline: updates are serialized and
// each reader gets a complete, immutable snapshot tagged with a version.
// An analysis captures one snapshot at start and uses it for its whole
// lifetime; updates landing mid-run are never visible to it.
package overlay

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Overlay is an immutable snapshot of the terminology context.
// Callers must not mutate Terms; Store hands out fresh copies on update,
// never the live map.
type Overlay struct {
	Version     int64             `json:"version"`
	Terms       map[string]string `json:"terms"`
	EffectiveAt time.Time         `json:"effective_at"`
}

// Render formats the terminology as a prompt block. Terms are sorted for
// deterministic prompt construction.
func (o *Overlay) Render() string {
	if len(o.Terms) == 0 {
		return ""
	}

	keys := make([]string, 0, len(o.Terms))
	for k := range o.Terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Internal terminology:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, o.Terms[k])
	}
	return b.String()
}

// Store serializes overlay updates and serves immutable snapshots.
type Store struct {
	mu      sync.Mutex
	current *Overlay
}

// NewStore creates a store seeded with the given terminology at version 1.
// A nil seed starts with an empty mapping.
func NewStore(seed map[string]string) *Store {
	terms := make(map[string]string, len(seed))
	for k, v := range seed {
		terms[k] = v
	}
	return &Store{
		current: &Overlay{
			Version:     1,
			Terms:       terms,
			EffectiveAt: time.Now().UTC(),
		},
	}
}

// Current returns the latest complete snapshot. The returned Overlay is
// never mutated after publication.
func (s *Store) Current() *Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update merges newTerms into the terminology and publishes a new snapshot
// with a monotonically increasing version. Returns the new version.
// An empty newTerms is a no-op and returns the current version.
func (s *Store) Update(newTerms map[string]string) int64 {
	if len(newTerms) == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.current.Version
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]string, len(s.current.Terms)+len(newTerms))
	for k, v := range s.current.Terms {
		merged[k] = v
	}
	for k, v := range newTerms {
		merged[k] = v
	}

	s.current = &Overlay{
		Version:     s.current.Version + 1,
		Terms:       merged,
		EffectiveAt: time.Now().UTC(),
	}
	return s.current.Version
}

// DefaultTerms is the seed terminology for a fresh deployment. It expands
// the internal shorthand that regulation and feature documents use.
func DefaultTerms() map[string]string {
	return map[string]string{
		"ASL":       "age-sensitive logic (age gates, minor-specific behavior)",
		"GH":        "geo-handler, the regional routing layer that applies region-specific rules",
		"CDS":       "compliance detection system",
		"NR":        "not region-restricted (no geographic gating required)",
		"PF":        "personalized feed (algorithmic content ranking)",
		"Utah Act":  "Utah Social Media Regulation Act (minor curfew and parental consent requirements)",
		"DSA":       "EU Digital Services Act",
		"COPPA":     "US Children's Online Privacy Protection Act",
		"Softblock": "soft enforcement mode, warn without blocking",
	}
}
