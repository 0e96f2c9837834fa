package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// summaryRing is the tier-2 bounded buffer of consolidated summaries.
// Oldest summaries fall off once capacity is reached.
type summaryRing struct {
	mu        sync.RWMutex
	summaries []ConsolidatedSummary
	capacity  int
}

func newSummaryRing(capacity int) *summaryRing {
	if capacity < 1 {
		capacity = 1
	}
	return &summaryRing{
		summaries: make([]ConsolidatedSummary, 0, capacity),
		capacity:  capacity,
	}
}

// Add appends a summary, evicting the oldest when full.
func (r *summaryRing) Add(s ConsolidatedSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.summaries) >= r.capacity {
		r.summaries = r.summaries[1:]
	}
	r.summaries = append(r.summaries, s)
}

// Recent returns up to n summaries, most recent first.
func (r *summaryRing) Recent(n int) []ConsolidatedSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.summaries) {
		n = len(r.summaries)
	}
	out := make([]ConsolidatedSummary, 0, n)
	for i := len(r.summaries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.summaries[i])
	}
	return out
}

// Since returns summaries whose consolidation time is at or after ts,
// most recent first.
func (r *summaryRing) Since(ts time.Time) []ConsolidatedSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ConsolidatedSummary
	for i := len(r.summaries) - 1; i >= 0; i-- {
		if !r.summaries[i].ConsolidatedAt.Before(ts) {
			out = append(out, r.summaries[i])
		}
	}
	return out
}

// Len returns the current number of stored summaries.
func (r *summaryRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.summaries)
}

// scoredSummary pairs a summary with its keyword search score.
type scoredSummary struct {
	Summary ConsolidatedSummary
	Score   float64
}

// Search scores each summary against the keywords: 1.0 per hit in the
// summary text, 0.5 per hit in the flattened metadata. Results are
// sorted by score descending; zero-score summaries are omitted.
func (r *summaryRing) Search(keywords []string) []scoredSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []scoredSummary
	for _, s := range r.summaries {
		text := strings.ToLower(s.Summary)
		meta := strings.ToLower(flattenMetadata(s.Metadata))
		score := 0.0
		for _, kw := range keywords {
			k := strings.ToLower(kw)
			if k == "" {
				continue
			}
			if strings.Contains(text, k) {
				score += 1.0
			}
			if strings.Contains(meta, k) {
				score += 0.5
			}
		}
		if score > 0 {
			out = append(out, scoredSummary{Summary: s, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// flattenMetadata renders metadata as "k=v" pairs in key order for
// substring matching.
func flattenMetadata(m map[string]interface{}) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v ", k, m[k])
	}
	return b.String()
}
