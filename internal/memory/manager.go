package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/circuitbreaker"
	"github.com/taskweave/taskweave/internal/metrics"
)

// Config tunes the three-tier store. Zero values fall back to the
// defaults documented on each field.
type Config struct {
	MaxWorkingMessages             int           // tier-1 capacity (default 100)
	MaxSummaries                   int           // tier-2 capacity (default 10)
	MinImportance                  float64       // consolidation preserve threshold (default 0.7)
	RecentKeep                     int           // messages exempt from consolidation (default 10)
	MaxMessagesBeforeConsolidation int           // count trigger (default 50)
	ConsolidateInterval            time.Duration // time trigger (default 24h)
	AutoConsolidate                bool          // run consolidation from Add
	MaxSummaryLength               int           // summary text bound (default 500)
}

func (c Config) withDefaults() Config {
	if c.MaxWorkingMessages <= 0 {
		c.MaxWorkingMessages = 100
	}
	if c.MaxSummaries <= 0 {
		c.MaxSummaries = 10
	}
	if c.MinImportance <= 0 {
		c.MinImportance = 0.7
	}
	if c.RecentKeep <= 0 {
		c.RecentKeep = 10
	}
	if c.MaxMessagesBeforeConsolidation <= 0 {
		c.MaxMessagesBeforeConsolidation = 50
	}
	if c.ConsolidateInterval <= 0 {
		c.ConsolidateInterval = 24 * time.Hour
	}
	if c.MaxSummaryLength <= 0 {
		c.MaxSummaryLength = 500
	}
	return c
}

// Manager owns the three memory tiers and coordinates admission,
// consolidation, retrieval, and tiered context assembly. Construct one
// Manager per process and share it by reference.
type Manager struct {
	cfg       Config
	working   *workingMemory
	summaries *summaryRing
	store     Store
	breaker   *circuitbreaker.Breaker
	semantic  SemanticIndex
	scorer    ImportanceScorer
	summarize Summarizer
	logger    *zap.Logger
	now       func() time.Time

	consolidateMu     sync.Mutex
	lastConsolidation time.Time
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithStore attaches the tier-3 persistent log. Writes go through a
// circuit breaker so a dead backend degrades to working-memory-only
// operation instead of stalling admission.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithSemanticIndex enables similarity scoring for retrieval.
func WithSemanticIndex(idx SemanticIndex) Option {
	return func(m *Manager) { m.semantic = idx }
}

// WithScorer replaces the heuristic importance scorer.
func WithScorer(s ImportanceScorer) Option {
	return func(m *Manager) { m.scorer = s }
}

// WithSummarizer replaces the heuristic consolidation summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarize = s }
}

// withClock pins time for tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager with the given tuning and options.
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		working:   newWorkingMemory(cfg.MaxWorkingMessages),
		summaries: newSummaryRing(cfg.MaxSummaries),
		scorer:    HeuristicImportance,
		summarize: HeuristicSummarizer,
		logger:    logger.With(zap.String("component", "memory")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store != nil {
		m.breaker = circuitbreaker.New("memory-store", circuitbreaker.DefaultConfig(), m.logger)
	}
	m.lastConsolidation = m.now()
	return m
}

// Add stamps and admits a message: tier-1 insert (duplicate hashes
// refresh in place), synchronous write-through to tier 3, best-effort
// semantic indexing, then the consolidation trigger check. On a
// persistent write failure the message stays in working memory and an
// IOError is returned alongside the stamped message.
func (m *Manager) Add(ctx context.Context, msg Message) (Message, error) {
	msg = msg.Stamp(m.scorer, m.now())

	fresh := m.working.Add(msg)
	if fresh {
		metrics.MessagesAdded.WithLabelValues(msg.Role).Inc()
	}
	metrics.WorkingMemorySize.Set(float64(m.working.Len()))

	var storeErr error
	if m.store != nil {
		storeErr = m.breaker.Execute(ctx, func() error {
			return m.store.Insert(ctx, msg)
		})
		if storeErr != nil {
			metrics.PersistentWrites.WithLabelValues("error").Inc()
			m.logger.Warn("Persistent write failed; message retained in working memory",
				zap.String("hash", msg.Hash),
				zap.Error(storeErr),
			)
			if _, ok := storeErr.(*IOError); !ok {
				storeErr = &IOError{Op: "insert", Hash: msg.Hash, Err: storeErr}
			}
		} else {
			metrics.PersistentWrites.WithLabelValues("ok").Inc()
		}
	}

	if m.semantic != nil && fresh {
		if err := m.semantic.Index(ctx, msg); err != nil {
			m.logger.Debug("Semantic indexing failed", zap.String("hash", msg.Hash), zap.Error(err))
		}
	}

	if m.cfg.AutoConsolidate {
		if err := m.maybeConsolidate(ctx); err != nil {
			m.logger.Warn("Consolidation failed", zap.Error(err))
		}
	}
	return msg, storeErr
}

// ContextQuery parameterizes retrieval over the tiers.
type ContextQuery struct {
	Query             string
	Strategy          Strategy
	Limit             int
	MinImportance     float64
	IncludePersistent bool
}

// GetContext retrieves messages under the given strategy. MinImportance
// is a pre-filter: messages below it are never candidates. Persistent
// history is merged in (deduplicated by hash) only when requested.
func (m *Manager) GetContext(ctx context.Context, q ContextQuery) []ScoredMessage {
	if q.Strategy == "" {
		q.Strategy = StrategyHybrid
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	metrics.RetrievalQueries.WithLabelValues(string(q.Strategy)).Inc()

	candidates := m.working.Snapshot()

	if q.IncludePersistent && m.store != nil {
		fetch := q.Limit * 4
		if fetch < 50 {
			fetch = 50
		}
		persisted, err := m.store.Recent(ctx, fetch)
		if err != nil {
			m.logger.Warn("Persistent retrieval failed", zap.Error(err))
		} else {
			seen := make(map[string]struct{}, len(candidates))
			for _, c := range candidates {
				seen[c.Hash] = struct{}{}
			}
			// store returns newest first; prepend oldest-first so
			// insertion order is preserved for ranking
			for i := len(persisted) - 1; i >= 0; i-- {
				p := persisted[i]
				if _, dup := seen[p.Hash]; dup {
					continue
				}
				if p.Importance == 0 {
					p.Importance = m.scorer(p.Role, p.Content, p.Timestamp, p.Metadata)
				}
				candidates = append([]Message{p}, candidates...)
				seen[p.Hash] = struct{}{}
			}
		}
	}

	if q.MinImportance > 0 {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if c.Importance >= q.MinImportance {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	return m.rank(ctx, candidates, q.Query, q.Strategy, q.Limit, m.now())
}

// Summaries returns up to n tier-2 summaries, most recent first.
func (m *Manager) Summaries(n int) []ConsolidatedSummary {
	return m.summaries.Recent(n)
}

// SummariesSince returns tier-2 summaries consolidated at or after ts.
func (m *Manager) SummariesSince(ts time.Time) []ConsolidatedSummary {
	return m.summaries.Since(ts)
}

// SearchSummaries keyword-scores tier-2 summaries (1.0 per summary hit,
// 0.5 per metadata hit) and returns matches best first.
func (m *Manager) SearchSummaries(keywords []string) []ConsolidatedSummary {
	scored := m.summaries.Search(keywords)
	out := make([]ConsolidatedSummary, len(scored))
	for i, s := range scored {
		out[i] = s.Summary
	}
	return out
}

// WorkingSize returns the tier-1 message count.
func (m *Manager) WorkingSize() int { return m.working.Len() }

// RecentMessages returns the newest n working-memory messages in
// insertion order.
func (m *Manager) RecentMessages(n int) []Message { return m.working.Recent(n) }

// WorkingSnapshot returns a copy of tier 1 in insertion order.
func (m *Manager) WorkingSnapshot() []Message { return m.working.Snapshot() }

// TieredContextOptions parameterizes BuildTieredContext.
type TieredContextOptions struct {
	Query             string
	Limit             int
	IncludePersistent bool
}

// Section headers for the assembled context.
const (
	headerImmediate = "=== IMMEDIATE CONTEXT ==="
	headerMidTerm   = "=== MID-TERM CONTEXT ==="
	headerLongTerm  = "=== LONG-TERM CONTEXT ==="
)

// BuildTieredContext renders a single prompt-ready string: working
// memory under the immediate header, tier-2 summaries (most recent
// first) under the mid-term header, and, only when requested,
// persistent history deduplicated against tier 1 under the long-term
// header.
func (m *Manager) BuildTieredContext(ctx context.Context, opts TieredContextOptions) string {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	var b strings.Builder
	b.WriteString(headerImmediate)
	b.WriteString("\n")

	working := m.working.Recent(opts.Limit)
	if len(working) == 0 {
		b.WriteString("(no recent messages)\n")
	}
	for _, msg := range working {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	b.WriteString("\n")
	b.WriteString(headerMidTerm)
	b.WriteString("\n")
	sums := m.summaries.Recent(0)
	if len(sums) == 0 {
		b.WriteString("(no consolidated summaries)\n")
	}
	for _, s := range sums {
		fmt.Fprintf(&b, "[%s] %s\n", s.ConsolidatedAt.UTC().Format(time.RFC3339), s.Summary)
	}

	if opts.IncludePersistent && m.store != nil {
		persisted, err := m.store.Recent(ctx, opts.Limit)
		if err != nil {
			m.logger.Warn("Persistent context fetch failed", zap.Error(err))
		} else {
			var unique []Message
			for _, p := range persisted {
				if !m.working.Contains(p.Hash) {
					unique = append(unique, p)
				}
			}
			if len(unique) > 0 {
				b.WriteString("\n")
				b.WriteString(headerLongTerm)
				b.WriteString("\n")
				// newest first from the store; render oldest first
				for i := len(unique) - 1; i >= 0; i-- {
					fmt.Fprintf(&b, "%s: %s\n", unique[i].Role, unique[i].Content)
				}
			}
		}
	}

	return b.String()
}

// PersistentByTask exposes the tier-3 task index.
func (m *Manager) PersistentByTask(ctx context.Context, taskID string, limit int) ([]Message, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.GetByTask(ctx, taskID, limit)
}

// PersistentByAgent exposes the tier-3 agent index.
func (m *Manager) PersistentByAgent(ctx context.Context, agentID string, limit int) ([]Message, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.GetByAgent(ctx, agentID, limit)
}

// Ping reports tier-3 reachability; nil when no store is configured.
func (m *Manager) Ping(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Ping(ctx)
}

// Close releases the persistent backend.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

func errField(err error) zap.Field { return zap.Error(err) }
