package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/metrics"
)

// Summarizer maps a batch of messages to a bounded summary string.
// Implementations may call an external model; consolidation falls back
// to HeuristicSummarizer when none is configured or the call fails.
type Summarizer func(ctx context.Context, msgs []Message, maxLen int) (string, error)

// HeuristicSummarizer produces a deterministic summary without any
// model call: role counts, the leading user topics, and error mentions.
func HeuristicSummarizer(_ context.Context, msgs []Message, maxLen int) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}

	roleCounts := make(map[string]int, 4)
	var topics []string
	errorMentions := 0
	for _, m := range msgs {
		roleCounts[m.Role]++
		if strings.Contains(strings.ToLower(m.Content), "error") {
			errorMentions++
		}
		if m.Role == RoleUser && len(topics) < 3 {
			topics = append(topics, firstLine(m.Content, 60))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d messages (%s).", len(msgs), formatRoleCounts(roleCounts))
	if len(topics) > 0 {
		fmt.Fprintf(&b, " Topics: %s.", strings.Join(topics, "; "))
	}
	if errorMentions > 0 {
		fmt.Fprintf(&b, " Errors mentioned in %d messages.", errorMentions)
	}

	return truncate(b.String(), maxLen), nil
}

func formatRoleCounts(counts map[string]int) string {
	// stable order for the common roles; anything else appended after
	order := []string{RoleUser, RoleAssistant, RoleSystem, RoleTool}
	var parts []string
	for _, role := range order {
		if n := counts[role]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, role))
		}
	}
	for role, n := range counts {
		known := false
		for _, o := range order {
			if role == o {
				known = true
				break
			}
		}
		if !known {
			parts = append(parts, fmt.Sprintf("%d %s", n, role))
		}
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(strings.TrimSpace(s), max)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// maybeConsolidate runs consolidation when either trigger fires: the
// working-memory count exceeds the configured maximum (checked first),
// or the consolidation interval has elapsed.
func (m *Manager) maybeConsolidate(ctx context.Context) error {
	m.consolidateMu.Lock()
	countTrigger := m.working.Len() > m.cfg.MaxMessagesBeforeConsolidation
	intervalTrigger := m.now().Sub(m.lastConsolidation) >= m.cfg.ConsolidateInterval
	if !countTrigger && !intervalTrigger {
		m.consolidateMu.Unlock()
		return nil
	}
	m.consolidateMu.Unlock()
	return m.Consolidate(ctx)
}

// Consolidate folds older low-importance working-memory messages into a
// tier-2 summary. The most recent RecentKeep messages are exempt; older
// messages at or above MinImportance are preserved verbatim. Working
// memory is rebuilt as preserved + synthetic summary marker + recent.
// Running it again on the resulting state is a no-op.
func (m *Manager) Consolidate(ctx context.Context) error {
	m.consolidateMu.Lock()
	defer m.consolidateMu.Unlock()
	m.lastConsolidation = m.now()

	snapshot := m.working.Snapshot()
	if len(snapshot) <= m.cfg.RecentKeep {
		return nil
	}

	cut := len(snapshot) - m.cfg.RecentKeep
	older := snapshot[:cut]
	recent := snapshot[cut:]

	var preserved, toSummarize []Message
	for _, msg := range older {
		if msg.Importance >= m.cfg.MinImportance {
			preserved = append(preserved, msg)
		} else {
			toSummarize = append(toSummarize, msg)
		}
	}
	if len(toSummarize) == 0 {
		return nil
	}

	text, err := m.summarize(ctx, toSummarize, m.cfg.MaxSummaryLength)
	if err != nil || text == "" {
		if err != nil {
			m.logger.Warn("Summarizer failed; using heuristic fallback", zap.Error(err))
		}
		text, _ = HeuristicSummarizer(ctx, toSummarize, m.cfg.MaxSummaryLength)
	}

	now := m.now()
	summary := ConsolidatedSummary{
		Summary:           truncate(text, m.cfg.MaxSummaryLength),
		ConsolidatedCount: len(toSummarize),
		OldestTimestamp:   toSummarize[0].Timestamp,
		NewestTimestamp:   toSummarize[len(toSummarize)-1].Timestamp,
		ConsolidatedAt:    now,
		Metadata:          summaryMetadata(toSummarize),
	}
	m.summaries.Add(summary)

	// second chance for messages whose write-through failed at Add;
	// duplicate hashes are ignored by the store
	if m.store != nil {
		for _, msg := range toSummarize {
			if err := m.breaker.Execute(ctx, func() error {
				return m.store.Insert(ctx, msg)
			}); err != nil {
				m.logger.Debug("Consolidation persist skipped", zap.String("hash", msg.Hash), zap.Error(err))
				break
			}
		}
	}

	marker := Message{
		Role:       RoleSystem,
		Content:    fmt.Sprintf("Consolidated %d older messages into summary", len(toSummarize)),
		Timestamp:  now,
		Importance: 0.8,
		Metadata: map[string]interface{}{
			"consolidated": true,
			"source_count": len(toSummarize),
		},
	}
	marker.Hash = ComputeHash(marker.Role, marker.Content, marker.Timestamp)

	rebuilt := make([]Message, 0, len(preserved)+1+len(recent))
	rebuilt = append(rebuilt, preserved...)
	rebuilt = append(rebuilt, marker)
	rebuilt = append(rebuilt, recent...)
	m.working.Replace(rebuilt)

	metrics.Consolidations.Inc()
	metrics.ConsolidatedMessages.Add(float64(len(toSummarize)))
	metrics.WorkingMemorySize.Set(float64(m.working.Len()))

	m.logger.Info("Consolidated working memory",
		zap.Int("summarized", len(toSummarize)),
		zap.Int("preserved", len(preserved)),
		zap.Int("recent", len(recent)),
	)
	return nil
}

// summaryMetadata collects the distinct task and agent IDs present in
// the summarized batch so tier-2 keyword search can find them.
func summaryMetadata(msgs []Message) map[string]interface{} {
	tasks := make(map[string]struct{})
	agents := make(map[string]struct{})
	for _, m := range msgs {
		if m.TaskID != "" {
			tasks[m.TaskID] = struct{}{}
		}
		if m.AgentID != "" {
			agents[m.AgentID] = struct{}{}
		}
	}
	md := make(map[string]interface{}, 2)
	if len(tasks) > 0 {
		md["task_ids"] = sortedKeys(tasks)
	}
	if len(agents) > 0 {
		md["agent_ids"] = sortedKeys(agents)
	}
	return md
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
