package memory

import (
	"context"
	"sort"
	"time"
)

// Strategy selects how working-memory retrieval ranks messages.
type Strategy string

const (
	// StrategyRecent returns the newest messages in insertion order.
	StrategyRecent Strategy = "recent"
	// StrategySemantic ranks by similarity to the query.
	StrategySemantic Strategy = "semantic"
	// StrategyHybrid blends recency, similarity, and importance.
	StrategyHybrid Strategy = "hybrid"
	// StrategyImportance ranks by the importance score alone.
	StrategyImportance Strategy = "importance"
)

// hybrid weights per the retrieval contract
const (
	hybridRecencyWeight    = 0.5
	hybridSemanticWeight   = 0.3
	hybridImportanceWeight = 0.2
)

// ScoredMessage pairs a message with its retrieval score. Recency and
// Semantic carry the components for callers that inspect the blend.
type ScoredMessage struct {
	Message  Message
	Score    float64
	Recency  float64
	Semantic float64
}

// recencyScore decays with message age: 1/(1+hours).
func recencyScore(ts, now time.Time) float64 {
	hours := now.Sub(ts).Hours()
	if hours < 0 {
		hours = 0
	}
	return 1.0 / (1.0 + hours)
}

// semanticScores resolves the semantic component for every candidate:
// index similarities when an index is wired, keyword overlap otherwise.
// Scores below the noise floor are zero.
func (m *Manager) semanticScores(ctx context.Context, msgs []Message, query string) map[string]float64 {
	scores := make(map[string]float64, len(msgs))
	if query == "" {
		return scores
	}
	if m.semantic != nil {
		idxScores, err := m.semantic.Scores(ctx, query, len(msgs))
		if err == nil {
			for _, msg := range msgs {
				scores[msg.Hash] = idxScores[msg.Hash]
			}
			return scores
		}
		m.logger.Warn("Semantic index query failed, using keyword fallback", errField(err))
	}
	for _, msg := range msgs {
		if s := keywordScore(msg.Content, query); s >= minSemanticScore {
			scores[msg.Hash] = s
		}
	}
	return scores
}

// rank scores candidates under the given strategy and returns the top
// `limit`, highest score first. StrategyRecent bypasses scoring.
func (m *Manager) rank(ctx context.Context, candidates []Message, query string, strategy Strategy, limit int, now time.Time) []ScoredMessage {
	if limit <= 0 {
		limit = len(candidates)
	}

	if strategy == StrategyRecent {
		if len(candidates) > limit {
			candidates = candidates[len(candidates)-limit:]
		}
		out := make([]ScoredMessage, len(candidates))
		for i, msg := range candidates {
			out[i] = ScoredMessage{Message: msg, Recency: recencyScore(msg.Timestamp, now)}
		}
		return out
	}

	var semantic map[string]float64
	if strategy == StrategySemantic || strategy == StrategyHybrid {
		semantic = m.semanticScores(ctx, candidates, query)
	}

	scored := make([]ScoredMessage, 0, len(candidates))
	for _, msg := range candidates {
		sm := ScoredMessage{
			Message:  msg,
			Recency:  recencyScore(msg.Timestamp, now),
			Semantic: semantic[msg.Hash],
		}
		switch strategy {
		case StrategySemantic:
			if sm.Semantic < minSemanticScore {
				continue
			}
			sm.Score = sm.Semantic
		case StrategyImportance:
			sm.Score = msg.Importance
		default: // StrategyHybrid
			sm.Score = hybridRecencyWeight*sm.Recency +
				hybridSemanticWeight*sm.Semantic +
				hybridImportanceWeight*msg.Importance
		}
		scored = append(scored, sm)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
