package memory

import (
	"strings"
	"time"
)

// ImportanceScorer maps a message to a retention weight in [0,1]. The
// score is computed once at admission and rides with the message; it
// drives the consolidation preserve threshold and the importance
// component of hybrid retrieval.
type ImportanceScorer func(role, content string, ts time.Time, metadata map[string]interface{}) float64

// HeuristicImportance is the default scorer: 0.5 base, +0.1 for user
// messages, +0.3 when the content mentions an error, clamped to 1.0.
func HeuristicImportance(role, content string, _ time.Time, _ map[string]interface{}) float64 {
	score := 0.5
	if role == RoleUser {
		score += 0.1
	}
	if strings.Contains(strings.ToLower(content), "error") {
		score += 0.3
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
