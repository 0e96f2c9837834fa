package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is a role-tagged unit of conversation. Identity is the
// SHA-256 of "role:content:timestamp" truncated to 16 hex characters;
// the hash is the dedup key across all three tiers. Messages are
// immutable after admission.
type Message struct {
	Hash       string                 `json:"hash"`
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	Timestamp  time.Time              `json:"timestamp"`
	AgentID    string                 `json:"agent_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	Importance float64                `json:"importance,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ComputeHash derives the message identity hash.
func ComputeHash(role, content string, ts time.Time) string {
	sum := sha256.Sum256([]byte(role + ":" + content + ":" + ts.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])[:16]
}

// Stamp fills in Timestamp, Hash and Importance if unset and returns the
// finished message.
func (m Message) Stamp(scorer ImportanceScorer, now time.Time) Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = now.UTC()
	}
	if m.Hash == "" {
		m.Hash = ComputeHash(m.Role, m.Content, m.Timestamp)
	}
	if m.Importance == 0 {
		m.Importance = scorer(m.Role, m.Content, m.Timestamp, m.Metadata)
	}
	return m
}

// ConsolidatedSummary is a compressed stand-in for a range of messages.
type ConsolidatedSummary struct {
	Summary           string                 `json:"summary"`
	ConsolidatedCount int                    `json:"consolidated_count"`
	OldestTimestamp   time.Time              `json:"oldest_timestamp"`
	NewestTimestamp   time.Time              `json:"newest_timestamp"`
	ConsolidatedAt    time.Time              `json:"consolidated_at"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// IOError reports a persistent log failure. The affected message still
// lives in working memory; callers decide whether to retry or proceed.
type IOError struct {
	Op   string
	Hash string
	Err  error
}

func (e *IOError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("persistent memory %s %s: %v", e.Op, e.Hash, e.Err)
	}
	return fmt.Sprintf("persistent memory %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
