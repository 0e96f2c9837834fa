package contextbuilder

import (
	"fmt"
	"strings"

	"github.com/taskweave/taskweave/internal/memory"
)

const (
	conversationLookback = 20  // recent messages considered
	conversationMatchCap = 10  // keyword-containing messages kept
	conversationJoinCap  = 5   // entries joined into the summary
	conversationSnippet  = 200 // content characters per entry
)

// buildConversationContext selects recent messages that mention any
// task keyword and joins them into a compact transcript excerpt.
func buildConversationContext(recent []memory.Message, keywords []string) string {
	if len(recent) == 0 || len(keywords) == 0 {
		return ""
	}
	if len(recent) > conversationLookback {
		recent = recent[len(recent)-conversationLookback:]
	}

	var matched []memory.Message
	for _, m := range recent {
		if countKeywordHits(m.Content, keywords) > 0 {
			matched = append(matched, m)
			if len(matched) >= conversationMatchCap {
				break
			}
		}
	}
	if len(matched) == 0 {
		return ""
	}
	if len(matched) > conversationJoinCap {
		matched = matched[:conversationJoinCap]
	}

	entries := make([]string, len(matched))
	for i, m := range matched {
		content := m.Content
		if len(content) > conversationSnippet {
			content = content[:conversationSnippet]
		}
		entries[i] = fmt.Sprintf("%s: %s", m.Role, content)
	}
	return strings.Join(entries, "\n")
}
