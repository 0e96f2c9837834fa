package models

import "time"

// Task priorities
const (
	PriorityMin     = 1
	PriorityDefault = 5
	PriorityMax     = 10
)

// Task represents a unit of work handed to an executor. The engine and
// router only read the fields below; everything an executor needs beyond
// them travels in Metadata and Context.
type Task struct {
	ID                   string                 `json:"id"`
	Description          string                 `json:"description"`
	Type                 string                 `json:"type,omitempty"`
	Priority             int                    `json:"priority"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Complexity           float64                `json:"complexity,omitempty"`
	EstimatedDuration    time.Duration          `json:"estimated_duration,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	Context              *TaskContext           `json:"context,omitempty"`
}

// Result is what an executor returns for a task.
type Result struct {
	Success   bool                   `json:"success"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Artifacts []string               `json:"artifacts,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// RelevantLine is a single keyword-matching line from a scanned file.
type RelevantLine struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// FileContext describes one source file selected for a task's context.
type FileContext struct {
	FilePath      string         `json:"file_path"`
	Language      string         `json:"language"`
	RelevantLines []RelevantLine `json:"relevant_lines,omitempty"`
	Summary       []string       `json:"summary,omitempty"`
	SizeBytes     int64          `json:"size_bytes"`
	LastModified  time.Time      `json:"last_modified"`
	MatchCount    int            `json:"match_count"`
}

// DocContext describes one documentation section selected for a task's
// context. SectionPath is "relative/path.md#heading".
type DocContext struct {
	SectionPath    string  `json:"section_path"`
	Title          string  `json:"title"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
	HeadingLevel   int     `json:"heading_level"`
}

// TaskContext is the assembled context for a single task. It is a value
// produced per task, consumed by the executor, and discarded.
type TaskContext struct {
	TaskID              string        `json:"task_id"`
	TaskDescription     string        `json:"task_description"`
	Keywords            []string      `json:"keywords,omitempty"`
	RelevantFiles       []FileContext `json:"relevant_files,omitempty"`
	RelevantDocs        []DocContext  `json:"relevant_docs,omitempty"`
	ConversationContext string        `json:"conversation_context,omitempty"`
	TotalTokens         int           `json:"total_tokens"`
	Truncated           bool          `json:"truncated,omitempty"`
	BuiltAt             time.Time     `json:"built_at"`
	BuildDuration       time.Duration `json:"build_duration,omitempty"`
}

// NewTask builds a task with defaulted priority.
func NewTask(id, description string) Task {
	return Task{
		ID:          id,
		Description: description,
		Priority:    PriorityDefault,
	}
}

// ClampPriority forces a priority into the [PriorityMin, PriorityMax] band.
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
