package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Store is the tier-3 persistent message log. Implementations must make
// Insert idempotent on the message hash: re-inserting an already stored
// message is a no-op, which keeps concurrent duplicate writes safe.
type Store interface {
	// Insert appends a message keyed by its hash.
	Insert(ctx context.Context, m Message) error
	// GetByTask returns messages for a task, newest first.
	GetByTask(ctx context.Context, taskID string, limit int) ([]Message, error)
	// GetByAgent returns messages recorded by an agent, newest first.
	GetByAgent(ctx context.Context, agentID string, limit int) ([]Message, error)
	// Recent returns the newest messages across the whole log.
	Recent(ctx context.Context, limit int) ([]Message, error)
	// Count returns the total number of stored messages.
	Count(ctx context.Context) (int64, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// messageRow is the wire shape shared by the SQL backends.
type messageRow struct {
	Hash      string         `db:"hash"`
	Role      string         `db:"role"`
	Content   string         `db:"content"`
	Timestamp time.Time      `db:"timestamp"`
	AgentID   sql.NullString `db:"agent_id"`
	TaskID    sql.NullString `db:"task_id"`
	Metadata  []byte         `db:"metadata"`
}

func rowFromMessage(m Message) (messageRow, error) {
	row := messageRow{
		Hash:      m.Hash,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC(),
	}
	if m.AgentID != "" {
		row.AgentID = sql.NullString{String: m.AgentID, Valid: true}
	}
	if m.TaskID != "" {
		row.TaskID = sql.NullString{String: m.TaskID, Valid: true}
	}
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return row, err
		}
		row.Metadata = b
	}
	return row, nil
}

func (r messageRow) toMessage() Message {
	m := Message{
		Hash:      r.Hash,
		Role:      r.Role,
		Content:   r.Content,
		Timestamp: r.Timestamp.UTC(),
	}
	if r.AgentID.Valid {
		m.AgentID = r.AgentID.String
	}
	if r.TaskID.Valid {
		m.TaskID = r.TaskID.String
	}
	if len(r.Metadata) > 0 {
		var meta map[string]interface{}
		if err := json.Unmarshal(r.Metadata, &meta); err == nil {
			m.Metadata = meta
		}
	}
	return m
}
