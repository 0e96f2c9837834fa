package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	hash      TEXT PRIMARY KEY,
	role      TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	agent_id  TEXT,
	task_id   TEXT,
	metadata  TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);
CREATE INDEX IF NOT EXISTS idx_messages_agent_id ON messages(agent_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);
`

// SQLiteStore is the default tier-3 backend: a single-file append-only
// log that survives restarts without external services.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the log at the given DSN.
// Parent directories are created for plain file paths.
func NewSQLiteStore(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(trimSQLiteDSN(dsn)); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent inserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// trimSQLiteDSN strips the file: prefix and query options so the path
// component can be used for directory creation.
func trimSQLiteDSN(dsn string) string {
	path := dsn
	if len(path) > 5 && path[:5] == "file:" {
		path = path[5:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			return path[:i]
		}
	}
	return path
}

// Insert appends a message; a duplicate hash is silently ignored.
func (s *SQLiteStore) Insert(ctx context.Context, m Message) error {
	row, err := rowFromMessage(m)
	if err != nil {
		return &IOError{Op: "insert", Hash: m.Hash, Err: err}
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO messages (hash, role, content, timestamp, agent_id, task_id, metadata)
		VALUES (:hash, :role, :content, :timestamp, :agent_id, :task_id, :metadata)`, row)
	if err != nil {
		return &IOError{Op: "insert", Hash: m.Hash, Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetByTask(ctx context.Context, taskID string, limit int) ([]Message, error) {
	return s.query(ctx, `SELECT * FROM messages WHERE task_id = ? ORDER BY timestamp DESC LIMIT ?`, taskID, normalizeLimit(limit))
}

func (s *SQLiteStore) GetByAgent(ctx context.Context, agentID string, limit int) ([]Message, error) {
	return s.query(ctx, `SELECT * FROM messages WHERE agent_id = ? ORDER BY timestamp DESC LIMIT ?`, agentID, normalizeLimit(limit))
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	return s.query(ctx, `SELECT * FROM messages ORDER BY timestamp DESC LIMIT ?`, normalizeLimit(limit))
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...interface{}) ([]Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, &IOError{Op: "query", Err: err}
	}
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, &IOError{Op: "count", Err: err}
	}
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
