package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	hash      TEXT PRIMARY KEY,
	role      TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	agent_id  TEXT,
	task_id   TEXT,
	metadata  JSONB
);
CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);
CREATE INDEX IF NOT EXISTS idx_messages_agent_id ON messages(agent_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);
`

// PostgresStore is the shared-database tier-3 backend, for deployments
// where several processes append to one log.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects, applies the schema, and verifies the
// connection.
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// newPostgresStoreFromDB wraps an existing connection; used by tests.
func newPostgresStoreFromDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Insert appends a message; ON CONFLICT makes duplicate hashes no-ops.
func (s *PostgresStore) Insert(ctx context.Context, m Message) error {
	row, err := rowFromMessage(m)
	if err != nil {
		return &IOError{Op: "insert", Hash: m.Hash, Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (hash, role, content, timestamp, agent_id, task_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO NOTHING`,
		row.Hash, row.Role, row.Content, row.Timestamp, row.AgentID, row.TaskID, row.Metadata)
	if err != nil {
		return &IOError{Op: "insert", Hash: m.Hash, Err: err}
	}
	return nil
}

func (s *PostgresStore) GetByTask(ctx context.Context, taskID string, limit int) ([]Message, error) {
	return s.query(ctx, `SELECT * FROM messages WHERE task_id = $1 ORDER BY timestamp DESC LIMIT $2`, taskID, normalizeLimit(limit))
}

func (s *PostgresStore) GetByAgent(ctx context.Context, agentID string, limit int) ([]Message, error) {
	return s.query(ctx, `SELECT * FROM messages WHERE agent_id = $1 ORDER BY timestamp DESC LIMIT $2`, agentID, normalizeLimit(limit))
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	return s.query(ctx, `SELECT * FROM messages ORDER BY timestamp DESC LIMIT $1`, normalizeLimit(limit))
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]Message, error) {
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

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, &IOError{Op: "count", Err: err}
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
