package memory

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newPostgresStoreFromDB(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

func TestPostgresInsertUsesConflictClause(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := Message{
		Role:      RoleUser,
		Content:   "persist me",
		Timestamp: ts,
		TaskID:    "task-1",
		Metadata:  map[string]interface{}{"k": "v"},
	}
	m.Hash = ComputeHash(m.Role, m.Content, m.Timestamp)

	mock.ExpectExec("INSERT INTO messages").
		WithArgs(m.Hash, m.Role, m.Content, ts, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), m))

	// duplicate: the conflict clause makes it a zero-row no-op
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(m.Hash, m.Role, m.Content, ts, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Insert(context.Background(), m))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertErrorWrapsIOError(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	m := Message{Role: RoleUser, Content: "x", Timestamp: time.Now().UTC()}
	m.Hash = ComputeHash(m.Role, m.Content, m.Timestamp)

	mock.ExpectExec("INSERT INTO messages").WillReturnError(assert.AnError)

	err := store.Insert(context.Background(), m)
	require.Error(t, err)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "insert", ioErr.Op)
	assert.Equal(t, m.Hash, ioErr.Hash)
}

func TestPostgresGetByTask(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"hash", "role", "content", "timestamp", "agent_id", "task_id", "metadata"}).
		AddRow("aaaa", RoleAssistant, "reply", ts, "agent-a", "task-1", []byte(`{"n":1}`)).
		AddRow("bbbb", RoleUser, "ask", ts.Add(-time.Minute), nil, "task-1", nil)

	mock.ExpectQuery("SELECT \\* FROM messages WHERE task_id").
		WithArgs("task-1", 100).
		WillReturnRows(rows)

	got, err := store.GetByTask(context.Background(), "task-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "reply", got[0].Content)
	assert.Equal(t, "agent-a", got[0].AgentID)
	assert.Equal(t, float64(1), got[0].Metadata["n"])

	assert.Equal(t, "ask", got[1].Content)
	assert.Empty(t, got[1].AgentID)
	assert.Nil(t, got[1].Metadata)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCount(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
