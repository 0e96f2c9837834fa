package contextbuilder

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskweave/taskweave/internal/memory"
)

type stubConversation struct {
	msgs []memory.Message
}

func (s *stubConversation) RecentMessages(n int) []memory.Message { return s.msgs }

func TestBuilderAssemblesAllParts(t *testing.T) {
	codeRoot := t.TempDir()
	writeFile(t, codeRoot, "engine.go", `package engine

// retry_policy drives the backoff loop.
var retryPolicy = "retry_policy"
`)
	docsRoot := t.TempDir()
	writeFile(t, docsRoot, "design.md", `# Design

## Wave Scheduling

Each wave drains before the next; "wave scheduling" is cooperative.
`)

	conv := &stubConversation{msgs: []memory.Message{
		{Role: memory.RoleUser, Content: "the retry_policy is wrong"},
		{Role: memory.RoleAssistant, Content: "nothing relevant"},
	}}

	b := NewBuilder(
		Config{CodebaseRoot: codeRoot, DocsRoot: docsRoot},
		zaptest.NewLogger(t),
		WithConversationSource(conv),
	)

	tc, err := b.Build(context.Background(), "task-1", `Refactor retry_policy handling in engine.go per "wave scheduling"`)
	require.NoError(t, err)

	assert.Equal(t, "task-1", tc.TaskID)
	assert.Contains(t, tc.Keywords, "retry_policy")
	assert.Contains(t, tc.Keywords, "engine.go")
	assert.Contains(t, tc.Keywords, "wave scheduling")

	require.NotEmpty(t, tc.RelevantFiles)
	assert.Equal(t, "engine.go", tc.RelevantFiles[0].FilePath)

	require.NotEmpty(t, tc.RelevantDocs)
	assert.Equal(t, "Wave Scheduling", tc.RelevantDocs[0].Title)

	assert.Equal(t, "user: the retry_policy is wrong", tc.ConversationContext)
	assert.Greater(t, tc.TotalTokens, 0)
	assert.False(t, tc.Truncated)
	assert.False(t, tc.BuiltAt.IsZero())
}

func TestBuilderNoRootsStillExtractsKeywords(t *testing.T) {
	b := NewBuilder(Config{}, zaptest.NewLogger(t))

	tc, err := b.Build(context.Background(), "task-2", "investigate the parse_error in loader.py")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"parse_error", "loader.py"}, tc.Keywords)
	assert.Empty(t, tc.RelevantFiles)
	assert.Empty(t, tc.RelevantDocs)
	assert.Empty(t, tc.ConversationContext)
	assert.Greater(t, tc.TotalTokens, 0)
}

func TestBuilderMarksTruncatedOnOverflow(t *testing.T) {
	codeRoot := t.TempDir()
	writeFile(t, codeRoot, "big.go", "package big\n"+strings.Repeat("// deploy_target notes\n", 30))

	// The description alone estimates past this budget, so compression
	// must run out of strategies and flag the result.
	b := NewBuilder(
		Config{CodebaseRoot: codeRoot, MaxContextTokens: 10},
		zaptest.NewLogger(t),
	)

	desc := "inspect deploy_target " + strings.Repeat("thoroughly and carefully ", 10)
	tc, err := b.Build(context.Background(), "task-3", desc)
	require.NoError(t, err, "overflow is a warning, not a build failure")

	assert.True(t, tc.Truncated)
	assert.Greater(t, tc.TotalTokens, 10)
}

func TestBuilderPropagatesCancellation(t *testing.T) {
	codeRoot := t.TempDir()
	writeFile(t, codeRoot, "a.go", "package a // deploy_target")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBuilder(Config{CodebaseRoot: codeRoot}, zaptest.NewLogger(t))
	_, err := b.Build(ctx, "task-4", "check deploy_target")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuilderEmptyDescription(t *testing.T) {
	b := NewBuilder(Config{}, zaptest.NewLogger(t))

	tc, err := b.Build(context.Background(), "task-5", "")
	require.NoError(t, err)
	assert.Empty(t, tc.Keywords)
	assert.Zero(t, tc.TotalTokens)
}
