package contextbuilder

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskweave/taskweave/internal/compression"
	"github.com/taskweave/taskweave/internal/memory"
	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/models"
	"github.com/taskweave/taskweave/internal/tokens"
	"github.com/taskweave/taskweave/internal/tracing"
)

// Config tunes context extraction.
type Config struct {
	CodebaseRoot     string // source tree to scan; empty disables
	DocsRoot         string // docs tree to scan; empty disables
	MaxContextTokens int    // budget handed to compression (default 4000)
	MaxFiles         int    // files kept per build (default 10)
	MaxDocs          int    // doc sections kept per build (default 5)
	ExactTokens      bool   // use the cl100k_base encoding when available
}

func (c Config) withDefaults() Config {
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 4000
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = 10
	}
	if c.MaxDocs <= 0 {
		c.MaxDocs = 5
	}
	return c
}

// ConversationSource supplies recent messages for conversation context;
// *memory.Manager satisfies it.
type ConversationSource interface {
	RecentMessages(n int) []memory.Message
}

// Builder assembles a TaskContext for a task description: keyword
// extraction, parallel codebase and docs scans, conversation excerpt,
// token estimation, and compression when the estimate exceeds the
// budget.
type Builder struct {
	cfg          Config
	code         *codeScanner
	docs         *docScanner
	estimator    *tokens.Estimator
	pipeline     *compression.Pipeline
	conversation ConversationSource
	logger       *zap.Logger
}

// Option customizes a Builder.
type Option func(*Builder)

// WithConversationSource wires conversation context extraction.
func WithConversationSource(src ConversationSource) Option {
	return func(b *Builder) { b.conversation = src }
}

// WithPipeline replaces the default compression pipeline.
func WithPipeline(p *compression.Pipeline) Option {
	return func(b *Builder) { b.pipeline = p }
}

// NewBuilder constructs a Builder with the given tuning.
func NewBuilder(cfg Config, logger *zap.Logger, opts ...Option) *Builder {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "contextbuilder"))

	b := &Builder{
		cfg:       cfg,
		code:      newCodeScanner(cfg.CodebaseRoot, cfg.MaxFiles, logger),
		docs:      newDocScanner(cfg.DocsRoot, cfg.MaxDocs, logger),
		estimator: tokens.NewEstimator(cfg.ExactTokens, logger),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pipeline == nil {
		b.pipeline = compression.NewPipeline(
			compression.Config{MaxTokens: cfg.MaxContextTokens},
			b.estimator,
			logger,
		)
	}
	return b
}

// Build assembles the context for one task. Scans run concurrently and
// honor cancellation; an over-budget estimate is handed to compression,
// and Truncated marks a best-effort result that still exceeds the hard
// budget.
func (b *Builder) Build(ctx context.Context, taskID, description string) (*models.TaskContext, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "context.build")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	tc := &models.TaskContext{
		TaskID:          taskID,
		TaskDescription: description,
		Keywords:        ExtractKeywords(description),
		BuiltAt:         start.UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		files, err := b.code.Scan(gctx, tc.Keywords)
		if err != nil {
			return err
		}
		tc.RelevantFiles = files
		return nil
	})
	g.Go(func() error {
		docs, err := b.docs.Scan(gctx, tc.Keywords)
		if err != nil {
			return err
		}
		tc.RelevantDocs = docs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if b.conversation != nil {
		recent := b.conversation.RecentMessages(conversationLookback)
		tc.ConversationContext = buildConversationContext(recent, tc.Keywords)
	}

	tc.TotalTokens = b.pipeline.EstimateContext(tc)
	if tc.TotalTokens > b.cfg.MaxContextTokens {
		cm, err := b.pipeline.Compress(ctx, tc)
		switch {
		case errors.Is(err, compression.ErrOverflow):
			tc.Truncated = true
		case err != nil:
			return nil, err
		}
		b.logger.Debug("Compressed task context",
			zap.String("task_id", taskID),
			zap.Int("original_tokens", cm.OriginalTokens),
			zap.Int("compressed_tokens", cm.CompressedTokens),
			zap.Float64("ratio", cm.Ratio),
			zap.Strings("strategies", cm.StrategiesApplied),
			zap.Bool("truncated", tc.Truncated),
		)
	}

	tc.BuildDuration = time.Since(start)

	metrics.ContextBuilds.Inc()
	metrics.ContextBuildDuration.Observe(tc.BuildDuration.Seconds())
	metrics.ContextTokens.Observe(float64(tc.TotalTokens))

	b.logger.Debug("Built task context",
		zap.String("task_id", taskID),
		zap.Int("keywords", len(tc.Keywords)),
		zap.Int("files", len(tc.RelevantFiles)),
		zap.Int("docs", len(tc.RelevantDocs)),
		zap.Int("tokens", tc.TotalTokens),
		zap.Duration("duration", tc.BuildDuration),
	)
	return tc, nil
}
