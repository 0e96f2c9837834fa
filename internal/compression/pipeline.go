package compression

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/models"
	"github.com/taskweave/taskweave/internal/tokens"
)

// Strategy names a single compression pass.
type Strategy string

const (
	StrategyRelevance   Strategy = "relevance"
	StrategyExtractive  Strategy = "extractive"
	StrategyCodeSummary Strategy = "code_summary"
	StrategyDeduplicate Strategy = "deduplicate"
)

// defaultStrategies is the hybrid order: cheap structural drops first,
// content rewriting after.
var defaultStrategies = []Strategy{
	StrategyRelevance,
	StrategyExtractive,
	StrategyCodeSummary,
	StrategyDeduplicate,
}

// ErrOverflow reports that the context still exceeds the hard budget
// after every strategy ran. It is a warning: the best-effort result is
// valid and returned alongside it.
var ErrOverflow = errors.New("compressed context still exceeds token budget")

// Config tunes the pipeline.
type Config struct {
	MaxTokens   int        // hard budget (default 4000)
	TargetRatio float64    // target = TargetRatio * MaxTokens (default 0.8)
	Strategies  []Strategy // applied in order; default all four
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4000
	}
	if c.TargetRatio <= 0 || c.TargetRatio > 1 {
		c.TargetRatio = 0.8
	}
	if len(c.Strategies) == 0 {
		c.Strategies = defaultStrategies
	}
	return c
}

// Metrics reports one compression run.
type Metrics struct {
	OriginalTokens    int           `json:"original_tokens"`
	CompressedTokens  int           `json:"compressed_tokens"`
	Ratio             float64       `json:"ratio"`
	ItemsKept         int           `json:"items_kept"`
	ItemsRemoved      int           `json:"items_removed"`
	QualityScore      float64       `json:"quality_score"`
	Elapsed           time.Duration `json:"elapsed"`
	StrategiesApplied []string      `json:"strategies_applied"`
}

// Pipeline shrinks an oversized TaskContext toward the target budget by
// applying strategies in order, stopping as soon as the estimate fits.
// Every strategy is monotonic: it never grows the item count or the
// token estimate.
type Pipeline struct {
	cfg       Config
	estimator *tokens.Estimator
	logger    *zap.Logger
}

// NewPipeline builds a compression pipeline.
func NewPipeline(cfg Config, estimator *tokens.Estimator, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if estimator == nil {
		estimator = tokens.NewEstimator(false, logger)
	}
	return &Pipeline{
		cfg:       cfg.withDefaults(),
		estimator: estimator,
		logger:    logger.With(zap.String("component", "compression")),
	}
}

// Compress mutates tc in place and returns run metrics. When the final
// estimate still exceeds MaxTokens the metrics are returned together
// with ErrOverflow; callers treat that as a warning, not a failure.
func (p *Pipeline) Compress(ctx context.Context, tc *models.TaskContext) (Metrics, error) {
	start := time.Now()
	target := int(float64(p.cfg.MaxTokens) * p.cfg.TargetRatio)

	original := p.EstimateContext(tc)
	itemsBefore := itemCount(tc)
	m := Metrics{OriginalTokens: original}

	current := original
	for _, strategy := range p.cfg.Strategies {
		if current <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return m, err
		}

		before := current
		p.apply(strategy, tc, target)
		current = p.EstimateContext(tc)
		m.StrategiesApplied = append(m.StrategiesApplied, string(strategy))

		p.logger.Debug("Applied compression strategy",
			zap.String("strategy", string(strategy)),
			zap.Int("tokens_before", before),
			zap.Int("tokens_after", current),
		)
	}

	m.CompressedTokens = current
	m.Ratio = 1.0
	if original > 0 {
		m.Ratio = float64(current) / float64(original)
	}
	m.ItemsKept = itemCount(tc)
	m.ItemsRemoved = itemsBefore - m.ItemsKept
	m.QualityScore = qualityScore(tc)
	m.Elapsed = time.Since(start)

	tc.TotalTokens = current

	if current > p.cfg.MaxTokens {
		metrics.RecordCompression("overflow", m.Ratio)
		p.logger.Warn("Context exceeds budget after compression",
			zap.Int("tokens", current),
			zap.Int("max_tokens", p.cfg.MaxTokens),
			zap.Strings("strategies", m.StrategiesApplied),
		)
		return m, fmt.Errorf("%w: %d tokens over %d budget", ErrOverflow, current, p.cfg.MaxTokens)
	}
	metrics.RecordCompression("ok", m.Ratio)
	return m, nil
}

func (p *Pipeline) apply(strategy Strategy, tc *models.TaskContext, target int) {
	switch strategy {
	case StrategyRelevance:
		p.applyRelevance(tc, target)
	case StrategyExtractive:
		applyExtractive(tc)
	case StrategyCodeSummary:
		applyCodeSummary(tc)
	case StrategyDeduplicate:
		applyDeduplicate(tc)
	default:
		p.logger.Warn("Unknown compression strategy skipped", zap.String("strategy", string(strategy)))
	}
}

// EstimateContext sums the token estimate over every context part.
func (p *Pipeline) EstimateContext(tc *models.TaskContext) int {
	total := p.estimator.Estimate(tc.TaskDescription, tokens.Prose)
	total += p.estimator.Estimate(strings.Join(tc.Keywords, " "), tokens.Prose)
	for _, f := range tc.RelevantFiles {
		kind := tokens.KindForLanguage(f.Language)
		for _, l := range f.RelevantLines {
			total += p.estimator.Estimate(l.Text, kind) + 1
		}
		total += p.estimator.EstimateLines(f.Summary, kind)
	}
	for _, d := range tc.RelevantDocs {
		total += p.estimator.Estimate(d.Title, tokens.Prose)
		total += p.estimator.Estimate(d.Content, tokens.Prose)
	}
	total += p.estimator.Estimate(tc.ConversationContext, tokens.Prose)
	return total
}

func itemCount(tc *models.TaskContext) int {
	return len(tc.RelevantFiles) + len(tc.RelevantDocs)
}

// qualityScore is the mean relevance of retained items: doc relevance
// is carried on the item, file relevance is the match count normalized
// against the best file.
func qualityScore(tc *models.TaskContext) float64 {
	maxMatches := 0
	for _, f := range tc.RelevantFiles {
		if f.MatchCount > maxMatches {
			maxMatches = f.MatchCount
		}
	}
	var sum float64
	var n int
	for _, f := range tc.RelevantFiles {
		if maxMatches > 0 {
			sum += float64(f.MatchCount) / float64(maxMatches)
			n++
		}
	}
	for _, d := range tc.RelevantDocs {
		sum += d.RelevanceScore
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
