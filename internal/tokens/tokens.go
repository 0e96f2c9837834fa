package tokens

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Kind classifies content for the character-to-token ratio heuristic.
type Kind int

const (
	Code Kind = iota
	Prose
	JSON
)

// characters-per-token ratios by content kind
const (
	ratioCode  = 0.3
	ratioProse = 0.5
	ratioJSON  = 0.35
)

func ratioFor(kind Kind) float64 {
	switch kind {
	case Code:
		return ratioCode
	case JSON:
		return ratioJSON
	default:
		return ratioProse
	}
}

// KindForLanguage maps a detected language name to a ratio class.
func KindForLanguage(lang string) Kind {
	switch lang {
	case "json", "yaml", "toml":
		return JSON
	case "markdown", "text", "":
		return Prose
	default:
		return Code
	}
}

// Estimator converts text into an approximate token count. The default
// mode multiplies character counts by per-kind ratios; exact mode runs
// the cl100k_base encoding and falls back to the heuristic when the
// encoding cannot be loaded.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator builds an estimator. Exact mode downloads or loads the
// cl100k_base vocabulary; failure is non-fatal.
func NewEstimator(exact bool, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !exact {
		return &Estimator{}
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("Exact token encoding unavailable, using ratio heuristic", zap.Error(err))
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

// Exact reports whether the estimator runs a real encoding.
func (e *Estimator) Exact() bool { return e.enc != nil }

// Estimate returns the token count for text of the given kind.
func (e *Estimator) Estimate(text string, kind Kind) int {
	if text == "" {
		return 0
	}
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	n := int(float64(len(text)) * ratioFor(kind))
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateLines sums estimates over a line slice, charging one token
// per line break.
func (e *Estimator) EstimateLines(lines []string, kind Kind) int {
	total := 0
	for _, line := range lines {
		total += e.Estimate(line, kind) + 1
	}
	return total
}
