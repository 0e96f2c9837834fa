package memory

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// SemanticIndex scores stored messages against a free-text query. The
// manager falls back to keyword-overlap scoring when no index is wired.
type SemanticIndex interface {
	// Index makes a message retrievable. Indexing the same hash twice
	// is harmless.
	Index(ctx context.Context, m Message) error
	// Scores returns hash -> similarity in [0,1] for the closest
	// matches; results below the noise floor are omitted.
	Scores(ctx context.Context, query string, topK int) (map[string]float64, error)
}

// minSemanticScore drops raw similarities that carry no signal.
const minSemanticScore = 0.1

// ChromemIndex is an embedded vector index over message content. It
// needs no external service beyond the embedding function.
type ChromemIndex struct {
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewChromemIndex builds an in-memory vector collection using the given
// embedding function (typically embeddings.Client.Func()).
func NewChromemIndex(embed func(ctx context.Context, text string) ([]float32, error), logger *zap.Logger) (*ChromemIndex, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection("messages", nil, chromem.EmbeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("create message collection: %w", err)
	}
	return &ChromemIndex{collection: collection, logger: logger}, nil
}

// Index adds the message keyed by hash. Empty content is skipped.
func (c *ChromemIndex) Index(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.Content) == "" {
		return nil
	}
	meta := map[string]string{"role": m.Role}
	if m.TaskID != "" {
		meta["task_id"] = m.TaskID
	}
	err := c.collection.AddDocument(ctx, chromem.Document{
		ID:       m.Hash,
		Content:  m.Content,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("index message %s: %w", m.Hash, err)
	}
	return nil
}

// Scores queries the collection and maps document IDs (message hashes)
// to cosine similarity.
func (c *ChromemIndex) Scores(ctx context.Context, query string, topK int) (map[string]float64, error) {
	if topK <= 0 {
		topK = 10
	}
	if n := c.collection.Count(); n == 0 {
		return map[string]float64{}, nil
	} else if topK > n {
		topK = n
	}
	results, err := c.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic query: %w", err)
	}
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		if float64(r.Similarity) < minSemanticScore {
			continue
		}
		scores[r.ID] = float64(r.Similarity)
	}
	return scores, nil
}

// keywordScore is the fallback semantic component: the fraction of
// query words present in the content, case-insensitive.
func keywordScore(content, query string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lc := strings.ToLower(content)
	matches := 0
	for _, w := range words {
		if strings.Contains(lc, w) {
			matches++
		}
	}
	return float64(matches) / float64(len(words))
}
