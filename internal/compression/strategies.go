package compression

import (
	"sort"
	"strings"
	"time"

	"github.com/taskweave/taskweave/internal/models"
)

const (
	extractiveKeepSentences = 5  // sentences kept per doc section
	extractiveKeepLines     = 10 // relevant lines kept per file
	codeSummaryMaxLines     = 20 // signature lines kept per file
)

// applyRelevance drops the lowest-value items (files and docs pooled)
// until the estimate fits the target or a single item remains. Value is
// keyword relevance x recency x inverse size.
func (p *Pipeline) applyRelevance(tc *models.TaskContext, target int) {
	type scoredItem struct {
		score  float64
		isFile bool
		index  int
	}

	now := time.Now()
	var pool []scoredItem
	for i, f := range tc.RelevantFiles {
		recency := 1.0 / (1.0 + now.Sub(f.LastModified).Hours()/24)
		size := 1.0 / (1.0 + float64(f.SizeBytes)/1024)
		pool = append(pool, scoredItem{
			score:  float64(f.MatchCount) * recency * size,
			isFile: true,
			index:  i,
		})
	}
	for i, d := range tc.RelevantDocs {
		size := 1.0 / (1.0 + float64(len(d.Content))/1024)
		pool = append(pool, scoredItem{
			score: d.RelevanceScore * size,
			index: i,
		})
	}
	// weakest first
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].score < pool[j].score })

	dropFiles := make(map[int]bool)
	dropDocs := make(map[int]bool)
	remaining := len(pool)
	for _, item := range pool {
		if remaining <= 1 || p.EstimateContext(tc) <= target {
			break
		}
		if item.isFile {
			dropFiles[item.index] = true
			tc.RelevantFiles[item.index] = models.FileContext{}
		} else {
			dropDocs[item.index] = true
			tc.RelevantDocs[item.index] = models.DocContext{}
		}
		remaining--
	}

	if len(dropFiles) > 0 {
		kept := tc.RelevantFiles[:0]
		for i, f := range tc.RelevantFiles {
			if !dropFiles[i] {
				kept = append(kept, f)
			}
		}
		tc.RelevantFiles = kept
	}
	if len(dropDocs) > 0 {
		kept := tc.RelevantDocs[:0]
		for i, d := range tc.RelevantDocs {
			if !dropDocs[i] {
				kept = append(kept, d)
			}
		}
		tc.RelevantDocs = kept
	}
}

// applyExtractive rewrites item content down to its best sentences and
// lines, preserving original order.
func applyExtractive(tc *models.TaskContext) {
	keywords := tc.Keywords

	for i := range tc.RelevantDocs {
		tc.RelevantDocs[i].Content = extractSentences(tc.RelevantDocs[i].Content, keywords, extractiveKeepSentences)
	}
	if tc.ConversationContext != "" {
		tc.ConversationContext = extractSentences(tc.ConversationContext, keywords, extractiveKeepSentences)
	}
	for i := range tc.RelevantFiles {
		lines := tc.RelevantFiles[i].RelevantLines
		if len(lines) <= extractiveKeepLines {
			continue
		}
		type scored struct {
			pos   int
			score float64
		}
		ranked := make([]scored, len(lines))
		for j, l := range lines {
			ranked[j] = scored{pos: j, score: sentenceScore(l.Text, keywords)}
		}
		sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })
		keep := make(map[int]bool, extractiveKeepLines)
		for _, r := range ranked[:extractiveKeepLines] {
			keep[r.pos] = true
		}
		var out []models.RelevantLine
		for j, l := range lines {
			if keep[j] {
				out = append(out, l)
			}
		}
		tc.RelevantFiles[i].RelevantLines = out
	}
}

// extractSentences keeps the top-scoring sentences in original order.
func extractSentences(text string, keywords []string, keep int) string {
	sentences := splitSentences(text)
	if len(sentences) <= keep {
		return text
	}
	type scored struct {
		pos   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		ranked[i] = scored{pos: i, score: sentenceScore(s, keywords)}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	selected := make(map[int]bool, keep)
	for _, r := range ranked[:keep] {
		selected[r.pos] = true
	}
	var out []string
	for i, s := range sentences {
		if selected[i] {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// importanceTerms boost sentences that carry operational signal.
var importanceTerms = []string{"error", "warning", "must", "note", "important", "todo", "fix"}

// sentenceScore ranks a sentence: keyword hits dominate, 10-30 word
// sentences are preferred, operational terms get a small boost.
func sentenceScore(sentence string, keywords []string) float64 {
	lc := strings.ToLower(sentence)
	score := 0.0
	for _, kw := range keywords {
		if strings.Contains(lc, kw) {
			score += 2.0
		}
	}
	words := len(strings.Fields(sentence))
	switch {
	case words >= 10 && words <= 30:
		score += 1.0
	case words >= 5 && words <= 40:
		score += 0.5
	default:
		score += 0.2
	}
	for _, term := range importanceTerms {
		if strings.Contains(lc, term) {
			score += 1.0
			break
		}
	}
	return score
}

// applyCodeSummary strips file content down to signature lines:
// definitions, imports, decorators, arrow functions.
func applyCodeSummary(tc *models.TaskContext) {
	for i := range tc.RelevantFiles {
		f := &tc.RelevantFiles[i]
		var signatures []models.RelevantLine
		for _, l := range f.RelevantLines {
			if len(signatures) >= codeSummaryMaxLines {
				break
			}
			if isSignatureLine(l.Text) {
				signatures = append(signatures, l)
			}
		}
		if len(signatures) == 0 && len(f.RelevantLines) > 0 {
			// nothing signature-shaped: keep the strongest single line
			signatures = f.RelevantLines[:1]
		}
		f.RelevantLines = signatures
	}
}

var signaturePrefixes = []string{
	"func ", "type ", "var ", "const ",
	"def ", "class ", "async def ",
	"function ", "export ", "interface ",
	"let ", "import ", "from ", "@",
}

func isSignatureLine(line string) bool {
	t := strings.TrimSpace(line)
	for _, prefix := range signaturePrefixes {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return strings.Contains(t, "=>") // arrow functions
}

// applyDeduplicate merges items that cover the same file path, then
// drops items whose leading content matches an earlier item.
func applyDeduplicate(tc *models.TaskContext) {
	byPath := make(map[string]int)
	var files []models.FileContext
	for _, f := range tc.RelevantFiles {
		if prev, dup := byPath[f.FilePath]; dup {
			if f.MatchCount > files[prev].MatchCount {
				files[prev] = f
			}
			continue
		}
		byPath[f.FilePath] = len(files)
		files = append(files, f)
	}
	tc.RelevantFiles = files

	seen := make(map[string]bool)
	var docs []models.DocContext
	for _, d := range tc.RelevantDocs {
		sig := contentSignature(d.Content)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		docs = append(docs, d)
	}
	tc.RelevantDocs = docs

	fileSigs := make(map[string]bool)
	var uniqueFiles []models.FileContext
	for _, f := range tc.RelevantFiles {
		var firstLines []string
		for i, l := range f.RelevantLines {
			if i >= 3 {
				break
			}
			firstLines = append(firstLines, l.Text)
		}
		sig := contentSignature(strings.Join(firstLines, "\n"))
		if sig != "" && fileSigs[sig] {
			continue
		}
		fileSigs[sig] = true
		uniqueFiles = append(uniqueFiles, f)
	}
	tc.RelevantFiles = uniqueFiles
}

// contentSignature is the first three non-blank lines, whitespace
// collapsed.
func contentSignature(content string) string {
	var sig []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		sig = append(sig, line)
		if len(sig) == 3 {
			break
		}
	}
	return strings.Join(sig, "|")
}
