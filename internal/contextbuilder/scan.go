package contextbuilder

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskweave/taskweave/internal/models"
)

const (
	maxLinesPerFile  = 20 // relevant lines collected per file
	summaryLineCount = 5  // lines in the heuristic file summary
	scanConcurrency  = 8  // parallel file reads per scan
	fileCacheSize    = 256
)

// defaultSkipGlobs are matched with doublestar against the path of each
// directory relative to the scan root.
var defaultSkipGlobs = []string{
	"**/node_modules",
	"**/.git",
	"**/__pycache__",
	"**/venv",
	"**/.venv",
	"**/dist",
	"**/build",
	"**/target",
	"**/vendor",
	"**/.idea",
	"**/.vscode",
}

// languageByExt maps source extensions to a language tag; extensions
// outside this map are not scanned.
var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".rb":    "ruby",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".proto": "proto",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".toml":  "toml",
}

type cachedFile struct {
	modTime int64
	lines   []string
}

// codeScanner finds keyword-relevant source files under a root. File
// contents are cached keyed by path and invalidated by mtime, so
// repeated builds over an unchanged tree skip the reads.
type codeScanner struct {
	root      string
	skipGlobs []string
	maxFiles  int
	cache     *lru.Cache[string, cachedFile]
	logger    *zap.Logger
}

func newCodeScanner(root string, maxFiles int, logger *zap.Logger) *codeScanner {
	if maxFiles <= 0 {
		maxFiles = 10
	}
	cache, _ := lru.New[string, cachedFile](fileCacheSize)
	return &codeScanner{
		root:      root,
		skipGlobs: defaultSkipGlobs,
		maxFiles:  maxFiles,
		cache:     cache,
		logger:    logger,
	}
}

func (s *codeScanner) skipDir(rel string) bool {
	for _, glob := range s.skipGlobs {
		if ok, _ := doublestar.Match(glob, rel); ok {
			return true
		}
	}
	return false
}

// Scan walks the root, reads every source file whose extension is
// known, and returns the files with the most keyword-matching lines,
// best first, capped at maxFiles.
func (s *codeScanner) Scan(ctx context.Context, keywords []string) ([]models.FileContext, error) {
	if s.root == "" || len(keywords) == 0 {
		return nil, nil
	}
	if _, err := os.Stat(s.root); err != nil {
		s.logger.Debug("Codebase root not readable, skipping scan", zap.String("root", s.root), zap.Error(err))
		return nil, nil
	}

	var candidates []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if rel != "." && s.skipDir(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, known := languageByExt[strings.ToLower(filepath.Ext(path))]; known {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		matches []models.FileContext
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, path := range candidates {
		path := path
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			fc, ok := s.scanFile(path, keywords)
			if ok {
				mu.Lock()
				matches = append(matches, fc)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].MatchCount != matches[j].MatchCount {
			return matches[i].MatchCount > matches[j].MatchCount
		}
		return matches[i].FilePath < matches[j].FilePath
	})
	if len(matches) > s.maxFiles {
		matches = matches[:s.maxFiles]
	}
	return matches, nil
}

// scanFile reads one file (through the cache) and builds its
// FileContext when at least one line matches a keyword.
func (s *codeScanner) scanFile(path string, keywords []string) (models.FileContext, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return models.FileContext{}, false
	}

	lines, err := s.readLines(path, info.ModTime().UnixNano())
	if err != nil {
		s.logger.Debug("Skipping unreadable file", zap.String("path", path), zap.Error(err))
		return models.FileContext{}, false
	}

	var relevant []models.RelevantLine
	matchCount := 0
	for i, line := range lines {
		if countKeywordHits(line, keywords) == 0 {
			continue
		}
		matchCount++
		if len(relevant) < maxLinesPerFile {
			relevant = append(relevant, models.RelevantLine{
				Number: i + 1,
				Text:   strings.TrimRight(line, " \t"),
			})
		}
	}
	if matchCount == 0 {
		return models.FileContext{}, false
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}
	return models.FileContext{
		FilePath:      filepath.ToSlash(rel),
		Language:      languageByExt[strings.ToLower(filepath.Ext(path))],
		RelevantLines: relevant,
		Summary:       summarizeFile(lines, relevant),
		SizeBytes:     info.Size(),
		LastModified:  info.ModTime().UTC(),
		MatchCount:    matchCount,
	}, true
}

func (s *codeScanner) readLines(path string, modTime int64) ([]string, error) {
	if cached, ok := s.cache.Get(path); ok && cached.modTime == modTime {
		return cached.lines, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	s.cache.Add(path, cachedFile{modTime: modTime, lines: lines})
	return lines, nil
}

// summarizeFile picks the first summaryLineCount informative lines:
// doc comments, top-level definitions, imports, then keyword hits.
func summarizeFile(lines []string, relevant []models.RelevantLine) []string {
	var summary []string
	seen := make(map[string]struct{})
	add := func(line string) bool {
		line = strings.TrimSpace(line)
		if line == "" {
			return false
		}
		if _, dup := seen[line]; dup {
			return false
		}
		seen[line] = struct{}{}
		summary = append(summary, line)
		return len(summary) >= summaryLineCount
	}

	for _, line := range lines {
		if isCommentLine(line) && add(line) {
			return summary
		}
	}
	for _, line := range lines {
		if isDefinitionLine(line) && add(line) {
			return summary
		}
	}
	for _, line := range lines {
		if isImportLine(line) && add(line) {
			return summary
		}
	}
	for _, rl := range relevant {
		if add(rl.Text) {
			return summary
		}
	}
	return summary
}

func isCommentLine(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "//") ||
		strings.HasPrefix(t, "#") ||
		strings.HasPrefix(t, "/*") ||
		strings.HasPrefix(t, "*") ||
		strings.HasPrefix(t, `"""`) ||
		strings.HasPrefix(t, "'''")
}

// isDefinitionLine matches top-level definitions: no leading
// indentation and a definition keyword.
func isDefinitionLine(line string) bool {
	if line == "" || line[0] == ' ' || line[0] == '\t' {
		return false
	}
	for _, prefix := range []string{
		"func ", "type ", "var ", "const ",
		"def ", "class ",
		"function ", "export ", "interface ", "struct ",
	} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func isImportLine(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "import ") ||
		strings.HasPrefix(t, "import(") ||
		strings.HasPrefix(t, "from ") ||
		strings.HasPrefix(t, "require(") ||
		strings.HasPrefix(t, "#include")
}
