package contextbuilder

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/models"
)

const (
	maxSectionsPerDoc = 3 // matching sections kept per file
	sectionWindow     = 5 // lines of context either side of a hit
)

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// docScanner extracts keyword-relevant sections from Markdown and plain
// text documentation.
type docScanner struct {
	root    string
	maxDocs int
	logger  *zap.Logger
}

func newDocScanner(root string, maxDocs int, logger *zap.Logger) *docScanner {
	if maxDocs <= 0 {
		maxDocs = 5
	}
	return &docScanner{root: root, maxDocs: maxDocs, logger: logger}
}

// Scan returns the best-scoring documentation sections across the docs
// root: up to maxSectionsPerDoc per file, ranked globally by the share
// of keywords each section matches, capped at maxDocs.
func (s *docScanner) Scan(ctx context.Context, keywords []string) ([]models.DocContext, error) {
	if s.root == "" || len(keywords) == 0 {
		return nil, nil
	}
	if _, err := os.Stat(s.root); err != nil {
		s.logger.Debug("Docs root not readable, skipping scan", zap.String("root", s.root), zap.Error(err))
		return nil, nil
	}

	var sections []models.DocContext
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		sections = append(sections, s.scanDoc(path, keywords)...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sections, func(i, j int) bool {
		if sections[i].RelevanceScore != sections[j].RelevanceScore {
			return sections[i].RelevanceScore > sections[j].RelevanceScore
		}
		return sections[i].SectionPath < sections[j].SectionPath
	})
	if len(sections) > s.maxDocs {
		sections = sections[:s.maxDocs]
	}
	return sections, nil
}

// scanDoc extracts up to maxSectionsPerDoc sections from one file. A
// section is a ±sectionWindow line slice around a keyword hit, titled
// by the nearest preceding heading. Overlapping hits fold into the
// already-open section instead of opening a new one.
func (s *docScanner) scanDoc(path string, keywords []string) []models.DocContext {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("Skipping unreadable doc", zap.String("path", path), zap.Error(err))
		return nil
	}
	lines := strings.Split(string(data), "\n")

	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	type heading struct {
		line  int
		level int
		title string
	}
	var headings []heading
	for i, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			headings = append(headings, heading{line: i, level: len(m[1]), title: m[2]})
		}
	}
	nearestHeading := func(line int) (string, int) {
		for i := len(headings) - 1; i >= 0; i-- {
			if headings[i].line <= line {
				return headings[i].title, headings[i].level
			}
		}
		// plain-text files and preamble hits fall back to the filename
		return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), 1
	}

	var out []models.DocContext
	lastEnd := -1
	for i, line := range lines {
		if len(out) >= maxSectionsPerDoc {
			break
		}
		if i <= lastEnd || countKeywordHits(line, keywords) == 0 {
			continue
		}

		start := i - sectionWindow
		if start < 0 {
			start = 0
		}
		end := i + sectionWindow
		if end >= len(lines) {
			end = len(lines) - 1
		}
		content := strings.Join(lines[start:end+1], "\n")
		title, level := nearestHeading(i)

		distinct := countKeywordHits(content, keywords)
		out = append(out, models.DocContext{
			SectionPath:    fmt.Sprintf("%s#%s", rel, slugify(title)),
			Title:          title,
			Content:        content,
			RelevanceScore: float64(distinct) / float64(len(keywords)),
			HeadingLevel:   level,
		})
		lastEnd = end
	}
	return out
}

// slugify converts a heading into a stable anchor fragment.
func slugify(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
