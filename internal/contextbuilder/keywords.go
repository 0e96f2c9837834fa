package contextbuilder

import (
	"regexp"
	"sort"
	"strings"
)

// maxKeywords bounds the extracted keyword set; longer keywords are
// kept first because they are more specific.
const maxKeywords = 20

var (
	pathPattern   = regexp.MustCompile(`[\w./\-]+\.(?:go|py|js|jsx|ts|tsx|java|rb|rs|c|h|cc|cpp|hpp|cs|php|swift|kt|scala|sh|sql|proto|yaml|yml|json|toml|md|txt)\b`)
	pascalPattern = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]*)+\b`)
	camelPattern  = regexp.MustCompile(`\b[a-z]+(?:[A-Z][a-z0-9]*)+\b`)
	snakePattern  = regexp.MustCompile(`\b[a-z][a-z0-9]*(?:_[a-z0-9]+)+\b`)
	hyphenPattern = regexp.MustCompile(`\b[a-z]+(?:-[a-z]+)+\b`)
	quotedPattern = regexp.MustCompile("\"([^\"\n]{1,80})\"|'([^'\n]{1,80})'|`([^`\n]{1,80})`")
	numberPattern = regexp.MustCompile(`\b\d{3,5}\b`)
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "are": {}, "was": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "while": {}, "have": {}, "has": {}, "had": {},
	"not": {}, "but": {}, "all": {}, "any": {}, "can": {}, "could": {},
	"should": {}, "would": {}, "will": {}, "into": {}, "then": {}, "than": {},
	"them": {}, "they": {}, "there": {}, "their": {}, "been": {}, "being": {},
	"also": {}, "each": {}, "more": {}, "most": {}, "some": {}, "such": {},
	"only": {}, "over": {}, "under": {}, "between": {}, "about": {},
	"after": {}, "before": {}, "because": {}, "does": {}, "doing": {},
	"done": {}, "using": {}, "used": {}, "you": {}, "your": {}, "our": {},
	"its": {}, "how": {}, "why": {}, "who": {}, "these": {}, "those": {},
	"please": {}, "need": {}, "want": {}, "like": {}, "just": {}, "very": {},
	"make": {}, "made": {}, "get": {}, "got": {}, "let": {}, "may": {},
	"new": {}, "now": {}, "out": {}, "own": {}, "same": {}, "see": {},
	"too": {}, "use": {}, "via": {}, "way": {}, "yet": {},
}

// ExtractKeywords pulls search terms out of a task description: file
// paths, PascalCase/camelCase identifiers, snake_case identifiers,
// hyphenated terms, quoted substrings, and 3-5 digit numeric literals.
// Results are lowercased, stopword-filtered, deduplicated, and ranked
// longest first (length is a proxy for specificity).
func ExtractKeywords(description string) []string {
	if strings.TrimSpace(description) == "" {
		return nil
	}

	var raw []string
	raw = append(raw, pathPattern.FindAllString(description, -1)...)
	raw = append(raw, pascalPattern.FindAllString(description, -1)...)
	raw = append(raw, camelPattern.FindAllString(description, -1)...)
	raw = append(raw, snakePattern.FindAllString(description, -1)...)
	raw = append(raw, hyphenPattern.FindAllString(description, -1)...)
	for _, groups := range quotedPattern.FindAllStringSubmatch(description, -1) {
		for _, g := range groups[1:] {
			if g != "" {
				raw = append(raw, g)
			}
		}
	}
	raw = append(raw, numberPattern.FindAllString(description, -1)...)

	seen := make(map[string]struct{}, len(raw))
	keywords := make([]string, 0, len(raw))
	for _, token := range raw {
		kw := strings.ToLower(strings.TrimSpace(token))
		if len(kw) < 3 {
			continue
		}
		if _, stop := stopwords[kw]; stop {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
	}

	sort.SliceStable(keywords, func(i, j int) bool {
		if len(keywords[i]) != len(keywords[j]) {
			return len(keywords[i]) > len(keywords[j])
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}

// countKeywordHits returns how many distinct keywords appear in the
// line, case-insensitive.
func countKeywordHits(line string, keywords []string) int {
	lc := strings.ToLower(line)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lc, kw) {
			hits++
		}
	}
	return hits
}
