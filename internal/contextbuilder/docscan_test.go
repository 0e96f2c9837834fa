package contextbuilder

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const guideDoc = `# Workflow Guide

Some introduction prose.

## Retry Policy

The retry_policy setting controls backoff timing.
More detail on timing.

## Unrelated

Nothing to see.
`

func TestDocScanExtractsSectionAroundHit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "guide.md", guideDoc)

	s := newDocScanner(root, 5, zaptest.NewLogger(t))
	docs, err := s.Scan(context.Background(), []string{"retry_policy", "backoff"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	d := docs[0]
	assert.Equal(t, "Retry Policy", d.Title)
	assert.Equal(t, 2, d.HeadingLevel)
	assert.Equal(t, "guide.md#retry-policy", d.SectionPath)
	assert.InDelta(t, 1.0, d.RelevanceScore, 1e-9, "both keywords matched")
	assert.Contains(t, d.Content, "retry_policy setting")
	assert.Contains(t, d.Content, "## Retry Policy", "window reaches back to the heading")
}

func TestDocScanPlainTextFallsBackToFilename(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes.txt", "token budget exceeded during compression\n")

	s := newDocScanner(root, 5, zaptest.NewLogger(t))
	docs, err := s.Scan(context.Background(), []string{"budget"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "notes", docs[0].Title)
	assert.Equal(t, 1, docs[0].HeadingLevel)
	assert.Equal(t, "notes.txt#notes", docs[0].SectionPath)
}

func TestDocScanRanksGloballyAndCaps(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "# A\n\nalpha and beta together\n")
	writeFile(t, root, "b.md", "# B\n\nonly alpha here\n")
	writeFile(t, root, "c.md", "# C\n\nonly beta here\n")

	s := newDocScanner(root, 2, zaptest.NewLogger(t))
	docs, err := s.Scan(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)

	require.Len(t, docs, 2, "maxDocs caps the result")
	assert.Equal(t, "a.md#a", docs[0].SectionPath)
	assert.InDelta(t, 1.0, docs[0].RelevanceScore, 1e-9)
	assert.Equal(t, "b.md#b", docs[1].SectionPath, "ties break on section path")
	assert.InDelta(t, 0.5, docs[1].RelevanceScore, 1e-9)
}

func TestDocScanCapsSectionsPerFile(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	b.WriteString("# Doc\n")
	for i := 0; i < 4; i++ {
		b.WriteString("hit marker\n")
		for j := 0; j < 12; j++ {
			b.WriteString("filler\n")
		}
	}
	writeFile(t, root, "many.md", b.String())

	s := newDocScanner(root, 10, zaptest.NewLogger(t))
	docs, err := s.Scan(context.Background(), []string{"marker"})
	require.NoError(t, err)
	assert.Len(t, docs, maxSectionsPerDoc)
}

func TestDocScanFoldsOverlappingHits(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "close.md", "# Doc\n\nmarker one\nbetween\nmarker two\n")

	s := newDocScanner(root, 10, zaptest.NewLogger(t))
	docs, err := s.Scan(context.Background(), []string{"marker"})
	require.NoError(t, err)

	require.Len(t, docs, 1, "hits inside an open window share one section")
	assert.Contains(t, docs[0].Content, "marker one")
	assert.Contains(t, docs[0].Content, "marker two")
}

func TestDocScanIgnoresOtherExtensions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "code.go", "// marker\n")
	writeFile(t, root, "real.md", "marker\n")

	s := newDocScanner(root, 10, zaptest.NewLogger(t))
	docs, err := s.Scan(context.Background(), []string{"marker"})
	require.NoError(t, err)

	require.Len(t, docs, 1)
	assert.Equal(t, "real.md#real", docs[0].SectionPath)
}

func TestDocScanEmptyInputs(t *testing.T) {
	s := newDocScanner("", 5, zaptest.NewLogger(t))
	docs, err := s.Scan(context.Background(), []string{"kw"})
	require.NoError(t, err)
	assert.Nil(t, docs)

	s = newDocScanner(t.TempDir(), 5, zaptest.NewLogger(t))
	docs, err = s.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, docs)

	s = newDocScanner("/does/not/exist", 5, zaptest.NewLogger(t))
	docs, err = s.Scan(context.Background(), []string{"kw"})
	require.NoError(t, err)
	assert.Nil(t, docs)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "retry-policy", slugify("Retry Policy"))
	assert.Equal(t, "retry--backoff-policy", slugify("Retry & Backoff Policy!"))
	assert.Equal(t, "a1-b2", slugify("  A1 B2  "))
}
