package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextEmpty(t *testing.T) {
	chunker := NewTextChunker()

	assert.Nil(t, chunker.ChunkText("", 1000, 200))
	assert.Nil(t, chunker.ChunkText("   \n  ", 1000, 200))
}

func TestChunkTextShortTextSingleChunk(t *testing.T) {
	chunker := NewTextChunker()
	text := strings.Repeat("backend systems experience. ", 10)

	chunks := chunker.ChunkText(text, 1000, 200)

	require.Len(t, chunks, 1)
	assert.Equal(t, strings.TrimSpace(text), chunks[0])
}

func TestChunkTextDiscardsTinyChunks(t *testing.T) {
	chunker := NewTextChunker()

	assert.Nil(t, chunker.ChunkText("too short", 1000, 200))
}

func TestChunkTextOverlap(t *testing.T) {
	chunker := NewTextChunker()
	// Sentences of ~40 chars so boundaries land inside every window.
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("This sentence pads the chunking window. ")
	}

	chunks := chunker.ChunkText(sb.String(), 1000, 200)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.GreaterOrEqual(t, len([]rune(chunk)), minChunkLength)
		assert.LessOrEqual(t, len([]rune(chunk)), 1000)
	}

	// Consecutive chunks share overlapping text.
	tail := chunks[0][len(chunks[0])-50:]
	assert.Contains(t, chunks[1], strings.TrimSpace(tail[:20]))
}

func TestChunkTextSnapsToSentenceBoundary(t *testing.T) {
	chunker := NewTextChunker()
	// A boundary at ~80% of the window: the chunk should end there.
	text := strings.Repeat("a", 800) + ". " + strings.Repeat("b", 800)

	chunks := chunker.ChunkText(text, 1000, 0)

	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0], "."), "expected first chunk to end at the sentence boundary, got tail %q", chunks[0][len(chunks[0])-10:])
}

func TestChunkTextNoBoundaryBeforeMidpoint(t *testing.T) {
	chunker := NewTextChunker()
	// Only boundary is at 10% of the window; snap is skipped.
	text := strings.Repeat("a", 100) + "." + strings.Repeat("b", 1500)

	chunks := chunker.ChunkText(text, 1000, 0)

	require.NotEmpty(t, chunks)
	assert.Equal(t, 1000, len([]rune(chunks[0])))
}
