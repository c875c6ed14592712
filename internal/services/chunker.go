package services

import "strings"

const minChunkLength = 50

type TextChunker interface {
	ChunkText(text string, maxChunkSize int, overlap int) []string
}

type textChunker struct{}

func NewTextChunker() TextChunker {
	return &textChunker{}
}

// ChunkText slices text into overlapping windows. Each window targets
// maxChunkSize runes and is snapped back to the nearest sentence or line
// boundary when that boundary lies past half the window. Chunks shorter
// than minChunkLength runes are discarded.
func (tc *textChunker) ChunkText(text string, maxChunkSize int, overlap int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxChunkSize {
		overlap = maxChunkSize / 4
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	start := 0

	for start < len(runes) {
		end := start + maxChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			if snap := lastBoundary(runes[start:end]); snap > maxChunkSize/2 {
				end = start + snap
			}
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if len([]rune(chunk)) >= minChunkLength {
			chunks = append(chunks, chunk)
		}

		if end >= len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// lastBoundary returns the index just past the last sentence or line
// terminator in the window, or -1 when there is none.
func lastBoundary(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?', '\n':
			return i + 1
		}
	}
	return -1
}
