package models

import (
	"time"
)

// ChunkType is the structural class of a chunk.
type ChunkType string

const (
	ChunkHeading   ChunkType = "heading"
	ChunkParagraph ChunkType = "paragraph"
	ChunkCodeBlock ChunkType = "code_block"
	ChunkTable     ChunkType = "table"
	ChunkList      ChunkType = "list"
)

// ContentChunk is one bounded slice of a content item's markdown.
// Chunks are regenerated wholesale on every successful run.
type ContentChunk struct {
	ID        string    `json:"id"`
	ContentID string    `json:"content_id"`
	Index     int       `json:"chunk_index"` // contiguous from 0
	Content   string    `json:"content"`
	ChunkType ChunkType `json:"chunk_type"`
	WordCount int       `json:"word_count"`
	CharCount int       `json:"char_count"`

	// Structural flags: has_code, has_links, has_images, has_tables,
	// plus heading_path and language when known.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ChunkingConfig defines parameters for content chunking.
type ChunkingConfig struct {
	// MaxSize is the maximum chunk size in characters. Only a single
	// fenced code block or table may exceed it.
	MaxSize int

	// MinSize is the minimum chunk size. Smaller chunks are merged
	// into the preceding chunk when the result still fits MaxSize.
	MinSize int
}

// DefaultChunkingConfig returns the default chunking configuration.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		MaxSize: 1000,
		MinSize: 100,
	}
}
