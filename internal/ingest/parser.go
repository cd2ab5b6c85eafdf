// Package ingest runs the per-document pipeline: parse, embed, compress,
// store, with idempotent replace semantics and failure classification.
package ingest

import (
	"context"
	"path/filepath"
)

// FileRef points at an uploaded file on disk.
type FileRef struct {
	// Path is the location of the file content.
	Path string
	// Name overrides the display filename; empty uses the path basename.
	Name string
}

// Filename returns the user-facing filename.
func (f FileRef) Filename() string {
	if f.Name != "" {
		return f.Name
	}
	return filepath.Base(f.Path)
}

// Page is one rendered page image, 1-indexed.
type Page struct {
	Number int
	Image  []byte
}

// Chunk is one extracted text chunk, 0-indexed.
type Chunk struct {
	Index int
	Text  string
}

// ParseResult is everything the parser extracted from one document.
// Warnings carry partial failures (e.g. an audio track that would not
// transcribe) that did not prevent emitting records.
type ParseResult struct {
	Pages    []Page
	Chunks   []Chunk
	Meta     map[string]any
	Warnings []string
}

// Parser turns file content into page images, text chunks and document
// metadata. Parsing is an external capability: PDF rendering, office
// conversion and audio transcription live behind this interface.
type Parser interface {
	Parse(ctx context.Context, file FileRef, content []byte) (*ParseResult, error)
}
