// Package embedding turns text into unit-length vectors. Backends implement Embedder;
// the Gateway adds purpose prefixes, caching, timeouts, and error classification.
package embedding

import (
	"context"

	"github.com/hyperjump/kioku/internal/models"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Info() models.EmbeddingInfo
	Close() error
}

// Backend names accepted in configuration.
const (
	BackendONNX = "onnx"
	BackendHTTP = "http"
	BackendHash = "hash"
)

// Purpose selects the task prefix applied before embedding. Documents and queries
// are embedded differently by retrieval models that were trained with prefixes.
type Purpose int

const (
	PurposeDocument Purpose = iota
	PurposeQuery
)

func (p Purpose) prefix() string {
	if p == PurposeQuery {
		return "search_query: "
	}
	return "search_document: "
}

func (p Purpose) String() string {
	if p == PurposeQuery {
		return "query"
	}
	return "document"
}
