// Package recall ranks stored memories against a query by cosine similarity.
package recall

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Embedder embeds text for a purpose. *embedding.Gateway implements it.
type Embedder interface {
	Embed(ctx context.Context, text string, purpose embedding.Purpose) ([]float32, error)
}

// Scanner yields candidate records. *vector.Index implements it.
type Scanner interface {
	Scan(ctx context.Context, f vector.Filter) (iter.Seq[*models.MemoryRecord], error)
}

// Toucher schedules access tracking without blocking. *tracker.Tracker implements it.
type Toucher interface {
	Touch(ids []string) bool
}

// Config holds recall defaults.
type Config struct {
	MaxResults    int
	MinSimilarity float64
	ScanTimeout   time.Duration
}

// Engine runs recall queries.
type Engine struct {
	embedder Embedder
	index    Scanner
	tracker  Toucher
	config   Config
	logger   *zap.Logger
}

// NewEngine creates a recall engine. tracker may be nil to disable access tracking.
func NewEngine(embedder Embedder, index Scanner, tracker Toucher, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		tracker:  tracker,
		config:   cfg,
		logger:   logger,
	}
}

// Recall validates q, embeds the query, scores every matching record, and returns the
// best hits at or above the similarity threshold. No matches is an empty response with
// a nil error; any failure to embed or scan is returned as an error.
func (e *Engine) Recall(ctx context.Context, q *models.RecallQuery) (*models.RecallResponse, error) {
	start := time.Now()
	if err := q.Validate(e.config.MaxResults, e.config.MinSimilarity); err != nil {
		return nil, err
	}

	queryVec, err := e.embedder.Embed(ctx, q.Query, embedding.PurposeQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := e.scan(ctx, queryVec, q)
	if err != nil {
		return nil, err
	}
	Rank(hits)
	if len(hits) > *q.MaxResults {
		hits = hits[:*q.MaxResults]
	}

	if len(hits) > 0 && e.tracker != nil {
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.Record.ID
		}
		e.tracker.Touch(ids)
	}

	resp := &models.RecallResponse{
		Memories:    hits,
		QueryTimeMs: time.Since(start).Milliseconds(),
		Query:       q.Query,
	}
	fields := []zap.Field{
		zap.String("query", utils.Truncate(q.Query, 50)),
		zap.String("scope", q.Scope),
		zap.Int("results", len(hits)),
		zap.Int64("duration_ms", resp.QueryTimeMs),
	}
	if len(hits) > 0 {
		fields = append(fields, zap.Float64("top_score", hits[0].Score))
	}
	e.logger.Info("Recall", fields...)
	return resp, nil
}

func (e *Engine) scan(ctx context.Context, queryVec []float32, q *models.RecallQuery) ([]*models.ScoredRecord, error) {
	scanCtx := ctx
	if e.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, e.config.ScanTimeout)
		defer cancel()
	}

	seq, err := e.index.Scan(scanCtx, vector.Filter{Scope: q.Scope, Kinds: q.Kinds})
	if err != nil {
		return nil, models.WrapDeadline("scan", fmt.Errorf("failed to scan index: %w", err))
	}

	minSim := *q.MinSimilarity
	hits := make([]*models.ScoredRecord, 0)
	for r := range seq {
		score := vector.CosineSimilarity(queryVec, r.Embedding)
		if score < minSim {
			continue
		}
		hits = append(hits, &models.ScoredRecord{Record: r.Clone(), Score: score})
	}
	if err := scanCtx.Err(); err != nil {
		return nil, models.WrapDeadline("scan", fmt.Errorf("scan interrupted: %w", err))
	}
	return hits, nil
}

// Rank sorts hits by score descending, then newer records first, then by id.
func Rank(hits []*models.ScoredRecord) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}
