// Package dedup detects near-duplicate memories before they are stored.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/vector"
)

const lockStripes = 64

// Scanner yields candidate records. *vector.Index implements it.
type Scanner interface {
	Scan(ctx context.Context, f vector.Filter) (iter.Seq[*models.MemoryRecord], error)
}

// Match is an existing record close enough to count as a duplicate.
type Match struct {
	ID         string
	Similarity float64
}

// Guard compares a candidate embedding against non-deleted records in the same scope.
// By default the check and the following insert are not atomic, so concurrent inserts
// of the same content can both succeed. With strict mode, Lock serializes inserts per scope.
type Guard struct {
	index     Scanner
	threshold float64
	strict    bool
	timeout   time.Duration
	stripes   [lockStripes]sync.Mutex
	logger    *zap.Logger
}

// NewGuard creates a guard that treats similarity >= threshold as a duplicate. Each
// check's scan is bounded by scanTimeout; zero leaves only the caller's deadline.
func NewGuard(index Scanner, threshold float64, strict bool, scanTimeout time.Duration, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		index:     index,
		threshold: threshold,
		strict:    strict,
		timeout:   scanTimeout,
		logger:    logger,
	}
}

// Threshold returns the duplicate similarity threshold.
func (g *Guard) Threshold() float64 {
	return g.threshold
}

// Lock holds the scope's insert lock in strict mode and returns its release func.
// Outside strict mode it returns a no-op.
func (g *Guard) Lock(scope string) func() {
	if !g.strict {
		return func() {}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope))
	mu := &g.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Check returns the most similar record in exactly scope whose similarity reaches the
// threshold, or nil when there is none.
func (g *Guard) Check(ctx context.Context, scope string, vec []float32) (*Match, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	seq, err := g.index.Scan(ctx, vector.Filter{Scope: scope, ExactScope: true})
	if err != nil {
		return nil, models.WrapDeadline("duplicate check", fmt.Errorf("duplicate check failed: %w", err))
	}

	var best *Match
	for r := range seq {
		sim := vector.CosineSimilarity(vec, r.Embedding)
		if sim < g.threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &Match{ID: r.ID, Similarity: sim}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, models.WrapDeadline("duplicate check", err)
	}
	if best != nil {
		g.logger.Debug("Duplicate detected",
			zap.String("existing_id", best.ID),
			zap.Float64("similarity", best.Similarity),
			zap.String("scope", scope),
		)
	}
	return best, nil
}
