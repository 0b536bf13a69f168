package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Gateway wraps an Embedder with purpose prefixes, L2 normalization, an LRU cache,
// a per-call timeout, and classification of backend failures into error kinds.
// There is no fallback: if the backend fails the call fails.
type Gateway struct {
	backend Embedder
	cache   *EmbeddingCache
	timeout time.Duration
	logger  *zap.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithCacheSize sets the LRU capacity. 0 disables caching.
func WithCacheSize(n int) GatewayOption {
	return func(g *Gateway) {
		g.cache = NewEmbeddingCache(n)
	}
}

// WithTimeout bounds every backend call. 0 means no bound beyond the caller's context.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGateway returns a gateway over backend.
func NewGateway(backend Embedder, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		backend: backend,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Embed returns the unit-length embedding of text for the given purpose.
// The returned slice is shared with the cache and must not be modified.
func (g *Gateway) Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: cannot embed empty text", models.ErrValidation)
	}
	input := purpose.prefix() + text
	if vec, ok := g.cache.Get(input); ok {
		return vec, nil
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := g.backend.Embed(callCtx, input)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		err = g.classify(err)
		g.logger.Warn("Embedding failed",
			zap.String("purpose", purpose.String()),
			zap.Int("text_len", len(text)),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("kind", models.ErrorKind(err)),
			zap.Error(err),
		)
		return nil, err
	}

	want := g.backend.Dimensions()
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: backend returned an empty vector", models.ErrEmbeddingUnavailable)
	}
	if len(raw) != want {
		return nil, models.DimensionError("embedding", len(raw), want)
	}
	vec := make([]float32, len(raw))
	copy(vec, raw)
	if !utils.NormalizeL2(vec) {
		return nil, fmt.Errorf("%w: backend returned a zero or non-finite vector", models.ErrEmbeddingUnavailable)
	}

	g.cache.Set(input, vec)
	g.logger.Debug("Embedded text",
		zap.String("purpose", purpose.String()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return vec, nil
}

func (g *Gateway) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: embedding did not complete within %s: %w", models.ErrTimeout, g.timeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("embedding cancelled: %w", err)
	case models.ErrorKind(err) != "internal":
		return err
	default:
		return fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, err)
	}
}

// Dimensions returns the backend's vector size.
func (g *Gateway) Dimensions() int {
	return g.backend.Dimensions()
}

// Info describes the backend.
func (g *Gateway) Info() models.EmbeddingInfo {
	return g.backend.Info()
}

// Close releases the backend.
func (g *Gateway) Close() error {
	return g.backend.Close()
}
