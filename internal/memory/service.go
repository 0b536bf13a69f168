// Package memory wires the index, embedding gateway, duplicate guard, recall engine,
// access tracker and background schedulers into the service the API exposes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/dedup"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/maintenance"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/recall"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/syncer"
	"github.com/hyperjump/kioku/internal/tracker"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

const closeTimeout = 10 * time.Second

// Service is constructed once per process and owns every component.
type Service struct {
	cfg     *config.Config
	index   *vector.Index
	gateway *embedding.Gateway
	guard   *dedup.Guard
	engine  *recall.Engine
	tracker *tracker.Tracker
	maint   *maintenance.Scheduler
	sync    *syncer.Scheduler
	watcher *syncer.Watcher
	logger  *zap.Logger
	started time.Time
	now     func() time.Time
}

// New opens the index under cfg.Storage and builds the service around backend.
// The backend's dimensionality must match the configuration.
func New(cfg *config.Config, backend embedding.Embedder, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dims := cfg.Embedding.Dimensions
	if got := backend.Dimensions(); got != dims {
		return nil, models.DimensionError("embedding backend", got, dims)
	}

	index, err := vector.Open(cfg.Storage.IndexDir(), dims,
		vector.WithLogger(utils.Component(logger, "index")),
		vector.WithMaxContentLength(cfg.Memory.MaxContentLength),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory index: %w", err)
	}

	gateway := embedding.NewGateway(backend,
		embedding.WithCacheSize(cfg.Embedding.CacheSize),
		embedding.WithTimeout(cfg.Embedding.Timeout()),
		embedding.WithLogger(utils.Component(logger, "embedding")),
	)
	trk := tracker.New(index, cfg.Maintenance.TrackerWorkers, cfg.Maintenance.TrackerQueueSize,
		utils.Component(logger, "tracker"))

	s := &Service{
		cfg:     cfg,
		index:   index,
		gateway: gateway,
		guard:   dedup.NewGuard(index, cfg.Memory.DuplicateThreshold, cfg.Memory.StrictDedup, cfg.Memory.ScanTimeout(), utils.Component(logger, "dedup")),
		engine: recall.NewEngine(gateway, index, trk, recall.Config{
			MaxResults:    cfg.Memory.MaxResults,
			MinSimilarity: cfg.Memory.MinSimilarity,
			ScanTimeout:   cfg.Memory.ScanTimeout(),
		}, utils.Component(logger, "recall")),
		tracker: trk,
		maint: maintenance.NewScheduler(index, maintenance.NewDiagnostics(),
			cfg.Maintenance.CompactEveryRequests, cfg.Maintenance.CompactInterval(),
			utils.Component(logger, "maintenance")),
		logger:  logger,
		started: time.Now(),
		now:     time.Now,
	}

	if cfg.Sync.Enabled() {
		cycle, err := syncer.NewInboxCycle(cfg.Sync.InboxDir, s, utils.Component(logger, "sync"))
		if err != nil {
			_ = s.Close(context.Background())
			return nil, err
		}
		s.sync = syncer.NewScheduler(cycle, cfg.Sync.Interval(), utils.Component(logger, "sync"))
		if cfg.Sync.WatchOrDefault() {
			s.watcher = syncer.NewWatcher(cfg.Sync.InboxDir, func(string) { s.sync.Trigger() },
				syncer.WithLogger(utils.Component(logger, "inbox-watcher")))
		}
	}
	return s, nil
}

// Start launches the maintenance scheduler and, when configured, the sync scheduler
// and inbox watcher. Files already in the inbox are picked up by an initial cycle.
func (s *Service) Start(ctx context.Context) error {
	s.maint.Start(ctx)
	if s.sync == nil {
		return nil
	}
	s.sync.Start(ctx)
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch inbox: %w", err)
		}
	}
	s.sync.Trigger()
	return nil
}

// Store validates in, suppresses near-duplicates in the same scope, and inserts a new record.
func (s *Service) Store(ctx context.Context, in *models.StoreInput) (*models.StoreResult, error) {
	if err := in.Validate(s.cfg.Memory.MaxContentLength); err != nil {
		return nil, err
	}
	unlock := s.guard.Lock(in.ProjectScope)
	defer unlock()

	vec, err := s.gateway.Embed(ctx, in.Content, embedding.PurposeDocument)
	if err != nil {
		s.logger.Warn("Store embedding failed",
			zap.String("kind", in.Kind),
			zap.String("content", utils.Truncate(in.Content, 50)),
			zap.String("error_kind", models.ErrorKind(err)),
			zap.Error(err),
		)
		return nil, err
	}

	match, err := s.guard.Check(ctx, in.ProjectScope, vec)
	if err != nil {
		return nil, err
	}
	if match != nil {
		s.maint.Diagnostics().RecordStore(in.ResolvedKind, true)
		s.logger.Info("Duplicate memory suppressed",
			zap.String("existing_id", match.ID),
			zap.Float64("similarity", match.Similarity),
			zap.String("scope", in.ProjectScope),
		)
		return &models.StoreResult{
			Status:        models.StoreStatusDuplicate,
			ID:            match.ID,
			Deduplicated:  true,
			Similarity:    match.Similarity,
			EmbeddingDims: len(vec),
		}, nil
	}

	now := s.now().UTC()
	rec := &models.MemoryRecord{
		ID:             NewID(),
		Kind:           in.ResolvedKind,
		Content:        in.Content,
		Context:        in.Context,
		Tags:           in.Tags,
		Confidence:     *in.Confidence,
		Embedding:      vec,
		ProjectScope:   in.ProjectScope,
		SessionSource:  in.SessionSource,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if _, err := s.index.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}
	s.maint.Diagnostics().RecordStore(rec.Kind, false)
	s.logger.Info("Memory stored",
		zap.String("id", rec.ID),
		zap.String("kind", string(rec.Kind)),
		zap.String("scope", rec.ProjectScope),
		zap.String("content", utils.Truncate(rec.Content, 50)),
	)
	return &models.StoreResult{
		Status:        models.StoreStatusStored,
		ID:            rec.ID,
		EmbeddingDims: len(vec),
	}, nil
}

// NewID returns a new record id of the form mem_<12 hex>.
func NewID() string {
	return "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Recall returns the records most similar to q.
func (s *Service) Recall(ctx context.Context, q *models.RecallQuery) (*models.RecallResponse, error) {
	resp, err := s.engine.Recall(ctx, q)
	if err != nil {
		return nil, err
	}
	s.maint.Diagnostics().RecordRecall(q.Query, len(resp.Memories))
	return resp, nil
}

// List returns a page of records, newest first. A non-empty scope matches exactly.
func (s *Service) List(ctx context.Context, q *models.ListQuery) (*models.ListResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	f := vector.Filter{Scope: q.Scope, ExactScope: q.Scope != ""}
	if q.Kind != "" {
		f.Kinds = []models.Kind{q.Kind}
	}
	ctx, cancel := s.scanContext(ctx)
	defer cancel()
	seq, err := s.index.Scan(ctx, f)
	if err != nil {
		return nil, models.WrapDeadline("list", err)
	}
	var all []*models.MemoryRecord
	for r := range seq {
		all = append(all, r)
	}
	if err := ctx.Err(); err != nil {
		return nil, models.WrapDeadline("list", err)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	resp := &models.ListResponse{
		Memories: []*models.MemoryRecord{},
		Total:    len(all),
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	if q.Offset < len(all) {
		end := min(q.Offset+q.Limit, len(all))
		resp.Memories = all[q.Offset:end]
	}
	return resp, nil
}

// scanContext bounds a full index scan by the configured scan timeout.
func (s *Service) scanContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.cfg.Memory.ScanTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

// Delete soft-deletes id. It returns an ErrNotFound-wrapped error for unknown ids.
func (s *Service) Delete(ctx context.Context, id string) error {
	ok, err := s.index.SoftDelete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: memory %q", models.ErrNotFound, id)
	}
	s.logger.Info("Memory deleted", zap.String("id", id))
	return nil
}

// Stats summarizes non-deleted records, optionally restricted to exactly scope.
func (s *Service) Stats(ctx context.Context, scope string) (*models.StatsResponse, error) {
	if err := models.ValidateScope("scope", scope); err != nil {
		return nil, err
	}
	ctx, cancel := s.scanContext(ctx)
	defer cancel()
	seq, err := s.index.Scan(ctx, vector.Filter{Scope: scope, ExactScope: scope != ""})
	if err != nil {
		return nil, models.WrapDeadline("stats", err)
	}
	resp := &models.StatsResponse{ByKind: make(map[models.Kind]int), Scope: scope}
	var sum float64
	for r := range seq {
		resp.Total++
		resp.ByKind[r.Kind]++
		sum += r.Confidence
		created := r.CreatedAt
		if resp.OldestMemory == nil || created.Before(*resp.OldestMemory) {
			resp.OldestMemory = &created
		}
		if resp.NewestMemory == nil || created.After(*resp.NewestMemory) {
			resp.NewestMemory = &created
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, models.WrapDeadline("stats", err)
	}
	if resp.Total > 0 {
		resp.AvgConfidence = math.Round(sum/float64(resp.Total)*100) / 100
	}
	return resp, nil
}

// Health reports liveness, record count and embedding backend.
func (s *Service) Health(ctx context.Context) (*models.HealthResponse, error) {
	count, err := s.index.Count(ctx)
	if err != nil {
		return nil, err
	}
	st := s.index.Stats()
	size := "unknown"
	if n, err := storage.DiskUsageBytes(s.index.Dir()); err == nil {
		size = storage.FormatMB(n)
	}
	return &models.HealthResponse{
		Status:       "ok",
		Uptime:       int64(time.Since(s.started).Seconds()),
		MemoryCount:  count,
		Embedding:    s.gateway.Info(),
		VectorDbSize: size,
		Segments:     st.Segments,
		Generation:   st.Generation,
	}, nil
}

// Compact merges segments and drops soft-deleted records now.
func (s *Service) Compact(ctx context.Context) (*models.CompactionResult, error) {
	res, err := s.index.Compact(ctx)
	if err != nil {
		return nil, fmt.Errorf("compaction failed: %w", err)
	}
	s.logger.Info("Compaction requested by operator",
		zap.Bool("compacted", res.Compacted),
		zap.Int("rows_kept", res.RowsKept),
		zap.Int("rows_dropped", res.RowsDropped),
	)
	return res, nil
}

// Sync triggers a sync cycle.
func (s *Service) Sync() models.SyncStatus {
	if s.sync == nil {
		return models.SyncStatus{Status: syncer.StatusNotConfigured}
	}
	return s.sync.Trigger()
}

// RequestServed records a served request for diagnostics and request-count compaction.
func (s *Service) RequestServed(endpoint string) {
	s.maint.RequestServed(endpoint)
}

// Diagnostics returns the current diagnostics counters without resetting them.
func (s *Service) Diagnostics() maintenance.Report {
	return s.maint.Diagnostics().Snapshot()
}

// TrackerStats returns access-tracking job counters.
func (s *Service) TrackerStats() tracker.Stats {
	return s.tracker.Stats()
}

// Close stops background work, drains pending access updates and closes the index.
func (s *Service) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, closeTimeout)
		defer cancel()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.sync != nil {
		s.sync.Stop()
	}
	s.maint.Stop()

	var errs []error
	if err := s.tracker.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracker: %w", err))
	}
	if err := s.gateway.Close(); err != nil {
		errs = append(errs, fmt.Errorf("embedding: %w", err))
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("index: %w", err))
	}
	return errors.Join(errs...)
}
