// Package vector implements the persistent memory index: immutable columnar segment
// files committed through a manifest, with tombstones and access stats kept in a catalog.
package vector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

const catalogFile = "catalog.db"

// Filter selects records during a scan. With ExactScope only records whose scope
// equals Scope match ("" meaning global records only). Otherwise a non-empty Scope
// matches that scope plus global records, and an empty Scope matches everything.
type Filter struct {
	Scope      string
	ExactScope bool
	Kinds      []models.Kind
}

// Match reports whether r passes the filter. Deleted records never match.
func (f Filter) Match(r *models.MemoryRecord) bool {
	if r.Deleted {
		return false
	}
	switch {
	case f.ExactScope:
		if r.ProjectScope != f.Scope {
			return false
		}
	case f.Scope != "":
		if r.ProjectScope != f.Scope && !r.Global() {
			return false
		}
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if r.Kind == k {
			return true
		}
	}
	return false
}

// Stats describes the committed state of the index.
type Stats struct {
	Generation  uint64 `json:"generation"`
	Segments    int    `json:"segments"`
	LiveRows    int    `json:"liveRows"`
	DeletedRows int    `json:"deletedRows"`
	Dimensions  int    `json:"dimensions"`
}

// view is an immutable snapshot of the committed index. Records in a view are
// shared with every scan that received it and must not be modified.
type view struct {
	manifest *manifest
	records  []*models.MemoryRecord
	byID     map[string]*models.MemoryRecord
	live     int
}

func (v *view) hasAll(ids []string) bool {
	for _, id := range ids {
		if _, ok := v.byID[id]; !ok {
			return false
		}
	}
	return true
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(idx *Index) {
		if l != nil {
			idx.logger = l
		}
	}
}

// WithCatalog uses c for mutable record state instead of opening catalog.db in the
// index directory. The index closes c on Close.
func WithCatalog(c storage.Catalog) Option {
	return func(idx *Index) {
		idx.catalog = c
	}
}

// WithMaxContentLength rejects inserts whose content exceeds n characters. 0 disables the check.
func WithMaxContentLength(n int) Option {
	return func(idx *Index) {
		idx.maxContentLength = n
	}
}

// Index is the log-structured memory index. It is safe for concurrent use; callers
// never need their own locking. A single process is expected to own the directory
// for writing, while any number of instances may read it.
type Index struct {
	dir              string
	dims             int
	maxContentLength int
	catalog          storage.Catalog
	logger           *zap.Logger

	// writeMu serializes manifest writers: insert, soft delete, compaction.
	writeMu sync.Mutex
	// fileMu is held shared while a refresh reads files and catalog state, and
	// exclusively while compaction purges tombstones and removes superseded segments.
	fileMu sync.RWMutex
	// refreshMu guards segCache and orders view swaps.
	refreshMu sync.Mutex
	segCache  map[string]*segment
	// compactMu allows one compaction at a time.
	compactMu sync.Mutex
	// beforeCommit runs after the merged segment is written, before the manifest commit.
	beforeCommit func()

	current atomic.Pointer[view]
	closed  atomic.Bool
}

// Open opens or creates the index in dir with the given vector dimensionality.
// A committed manifest with a different dimensionality is an integrity violation.
func Open(dir string, dims int, opts ...Option) (*Index, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", models.ErrValidation, dims)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	idx := &Index{
		dir:      dir,
		dims:     dims,
		logger:   zap.NewNop(),
		segCache: make(map[string]*segment),
	}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.catalog == nil {
		cat, err := storage.NewSQLiteCatalog(filepath.Join(dir, catalogFile))
		if err != nil {
			return nil, err
		}
		idx.catalog = cat
	}

	if err := idx.init(); err != nil {
		_ = idx.catalog.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) init() error {
	m, err := readManifest(idx.dir)
	if err != nil {
		return err
	}
	if m == nil {
		m = &manifest{Version: manifestVersion, Dimensions: idx.dims, NextSegment: 1}
		if err := writeManifest(idx.dir, m); err != nil {
			return err
		}
		idx.logger.Info("Created new index", zap.String("dir", idx.dir), zap.Int("dimensions", idx.dims))
	}
	if m.Dimensions != idx.dims {
		return fmt.Errorf("%w: index at %s was built with %d dimensions, configured %d",
			models.ErrIntegrityViolation, idx.dir, m.Dimensions, idx.dims)
	}
	idx.removeOrphans(m)

	v, err := idx.refresh(context.Background())
	if err != nil {
		return err
	}
	idx.logger.Info("Opened index",
		zap.String("dir", idx.dir),
		zap.Uint64("generation", v.manifest.Generation),
		zap.Int("segments", len(v.manifest.Segments)),
		zap.Int("records", v.live),
	)
	return nil
}

// removeOrphans deletes segment files the manifest does not reference and
// leftover temp files from interrupted writes.
func (idx *Index) removeOrphans(m *manifest) {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		idx.logger.Warn("Failed to list index directory", zap.Error(err))
		return
	}
	referenced := make(map[string]struct{}, len(m.Segments))
	for _, name := range m.Segments {
		referenced[name] = struct{}{}
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		orphan := strings.HasSuffix(name, tmpSuffix)
		if strings.HasSuffix(name, segmentExt) {
			_, ok := referenced[name]
			orphan = !ok
		}
		if !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(idx.dir, name)); err != nil {
			idx.logger.Warn("Failed to remove orphan file", zap.String("file", name), zap.Error(err))
			continue
		}
		idx.logger.Info("Removed orphan file", zap.String("file", name))
	}
}

// Dimensions returns the vector dimensionality of the index.
func (idx *Index) Dimensions() int {
	return idx.dims
}

// Dir returns the index directory.
func (idx *Index) Dir() string {
	return idx.dir
}

// Refresh reloads the manifest, any new segments, and the catalog state, and
// swaps the current view. Scan calls it implicitly.
func (idx *Index) Refresh(ctx context.Context) error {
	_, err := idx.refresh(ctx)
	return err
}

func (idx *Index) refresh(ctx context.Context) (*view, error) {
	if idx.closed.Load() {
		return nil, errors.New("index is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, models.WrapDeadline("refresh index", err)
	}

	idx.refreshMu.Lock()
	defer idx.refreshMu.Unlock()

	idx.fileMu.RLock()
	m, segs, states, err := idx.load(ctx)
	idx.fileMu.RUnlock()
	if err != nil {
		return nil, err
	}

	v := buildView(m, segs, states)
	idx.current.Store(v)
	return v, nil
}

// load reads the committed state. Caller holds refreshMu and fileMu (shared).
func (idx *Index) load(ctx context.Context) (*manifest, []*segment, map[string]storage.RecordState, error) {
	m, err := readManifest(idx.dir)
	if err != nil {
		return nil, nil, nil, err
	}
	if m == nil {
		return nil, nil, nil, fmt.Errorf("%w: manifest missing from %s", models.ErrIntegrityViolation, idx.dir)
	}
	if m.Dimensions != idx.dims {
		return nil, nil, nil, fmt.Errorf("%w: manifest dimensions changed to %d, index expects %d",
			models.ErrIntegrityViolation, m.Dimensions, idx.dims)
	}

	segs := make([]*segment, 0, len(m.Segments))
	keep := make(map[string]struct{}, len(m.Segments))
	for _, name := range m.Segments {
		seg, ok := idx.segCache[name]
		if !ok {
			seg, err = readSegment(idx.dir, name)
			if err != nil {
				return nil, nil, nil, err
			}
			if seg.dims != idx.dims {
				return nil, nil, nil, models.DimensionError("segment "+name, seg.dims, idx.dims)
			}
			idx.segCache[name] = seg
		}
		segs = append(segs, seg)
		keep[name] = struct{}{}
	}
	for name := range idx.segCache {
		if _, ok := keep[name]; !ok {
			delete(idx.segCache, name)
		}
	}

	states, err := idx.catalog.LoadStates(ctx)
	if err != nil {
		return nil, nil, nil, models.WrapDeadline("load record state", fmt.Errorf("failed to load record state: %w", err))
	}
	return m, segs, states, nil
}

func buildView(m *manifest, segs []*segment, states map[string]storage.RecordState) *view {
	n := 0
	for _, s := range segs {
		n += len(s.records)
	}
	v := &view{
		manifest: m,
		records:  make([]*models.MemoryRecord, 0, n),
		byID:     make(map[string]*models.MemoryRecord, n),
	}
	for _, s := range segs {
		for _, base := range s.records {
			r := *base
			if st, ok := states[r.ID]; ok {
				r.AccessCount = st.AccessCount
				if st.LastAccessedAt.After(r.LastAccessedAt) {
					r.LastAccessedAt = st.LastAccessedAt
				}
				r.Deleted = st.Deleted
			}
			v.records = append(v.records, &r)
			v.byID[r.ID] = &r
			if !r.Deleted {
				v.live++
			}
		}
	}
	return v
}

// Scan refreshes to the latest committed state and returns the non-deleted records
// matching f. The sequence can be ranged over more than once; it stops early when
// ctx is done, so callers should check ctx.Err() after ranging. Yielded records
// are shared and must be cloned before modification.
func (idx *Index) Scan(ctx context.Context, f Filter) (iter.Seq[*models.MemoryRecord], error) {
	v, err := idx.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return func(yield func(*models.MemoryRecord) bool) {
		for i, r := range v.records {
			if i%256 == 0 && ctx.Err() != nil {
				return
			}
			if !f.Match(r) {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}, nil
}

// Get returns a copy of the non-deleted record with the given id, or ErrNotFound.
func (idx *Index) Get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	v, err := idx.refresh(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := v.byID[id]
	if !ok || r.Deleted {
		return nil, fmt.Errorf("%w: memory %s", models.ErrNotFound, id)
	}
	return r.Clone(), nil
}

// Insert validates every record, writes them as one new segment, and commits a new
// manifest. It returns the inserted ids. Nothing is written if any record is invalid,
// and the segment is durable once Insert returns.
func (idx *Index) Insert(ctx context.Context, records ...*models.MemoryRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	for _, r := range records {
		if err := idx.validate(r); err != nil {
			return nil, err
		}
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	v, err := idx.refresh(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, ok := v.byID[r.ID]; ok {
			return nil, fmt.Errorf("%w: id %s already exists", models.ErrValidation, r.ID)
		}
		if _, ok := seen[r.ID]; ok {
			return nil, fmt.Errorf("%w: id %s repeated in batch", models.ErrValidation, r.ID)
		}
		seen[r.ID] = struct{}{}
		ids = append(ids, r.ID)
	}

	data, err := encodeSegment(idx.dims, records)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, models.WrapDeadline("insert", err)
	}

	next := v.manifest.next()
	name := segmentName(next.NextSegment)
	next.NextSegment++
	next.Segments = append(next.Segments, name)

	segPath := filepath.Join(idx.dir, name)
	if err := writeFileAtomic(segPath, data); err != nil {
		return nil, fmt.Errorf("failed to write segment %s: %w", name, err)
	}
	if err := writeManifest(idx.dir, next); err != nil {
		_ = os.Remove(segPath)
		return nil, err
	}

	idx.logger.Debug("Committed segment",
		zap.String("segment", name),
		zap.Int("rows", len(records)),
		zap.Uint64("generation", next.Generation),
	)
	return ids, nil
}

func (idx *Index) validate(r *models.MemoryRecord) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", models.ErrValidation)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: record id is required", models.ErrValidation)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: record %s has invalid kind %q", models.ErrValidation, r.ID, r.Kind)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: record %s has empty content", models.ErrValidation, r.ID)
	}
	if n := utf8.RuneCountInString(r.Content); idx.maxContentLength > 0 && n > idx.maxContentLength {
		return fmt.Errorf("%w: content too long (max %d chars, got %d)", models.ErrValidation, idx.maxContentLength, n)
	}
	if len(r.Embedding) != idx.dims {
		return models.DimensionError("record "+r.ID, len(r.Embedding), idx.dims)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: record %s has no creation time", models.ErrValidation, r.ID)
	}
	return nil
}

// SoftDelete tombstones id. It returns false when no committed record has that id.
// Deleting an already deleted record returns true until compaction drops it.
func (idx *Index) SoftDelete(ctx context.Context, id string) (bool, error) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	v, err := idx.refresh(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := v.byID[id]; !ok {
		return false, nil
	}
	if err := idx.catalog.MarkDeleted(ctx, id, time.Now().UTC()); err != nil {
		return false, models.WrapDeadline("soft delete", fmt.Errorf("failed to mark %s deleted: %w", id, err))
	}
	idx.logger.Debug("Soft-deleted record", zap.String("id", id))
	return true, nil
}

// Touch records an access to ids at the given time. Access counts only grow and
// last access times never move backwards. Ids no longer in the index, such as
// those dropped by compaction, are ignored.
func (idx *Index) Touch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if v := idx.current.Load(); v == nil || !v.hasAll(ids) {
		if _, err := idx.refresh(ctx); err != nil {
			return err
		}
	}

	// shared fileMu keeps compaction from purging between the check and the write
	idx.fileMu.RLock()
	defer idx.fileMu.RUnlock()
	v := idx.current.Load()
	known := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := v.byID[id]; ok {
			known = append(known, id)
		}
	}
	if len(known) == 0 {
		return nil
	}
	if err := idx.catalog.Touch(ctx, known, at.UTC()); err != nil {
		return models.WrapDeadline("touch", fmt.Errorf("failed to record access: %w", err))
	}
	return nil
}

// Compact merges all live rows into a single segment and drops soft-deleted rows.
// The merged segment is built from a snapshot without holding the write lock, so
// inserts and deletes proceed meanwhile; segments committed after the snapshot are
// kept behind the merged one. Concurrent scans see either the old or the new view,
// and superseded files are only removed once no refresh is reading them.
func (idx *Index) Compact(ctx context.Context) (*models.CompactionResult, error) {
	start := time.Now()
	idx.compactMu.Lock()
	defer idx.compactMu.Unlock()

	idx.writeMu.Lock()
	v, err := idx.refresh(ctx)
	idx.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	before := len(v.manifest.Segments)
	res := &models.CompactionResult{
		SegmentsBefore: before,
		SegmentsAfter:  before,
		RowsKept:       v.live,
		RowsDropped:    len(v.records) - v.live,
	}
	if before <= 1 && res.RowsDropped == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
		return res, nil
	}

	live := make([]*models.MemoryRecord, 0, v.live)
	dropped := make([]string, 0, res.RowsDropped)
	for _, r := range v.records {
		if r.Deleted {
			dropped = append(dropped, r.ID)
			continue
		}
		live = append(live, r)
	}

	var merged, mergedPath string
	if len(live) > 0 {
		data, err := encodeSegment(idx.dims, live)
		if err != nil {
			return nil, fmt.Errorf("failed to encode compacted segment: %w", err)
		}
		merged = compactedSegmentName(v.manifest.Generation)
		mergedPath = filepath.Join(idx.dir, merged)
		if err := writeFileAtomic(mergedPath, data); err != nil {
			return nil, fmt.Errorf("failed to write compacted segment: %w", err)
		}
	}
	discard := func() {
		if mergedPath != "" {
			_ = os.Remove(mergedPath)
		}
	}
	if err := ctx.Err(); err != nil {
		discard()
		return nil, models.WrapDeadline("compact", err)
	}
	if idx.beforeCommit != nil {
		idx.beforeCommit()
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur, err := idx.refresh(context.Background())
	if err != nil {
		discard()
		return nil, err
	}
	appended, ok := appendedSince(v.manifest.Segments, cur.manifest.Segments)
	if !ok {
		discard()
		return nil, fmt.Errorf("%w: segments changed underneath compaction (generation %d to %d)",
			models.ErrIntegrityViolation, v.manifest.Generation, cur.manifest.Generation)
	}
	next := cur.manifest.next()
	next.Segments = make([]string, 0, len(appended)+1)
	if merged != "" {
		next.Segments = append(next.Segments, merged)
	}
	next.Segments = append(next.Segments, appended...)
	if err := writeManifest(idx.dir, next); err != nil {
		discard()
		return nil, err
	}

	// The new manifest is committed. Purging, file removal and the view swap wait for
	// in-flight refreshes so none of them pairs old segments with purged tombstones,
	// and Touch never sees a view that still lists a purged id.
	idx.refreshMu.Lock()
	idx.fileMu.Lock()
	if err := idx.catalog.Purge(context.Background(), dropped); err != nil {
		idx.logger.Warn("Failed to purge compacted record state", zap.Int("ids", len(dropped)), zap.Error(err))
	}
	for _, name := range v.manifest.Segments {
		if err := os.Remove(filepath.Join(idx.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			idx.logger.Warn("Failed to remove superseded segment", zap.String("segment", name), zap.Error(err))
		}
	}
	m, segs, states, err := idx.load(context.Background())
	if err == nil {
		idx.current.Store(buildView(m, segs, states))
	}
	idx.fileMu.Unlock()
	idx.refreshMu.Unlock()
	if err != nil {
		idx.logger.Warn("Failed to refresh after compaction", zap.Error(err))
	}

	res.Compacted = true
	res.SegmentsAfter = len(next.Segments)
	res.DurationMs = time.Since(start).Milliseconds()
	idx.logger.Info("Compacted index",
		zap.Int("segments_before", res.SegmentsBefore),
		zap.Int("segments_after", res.SegmentsAfter),
		zap.Int("segments_appended", len(appended)),
		zap.Int("rows_kept", res.RowsKept),
		zap.Int("rows_dropped", res.RowsDropped),
		zap.Uint64("generation", next.Generation),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res, nil
}

// appendedSince returns the segments of cur that follow the prefix snap. ok is false
// when cur does not start with snap.
func appendedSince(snap, cur []string) (appended []string, ok bool) {
	if len(cur) < len(snap) {
		return nil, false
	}
	for i, name := range snap {
		if cur[i] != name {
			return nil, false
		}
	}
	return cur[len(snap):], true
}

// Count returns the number of non-deleted records after a refresh.
func (idx *Index) Count(ctx context.Context) (int, error) {
	v, err := idx.refresh(ctx)
	if err != nil {
		return 0, err
	}
	return v.live, nil
}

// Stats describes the most recently refreshed view without touching disk.
func (idx *Index) Stats() Stats {
	v := idx.current.Load()
	if v == nil {
		return Stats{Dimensions: idx.dims}
	}
	return Stats{
		Generation:  v.manifest.Generation,
		Segments:    len(v.manifest.Segments),
		LiveRows:    v.live,
		DeletedRows: len(v.records) - v.live,
		Dimensions:  idx.dims,
	}
}

// Close releases the catalog. Further operations fail.
func (idx *Index) Close() error {
	if !idx.closed.CompareAndSwap(false, true) {
		return nil
	}
	return idx.catalog.Close()
}
