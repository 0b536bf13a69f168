package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/syncer"
)

var topics = []string{"429", "postgres", "kafka", "redis", "docker", "nginx", "grpc", "yaml", "cgo", "sqlite"}

const topicDims = 16

// topicEmbedder puts each known topic word on its own axis, so texts sharing a topic
// are identical in direction and texts with different topics are orthogonal.
type topicEmbedder struct {
	fail error
}

func (e *topicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	v := make([]float32, topicDims)
	lower := strings.ToLower(text)
	found := false
	for i, topic := range topics {
		if strings.Contains(lower, topic) {
			v[i] = 1
			found = true
		}
	}
	if !found {
		v[topicDims-1] = 1
	}
	return v, nil
}

func (e *topicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *topicEmbedder) Dimensions() int { return topicDims }
func (e *topicEmbedder) Info() models.EmbeddingInfo {
	return models.EmbeddingInfo{Backend: "topic", Dimensions: topicDims}
}
func (e *topicEmbedder) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Storage:   config.StorageConfig{DataDir: t.TempDir()},
		Embedding: config.EmbeddingConfig{Backend: config.BackendHash, Dimensions: topicDims},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, emb *topicEmbedder) *Service {
	t.Helper()
	s, err := New(cfg, emb, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func store(t *testing.T, s *Service, kind, content, scope string) *models.StoreResult {
	t.Helper()
	res, err := s.Store(context.Background(), &models.StoreInput{Kind: kind, Content: content, ProjectScope: scope})
	if err != nil {
		t.Fatalf("store %q: %v", content, err)
	}
	return res
}

func count(t *testing.T, s *Service) int {
	t.Helper()
	h, err := s.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return h.MemoryCount
}

func TestService_StoreThenRecallRateLimit(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})
	ctx := context.Background()

	conf := 0.95
	res, err := s.Store(ctx, &models.StoreInput{
		Kind:       "WORKING_SOLUTION",
		Content:    "retry with exponential backoff on 429",
		Confidence: &conf,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StoreStatusStored || !strings.HasPrefix(res.ID, "mem_") || len(res.ID) != 16 {
		t.Fatalf("store result = %+v", res)
	}
	store(t, s, "DECISION", "use postgres for the ledger", "")

	resp, err := s.Recall(ctx, &models.RecallQuery{Query: "what to do on rate limit 429"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Memories) == 0 {
		t.Fatal("no memories recalled")
	}
	top := resp.Memories[0]
	if top.Record.ID != res.ID || top.Score < 0.35 {
		t.Errorf("top hit = %s score %.3f, want %s", top.Record.ID, top.Score, res.ID)
	}
	if top.Record.Confidence != 0.95 || top.Record.Kind != models.KindWorkingSolution {
		t.Errorf("top record = %+v", top.Record)
	}
	if len(resp.Memories) != 1 {
		t.Errorf("orthogonal record should be excluded by the threshold, got %d hits", len(resp.Memories))
	}
	if d := s.Diagnostics(); d.Recall.Total != 1 || d.Recall.WithResults != 1 || d.Store.Total != 2 {
		t.Errorf("diagnostics = %+v", d)
	}
}

func TestService_DuplicateReturnsExistingID(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})

	first := store(t, s, "GOTCHA", "redis eviction drops keys silently", "api")
	second := store(t, s, "GOTCHA", "redis eviction drops keys silently", "api")
	if !second.Deduplicated || second.Status != models.StoreStatusDuplicate || second.ID != first.ID {
		t.Fatalf("second store = %+v, first id %s", second, first.ID)
	}
	if second.Similarity < 0.92 {
		t.Errorf("similarity = %f", second.Similarity)
	}
	if n := count(t, s); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	// same content in another scope is not a duplicate
	other := store(t, s, "GOTCHA", "redis eviction drops keys silently", "web")
	if other.Deduplicated || other.ID == first.ID {
		t.Errorf("cross-scope store = %+v", other)
	}
	if d := s.Diagnostics(); d.Store.Duplicates != 1 || d.Store.ByKind["GOTCHA"] != 2 {
		t.Errorf("store diagnostics = %+v", d.Store)
	}
}

func TestService_OverlongContentRejected(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})
	_, err := s.Store(context.Background(), &models.StoreInput{
		Kind:    "PATTERN",
		Content: strings.Repeat("x", 201),
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if n := count(t, s); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}

	// 200 multi-byte characters are within the limit
	store(t, s, "PATTERN", strings.Repeat("é", 200), "")
}

func TestService_EmbeddingFailureStoresNothing(t *testing.T) {
	emb := &topicEmbedder{fail: errors.New("connection refused")}
	s := newTestService(t, testConfig(t), emb)
	ctx := context.Background()

	_, err := s.Store(ctx, &models.StoreInput{Kind: "GOTCHA", Content: "kafka rebalances"})
	if !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("store err = %v", err)
	}
	_, err = s.Recall(ctx, &models.RecallQuery{Query: "kafka"})
	if !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("recall err = %v", err)
	}
	if n := count(t, s); n != 0 {
		t.Errorf("count = %d", n)
	}
}

func TestService_AccessStatsMonotonic(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})
	ctx := context.Background()
	res := store(t, s, "GOTCHA", "docker layer cache busts on COPY", "")

	var prev time.Time
	for i := 1; i <= 3; i++ {
		if _, err := s.Recall(ctx, &models.RecallQuery{Query: "docker cache"}); err != nil {
			t.Fatal(err)
		}
		var rec *models.MemoryRecord
		deadline := time.Now().Add(5 * time.Second)
		for {
			page, err := s.List(ctx, &models.ListQuery{})
			if err != nil {
				t.Fatal(err)
			}
			rec = page.Memories[0]
			if rec.AccessCount >= int64(i) || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if rec.ID != res.ID || rec.AccessCount != int64(i) {
			t.Fatalf("after recall %d: id %s access count %d", i, rec.ID, rec.AccessCount)
		}
		if rec.LastAccessedAt.Before(prev) || rec.LastAccessedAt.Before(rec.CreatedAt) {
			t.Errorf("last access moved backwards: %v (prev %v, created %v)", rec.LastAccessedAt, prev, rec.CreatedAt)
		}
		prev = rec.LastAccessedAt
	}
}

func TestService_RecallScopeIncludesGlobal(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})
	ctx := context.Background()
	global := store(t, s, "PATTERN", "grpc deadlines everywhere", "")
	scoped := store(t, s, "PATTERN", "grpc retries in the api gateway", "api")
	store(t, s, "PATTERN", "grpc streaming in the web tier", "web")

	resp, err := s.Recall(ctx, &models.RecallQuery{Query: "grpc", Scope: "api", MaxResults: intPtr(10)})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, m := range resp.Memories {
		got[m.Record.ID] = true
	}
	if len(got) != 2 || !got[global.ID] || !got[scoped.ID] {
		t.Errorf("recall ids = %v", got)
	}
}

func TestService_ListNewestFirstWithPagination(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	var ids []string
	for i, topic := range []string{"postgres", "kafka", "redis", "nginx", "yaml"} {
		kind := "GOTCHA"
		if i%2 == 1 {
			kind = "DECISION"
		}
		ids = append(ids, store(t, s, kind, topic+" note", "svc").ID)
	}
	store(t, s, "GOTCHA", "cgo builds are slow", "")

	ctx := context.Background()
	page, err := s.List(ctx, &models.ListQuery{Scope: "svc", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || page.Limit != 2 || page.Offset != 1 || len(page.Memories) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Memories[0].ID != ids[3] || page.Memories[1].ID != ids[2] {
		t.Errorf("order = %s, %s", page.Memories[0].ID, page.Memories[1].ID)
	}

	page, err = s.List(ctx, &models.ListQuery{Kind: "decision"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || page.Limit != 20 {
		t.Errorf("kind page = %+v", page)
	}

	page, err = s.List(ctx, &models.ListQuery{Offset: 100})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 6 || page.Memories == nil || len(page.Memories) != 0 {
		t.Errorf("past-end page = %+v", page)
	}

	if _, err := s.List(ctx, &models.ListQuery{Kind: "BOGUS"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("bad kind err = %v", err)
	}
}

func TestService_DeleteAndStats(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})
	ctx := context.Background()
	for _, in := range []struct {
		kind, content string
		conf          float64
	}{
		{"GOTCHA", "sqlite locks under WAL", 0.9},
		{"GOTCHA", "nginx buffers large bodies", 0.8},
		{"DECISION", "kafka for the event bus", 0.7},
	} {
		c := in.conf
		if _, err := s.Store(ctx, &models.StoreInput{Kind: in.kind, Content: in.content, Confidence: &c}); err != nil {
			t.Fatal(err)
		}
	}

	st, err := s.Stats(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.ByKind[models.KindGotcha] != 2 || st.AvgConfidence != 0.8 {
		t.Errorf("stats = %+v", st)
	}
	if st.OldestMemory == nil || st.NewestMemory == nil || st.NewestMemory.Before(*st.OldestMemory) {
		t.Errorf("oldest/newest = %v/%v", st.OldestMemory, st.NewestMemory)
	}

	page, _ := s.List(ctx, &models.ListQuery{Kind: "DECISION"})
	id := page.Memories[0].ID
	if err := s.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "mem_doesnotexist"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown delete err = %v", err)
	}
	resp, err := s.Recall(ctx, &models.RecallQuery{Query: "kafka"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Memories) != 0 {
		t.Errorf("deleted record recalled: %+v", resp.Memories)
	}

	res, err := s.Compact(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Compacted || res.RowsKept != 2 || res.RowsDropped != 1 {
		t.Errorf("compaction = %+v", res)
	}
	if st, _ := s.Stats(ctx, ""); st.Total != 2 {
		t.Errorf("total after compaction = %d", st.Total)
	}
}

func TestService_ScansHonorDeadline(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})
	store(t, s, "GOTCHA", "sqlite locks under WAL", "")

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	// the embedding is cached, so the duplicate scan is the first step to see the deadline
	_, err := s.Store(expired, &models.StoreInput{Kind: "GOTCHA", Content: "sqlite locks under WAL"})
	if !errors.Is(err, models.ErrTimeout) {
		t.Errorf("store err = %v, want timeout", err)
	}
	if _, err := s.List(expired, &models.ListQuery{}); !errors.Is(err, models.ErrTimeout) {
		t.Errorf("list err = %v, want timeout", err)
	}
	if _, err := s.Stats(expired, ""); !errors.Is(err, models.ErrTimeout) {
		t.Errorf("stats err = %v, want timeout", err)
	}
	if n := count(t, s); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestService_RejectsMismatchedBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.Dimensions = 768
	_, err := New(cfg, &topicEmbedder{}, zap.NewNop())
	if !errors.Is(err, models.ErrIntegrityViolation) {
		t.Fatalf("err = %v", err)
	}
}

func TestService_Sync(t *testing.T) {
	s := newTestService(t, testConfig(t), &topicEmbedder{})
	if st := s.Sync(); st.Status != syncer.StatusNotConfigured {
		t.Errorf("sync without inbox = %+v", st)
	}

	cfg := testConfig(t)
	cfg.Sync.InboxDir = filepath.Join(t.TempDir(), "inbox")
	off := false
	cfg.Sync.Watch = &off
	s = newTestService(t, cfg, &topicEmbedder{})

	line := `{"kind":"GOTCHA","content":"postgres vacuum stalls"}` + "\n"
	if err := os.WriteFile(filepath.Join(cfg.Sync.InboxDir, "drop.jsonl"), []byte(line), 0644); err != nil {
		t.Fatal(err)
	}
	if st := s.Sync(); st.Status != syncer.StatusTriggered || st.Cycle != 1 {
		t.Errorf("sync = %+v", st)
	}
	deadline := time.Now().Add(5 * time.Second)
	for count(t, s) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("inbox record never stored")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		if !strings.HasPrefix(id, "mem_") || len(id) != 16 {
			t.Fatalf("id = %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func intPtr(n int) *int { return &n }
