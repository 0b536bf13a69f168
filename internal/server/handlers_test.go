package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/memory"
	"github.com/hyperjump/kioku/internal/models"
)

// fakeMemory returns err from every operation when set and records served endpoints.
type fakeMemory struct {
	err       error
	dedup     bool
	mu        sync.Mutex
	endpoints []string
	lastList  models.ListQuery
}

func (f *fakeMemory) Store(_ context.Context, in *models.StoreInput) (*models.StoreResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.dedup {
		return &models.StoreResult{Status: models.StoreStatusDuplicate, ID: "mem_existing", Deduplicated: true}, nil
	}
	return &models.StoreResult{Status: models.StoreStatusStored, ID: "mem_new"}, nil
}

func (f *fakeMemory) Recall(context.Context, *models.RecallQuery) (*models.RecallResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.RecallResponse{Memories: []*models.ScoredRecord{}}, nil
}

func (f *fakeMemory) List(_ context.Context, q *models.ListQuery) (*models.ListResponse, error) {
	f.lastList = *q
	if f.err != nil {
		return nil, f.err
	}
	return &models.ListResponse{Memories: []*models.MemoryRecord{}, Limit: q.Limit, Offset: q.Offset}, nil
}

func (f *fakeMemory) Delete(context.Context, string) error { return f.err }

func (f *fakeMemory) Stats(context.Context, string) (*models.StatsResponse, error) {
	return &models.StatsResponse{ByKind: map[models.Kind]int{}}, f.err
}

func (f *fakeMemory) Health(context.Context) (*models.HealthResponse, error) {
	return &models.HealthResponse{Status: "ok"}, f.err
}

func (f *fakeMemory) Compact(context.Context) (*models.CompactionResult, error) {
	return &models.CompactionResult{}, f.err
}

func (f *fakeMemory) Sync() models.SyncStatus { return models.SyncStatus{Status: "not_configured"} }

func (f *fakeMemory) RequestServed(endpoint string) {
	f.mu.Lock()
	f.endpoints = append(f.endpoints, endpoint)
	f.mu.Unlock()
}

func newTestServer(mem MemoryService) http.Handler {
	return NewServer(mem, &config.ServerConfig{Port: 8741, RequestTimeoutSeconds: 5}, zap.NewNop()).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", fmt.Errorf("%w: content too long", models.ErrValidation), http.StatusBadRequest, "validation"},
		{"embedding", fmt.Errorf("%w: connection refused", models.ErrEmbeddingUnavailable), http.StatusServiceUnavailable, "embedding_unavailable"},
		{"timeout", fmt.Errorf("%w: scan", models.ErrTimeout), http.StatusGatewayTimeout, "timeout"},
		{"integrity", models.DimensionError("query", 3, 4), http.StatusInternalServerError, "integrity_violation"},
		{"not found", fmt.Errorf("%w: memory", models.ErrNotFound), http.StatusNotFound, "not_found"},
		{"internal", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeMemory{err: tt.err})
			w := do(t, h, http.MethodPost, "/recall", `{"query":"x"}`)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			out := decodeError(t, w)
			if out.Success || out.Kind != tt.kind || out.Error == "" {
				t.Errorf("body = %+v", out)
			}
		})
	}
}

func TestHandleStore_StatusCodes(t *testing.T) {
	w := do(t, newTestServer(&fakeMemory{}), http.MethodPost, "/store", `{"kind":"GOTCHA","content":"x"}`)
	if w.Code != http.StatusCreated {
		t.Errorf("stored status = %d", w.Code)
	}
	w = do(t, newTestServer(&fakeMemory{dedup: true}), http.MethodPost, "/store", `{"kind":"GOTCHA","content":"x"}`)
	if w.Code != http.StatusOK {
		t.Errorf("duplicate status = %d", w.Code)
	}
	var res models.StoreResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Deduplicated || res.ID != "mem_existing" {
		t.Errorf("duplicate body = %+v", res)
	}
}

func TestHandleStore_MalformedBody(t *testing.T) {
	h := newTestServer(&fakeMemory{})
	for _, body := range []string{"", "{", `{"content": 5}`} {
		w := do(t, h, http.MethodPost, "/store", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, w.Code)
		}
	}
}

func TestHandleList_QueryParams(t *testing.T) {
	mem := &fakeMemory{}
	h := newTestServer(mem)
	w := do(t, h, http.MethodGet, "/list?projectPath=api&type=GOTCHA&limit=5&offset=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if mem.lastList.Scope != "api" || mem.lastList.Kind != "GOTCHA" || mem.lastList.Limit != 5 || mem.lastList.Offset != 10 {
		t.Errorf("list query = %+v", mem.lastList)
	}
	if w := do(t, h, http.MethodGet, "/list?limit=many", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestHandleDelete_NotFound(t *testing.T) {
	h := newTestServer(&fakeMemory{err: fmt.Errorf("%w: memory %q", models.ErrNotFound, "mem_x")})
	w := do(t, h, http.MethodDelete, "/memory/mem_x", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if out := decodeError(t, w); out.Success || out.Kind != "not_found" {
		t.Errorf("body = %+v", out)
	}
}

func TestHandleSync(t *testing.T) {
	w := do(t, newTestServer(&fakeMemory{}), http.MethodPost, "/sync", "")
	var st models.SyncStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || st.Status != "not_configured" {
		t.Errorf("sync = %d %+v", w.Code, st)
	}
}

func TestDiagnosticsMiddleware_UsesRoutePattern(t *testing.T) {
	mem := &fakeMemory{}
	h := newTestServer(mem)
	do(t, h, http.MethodDelete, "/memory/mem_a", "")
	do(t, h, http.MethodDelete, "/memory/mem_b", "")
	do(t, h, http.MethodGet, "/health", "")

	mem.mu.Lock()
	defer mem.mu.Unlock()
	want := []string{"/memory/{id}", "/memory/{id}", "/health"}
	if strings.Join(mem.endpoints, ",") != strings.Join(want, ",") {
		t.Errorf("endpoints = %v, want %v", mem.endpoints, want)
	}
}

func TestAPI_EndToEnd(t *testing.T) {
	cfg := &config.Config{
		Storage:   config.StorageConfig{DataDir: t.TempDir()},
		Embedding: config.EmbeddingConfig{Backend: config.BackendHash, Dimensions: 256},
	}
	config.ApplyDefaults(cfg)
	svc, err := memory.New(cfg, embedding.NewMockEmbedder(256), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close(context.Background())
	h := newTestServer(svc)

	w := do(t, h, http.MethodPost, "/store",
		`{"type":"GOTCHA","content":"sqlite busy timeout must be set for WAL","projectPath":"kioku","tags":["db"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("store status = %d: %s", w.Code, w.Body)
	}
	var stored models.StoreResult
	_ = json.NewDecoder(w.Body).Decode(&stored)
	if stored.EmbeddingDims != 256 {
		t.Errorf("embeddingDims = %d", stored.EmbeddingDims)
	}

	w = do(t, h, http.MethodPost, "/store", `{"kind":"GOTCHA","content":"sqlite busy timeout must be set for WAL","projectScope":"kioku"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/store", `{"kind":"GOTCHA","content":"`+strings.Repeat("a", 201)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("overlong status = %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/recall", `{"query":"sqlite busy timeout must be set for WAL","minSimilarity":0.1,"projectPath":"kioku"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("recall status = %d", w.Code)
	}
	var recalled models.RecallResponse
	_ = json.NewDecoder(w.Body).Decode(&recalled)
	if len(recalled.Memories) != 1 || recalled.Memories[0].Record.ID != stored.ID {
		t.Errorf("recall = %+v", recalled.Memories)
	}

	w = do(t, h, http.MethodPost, "/recall", `{"query":"completely unrelated words","minSimilarity":0.99}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"memories":[]`) {
		t.Errorf("empty recall = %d %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodGet, "/stats", "")
	var stats models.StatsResponse
	_ = json.NewDecoder(w.Body).Decode(&stats)
	if stats.Total != 1 || stats.ByKind[models.KindGotcha] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	w = do(t, h, http.MethodGet, "/health", "")
	var health models.HealthResponse
	_ = json.NewDecoder(w.Body).Decode(&health)
	if health.Status != "ok" || health.MemoryCount != 1 || health.Embedding.Dimensions != 256 {
		t.Errorf("health = %+v", health)
	}

	w = do(t, h, http.MethodDelete, "/memory/"+stored.ID, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"success":true`) {
		t.Errorf("delete = %d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodDelete, "/memory/"+stored.ID+"x", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown delete status = %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/compact", "")
	var compaction models.CompactionResult
	_ = json.NewDecoder(w.Body).Decode(&compaction)
	if w.Code != http.StatusOK || compaction.RowsDropped != 1 {
		t.Errorf("compact = %d %+v", w.Code, compaction)
	}
}
