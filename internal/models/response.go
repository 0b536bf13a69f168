package models

import "time"

// Store statuses.
const (
	StoreStatusStored    = "stored"
	StoreStatusDuplicate = "duplicate"
)

// StoreResult is the outcome of a store request. ID is the new record's id, or the
// existing record's id when the insert was suppressed as a duplicate.
type StoreResult struct {
	Status        string  `json:"status"`
	ID            string  `json:"id"`
	Deduplicated  bool    `json:"deduplicated"`
	Similarity    float64 `json:"similarity,omitempty"`
	EmbeddingDims int     `json:"embeddingDims,omitempty"`
}

// RecallResponse is the response for a recall request.
type RecallResponse struct {
	Memories    []*ScoredRecord `json:"memories"`
	QueryTimeMs int64           `json:"queryTimeMs"`
	Query       string          `json:"query,omitempty"`
}

// ListResponse is a page of records, newest first.
type ListResponse struct {
	Memories []*MemoryRecord `json:"memories"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// StatsResponse summarizes the non-deleted records.
type StatsResponse struct {
	Total         int          `json:"total"`
	ByKind        map[Kind]int `json:"byKind"`
	AvgConfidence float64      `json:"avgConfidence"`
	OldestMemory  *time.Time   `json:"oldestMemory,omitempty"`
	NewestMemory  *time.Time   `json:"newestMemory,omitempty"`
	Scope         string       `json:"scope,omitempty"`
}

// EmbeddingInfo describes the embedding backend for health output.
type EmbeddingInfo struct {
	Backend    string `json:"backend"`
	Model      string `json:"model,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Dimensions int    `json:"dimensions"`
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status       string        `json:"status"`
	Uptime       int64         `json:"uptime"`
	MemoryCount  int           `json:"memoryCount"`
	Embedding    EmbeddingInfo `json:"embedding"`
	VectorDbSize string        `json:"vectorDbSize"`
	Segments     int           `json:"segments"`
	Generation   uint64        `json:"generation"`
}

// CompactionResult reports what a compaction pass did.
type CompactionResult struct {
	Compacted      bool  `json:"compacted"`
	SegmentsBefore int   `json:"segmentsBefore"`
	SegmentsAfter  int   `json:"segmentsAfter"`
	RowsKept       int   `json:"rowsKept"`
	RowsDropped    int   `json:"rowsDropped"`
	DurationMs     int64 `json:"durationMs"`
}

// SyncStatus is the response for a sync trigger.
type SyncStatus struct {
	Status string `json:"status"`
	Cycle  int64  `json:"cycle,omitempty"`
}
