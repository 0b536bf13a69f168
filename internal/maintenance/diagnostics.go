package maintenance

import (
	"sync"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

const (
	maxRecentQueries = 10
	recentQueryLen   = 50
)

// Diagnostics counts requests, recalls, and stores between reports.
type Diagnostics struct {
	mu            sync.Mutex
	totalRequests uint64
	endpointHits  map[string]int
	recall        RecallStats
	store         StoreStats
}

// RecallStats summarizes recall traffic since the last report.
type RecallStats struct {
	Total         int      `json:"total"`
	WithResults   int      `json:"withResults"`
	Empty         int      `json:"empty"`
	HitRate       float64  `json:"hitRate"`
	RecentQueries []string `json:"recentQueries,omitempty"`
}

// StoreStats summarizes store traffic since the last report. ByKind counts only new records.
type StoreStats struct {
	Total      int            `json:"total"`
	Duplicates int            `json:"duplicates"`
	ByKind     map[string]int `json:"byKind,omitempty"`
}

// Report is one diagnostics snapshot.
type Report struct {
	TotalRequests uint64                   `json:"totalRequests"`
	EndpointHits  map[string]int           `json:"endpointHits"`
	Recall        RecallStats              `json:"recall"`
	Store         StoreStats               `json:"store"`
	MemoryCount   int                      `json:"memoryCount"`
	Compaction    *models.CompactionResult `json:"compaction,omitempty"`
}

// NewDiagnostics returns empty counters.
func NewDiagnostics() *Diagnostics {
	d := &Diagnostics{}
	d.resetLocked()
	return d
}

func (d *Diagnostics) resetLocked() {
	d.endpointHits = make(map[string]int)
	d.recall = RecallStats{}
	d.store = StoreStats{ByKind: make(map[string]int)}
}

// RecordRequest counts a hit on endpoint and returns the lifetime request count.
func (d *Diagnostics) RecordRequest(endpoint string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpointHits[endpoint]++
	d.totalRequests++
	return d.totalRequests
}

// RecordRecall counts a recall and remembers the first few queries of the period.
func (d *Diagnostics) RecordRecall(query string, results int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recall.Total++
	if results > 0 {
		d.recall.WithResults++
	} else {
		d.recall.Empty++
	}
	if len(d.recall.RecentQueries) < maxRecentQueries {
		d.recall.RecentQueries = append(d.recall.RecentQueries, utils.Truncate(query, recentQueryLen))
	}
}

// RecordStore counts a store; duplicates are not attributed to a kind.
func (d *Diagnostics) RecordStore(kind models.Kind, duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store.Total++
	if duplicate {
		d.store.Duplicates++
		return
	}
	d.store.ByKind[string(kind)]++
}

// Snapshot returns the current counters without resetting them.
func (d *Diagnostics) Snapshot() Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Flush returns the current counters and resets the per-period ones.
// The lifetime request total is kept.
func (d *Diagnostics) Flush() Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.snapshotLocked()
	d.resetLocked()
	return r
}

func (d *Diagnostics) snapshotLocked() Report {
	hits := make(map[string]int, len(d.endpointHits))
	for k, v := range d.endpointHits {
		hits[k] = v
	}
	byKind := make(map[string]int, len(d.store.ByKind))
	for k, v := range d.store.ByKind {
		byKind[k] = v
	}
	recall := d.recall
	recall.RecentQueries = append([]string(nil), d.recall.RecentQueries...)
	if recall.Total > 0 {
		recall.HitRate = float64(recall.WithResults) / float64(recall.Total)
	}
	return Report{
		TotalRequests: d.totalRequests,
		EndpointHits:  hits,
		Recall:        recall,
		Store:         StoreStats{Total: d.store.Total, Duplicates: d.store.Duplicates, ByKind: byKind},
	}
}
