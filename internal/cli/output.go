// Package cli provides the HTTP client and output rendering for the kioku client commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRecall writes recall hits in the given format.
func WriteRecall(w io.Writer, resp *models.RecallResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, resp)
	}
	if len(resp.Memories) == 0 {
		fmt.Fprintf(w, "No memories found (%dms)\n", resp.QueryTimeMs)
		return nil
	}
	fmt.Fprintf(w, "\nFound %d memories in %dms\n\n", len(resp.Memories), resp.QueryTimeMs)
	for i, hit := range resp.Memories {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "%d. [%s] Score: %.4f | ID: %s\n", i+1, hit.Record.Kind, hit.Score, hit.Record.ID)
		writeRecordBody(w, hit.Record)
	}
	return nil
}

// WriteList writes a page of records in the given format.
func WriteList(w io.Writer, resp *models.ListResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, resp)
	}
	end := resp.Offset + len(resp.Memories)
	if len(resp.Memories) == 0 {
		fmt.Fprintf(w, "No memories (total %d)\n", resp.Total)
		return nil
	}
	fmt.Fprintf(w, "\nShowing %d-%d of %d memories\n\n", resp.Offset+1, end, resp.Total)
	for _, rec := range resp.Memories {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "[%s] ID: %s | Created: %s | Accessed: %d\n",
			rec.Kind, rec.ID, rec.CreatedAt.Local().Format(time.DateTime), rec.AccessCount)
		writeRecordBody(w, rec)
	}
	return nil
}

func writeRecordBody(w io.Writer, rec *models.MemoryRecord) {
	if rec.ProjectScope != "" {
		fmt.Fprintf(w, "Scope: %s\n", rec.ProjectScope)
	}
	if len(rec.Tags) > 0 {
		fmt.Fprintf(w, "Tags: %s\n", strings.Join(rec.Tags, ", "))
	}
	fmt.Fprintf(w, "Confidence: %.2f\n", rec.Confidence)
	fmt.Fprintf(w, "\n%s\n", rec.Content)
	if rec.Context != "" {
		fmt.Fprintf(w, "  %s\n", utils.Truncate(rec.Context, 200))
	}
	fmt.Fprintln(w)
}

// WriteStats writes record statistics in the given format.
func WriteStats(w io.Writer, resp *models.StatsResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, resp)
	}
	if resp.Scope != "" {
		fmt.Fprintf(w, "Scope:          %s\n", resp.Scope)
	}
	fmt.Fprintf(w, "Total:          %d\n", resp.Total)
	fmt.Fprintf(w, "Avg confidence: %.2f\n", resp.AvgConfidence)
	if resp.OldestMemory != nil {
		fmt.Fprintf(w, "Oldest:         %s\n", resp.OldestMemory.Local().Format(time.DateTime))
	}
	if resp.NewestMemory != nil {
		fmt.Fprintf(w, "Newest:         %s\n", resp.NewestMemory.Local().Format(time.DateTime))
	}
	if len(resp.ByKind) > 0 {
		fmt.Fprintln(w, "By kind:")
		kinds := make([]string, 0, len(resp.ByKind))
		for k := range resp.ByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-18s %d\n", k, resp.ByKind[models.Kind(k)])
		}
	}
	return nil
}

// WriteHealth writes daemon health in the given format.
func WriteHealth(w io.Writer, resp *models.HealthResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, resp)
	}
	fmt.Fprintf(w, "Status:     %s\n", resp.Status)
	fmt.Fprintf(w, "Uptime:     %s\n", time.Duration(resp.Uptime)*time.Second)
	fmt.Fprintf(w, "Memories:   %d\n", resp.MemoryCount)
	fmt.Fprintf(w, "Embedding:  %s", resp.Embedding.Backend)
	if resp.Embedding.Model != "" {
		fmt.Fprintf(w, " (%s)", resp.Embedding.Model)
	}
	fmt.Fprintf(w, ", %d dims\n", resp.Embedding.Dimensions)
	fmt.Fprintf(w, "Index size: %s in %d segments (generation %d)\n", resp.VectorDbSize, resp.Segments, resp.Generation)
	return nil
}

// WriteStoreResult writes the outcome of a store in the given format.
func WriteStoreResult(w io.Writer, res *models.StoreResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	if res.Deduplicated {
		fmt.Fprintf(w, "Duplicate of %s (similarity %.4f)\n", res.ID, res.Similarity)
		return nil
	}
	fmt.Fprintf(w, "Stored %s\n", res.ID)
	return nil
}
