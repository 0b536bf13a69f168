package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

// recordingStorer accepts every valid input and reports repeated content as duplicates.
type recordingStorer struct {
	mu   sync.Mutex
	seen map[string]string
	got  []*models.StoreInput
}

func newRecordingStorer() *recordingStorer {
	return &recordingStorer{seen: make(map[string]string)}
}

func (s *recordingStorer) Store(_ context.Context, in *models.StoreInput) (*models.StoreResult, error) {
	if err := in.Validate(1000); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.seen[in.Content]; ok {
		return &models.StoreResult{Status: models.StoreStatusDuplicate, ID: id, Deduplicated: true}, nil
	}
	id := fmt.Sprintf("mem_%d", len(s.seen)+1)
	s.seen[in.Content] = id
	s.got = append(s.got, in)
	return &models.StoreResult{Status: models.StoreStatusStored, ID: id}, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestInboxCycle_IngestsAllFormats(t *testing.T) {
	dir := t.TempDir()
	store := newRecordingStorer()
	cycle, err := NewInboxCycle(dir, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(dir, "a.jsonl"),
		`{"kind":"GOTCHA","content":"Stripe returns 429 on burst traffic","projectScope":"payments"}`+"\n"+
			"\n"+
			`{"type":"decision","content":"Use Postgres for the ledger","tags":["db"]}`+"\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), `
- kind: PATTERN
  content: Wrap retries in exponential backoff
  project_scope: payments
- kind: GOTCHA
  content: Stripe returns 429 on burst traffic
  project_scope: payments
`)

	f := excelize.NewFile()
	header := []string{"Kind", "Content", "Confidence", "Tags"}
	for i, h := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue("Sheet1", cell, h)
	}
	_ = f.SetCellValue("Sheet1", "A2", "preference")
	_ = f.SetCellValue("Sheet1", "B2", "Prefer table-driven tests")
	_ = f.SetCellValue("Sheet1", "C2", "0.9")
	_ = f.SetCellValue("Sheet1", "D2", "go, testing")
	if err := f.SaveAs(filepath.Join(dir, "c.xlsx")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	report, err := cycle.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Files != 3 || report.Stored != 4 || report.Duplicates != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}

	if left := listNames(t, dir); len(left) != 1 || left[0] != "notes.txt" {
		t.Errorf("inbox after cycle: %v", left)
	}
	if moved := listNames(t, filepath.Join(dir, processedDir)); len(moved) != 3 {
		t.Errorf("processed: %v", moved)
	}

	var pref *models.StoreInput
	for _, in := range store.got {
		if in.ResolvedKind == models.KindPreference {
			pref = in
		}
	}
	if pref == nil {
		t.Fatal("xlsx record not stored")
	}
	if *pref.Confidence != 0.9 || strings.Join(pref.Tags, "|") != "go|testing" {
		t.Errorf("xlsx record = %+v", pref)
	}
}

func TestInboxCycle_FailedFiles(t *testing.T) {
	dir := t.TempDir()
	cycle, err := NewInboxCycle(dir, newRecordingStorer(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "bad.jsonl"), "{not json}\n")
	writeFile(t, filepath.Join(dir, "mixed.jsonl"),
		`{"kind":"GOTCHA","content":"valid one"}`+"\n"+
			`{"kind":"NOPE","content":"bad kind"}`+"\n")

	report, err := cycle.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Files != 2 || report.Failed != 2 || report.Stored != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Errors) != 2 || !strings.Contains(report.Errors[0], "line 1") {
		t.Errorf("errors = %v", report.Errors)
	}
	if failed := listNames(t, filepath.Join(dir, failedDir)); len(failed) != 2 {
		t.Errorf("failed dir: %v", failed)
	}
}

func TestInboxCycle_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	cycle, err := NewInboxCycle(dir, newRecordingStorer(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "a.jsonl"), `{"kind":"GOTCHA","content":"x"}`+"\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cycle.RunOnce(ctx); err == nil {
		t.Fatal("expected context error")
	}
	if left := listNames(t, dir); len(left) != 1 {
		t.Errorf("file should stay in inbox: %v", left)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ext     string
		want    int
		wantErr bool
	}{
		{"jsonl", `{"kind":"GOTCHA","content":"a"}` + "\n" + `{"kind":"GOTCHA","content":"b"}`, ".jsonl", 2, false},
		{"jsonl empty", "\n\n", ".jsonl", 0, false},
		{"yaml list", "- kind: GOTCHA\n  content: a\n", ".yml", 1, false},
		{"yaml mapping", "memories:\n  - kind: GOTCHA\n    content: a\n  - kind: PATTERN\n    content: b\n", ".yaml", 2, false},
		{"yaml invalid", ":::\n- [", ".yaml", 0, true},
		{"unsupported", "x", ".txt", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.content), tt.ext)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestDecodeExcel_RequiresContentColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.xlsx")
	f := excelize.NewFile()
	_ = f.SetCellValue("Sheet1", "A1", "kind")
	_ = f.SetCellValue("Sheet1", "A2", "GOTCHA")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(path); err == nil {
		t.Fatal("expected error for missing content column")
	}
}

func TestSupported(t *testing.T) {
	for path, want := range map[string]bool{
		"a.jsonl": true, "b.YAML": true, "c.yml": true, "d.xlsx": true, "e.json": false, "f": false,
	} {
		if got := Supported(path); got != want {
			t.Errorf("Supported(%q) = %v", path, got)
		}
	}
}
