package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Storer stores one memory through the normal validation and duplicate checks.
type Storer interface {
	Store(ctx context.Context, in *models.StoreInput) (*models.StoreResult, error)
}

// InboxCycle ingests memory files dropped into a directory. Each file is moved to
// processed/ when every record in it was stored or deduplicated, and to failed/ otherwise.
type InboxCycle struct {
	dir    string
	store  Storer
	logger *zap.Logger
	now    func() time.Time
}

// NewInboxCycle creates the inbox and its processed/ and failed/ subdirectories.
func NewInboxCycle(dir string, store Storer, logger *zap.Logger) (*InboxCycle, error) {
	for _, d := range []string{dir, filepath.Join(dir, processedDir), filepath.Join(dir, failedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxCycle{dir: dir, store: store, logger: logger, now: time.Now}, nil
}

// Dir returns the inbox directory.
func (c *InboxCycle) Dir() string {
	return c.dir
}

// RunOnce ingests every supported file currently in the inbox, in name order.
func (c *InboxCycle) RunOnce(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return report, fmt.Errorf("failed to list inbox: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Files++
		if err := c.ingest(ctx, filepath.Join(c.dir, e.Name()), &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ingest stores the records of one file and files it away. Only context errors are returned.
func (c *InboxCycle) ingest(ctx context.Context, path string, report *CycleReport) error {
	name := filepath.Base(path)
	inputs, err := ReadFile(path)
	if err != nil {
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
		c.logger.Warn("Failed to read inbox file", zap.String("file", name), zap.Error(err))
		c.move(path, failedDir)
		return nil
	}

	failures := 0
	for i, in := range inputs {
		res, err := c.store.Store(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			report.Errors = append(report.Errors, fmt.Sprintf("%s record %d: %v", name, i+1, err))
			c.logger.Warn("Failed to store inbox record",
				zap.String("file", name),
				zap.Int("record", i+1),
				zap.String("kind", models.ErrorKind(err)),
				zap.Error(err),
			)
			continue
		}
		if res.Deduplicated {
			report.Duplicates++
		} else {
			report.Stored++
		}
	}

	if failures > 0 {
		report.Failed++
		c.move(path, failedDir)
		return nil
	}
	c.move(path, processedDir)
	c.logger.Debug("Ingested inbox file", zap.String("file", name), zap.Int("records", len(inputs)))
	return nil
}

// move renames path into sub/, prefixing a timestamp so repeated names do not collide.
func (c *InboxCycle) move(path, sub string) {
	dest := filepath.Join(c.dir, sub, c.now().UTC().Format("20060102T150405.000000000")+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		c.logger.Error("Failed to move inbox file", zap.String("file", path), zap.String("dest", dest), zap.Error(err))
	}
}
