package vector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hyperjump/kioku/internal/models"
)

const (
	manifestFile    = "MANIFEST"
	manifestVersion = 1
	tmpSuffix       = ".tmp"
)

// manifest is the commit point of the index: the set of live segment files.
// A segment that is not named here does not exist as far as readers are concerned.
type manifest struct {
	Version     int      `json:"version"`
	Generation  uint64   `json:"generation"`
	Dimensions  int      `json:"dimensions"`
	NextSegment uint64   `json:"next_segment"`
	Segments    []string `json:"segments"`
}

// next returns a copy with the generation advanced.
func (m *manifest) next() *manifest {
	c := *m
	c.Segments = slices.Clone(m.Segments)
	c.Generation++
	return &c
}

// readManifest returns (nil, nil) when no manifest has been written yet.
func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest is not valid JSON: %w", models.ErrIntegrityViolation, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", models.ErrIntegrityViolation, m.Version)
	}
	return &m, nil
}

func writeManifest(dir string, m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestFile), data); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file, syncs it, renames it over path,
// and syncs the directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
