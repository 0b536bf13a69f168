package syncer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/kioku/internal/models"
)

// Extensions lists the inbox file types that can be ingested.
var Extensions = []string{".jsonl", ".yaml", ".yml", ".xlsx"}

// Supported reports whether path has an ingestible extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ReadFile reads the store requests contained in the file at path.
func ReadFile(path string) ([]*models.StoreInput, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Decode(content, strings.ToLower(filepath.Ext(path)))
}

// Decode parses content according to ext (with leading dot).
func Decode(content []byte, ext string) ([]*models.StoreInput, error) {
	switch ext {
	case ".jsonl":
		return decodeJSONL(content)
	case ".yaml", ".yml":
		return decodeYAML(content)
	case ".xlsx":
		return decodeExcel(content)
	default:
		return nil, fmt.Errorf("unsupported inbox file type %q", ext)
	}
}

// decodeJSONL reads one JSON store request per line. Blank lines are skipped.
func decodeJSONL(content []byte) ([]*models.StoreInput, error) {
	var out []*models.StoreInput
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var in models.StoreInput
		if err := json.Unmarshal([]byte(text), &in); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, &in)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return out, nil
}

// decodeYAML accepts either a list of store requests or a mapping with a memories list.
func decodeYAML(content []byte) ([]*models.StoreInput, error) {
	var list []*models.StoreInput
	if err := yaml.Unmarshal(content, &list); err != nil {
		var doc struct {
			Memories []*models.StoreInput `yaml:"memories"`
		}
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		list = doc.Memories
	}
	out := list[:0]
	for _, in := range list {
		if in != nil {
			out = append(out, in)
		}
	}
	return out, nil
}

// excelColumns are the recognized header names of the first sheet.
var excelColumns = []string{"kind", "content", "context", "confidence", "project_scope", "session_source", "tags"}

// decodeExcel reads the first sheet. The first row is a header naming columns from
// excelColumns in any order; tags are comma separated.
func decodeExcel(content []byte) ([]*models.StoreInput, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("get rows for sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	cols := make(map[string]int)
	for i, name := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(name))
		key = strings.ReplaceAll(key, " ", "_")
		for _, known := range excelColumns {
			if key == known {
				cols[key] = i
			}
		}
	}
	if _, ok := cols["content"]; !ok {
		return nil, fmt.Errorf("sheet %q: header must include a content column", sheets[0])
	}
	if _, ok := cols["kind"]; !ok {
		return nil, fmt.Errorf("sheet %q: header must include a kind column", sheets[0])
	}

	var out []*models.StoreInput
	for r, row := range rows[1:] {
		cell := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		if cell("content") == "" && cell("kind") == "" {
			continue
		}
		in := &models.StoreInput{
			Kind:          cell("kind"),
			Content:       cell("content"),
			Context:       cell("context"),
			ProjectScope:  cell("project_scope"),
			SessionSource: cell("session_source"),
		}
		if c := cell("confidence"); c != "" {
			v, err := strconv.ParseFloat(c, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid confidence %q", r+2, c)
			}
			in.Confidence = &v
		}
		if tags := cell("tags"); tags != "" {
			for _, tag := range strings.Split(tags, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					in.Tags = append(in.Tags, tag)
				}
			}
		}
		out = append(out, in)
	}
	return out, nil
}
