// Package models defines the memory record, its kinds, and the request/response shapes of the API.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of memory categories.
type Kind string

const (
	KindGotcha          Kind = "GOTCHA"
	KindWorkingSolution Kind = "WORKING_SOLUTION"
	KindPattern         Kind = "PATTERN"
	KindDecision        Kind = "DECISION"
	KindFailure         Kind = "FAILURE"
	KindPreference      Kind = "PREFERENCE"
)

// Kinds lists every valid kind in a stable order.
var Kinds = []Kind{
	KindGotcha,
	KindWorkingSolution,
	KindPattern,
	KindDecision,
	KindFailure,
	KindPreference,
}

// ParseKind returns the Kind for s (case-insensitive) or a validation error.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if k.Valid() {
		return k, nil
	}
	names := make([]string, len(Kinds))
	for i, v := range Kinds {
		names[i] = string(v)
	}
	return "", fmt.Errorf("%w: invalid kind %q, must be one of: %s", ErrValidation, s, strings.Join(names, ", "))
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// Code returns the single-byte column encoding of k (1-based; 0 is invalid).
func (k Kind) Code() uint8 {
	for i, v := range Kinds {
		if k == v {
			return uint8(i + 1)
		}
	}
	return 0
}

// KindFromCode is the inverse of Kind.Code.
func KindFromCode(c uint8) (Kind, bool) {
	if c == 0 || int(c) > len(Kinds) {
		return "", false
	}
	return Kinds[c-1], true
}

// MemoryRecord is the single persisted entity. Content, kind, and embedding are
// immutable; only the access fields and the deleted marker change after insert.
type MemoryRecord struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Content        string    `json:"content"`
	Context        string    `json:"context,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Confidence     float64   `json:"confidence"`
	Embedding      []float32 `json:"-"`
	ProjectScope   string    `json:"projectScope,omitempty"`
	SessionSource  string    `json:"sessionSource,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`
	Deleted        bool      `json:"-"`
}

// Global reports whether the record has no project scope.
func (r *MemoryRecord) Global() bool {
	return r.ProjectScope == ""
}

// Clone returns a shallow copy that shares the (immutable) embedding slice.
func (r *MemoryRecord) Clone() *MemoryRecord {
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	return &c
}

// ScoredRecord is a recall hit.
type ScoredRecord struct {
	Record *MemoryRecord `json:"record"`
	Score  float64       `json:"score"`
}
