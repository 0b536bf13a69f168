package models

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultConfidence is applied when a store request omits confidence.
	DefaultConfidence = 0.85
	// MaxRecallResults caps maxResults on a recall request.
	MaxRecallResults = 50
	// MaxScopeLength bounds project scope and session source identifiers.
	MaxScopeLength = 512
)

// StoreInput is the body of a store request. projectPath and type are accepted
// as aliases of projectScope and kind.
type StoreInput struct {
	Kind          string   `json:"kind,omitempty" yaml:"kind"`
	Type          string   `json:"type,omitempty" yaml:"type,omitempty"`
	Content       string   `json:"content" yaml:"content"`
	Context       string   `json:"context,omitempty" yaml:"context,omitempty"`
	Tags          []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	ProjectScope  string   `json:"projectScope,omitempty" yaml:"project_scope,omitempty"`
	ProjectPath   string   `json:"projectPath,omitempty" yaml:"project_path,omitempty"`
	SessionSource string   `json:"sessionSource,omitempty" yaml:"session_source,omitempty"`

	// ResolvedKind is set by Validate.
	ResolvedKind Kind `json:"-" yaml:"-"`
}

// Validate checks the input against maxContentLength (in characters) and normalizes
// aliases and defaults. It returns an ErrValidation-wrapped error naming the violated constraint.
func (in *StoreInput) Validate(maxContentLength int) error {
	kind := in.Kind
	if kind == "" {
		kind = in.Type
	}
	if kind == "" {
		return fmt.Errorf("%w: kind is required", ErrValidation)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return err
	}
	in.ResolvedKind = k
	in.Kind = string(k)

	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if n := utf8.RuneCountInString(in.Content); maxContentLength > 0 && n > maxContentLength {
		return fmt.Errorf("%w: content too long (max %d chars, got %d)", ErrValidation, maxContentLength, n)
	}

	if in.Confidence == nil {
		c := DefaultConfidence
		in.Confidence = &c
	}
	if c := *in.Confidence; c < 0 || c > 1 {
		return fmt.Errorf("%w: confidence must be in [0, 1], got %g", ErrValidation, c)
	}

	if in.ProjectScope == "" {
		in.ProjectScope = in.ProjectPath
	}
	in.ProjectScope = strings.TrimSpace(in.ProjectScope)
	if err := ValidateScope("projectScope", in.ProjectScope); err != nil {
		return err
	}
	in.SessionSource = strings.TrimSpace(in.SessionSource)
	if err := ValidateScope("sessionSource", in.SessionSource); err != nil {
		return err
	}
	return nil
}

// ValidateScope rejects identifiers that are too long or contain control characters.
// The empty string is valid and means "global".
func ValidateScope(field, s string) error {
	if len(s) > MaxScopeLength {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrValidation, field, MaxScopeLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrValidation, field)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control characters", ErrValidation, field)
		}
	}
	return nil
}

// RecallFilters is the legacy filter object ({"types": [...], "projectPath": ...}).
type RecallFilters struct {
	Types       []string `json:"types,omitempty"`
	ProjectPath string   `json:"projectPath,omitempty"`
}

// RecallQuery is the body of a recall request.
type RecallQuery struct {
	Query         string         `json:"query"`
	Scope         string         `json:"scope,omitempty"`
	ProjectPath   string         `json:"projectPath,omitempty"`
	KindFilter    []string       `json:"kindFilter,omitempty"`
	Filters       *RecallFilters `json:"filters,omitempty"`
	MaxResults    *int           `json:"maxResults,omitempty"`
	MinSimilarity *float64       `json:"minSimilarity,omitempty"`

	// Kinds is the parsed kind filter, set by Validate.
	Kinds []Kind `json:"-"`
}

// Validate fills defaults for maxResults and minSimilarity, resolves aliases,
// and parses the kind filter.
func (q *RecallQuery) Validate(defaultMaxResults int, defaultMinSimilarity float64) error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrValidation)
	}

	if q.MaxResults == nil || *q.MaxResults <= 0 {
		n := defaultMaxResults
		q.MaxResults = &n
	}
	if *q.MaxResults > MaxRecallResults {
		n := MaxRecallResults
		q.MaxResults = &n
	}
	if q.MinSimilarity == nil {
		m := defaultMinSimilarity
		q.MinSimilarity = &m
	}
	if m := *q.MinSimilarity; m < -1 || m > 1 {
		return fmt.Errorf("%w: minSimilarity must be in [-1, 1], got %g", ErrValidation, m)
	}

	if q.Scope == "" {
		q.Scope = q.ProjectPath
	}
	if q.Scope == "" && q.Filters != nil {
		q.Scope = q.Filters.ProjectPath
	}
	q.Scope = strings.TrimSpace(q.Scope)
	if err := ValidateScope("scope", q.Scope); err != nil {
		return err
	}

	names := q.KindFilter
	if len(names) == 0 && q.Filters != nil {
		names = q.Filters.Types
	}
	q.Kinds = q.Kinds[:0]
	for _, name := range names {
		k, err := ParseKind(name)
		if err != nil {
			return err
		}
		q.Kinds = append(q.Kinds, k)
	}
	return nil
}

// ListQuery selects records for the list endpoint.
type ListQuery struct {
	Scope  string
	Kind   Kind
	Limit  int
	Offset int
}

const (
	defaultListLimit = 20
	maxListLimit     = 1000
)

// Validate applies list pagination defaults and bounds.
func (q *ListQuery) Validate() error {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}
	if q.Kind != "" {
		k, err := ParseKind(string(q.Kind))
		if err != nil {
			return err
		}
		q.Kind = k
	}
	return ValidateScope("scope", q.Scope)
}
