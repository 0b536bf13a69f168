package models

import (
	"errors"
	"strings"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestStoreInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   *StoreInput
		wantErr bool
	}{
		{"valid", &StoreInput{Kind: "GOTCHA", Content: "x"}, false},
		{"lowercase kind", &StoreInput{Kind: "working_solution", Content: "x"}, false},
		{"type alias", &StoreInput{Type: "PATTERN", Content: "x"}, false},
		{"missing kind", &StoreInput{Content: "x"}, true},
		{"unknown kind", &StoreInput{Kind: "SYSTEM", Content: "x"}, true},
		{"empty content", &StoreInput{Kind: "GOTCHA", Content: "   "}, true},
		{"content too long", &StoreInput{Kind: "GOTCHA", Content: strings.Repeat("a", 11)}, true},
		{"content at limit", &StoreInput{Kind: "GOTCHA", Content: strings.Repeat("a", 10)}, false},
		{"multibyte counts runes", &StoreInput{Kind: "GOTCHA", Content: strings.Repeat("é", 10)}, false},
		{"confidence above 1", &StoreInput{Kind: "GOTCHA", Content: "x", Confidence: floatPtr(1.5)}, true},
		{"confidence below 0", &StoreInput{Kind: "GOTCHA", Content: "x", Confidence: floatPtr(-0.1)}, true},
		{"scope with control char", &StoreInput{Kind: "GOTCHA", Content: "x", ProjectScope: "a\nb"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate(10)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("error should wrap ErrValidation, got %v", err)
			}
		})
	}
}

func TestStoreInput_ValidateDefaultsAndAliases(t *testing.T) {
	in := &StoreInput{Type: "decision", Content: "  use sqlite  ", ProjectPath: "/repo"}
	if err := in.Validate(200); err != nil {
		t.Fatal(err)
	}
	if in.ResolvedKind != KindDecision {
		t.Errorf("kind: got %s", in.ResolvedKind)
	}
	if in.Content != "use sqlite" {
		t.Errorf("content should be trimmed, got %q", in.Content)
	}
	if in.Confidence == nil || *in.Confidence != DefaultConfidence {
		t.Errorf("confidence default: got %v", in.Confidence)
	}
	if in.ProjectScope != "/repo" {
		t.Errorf("projectPath alias: got %q", in.ProjectScope)
	}
}

func TestRecallQuery_Validate(t *testing.T) {
	q := &RecallQuery{Query: "rate limit"}
	if err := q.Validate(3, 0.35); err != nil {
		t.Fatal(err)
	}
	if *q.MaxResults != 3 || *q.MinSimilarity != 0.35 {
		t.Errorf("defaults: max=%d min=%f", *q.MaxResults, *q.MinSimilarity)
	}

	q = &RecallQuery{Query: "x", MaxResults: intPtr(500)}
	if err := q.Validate(3, 0.35); err != nil {
		t.Fatal(err)
	}
	if *q.MaxResults != MaxRecallResults {
		t.Errorf("maxResults should be capped, got %d", *q.MaxResults)
	}

	q = &RecallQuery{Query: "x", Filters: &RecallFilters{Types: []string{"gotcha"}, ProjectPath: "/p"}}
	if err := q.Validate(3, 0.35); err != nil {
		t.Fatal(err)
	}
	if len(q.Kinds) != 1 || q.Kinds[0] != KindGotcha || q.Scope != "/p" {
		t.Errorf("legacy filters not applied: kinds=%v scope=%q", q.Kinds, q.Scope)
	}

	for _, bad := range []*RecallQuery{
		{Query: ""},
		{Query: "x", MinSimilarity: floatPtr(2)},
		{Query: "x", KindFilter: []string{"NOPE"}},
	} {
		if err := bad.Validate(3, 0.35); !errors.Is(err, ErrValidation) {
			t.Errorf("Validate(%+v) = %v, want ErrValidation", bad, err)
		}
	}
}

func TestKindCodes(t *testing.T) {
	for _, k := range Kinds {
		got, ok := KindFromCode(k.Code())
		if !ok || got != k {
			t.Errorf("round trip %s: got %s, %v", k, got, ok)
		}
	}
	if _, ok := KindFromCode(0); ok {
		t.Error("code 0 must be invalid")
	}
	if _, ok := KindFromCode(uint8(len(Kinds) + 1)); ok {
		t.Error("out of range code must be invalid")
	}
}

func TestErrorKind(t *testing.T) {
	if got := ErrorKind(DimensionError("vector", 3, 4)); got != "integrity_violation" {
		t.Errorf("got %s", got)
	}
	if got := ErrorKind(errors.New("boom")); got != "internal" {
		t.Errorf("got %s", got)
	}
}
