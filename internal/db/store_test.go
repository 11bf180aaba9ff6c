package db

import (
	"math"
	"testing"
	"time"
)

func TestVectorLiteral(t *testing.T) {
	t.Parallel()

	literal, err := VectorLiteral([]float64{0.5, -1, 0.25}, 3)
	if err != nil {
		t.Fatalf("VectorLiteral failed: %v", err)
	}
	if literal != "[0.5,-1,0.25]" {
		t.Fatalf("unexpected literal: %q", literal)
	}
}

func TestVectorLiteralDimensionValidation(t *testing.T) {
	t.Parallel()

	if _, err := VectorLiteral([]float64{0.1, 0.2}, 3); err == nil {
		t.Fatalf("expected dimension validation error for short vector")
	}
	if _, err := VectorLiteral(nil, 3); err == nil {
		t.Fatalf("expected dimension validation error for nil vector")
	}
}

func TestVectorLiteralRejectsNonFinite(t *testing.T) {
	t.Parallel()

	if _, err := VectorLiteral([]float64{0.1, math.NaN()}, 2); err == nil {
		t.Fatalf("expected NaN component to be rejected")
	}
	if _, err := VectorLiteral([]float64{math.Inf(1), 0.1}, 2); err == nil {
		t.Fatalf("expected Inf component to be rejected")
	}
}

func TestNullableJSON(t *testing.T) {
	t.Parallel()

	if got := nullableJSON(nil); got != nil {
		t.Fatalf("expected nil for empty raw JSON, got %v", got)
	}
	if got := nullableJSON([]byte("  ")); got != nil {
		t.Fatalf("expected nil for whitespace raw JSON, got %v", got)
	}
	got := nullableJSON([]byte(`[{"k":"v"}]`))
	if got == nil || *got != `[{"k":"v"}]` {
		t.Fatalf("unexpected nullable JSON: %v", got)
	}
}

func TestNullableTimeNormalizesToUTC(t *testing.T) {
	t.Parallel()

	if got := nullableTime(nil); got != nil {
		t.Fatalf("expected nil passthrough, got %v", got)
	}

	loc := time.FixedZone("CEST", 2*60*60)
	local := time.Date(2026, 8, 20, 11, 30, 0, 0, loc)
	got := nullableTime(&local)
	if got == nil || got.Location() != time.UTC {
		t.Fatalf("expected UTC normalization, got %v", got)
	}
	if !got.Equal(local) {
		t.Fatalf("normalization changed the instant: %v vs %v", got, local)
	}
}
