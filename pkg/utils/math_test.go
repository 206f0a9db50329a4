package utils

import (
	"math"
	"testing"
)

func TestNormalizeL2(t *testing.T) {
	x := []float32{3, 4}
	norm := NormalizeL2(x)
	if math.Abs(norm-5) > 1e-9 {
		t.Errorf("norm = %v, want 5", norm)
	}
	if math.Abs(L2Norm(x)-1) > 1e-6 {
		t.Errorf("normalized length = %v", L2Norm(x))
	}
	if math.Abs(float64(x[0])-0.6) > 1e-6 || math.Abs(float64(x[1])-0.8) > 1e-6 {
		t.Errorf("normalized = %v", x)
	}
}

func TestNormalizeL2_Zero(t *testing.T) {
	x := []float32{0, 0, 0}
	if NormalizeL2(x) != 0 {
		t.Error("zero vector should report zero norm")
	}
	for _, v := range x {
		if v != 0 {
			t.Fatalf("zero vector modified: %v", x)
		}
	}
}

func TestDot(t *testing.T) {
	if got := Dot([]float32{1, 2, 3}, []float32{4, 5, 6}); got != 32 {
		t.Errorf("Dot = %v, want 32", got)
	}
}

func TestAllFinite(t *testing.T) {
	if !AllFinite([]float32{0, 1, -2}) {
		t.Error("finite slice reported non-finite")
	}
	if AllFinite([]float32{1, float32(math.NaN())}) {
		t.Error("NaN not detected")
	}
	if AllFinite([]float32{float32(math.Inf(1))}) {
		t.Error("Inf not detected")
	}
}
