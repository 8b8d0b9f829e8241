package smclib

import (
	"testing"
)

func TestSimulateContig(t *testing.T) {

	m, err := NewDemographyModel([]float64{0, 100, 2000}, []float64{1e4, 3e3, 2e4})
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Theta = 0.00025
	cfg.NStates = 8

	for _, n := range []int{2, 4} {
		for _, length := range []int{1000, 25000} {

			c, err := SimulateContig(m, &cfg, n, length, "sim", NewSimSource(42))
			if err != nil {
				t.Fatal(err)
			}
			if c.Length() != length {
				t.Errorf("n=%d: simulated %d positions, want %d", n, c.Length(), length)
			}
			for i, b := range c.Blocks {
				if err := validateBlock(b, n); err != nil {
					t.Fatalf("n=%d block %d invalid: %v", n, i, err)
				}
				if i > 0 && sameConfig(c.Blocks[i-1], b) {
					t.Errorf("n=%d: adjacent blocks %d and %d not merged", n, i-1, i)
				}
			}
		}
	}
}

func TestSimulateDeterministic(t *testing.T) {

	m, err := NewDemographyModel([]float64{0, 500}, []float64{1e4, 2e4})
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Theta = 0.001
	cfg.NStates = 4

	c1, err := SimulateContig(m, &cfg, 2, 5000, "sim", NewSimSource(7))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := SimulateContig(m, &cfg, 2, 5000, "sim", NewSimSource(7))
	if err != nil {
		t.Fatal(err)
	}

	if len(c1.Blocks) != len(c2.Blocks) {
		t.Fatalf("same seed gave %d and %d blocks", len(c1.Blocks), len(c2.Blocks))
	}
	for i := range c1.Blocks {
		if c1.Blocks[i] != c2.Blocks[i] {
			t.Errorf("same seed diverged at block %d", i)
		}
	}
}

func TestSimulateRejectsBadArgs(t *testing.T) {

	m, err := NewDemographyModel([]float64{0}, []float64{1e4})
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Theta = 0.001
	cfg.NStates = 4

	if _, err := SimulateContig(m, &cfg, 1, 100, "sim", NewSimSource(1)); err == nil {
		t.Errorf("sample size 1 must be rejected")
	}
	if _, err := SimulateContig(m, &cfg, 2, 0, "sim", NewSimSource(1)); err == nil {
		t.Errorf("zero length must be rejected")
	}
}
