package smclib

import (
	"math"
	"path/filepath"
	"testing"
)

func testModelFile(t *testing.T, K int) *ModelFile {
	m, err := NewDemographyModel([]float64{0, 100, 2000}, []float64{1e4, 3e3, 2e4})
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Theta = 0.00025
	cfg.NStates = K
	hs := BalanceHiddenStates(m, K)
	return NewModelFile(m, hs, &cfg, []float64{-500})
}

func TestDecodePosteriorRowsSum(t *testing.T) {

	n := 4
	mf := testModelFile(t, 6)
	obs := &ObservationSet{
		Populations: []string{"pop1"},
		SampleSize:  n,
		Contigs:     []*Contig{testContig("c1", n, 8)},
	}
	cfg := DefaultConfig()
	cfg.Theta = mf.Theta
	cfg.NStates = len(mf.HiddenBoundaries)

	posts, err := DecodePosterior(mf, obs, &cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posteriors, want 1", len(posts))
	}

	p := posts[0]
	if p.Contig != "c1" {
		t.Errorf("contig name %q", p.Contig)
	}
	if got, want := len(p.Probs), obs.Contigs[0].Length(); got != want {
		t.Fatalf("decoded %d positions, want %d", got, want)
	}
	if len(p.Boundaries) != 7 {
		t.Errorf("boundaries %v", p.Boundaries)
	}

	for ti, row := range p.Probs {
		var s float64
		for _, v := range row {
			if v < 0 || v > 1 {
				t.Fatalf("position %d: probability %f out of range", ti, v)
			}
			s += v
		}
		if math.Abs(s-1) > 1e-9 {
			t.Errorf("position %d: row sums to %.12f", ti, s)
		}
	}
}

// Rebuilding the hidden state space from persisted edges must reproduce the
// balanced discretization it came from.
func TestStatesFromBoundaries(t *testing.T) {

	m, err := NewDemographyModel([]float64{0, 100, 2000}, []float64{1e4, 3e3, 2e4})
	if err != nil {
		t.Fatal(err)
	}
	K := 8
	hs := BalanceHiddenStates(m, K)
	hs2 := StatesFromBoundaries(m, hs.Boundaries[:K])

	if len(hs2.Boundaries) != K+1 || !math.IsInf(hs2.Boundaries[K], 1) {
		t.Fatalf("boundaries %v", hs2.Boundaries)
	}
	for k := 0; k < K; k++ {
		if math.Abs(hs2.Boundaries[k]-hs.Boundaries[k]) > 1e-12 {
			t.Errorf("boundary %d changed", k)
		}
		if d := math.Abs(hs2.Times[k] - hs.Times[k]); d > 1e-6*(1+hs.Times[k]) {
			t.Errorf("representative time %d: %f vs %f", k, hs2.Times[k], hs.Times[k])
		}
	}
}

func TestPosteriorRoundTrip(t *testing.T) {

	posts := []*Posterior{{
		Contig:     "c1",
		Boundaries: []float64{0, 100, math.Inf(1)},
		Probs:      [][]float64{{0.25, 0.75}, {0.5, 0.5}},
	}}

	fname := filepath.Join(t.TempDir(), "posterior.gob.gz")
	if err := WritePosterior(fname, posts); err != nil {
		t.Fatal(err)
	}
	got, err := ReadPosterior(fname)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Contig != "c1" {
		t.Fatalf("round trip: %+v", got)
	}
	if !math.IsInf(got[0].Boundaries[2], 1) {
		t.Errorf("infinite boundary lost")
	}
	if got[0].Probs[0][1] != 0.75 {
		t.Errorf("probabilities changed: %v", got[0].Probs)
	}
}
