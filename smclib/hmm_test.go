package smclib

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func testConfig(theta float64, fold bool, nstates int) Config {
	cfg := DefaultConfig()
	cfg.Theta = theta
	cfg.Fold = fold
	cfg.NStates = nstates
	return cfg
}

func testModels(t *testing.T) []*DemographyModel {

	var ms []*DemographyModel
	for _, c := range []struct {
		breaks []float64
		sizes  []float64
	}{
		{[]float64{0}, []float64{1e4}},
		{[]float64{0, 100, 1000, 10000}, []float64{1e4, 2e3, 5e4, 1e4}},
		{[]float64{0, 50, 5000}, []float64{500, 8e4, 1e3}},
	} {
		m, err := NewDemographyModel(c.breaks, c.sizes)
		if err != nil {
			t.Fatal(err)
		}
		ms = append(ms, m)
	}
	return ms
}

func TestTransitionRowsSum(t *testing.T) {

	for _, m := range testModels(t) {
		for _, K := range []int{2, 8, 16} {
			for _, theta := range []float64{1e-8, 0.00025, 0.01} {

				cfg := testConfig(theta, false, K)
				hs := BalanceHiddenStates(m, K)
				hmm, err := BuildHMM(m, hs, &cfg, 4)
				if err != nil {
					t.Fatal(err)
				}

				for i := 0; i < K; i++ {
					var s float64
					for j := 0; j < K; j++ {
						v := hmm.Trans().At(i, j)
						if v < 0 || v > 1 {
							t.Errorf("transition (%d,%d)=%f out of range", i, j, v)
						}
						s += v
					}
					if math.Abs(s-1) > 1e-9 {
						t.Errorf("K=%d theta=%g: row %d sums to %.12f", K, theta, i, s)
					}
				}
			}
		}
	}
}

func TestEmissionRowsSum(t *testing.T) {

	for _, m := range testModels(t) {
		for _, fold := range []bool{false, true} {
			for _, n := range []int{2, 4, 10} {

				cfg := testConfig(0.00025, fold, 8)
				hs := BalanceHiddenStates(m, 8)
				hmm, err := BuildHMM(m, hs, &cfg, n)
				if err != nil {
					t.Fatal(err)
				}

				for k := 0; k < hmm.K(); k++ {
					s := floats.Sum(hmm.EmissionRow(k))
					if math.Abs(s-1) > 1e-9 {
						t.Errorf("fold=%v n=%d: emission row %d sums to %.12f", fold, n, k, s)
					}
				}
			}
		}
	}
}

func TestFoldSymmetrizesEmissions(t *testing.T) {

	n := 6
	m := testModels(t)[1]
	cfg := testConfig(0.001, true, 8)
	hs := BalanceHiddenStates(m, 8)
	hmm, err := BuildHMM(m, hs, &cfg, n)
	if err != nil {
		t.Fatal(err)
	}

	for k := 0; k < hmm.K(); k++ {
		row := hmm.EmissionRow(k)
		for b := 0; b <= n; b++ {
			for d := 0; d <= 2; d++ {
				i := configIndex(b, d)
				j := configIndex(n-b, 2-d)
				if math.Abs(row[i]-row[j]) > 1e-12 {
					t.Errorf("state %d: folded emissions for (%d,%d) and (%d,%d) differ", k, b, d, n-b, 2-d)
				}
			}
		}
	}
}

func TestBalancedDiscretization(t *testing.T) {

	for _, m := range testModels(t) {
		K := 12
		hs := BalanceHiddenStates(m, K)

		if len(hs.Boundaries) != K+1 || hs.Boundaries[0] != 0 || !math.IsInf(hs.Boundaries[K], 1) {
			t.Fatalf("bad boundary structure: %v", hs.Boundaries)
		}
		for k := 1; k < K; k++ {
			if hs.Boundaries[k] <= hs.Boundaries[k-1] {
				t.Errorf("boundaries not increasing at %d", k)
			}
		}

		// Each interval should carry equal coalescence probability.
		pr := hs.IntervalProbs(m)
		for k, p := range pr {
			if math.Abs(p-1/float64(K)) > 1e-6 {
				t.Errorf("interval %d has probability %f, want %f", k, p, 1/float64(K))
			}
		}

		// Representative times sit inside their intervals.
		for k := 0; k < K; k++ {
			if hs.Times[k] < hs.Boundaries[k] || hs.Times[k] >= hs.Boundaries[k+1] {
				t.Errorf("representative time %f outside interval %d", hs.Times[k], k)
			}
		}
	}
}

// A site fixed for the derived allele carries the mutation-above-the-root
// emission class, so contigs containing one decode and fit normally.
func TestFullyDerivedSiteHasMass(t *testing.T) {

	n := 4
	m := testModels(t)[1]
	cfg := testConfig(0.00025, false, 6)
	hs := BalanceHiddenStates(m, 6)
	hmm, err := BuildHMM(m, hs, &cfg, n)
	if err != nil {
		t.Fatal(err)
	}

	for k := 0; k < hmm.K(); k++ {
		if hmm.EmissionRow(k)[configIndex(n, 2)] <= 0 {
			t.Errorf("state %d gives no mass to the fixed derived configuration", k)
		}
	}

	eng := NewFBEngine(hmm)
	c := &Contig{Name: "fixed", Blocks: []ContigBlock{
		{Span: 500, DerivedCount: 0, DistinguishedDerived: 0, TotalLineages: n},
		{Span: 1, DerivedCount: n, DistinguishedDerived: 2, TotalLineages: n},
		{Span: 500, DerivedCount: 0, DistinguishedDerived: 0, TotalLineages: n},
	}}
	stats, err := eng.Run(c)
	if err != nil {
		t.Fatalf("fixed derived site aborted the contig: %v", err)
	}
	if math.IsInf(stats.LogLik, 0) || math.IsNaN(stats.LogLik) {
		t.Errorf("non-finite log-likelihood %f", stats.LogLik)
	}
}

func TestInvalidSampleSize(t *testing.T) {

	m := testModels(t)[0]
	cfg := testConfig(0.001, false, 4)
	hs := BalanceHiddenStates(m, 4)
	if _, err := BuildHMM(m, hs, &cfg, 1); err == nil {
		t.Errorf("sample size 1 must be rejected")
	}
}
