package smclib

import (
	"errors"
	"math"
	"testing"
)

// testContig builds a contig alternating nonvariant stretches with variant
// sites, the shape real input takes.
func testContig(name string, n, nrep int) *Contig {

	var blocks []ContigBlock
	for i := 0; i < nrep; i++ {
		b := 1 + i%(n-1)
		dmin, dmax := max(0, b-(n-2)), min(2, b)
		d := dmin
		if i%2 == 1 {
			d = dmax
		}
		blocks = append(blocks,
			ContigBlock{Span: 500 + 37*i, DerivedCount: 0, DistinguishedDerived: 0, TotalLineages: n},
			ContigBlock{Span: 1, DerivedCount: b, DistinguishedDerived: d, TotalLineages: n},
		)
	}
	return &Contig{Name: name, Blocks: blocks}
}

func testEngine(t *testing.T, theta float64, K, n int) *FBEngine {

	m, err := NewDemographyModel([]float64{0, 100, 2000}, []float64{1e4, 3e3, 2e4})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(theta, false, K)
	hs := BalanceHiddenStates(m, K)
	hmm, err := BuildHMM(m, hs, &cfg, n)
	if err != nil {
		t.Fatal(err)
	}
	return NewFBEngine(hmm)
}

func TestForwardBackwardFinite(t *testing.T) {

	for _, K := range []int{2, 4, 8} {
		for _, n := range []int{2, 4} {
			eng := testEngine(t, 0.00025, K, n)
			stats, err := eng.Run(testContig("c1", n, 20))
			if err != nil {
				t.Fatal(err)
			}
			if math.IsNaN(stats.LogLik) || math.IsInf(stats.LogLik, 0) {
				t.Errorf("K=%d n=%d: non-finite log-likelihood", K, n)
			}
			if stats.LogLik >= 0 {
				t.Errorf("K=%d n=%d: log-likelihood %f should be negative", K, n, stats.LogLik)
			}
			if stats.Contigs != 1 {
				t.Errorf("contig count %d", stats.Contigs)
			}
		}
	}
}

// A block of span s must give the same likelihood as s unit blocks with the
// same configuration: the batched matrix power is exact, not an
// approximation.
func TestBlockBatchingExact(t *testing.T) {

	n := 4
	eng := testEngine(t, 0.00025, 6, n)

	batched := &Contig{Name: "b", Blocks: []ContigBlock{
		{Span: 100, DerivedCount: 0, DistinguishedDerived: 0, TotalLineages: n},
		{Span: 1, DerivedCount: 2, DistinguishedDerived: 1, TotalLineages: n},
		{Span: 50, DerivedCount: 0, DistinguishedDerived: 0, TotalLineages: n},
	}}

	var unit []ContigBlock
	for _, blk := range batched.Blocks {
		for s := 0; s < blk.Span; s++ {
			b := blk
			b.Span = 1
			unit = append(unit, b)
		}
	}
	unbatched := &Contig{Name: "u", Blocks: unit}

	l1, err := eng.LogLikelihood(batched)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := eng.LogLikelihood(unbatched)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(l1-l2) > 1e-8*math.Abs(l1) {
		t.Errorf("batched %f and unbatched %f likelihoods differ", l1, l2)
	}
}

func TestOperatorCacheReuse(t *testing.T) {

	eng := testEngine(t, 0.00025, 4, 2)
	blk := ContigBlock{Span: 1000, DerivedCount: 0, DistinguishedDerived: 0, TotalLineages: 2}

	op1 := eng.operator(blk)
	op2 := eng.operator(blk)
	if op1 != op2 {
		t.Errorf("identical block signatures must share one cached operator")
	}

	blk.Span = 999
	if eng.operator(blk) == op1 {
		t.Errorf("different spans must not share an operator")
	}
}

func TestSuffStatsMergeCommutes(t *testing.T) {

	n := 4
	eng := testEngine(t, 0.00025, 4, n)
	c1 := testContig("c1", n, 5)
	c2 := testContig("c2", n, 9)

	s1, err := eng.Run(c1)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := eng.Run(c2)
	if err != nil {
		t.Fatal(err)
	}

	a := NewSuffStats(4, n)
	a.Merge(s1)
	a.Merge(s2)
	b := NewSuffStats(4, n)
	b.Merge(s2)
	b.Merge(s1)

	if math.Abs(a.LogLik-b.LogLik) > 1e-12 {
		t.Errorf("merge order changed the log-likelihood")
	}
	for i := range a.Trans {
		if math.Abs(a.Trans[i]-b.Trans[i]) > 1e-9 {
			t.Errorf("merge order changed the transition counts")
		}
	}
}

// A block from a file with a different sample size must be rejected before
// it can index outside the emission alphabet.
func TestRunRejectsLineageMismatch(t *testing.T) {

	eng := testEngine(t, 0.00025, 4, 4)
	c := &Contig{Name: "mismatch", Blocks: []ContigBlock{
		{Span: 10, DerivedCount: 0, DistinguishedDerived: 0, TotalLineages: 4},
		{Span: 1, DerivedCount: 5, DistinguishedDerived: 1, TotalLineages: 6},
	}}

	var ife *InputFormatError
	if _, err := eng.Run(c); !errors.As(err, &ife) {
		t.Errorf("Run: want InputFormatError, got %v", err)
	}
	if _, err := eng.LogLikelihood(c); !errors.As(err, &ife) {
		t.Errorf("LogLikelihood: want InputFormatError, got %v", err)
	}
}

func TestRunRejectsEmptyContig(t *testing.T) {

	eng := testEngine(t, 0.00025, 4, 2)
	var ife *InputFormatError
	if _, err := eng.Run(&Contig{Name: "empty"}); !errors.As(err, &ife) {
		t.Errorf("want InputFormatError, got %v", err)
	}
}
