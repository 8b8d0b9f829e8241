package smclib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CoalescentHMM holds the per-position transition and emission structure
// derived from one demography model.  It is rebuilt whenever the model
// changes and shared read-only across contig tasks.
type CoalescentHMM struct {
	states *HiddenStates
	model  *DemographyModel

	theta float64
	rho   float64
	fold  bool

	// n is the sample size every block must agree with.
	n int

	// trans is the K x K single-position transition matrix.
	trans *mat.Dense

	// init is the prior coalescence distribution over the K intervals.
	init []float64

	// emis[k] is the emission distribution of state k over the observation
	// alphabet, indexed by configIndex.
	emis [][]float64
}

// nconfigs returns the size of the observation alphabet: derived counts
// 0..n crossed with distinguished counts 0..2.
func nconfigs(n int) int { return 3 * (n + 1) }

func configIndex(derived, distinguished int) int {
	return 3*derived + distinguished
}

// BuildHMM derives the transition and emission matrices for the model.
func BuildHMM(model *DemographyModel, states *HiddenStates, cfg *Config, n int) (*CoalescentHMM, error) {

	if n < 2 {
		return nil, &InputFormatError{Msg: fmt.Sprintf("sample size %d too small", n)}
	}

	h := &CoalescentHMM{
		states: states,
		model:  model,
		theta:  cfg.Theta,
		rho:    cfg.Rho,
		fold:   cfg.Fold,
		n:      n,
	}
	if h.rho == 0 {
		h.rho = h.theta
	}

	h.init = states.IntervalProbs(model)
	normalizeSum(h.init, 1/float64(states.K()))

	h.buildTrans()
	h.buildEmis()

	return h, nil
}

// K returns the number of hidden states.
func (h *CoalescentHMM) K() int { return h.states.K() }

// Init returns the initial state distribution.
func (h *CoalescentHMM) Init() []float64 { return h.init }

// Trans returns the single-position transition matrix.
func (h *CoalescentHMM) Trans() *mat.Dense { return h.trans }

// buildTrans fills the K x K transition matrix.  A lineage in interval i
// keeps its coalescence time unless a recombination disturbs the local tree;
// the escape probability decays with the tree height of the state, and an
// escaping lineage re-coalesces according to the model's interval
// probabilities.
func (h *CoalescentHMM) buildTrans() {

	K := h.K()

	// Re-coalescence distribution, from the coalescent rate integral.
	redist := h.states.IntervalProbs(h.model)
	normalizeSum(redist, 1/float64(K))

	h.trans = mat.NewDense(K, K, nil)
	for i := 0; i < K; i++ {
		stay := math.Exp(-h.rho * 2 * h.states.Times[i])
		for j := 0; j < K; j++ {
			v := (1 - stay) * redist[j]
			if i == j {
				v += stay
			}
			h.trans.Set(i, j, v)
		}
	}
}

// buildEmis fills the emission distribution of each hidden state over the
// allele-configuration alphabet.  A site is segregating with probability
// 1 - exp(-theta L_k), where L_k is the branch length supported by the
// state's coalescence time; the derived count then follows the neutral
// frequency spectrum and the distinguished pair samples hypergeometrically.
func (h *CoalescentHMM) buildEmis() {

	K := h.K()
	n := h.n
	nc := nconfigs(n)

	// Neutral spectrum weights for derived counts 1..n.  The b = n class
	// is a mutation above the root: the site is fixed derived in the
	// sample but still polymorphic against the ancestral allele.
	sfs := make([]float64, n+1)
	for b := 1; b <= n; b++ {
		sfs[b] = 1 / float64(b)
	}
	normalizeSum(sfs, 0)

	h.emis = make([][]float64, K)
	for k := 0; k < K; k++ {
		row := make([]float64, nc)

		branch := float64(n) * h.states.Times[k]
		pmut := -math.Expm1(-h.theta * branch)

		row[configIndex(0, 0)] = 1 - pmut
		for b := 1; b <= n; b++ {
			for d := 0; d <= 2; d++ {
				row[configIndex(b, d)] = pmut * sfs[b] * hypergeom(n, b, d)
			}
		}

		if h.fold {
			foldRow(row, n)
		}
		h.emis[k] = row
	}
}

// foldRow averages each allele configuration with its ancestral/derived
// complement: (b, d) pairs with (n-b, 2-d).
func foldRow(row []float64, n int) {
	for b := 0; 2*b <= n; b++ {
		for d := 0; d <= 2; d++ {
			i := configIndex(b, d)
			j := configIndex(n-b, 2-d)
			if i == j {
				continue
			}
			m := (row[i] + row[j]) / 2
			row[i], row[j] = m, m
		}
	}
}

// hypergeom returns the probability that d of b derived alleles fall on the
// two distinguished lineages out of n.
func hypergeom(n, b, d int) float64 {
	if d > b || b-d > n-2 {
		return 0
	}
	return math.Exp(lchoose(2, d) + lchoose(n-2, b-d) - lchoose(n, b))
}

func lchoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	return lgamma(float64(n+1)) - lgamma(float64(k+1)) - lgamma(float64(n-k+1))
}

// lgamma returns the log of the gamma function for a positive argument.
func lgamma(x float64) float64 {
	u, _ := math.Lgamma(x)
	return u
}

// EmissionColumn returns the per-state emission probability of one block's
// configuration at a single position.  Missing blocks emit uniformly.
func (h *CoalescentHMM) EmissionColumn(blk ContigBlock) []float64 {

	K := h.K()
	col := make([]float64, K)
	if blk.DerivedCount == Missing {
		for k := range col {
			col[k] = 1
		}
		return col
	}
	ci := configIndex(blk.DerivedCount, blk.DistinguishedDerived)
	for k := 0; k < K; k++ {
		col[k] = h.emis[k][ci]
	}
	return col
}

// EmissionRow returns state k's distribution over the alphabet.  Exposed for
// the M-step and tests.
func (h *CoalescentHMM) EmissionRow(k int) []float64 { return h.emis[k] }

// normalize the values in x to have a sum of 1, or set them all to z when
// the mass underflows.
func normalizeSum(x []float64, z float64) {
	scale := floats.Sum(x)
	if scale < 1e-300 {
		for j := range x {
			x[j] = z
		}
		return
	}
	floats.Scale(1/scale, x)
}
