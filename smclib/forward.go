package smclib

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// blockSig identifies blocks that share an identical block operator.  Two
// blocks with the same configuration and span reuse the same cached matrix
// power.
type blockSig struct {
	derived       int
	distinguished int
	span          int
}

// blockOp is the transition-and-emission operator of one whole block,
// (T diag(e))^span, kept scaled so its largest entry is 1.  logScale holds
// the log of the factored-out constant.
type blockOp struct {
	m        *mat.Dense
	logScale float64
}

// FBEngine runs scaled forward-backward recursions over run-length blocks.
// Consecutive identical-parameter blocks are collapsed into single cached
// matrix powers; this cache is the performance-critical path and is shared
// by all contig tasks of an iteration.
type FBEngine struct {
	hmm *CoalescentHMM

	mu    sync.Mutex
	cache map[blockSig]*blockOp
}

// NewFBEngine returns an engine for the given HMM.  The cache starts empty
// and fills as block signatures are encountered.
func NewFBEngine(h *CoalescentHMM) *FBEngine {
	return &FBEngine{
		hmm:   h,
		cache: make(map[blockSig]*blockOp),
	}
}

// operator returns the cached block operator for blk, building it on first
// use.
func (e *FBEngine) operator(blk ContigBlock) *blockOp {

	sig := blockSig{blk.DerivedCount, blk.DistinguishedDerived, blk.Span}

	e.mu.Lock()
	op, ok := e.cache[sig]
	e.mu.Unlock()
	if ok {
		return op
	}

	op = e.buildOperator(blk)

	e.mu.Lock()
	e.cache[sig] = op
	e.mu.Unlock()
	return op
}

func (e *FBEngine) buildOperator(blk ContigBlock) *blockOp {

	K := e.hmm.K()
	col := e.hmm.EmissionColumn(blk)

	// Single-position operator: T with column j scaled by e_j.
	step := mat.NewDense(K, K, nil)
	for i := 0; i < K; i++ {
		for j := 0; j < K; j++ {
			step.Set(i, j, e.hmm.trans.At(i, j)*col[j])
		}
	}

	return powOperator(step, blk.Span)
}

// powOperator raises the single-position operator to the given span by
// squaring, renormalizing at every multiply so long blocks cannot underflow.
func powOperator(step *mat.Dense, span int) *blockOp {

	K, _ := step.Dims()

	acc := &blockOp{m: mat.NewDense(K, K, nil)}
	for i := 0; i < K; i++ {
		acc.m.Set(i, i, 1)
	}

	base := &blockOp{m: mat.NewDense(K, K, nil)}
	base.m.Copy(step)
	base.rescale()

	for n := span; n > 0; n >>= 1 {
		if n&1 == 1 {
			acc.mul(base)
		}
		if n > 1 {
			base.mul(base)
		}
	}
	return acc
}

func (op *blockOp) rescale() {
	mx := mat.Max(op.m)
	if mx <= 0 || math.IsNaN(mx) {
		return
	}
	op.m.Scale(1/mx, op.m)
	op.logScale += math.Log(mx)
}

func (op *blockOp) mul(o *blockOp) {
	var prod mat.Dense
	prod.Mul(op.m, o.m)
	op.m.Copy(&prod)
	op.logScale += o.logScale
	op.rescale()
}

// SuffStats accumulates the expected statistics of one E-step.  One instance
// is owned by one EM iteration; contig results are merged into it under a
// lock and it is discarded after the M-step consumes it.
type SuffStats struct {
	// Init[k] is the expected mass of state k at contig starts.
	Init []float64

	// Trans[i*K+j] is the expected count of i -> j transitions.
	Trans []float64

	// Emit[k*nc+c] is the expected span in state k with configuration c.
	Emit []float64

	// LogLik is the total log-likelihood over merged contigs.
	LogLik float64

	// Contigs counts the contigs merged in.
	Contigs int

	k, nc int
}

// NewSuffStats returns a zeroed accumulator for K states and sample size n.
func NewSuffStats(K, n int) *SuffStats {
	nc := nconfigs(n)
	return &SuffStats{
		Init:  make([]float64, K),
		Trans: make([]float64, K*K),
		Emit:  make([]float64, K*nc),
		k:     K,
		nc:    nc,
	}
}

// Merge folds another accumulator into s.  Accumulation is commutative, so
// contig completion order does not affect the result.
func (s *SuffStats) Merge(o *SuffStats) {
	floats.Add(s.Init, o.Init)
	floats.Add(s.Trans, o.Trans)
	floats.Add(s.Emit, o.Emit)
	s.LogLik += o.LogLik
	s.Contigs += o.Contigs
}

// Run performs one scaled forward-backward pass over a contig and returns
// the contig's expected statistics.  Non-finite values anywhere abort the
// contig with a NumericalError; the caller skips its contribution for the
// iteration.
func (e *FBEngine) Run(c *Contig) (*SuffStats, error) {

	K := e.hmm.K()
	nb := len(c.Blocks)
	if nb == 0 {
		return nil, &InputFormatError{Msg: "contig has no blocks"}
	}
	if err := e.checkBlocks(c); err != nil {
		return nil, err
	}

	alpha := makeFloatArray(nb, K)
	beta := makeFloatArray(nb, K)
	var llf float64

	// Forward sweep over blocks.  alpha[t] is the scaled state
	// distribution after the last position of block t.
	for t, blk := range c.Blocks {
		if t == 0 {
			// First position uses the initial distribution; the
			// remaining span-1 positions use the block operator.
			col := e.hmm.EmissionColumn(blk)
			floats.MulTo(alpha[0], e.hmm.init, col)
			llf += logNormalize(alpha[0])
			if blk.Span > 1 {
				llf += applyRow(alpha[0], e.operator(shrink(blk, 1)), alpha[0])
			}
		} else {
			llf += applyRow(alpha[t-1], e.operator(blk), alpha[t])
		}
		if !finite(alpha[t]) || math.IsInf(llf, 0) || math.IsNaN(llf) {
			return nil, &NumericalError{Op: "forward", Msg: fmt.Sprintf("non-finite alpha in contig %s block %d", c.Name, t)}
		}
	}

	// Backward sweep.  beta[t] is the scaled probability of everything
	// after block t given the state at the end of block t.
	for j := 0; j < K; j++ {
		beta[nb-1][j] = 1
	}
	for t := nb - 2; t >= 0; t-- {
		op := e.operator(c.Blocks[t+1])
		applyCol(op, beta[t+1], beta[t])
		if !finite(beta[t]) {
			return nil, &NumericalError{Op: "backward", Msg: fmt.Sprintf("non-finite beta in contig %s block %d", c.Name, t)}
		}
	}

	stats := NewSuffStats(K, e.hmm.n)
	stats.LogLik = llf
	stats.Contigs = 1
	e.accumulate(c, alpha, beta, stats)

	return stats, nil
}

// LogLikelihood runs the forward recursion only, for scoring a candidate
// model without accumulating statistics.
func (e *FBEngine) LogLikelihood(c *Contig) (float64, error) {

	K := e.hmm.K()
	if err := e.checkBlocks(c); err != nil {
		return 0, err
	}
	cur := make([]float64, K)
	var llf float64

	for t, blk := range c.Blocks {
		if t == 0 {
			col := e.hmm.EmissionColumn(blk)
			floats.MulTo(cur, e.hmm.init, col)
			llf += logNormalize(cur)
			if blk.Span > 1 {
				llf += applyRow(cur, e.operator(shrink(blk, 1)), cur)
			}
		} else {
			llf += applyRow(cur, e.operator(blk), cur)
		}
		if !finite(cur) || math.IsInf(llf, 0) || math.IsNaN(llf) {
			return 0, &NumericalError{Op: "forward", Msg: fmt.Sprintf("non-finite likelihood in contig %s block %d", c.Name, t)}
		}
	}
	return llf, nil
}

// accumulate turns the block-level recursions into expected statistics.
func (e *FBEngine) accumulate(c *Contig, alpha, beta [][]float64, stats *SuffStats) {

	K := e.hmm.K()
	gamma := make([]float64, K)
	xi := make([]float64, K*K)

	for t, blk := range c.Blocks {

		// Posterior over the state at the end of block t.
		floats.MulTo(gamma, alpha[t], beta[t])
		normalizeSum(gamma, 1/float64(K))

		if t == 0 {
			floats.Add(stats.Init, gamma)
		}

		if blk.DerivedCount != Missing {
			ci := configIndex(blk.DerivedCount, blk.DistinguishedDerived)
			for k := 0; k < K; k++ {
				stats.Emit[k*stats.nc+ci] += gamma[k] * float64(blk.Span)
			}
		}

		if t == 0 {
			continue
		}

		// Expected transitions at the block boundary, weighted by the
		// block span so long blocks count their full transition mass.
		// betaFirst carries the remainder of the block down to its
		// first position.
		col := e.hmm.EmissionColumn(blk)
		betaFirst := beta[t]
		if blk.Span > 1 {
			betaFirst = make([]float64, K)
			applyCol(e.operator(shrink(blk, 1)), beta[t], betaFirst)
		}
		var tot float64
		for i := 0; i < K; i++ {
			for j := 0; j < K; j++ {
				v := alpha[t-1][i] * e.hmm.trans.At(i, j) * col[j] * betaFirst[j]
				xi[i*K+j] = v
				tot += v
			}
		}
		if tot > 0 {
			floats.Scale(float64(blk.Span)/tot, xi)
			floats.Add(stats.Trans, xi)
		}
	}
}

// checkBlocks verifies every block agrees with the engine's sample size, so
// a mismatched file cannot index past the emission alphabet.
func (e *FBEngine) checkBlocks(c *Contig) error {
	for t, blk := range c.Blocks {
		if blk.TotalLineages != e.hmm.n {
			return &InputFormatError{Msg: fmt.Sprintf(
				"contig %s block %d has %d lineages, engine expects %d",
				c.Name, t, blk.TotalLineages, e.hmm.n)}
		}
	}
	return nil
}

// shrink returns the block with its span reduced by k positions.
func shrink(blk ContigBlock, k int) ContigBlock {
	blk.Span -= k
	return blk
}

// applyRow sets dst to the scaled row-vector product src * op.m and returns
// the log scaling factor absorbed.
func applyRow(src []float64, op *blockOp, dst []float64) float64 {

	K := len(src)
	out := make([]float64, K)
	for j := 0; j < K; j++ {
		var v float64
		for i := 0; i < K; i++ {
			v += src[i] * op.m.At(i, j)
		}
		out[j] = v
	}
	copy(dst, out)
	return op.logScale + logNormalize(dst)
}

// applyCol sets dst to the scaled column-vector product op.m * src.
func applyCol(op *blockOp, src, dst []float64) {

	K := len(src)
	out := make([]float64, K)
	for i := 0; i < K; i++ {
		var v float64
		for j := 0; j < K; j++ {
			v += op.m.At(i, j) * src[j]
		}
		out[i] = v
	}
	copy(dst, out)
	logNormalize(dst)
}

// logNormalize scales x to sum 1 and returns the log of the removed scale.
func logNormalize(x []float64) float64 {
	s := floats.Sum(x)
	if s <= 0 || math.IsNaN(s) {
		return math.Inf(-1)
	}
	floats.Scale(1/s, x)
	return math.Log(s)
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// makeFloatArray makes a collection of r slices of length c, packed
// contiguously.
func makeFloatArray(r, c int) [][]float64 {

	bka := make([]float64, r*c)
	x := make([][]float64, r)
	ii := 0
	for j := 0; j < r; j++ {
		x[j] = bka[ii : ii+c]
		ii += c
	}

	return x
}
