package smclib

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
)

// Posterior is the decoded position-by-state probability matrix for one
// contig, together with the hidden interval boundaries needed to interpret
// the columns.  Consumed by the external plotting collaborator.
type Posterior struct {
	Contig     string
	Boundaries []float64

	// Probs[t][k] is the probability that position t coalesces in hidden
	// interval k.  Every row sums to 1.
	Probs [][]float64
}

// StatesFromBoundaries rebuilds a hidden state space from persisted finite
// interval edges, recomputing the representative times under the given
// model.  The final interval extends to infinity.
func StatesFromBoundaries(m *DemographyModel, finiteEdges []float64) *HiddenStates {

	K := len(finiteEdges)
	bounds := append(append([]float64(nil), finiteEdges...), math.Inf(1))
	times := make([]float64, K)
	for k := 0; k < K; k++ {
		qlo := math.Exp(-m.IntegrateRate(0, bounds[k]))
		qhi := 0.0
		if !math.IsInf(bounds[k+1], 1) {
			qhi = math.Exp(-m.IntegrateRate(0, bounds[k+1]))
		}
		times[k] = survivalQuantile(m, (qlo+qhi)/2, bounds[k])
	}
	return &HiddenStates{
		Boundaries: append([]float64(nil), bounds...),
		Times:      times,
	}
}

// DecodePosterior runs one forward-backward pass per contig with the model
// held fixed and expands block spans back to per-position resolution.  This
// is the one place per-position arrays are materialized.
func DecodePosterior(mf *ModelFile, obs *ObservationSet, cfg *Config) ([]*Posterior, error) {

	model, err := mf.Model()
	if err != nil {
		return nil, err
	}

	var states *HiddenStates
	if len(mf.HiddenBoundaries) > 1 {
		states = StatesFromBoundaries(model, mf.HiddenBoundaries)
	} else {
		states = BalanceHiddenStates(model, cfg.NStates)
	}

	hmm, err := BuildHMM(model, states, cfg, obs.SampleSize)
	if err != nil {
		return nil, err
	}

	var out []*Posterior
	for _, c := range obs.Contigs {
		p, err := decodeContig(hmm, states, c)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// decodeContig computes per-position posterior marginals with single-
// position scaled recursions.
func decodeContig(hmm *CoalescentHMM, states *HiddenStates, c *Contig) (*Posterior, error) {

	K := hmm.K()
	L := c.Length()

	for t, blk := range c.Blocks {
		if blk.TotalLineages != hmm.n {
			return nil, &InputFormatError{Msg: fmt.Sprintf(
				"contig %s block %d has %d lineages, model expects %d",
				c.Name, t, blk.TotalLineages, hmm.n)}
		}
	}

	// Per-position emission columns, expanded from the blocks.
	cols := make([][]float64, L)
	pos := 0
	for _, blk := range c.Blocks {
		col := hmm.EmissionColumn(blk)
		for s := 0; s < blk.Span; s++ {
			cols[pos] = col
			pos++
		}
	}

	// Backward pass, scaled per position.
	beta := makeFloatArray(L, K)
	for k := 0; k < K; k++ {
		beta[L-1][k] = 1
	}
	for t := L - 2; t >= 0; t-- {
		for i := 0; i < K; i++ {
			var v float64
			for j := 0; j < K; j++ {
				v += hmm.trans.At(i, j) * cols[t+1][j] * beta[t+1][j]
			}
			beta[t][i] = v
		}
		logNormalize(beta[t])
		if !finite(beta[t]) {
			return nil, &NumericalError{Op: "decode", Msg: "non-finite backward value in contig " + c.Name}
		}
	}

	// Forward pass, emitting rows as we go.
	probs := makeFloatArray(L, K)
	alpha := make([]float64, K)
	next := make([]float64, K)
	floats.MulTo(alpha, hmm.init, cols[0])
	logNormalize(alpha)

	for t := 0; t < L; t++ {
		if t > 0 {
			for j := 0; j < K; j++ {
				var v float64
				for i := 0; i < K; i++ {
					v += alpha[i] * hmm.trans.At(i, j)
				}
				next[j] = v * cols[t][j]
			}
			copy(alpha, next)
			logNormalize(alpha)
			if !finite(alpha) {
				return nil, &NumericalError{Op: "decode", Msg: "non-finite forward value in contig " + c.Name}
			}
		}
		floats.MulTo(probs[t], alpha, beta[t])
		normalizeSum(probs[t], 1/float64(K))
	}

	return &Posterior{
		Contig:     c.Name,
		Boundaries: append([]float64(nil), states.Boundaries...),
		Probs:      probs,
	}, nil
}

// WritePosterior writes decoded matrices to a gzip-compressed gob file.
func WritePosterior(fname string, posts []*Posterior) error {

	fid, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer fid.Close()

	gid := gzip.NewWriter(fid)
	defer gid.Close()

	return gob.NewEncoder(gid).Encode(posts)
}

// ReadPosterior reads a file written by WritePosterior.
func ReadPosterior(fname string) ([]*Posterior, error) {

	fid, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fid.Close()

	gid, err := gzip.NewReader(fid)
	if err != nil {
		return nil, err
	}
	defer gid.Close()

	var posts []*Posterior
	if err := gob.NewDecoder(gid).Decode(&posts); err != nil {
		return nil, err
	}
	return posts, nil
}
