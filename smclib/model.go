package smclib

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// DemographyModel is a piecewise-constant population size history.  The
// first breakpoint is always 0 and the last segment extends to infinity.
// Instances are immutable: the M-step produces a fresh instance each
// iteration so the previous iterate stays available for rollback.
type DemographyModel struct {
	breaks []float64
	sizes  []float64
}

// NewDemographyModel validates and constructs a model.  The breakpoints must
// be strictly increasing starting at 0 and every size positive and finite.
func NewDemographyModel(breaks, sizes []float64) (*DemographyModel, error) {

	if len(breaks) == 0 || len(breaks) != len(sizes) {
		return nil, &ModelValidationError{Msg: "breakpoints and sizes must have equal positive length"}
	}
	if breaks[0] != 0 {
		return nil, &ModelValidationError{Msg: "first breakpoint must be 0"}
	}
	for i := 1; i < len(breaks); i++ {
		if breaks[i] <= breaks[i-1] {
			return nil, &ModelValidationError{Msg: fmt.Sprintf("breakpoints not increasing at %d", i)}
		}
	}
	for i, s := range sizes {
		if !(s > 0) || math.IsInf(s, 0) || math.IsNaN(s) {
			return nil, &ModelValidationError{Msg: fmt.Sprintf("size %d is not positive and finite", i)}
		}
	}

	m := &DemographyModel{
		breaks: append([]float64(nil), breaks...),
		sizes:  append([]float64(nil), sizes...),
	}
	return m, nil
}

// FlatModel returns a model with constant size over all of time, with
// breakpoints log-spaced between t1 and tK.  This is the usual starting
// point for estimation.
func FlatModel(size float64, nseg int, t1, tK float64) (*DemographyModel, error) {

	if nseg < 1 {
		return nil, &ModelValidationError{Msg: fmt.Sprintf("need at least 1 segment, got %d", nseg)}
	}
	if nseg > 1 && !(t1 > 0 && tK > t1) {
		return nil, &ModelValidationError{Msg: fmt.Sprintf("breakpoint range [%v, %v] must satisfy 0 < t1 < tK", t1, tK)}
	}

	breaks := make([]float64, nseg)
	sizes := make([]float64, nseg)
	r := math.Pow(tK/t1, 1/float64(nseg-2))
	t := t1
	for i := range breaks {
		if i > 0 {
			breaks[i] = t
			t *= r
		}
		sizes[i] = size
	}

	return NewDemographyModel(breaks, sizes)
}

// NSegments returns the number of constant-size segments.
func (m *DemographyModel) NSegments() int { return len(m.breaks) }

// Breakpoints returns a copy of the segment start times.
func (m *DemographyModel) Breakpoints() []float64 {
	return append([]float64(nil), m.breaks...)
}

// Sizes returns a copy of the segment sizes.
func (m *DemographyModel) Sizes() []float64 {
	return append([]float64(nil), m.sizes...)
}

// MaxTime returns the start of the final (infinite) segment.  It bounds the
// admissible split times.
func (m *DemographyModel) MaxTime() float64 { return m.breaks[len(m.breaks)-1] }

// EvaluateSize returns the population size at time t.
func (m *DemographyModel) EvaluateSize(t float64) float64 {
	return m.sizes[m.segmentAt(t)]
}

func (m *DemographyModel) segmentAt(t float64) int {
	// Segment count is small, a linear scan beats binary search here.
	for i := len(m.breaks) - 1; i > 0; i-- {
		if t >= m.breaks[i] {
			return i
		}
	}
	return 0
}

// IntegrateRate returns the integral of the coalescent rate 1/(2 size(t))
// over [t0, t1].  This is the R function feeding the transition matrix.
func (m *DemographyModel) IntegrateRate(t0, t1 float64) float64 {

	if t1 < t0 {
		panic("IntegrateRate: t1 < t0")
	}
	if math.IsInf(t1, 1) {
		return math.Inf(1)
	}

	var r float64
	for i := range m.breaks {
		lo := m.breaks[i]
		hi := math.Inf(1)
		if i+1 < len(m.breaks) {
			hi = m.breaks[i+1]
		}
		a := math.Max(lo, t0)
		b := math.Min(hi, t1)
		if b > a {
			r += (b - a) / (2 * m.sizes[i])
		}
	}
	return r
}

// Perturb returns a new model with the same breakpoints and sizes
// exp(logSizes).  A candidate violating the invariants yields a
// ModelValidationError and no new instance.
func (m *DemographyModel) Perturb(logSizes []float64) (*DemographyModel, error) {

	if len(logSizes) != len(m.sizes) {
		return nil, &ModelValidationError{Msg: "parameter vector length mismatch"}
	}
	sizes := make([]float64, len(logSizes))
	for i, ls := range logSizes {
		if math.IsNaN(ls) || math.IsInf(ls, 0) {
			return nil, &ModelValidationError{Msg: fmt.Sprintf("non-finite log size at %d", i)}
		}
		sizes[i] = math.Exp(ls)
	}
	return NewDemographyModel(m.breaks, sizes)
}

// LogSizes returns the log of each segment size, the M-step parameter vector.
func (m *DemographyModel) LogSizes() []float64 {
	ls := make([]float64, len(m.sizes))
	for i, s := range m.sizes {
		ls[i] = math.Log(s)
	}
	return ls
}

// Equal reports whether two models have identical breakpoints and sizes.
func (m *DemographyModel) Equal(o *DemographyModel) bool {
	if len(m.breaks) != len(o.breaks) {
		return false
	}
	for i := range m.breaks {
		if m.breaks[i] != o.breaks[i] || m.sizes[i] != o.sizes[i] {
			return false
		}
	}
	return true
}

// ModelFile is the persisted form of a fitted model, written after every EM
// iteration and consumed by the split, posterior and plot commands.
type ModelFile struct {
	Breakpoints []float64 `json:"breakpoints"`
	Sizes       []float64 `json:"sizes"`

	// HiddenBoundaries are the finite coalescence-time interval edges,
	// [0, b_1, ..., b_{K-1}]; the final interval extends to infinity.
	HiddenBoundaries []float64 `json:"hidden_boundaries"`

	Theta     float64 `json:"theta"`
	Rho       float64 `json:"rho"`
	Fold      bool    `json:"fold"`
	SplitTime float64 `json:"split_time,omitempty"`

	// LogLik holds the log-likelihood after each completed iteration.
	LogLik []float64 `json:"loglik"`
}

// NewModelFile bundles a model with its run parameters for persistence.
func NewModelFile(m *DemographyModel, hs *HiddenStates, cfg *Config, llf []float64) *ModelFile {
	mf := &ModelFile{
		Breakpoints: m.Breakpoints(),
		Sizes:       m.Sizes(),
		Theta:       cfg.Theta,
		Rho:         cfg.Rho,
		Fold:        cfg.Fold,
		LogLik:      append([]float64(nil), llf...),
	}
	if hs != nil {
		// The infinite final edge is implied, JSON cannot carry it.
		mf.HiddenBoundaries = append([]float64(nil), hs.Boundaries[:hs.K()]...)
	}
	return mf
}

// Model reconstructs the demography model from the file payload.
func (mf *ModelFile) Model() (*DemographyModel, error) {
	return NewDemographyModel(mf.Breakpoints, mf.Sizes)
}

// Save writes the model file as JSON.  The write goes through a temporary
// file and rename so an interrupted run never leaves a torn checkpoint.
func (mf *ModelFile) Save(fname string) error {

	buf, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	tmp := fname + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fname)
}

// LoadModelFile reads a model file written by Save.
func LoadModelFile(fname string) (*ModelFile, error) {

	buf, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	var mf ModelFile
	if err := json.Unmarshal(buf, &mf); err != nil {
		return nil, &InputFormatError{File: filepath.Base(fname), Msg: err.Error()}
	}
	if _, err := mf.Model(); err != nil {
		return nil, err
	}
	return &mf, nil
}
