package smclib

import (
	"context"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// SplitCoordinator fits the divergence time of two populations whose
// marginal demographies were estimated separately.  The joint model shares
// one ancestral history above the split time and uses the per-population
// histories below it; the coupling is the shared hidden state space plus the
// splice rule in jointModel.
type SplitCoordinator struct {
	cfg Config

	// m1, m2 are the marginal population models.  m1 also provides the
	// ancestral history above the split.
	m1, m2 *DemographyModel

	obs1, obs2 *ObservationSet

	// states is re-derived from the ancestral model when the coordinator
	// is built; this is the one place the discretization is recomputed.
	states *HiddenStates

	// SplitTime is the current estimate, always within [0, maxTime).
	SplitTime float64

	// LLF is the joint log-likelihood after each iteration.
	LLF []float64

	Status   EMStatus
	Warnings EMWarnings

	// OutDir, when set, receives model.iter.json after every iteration.
	OutDir string

	msglogger *log.Logger
}

// NewSplitCoordinator builds the joint fit.  The split estimate starts at
// the midpoint of the admissible range.
func NewSplitCoordinator(m1, m2 *DemographyModel, obs1, obs2 *ObservationSet, cfg Config) (*SplitCoordinator, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(obs1.Contigs) == 0 || len(obs2.Contigs) == 0 {
		return nil, &InputFormatError{Msg: "both populations need at least one contig"}
	}

	sc := &SplitCoordinator{
		cfg:       cfg,
		m1:        m1,
		m2:        m2,
		obs1:      obs1,
		obs2:      obs2,
		states:    BalanceHiddenStates(m1, cfg.NStates),
		Status:    Initializing,
		msglogger: log.New(os.Stderr, "", log.Ltime),
	}
	sc.SplitTime = sc.maxTime() / 2
	return sc, nil
}

// SetLogger redirects progress messages.
func (sc *SplitCoordinator) SetLogger(lg *log.Logger) { sc.msglogger = lg }

// States returns the shared hidden state discretization.
func (sc *SplitCoordinator) States() *HiddenStates { return sc.states }

// maxTime bounds the admissible split times.
func (sc *SplitCoordinator) maxTime() float64 {
	return math.Min(sc.m1.MaxTime(), sc.m2.MaxTime())
}

// clipSplit forces a candidate into [0, maxTime).  Out-of-bound candidates
// are clipped, not rejected.
func (sc *SplitCoordinator) clipSplit(t float64) float64 {
	if t < 0 {
		return 0
	}
	if mx := sc.maxTime(); t >= mx {
		return mx * (1 - 1e-9)
	}
	return t
}

// jointModel splices one population's history below the split onto the
// ancestral history above it.
func (sc *SplitCoordinator) jointModel(pop *DemographyModel, split float64) *DemographyModel {

	type seg struct{ t, s float64 }
	var segs []seg

	for i, t := range pop.Breakpoints() {
		if t < split {
			segs = append(segs, seg{t, pop.Sizes()[i]})
		}
	}
	segs = append(segs, seg{split, sc.m1.EvaluateSize(split)})
	for i, t := range sc.m1.Breakpoints() {
		if t > split {
			segs = append(segs, seg{t, sc.m1.Sizes()[i]})
		}
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].t < segs[j].t })

	breaks := make([]float64, 0, len(segs))
	sizes := make([]float64, 0, len(segs))
	for _, sg := range segs {
		if n := len(breaks); n > 0 && sg.t <= breaks[n-1] {
			continue
		}
		breaks = append(breaks, sg.t)
		sizes = append(sizes, sg.s)
	}

	m, err := NewDemographyModel(breaks, sizes)
	if err != nil {
		panic(err) // splice construction keeps the invariants
	}
	return m
}

// popLogLik scores one population's data under its spliced model.
func (sc *SplitCoordinator) popLogLik(pop *DemographyModel, obs *ObservationSet, split float64) (float64, error) {

	hmm, err := BuildHMM(sc.jointModel(pop, split), sc.states, &sc.cfg, obs.SampleSize)
	if err != nil {
		return 0, err
	}
	eng := NewFBEngine(hmm)

	var llf float64
	for _, c := range obs.Contigs {
		v, err := eng.LogLikelihood(c)
		if err != nil {
			return 0, err
		}
		llf += v
	}
	return llf, nil
}

// jointLogLik scores both populations at the given split time.
func (sc *SplitCoordinator) jointLogLik(split float64) (float64, error) {
	l1, err := sc.popLogLik(sc.m1, sc.obs1, split)
	if err != nil {
		return 0, err
	}
	l2, err := sc.popLogLik(sc.m2, sc.obs2, split)
	if err != nil {
		return 0, err
	}
	return l1 + l2, nil
}

// Fit alternates a penalized rescaling of each population's recent history
// with a bounded scalar search for the split time, until the joint
// log-likelihood stops improving or the iteration cap is reached.
func (sc *SplitCoordinator) Fit(ctx context.Context) (float64, error) {

	if sc.cfg.EMIterations == 0 {
		sc.Status = IterationCapReached
		return sc.SplitTime, &ConvergenceWarning{Iter: 0, Msg: "iteration cap is 0, returning initial split"}
	}

	sc.Status = Iterating
	var prev float64

	for iter := 0; iter < sc.cfg.EMIterations; iter++ {

		if err := ctx.Err(); err != nil {
			sc.Status = Aborted
			return sc.SplitTime, &ConvergenceWarning{Iter: iter, Msg: "stop requested: " + err.Error()}
		}

		// Rescale each population's below-split sizes by a bounded
		// global factor, shrunk toward zero by the penalty weight.
		sc.m1 = sc.rescalePop(sc.m1, sc.obs1)
		sc.m2 = sc.rescalePop(sc.m2, sc.obs2)

		// Bounded search for the split time; candidates outside the
		// admissible range are clipped.
		split := minimizeScalar(func(t float64) float64 {
			llf, err := sc.jointLogLik(sc.clipSplit(t))
			if err != nil {
				return math.Inf(1)
			}
			return -llf
		}, 0, sc.maxTime(), 40)
		sc.SplitTime = sc.clipSplit(split)

		llf, err := sc.jointLogLik(sc.SplitTime)
		if err != nil {
			sc.Status = Aborted
			return sc.SplitTime, err
		}
		sc.LLF = append(sc.LLF, llf)
		sc.msglogger.Printf("iteration %d: split=%f llf=%f", iter, sc.SplitTime, llf)

		if sc.OutDir != "" {
			if err := sc.checkpoint(filepath.Join(sc.OutDir, "model.iter.json")); err != nil {
				return sc.SplitTime, err
			}
		}

		if iter > 0 && llf-prev < sc.cfg.Tol {
			sc.Status = Converged
			return sc.SplitTime, nil
		}
		prev = llf
	}

	sc.Status = IterationCapReached
	return sc.SplitTime, &ConvergenceWarning{
		Iter: sc.cfg.EMIterations,
		Msg:  "iteration cap reached before meeting tolerance",
	}
}

// rescalePop shifts all of a population's log-sizes by a bounded scalar
// maximizing its likelihood under the current split, penalized toward zero.
// Falls back to the incumbent on numerical trouble.
func (sc *SplitCoordinator) rescalePop(pop *DemographyModel, obs *ObservationSet) *DemographyModel {

	alpha := minimizeScalar(func(a float64) float64 {
		ls := pop.LogSizes()
		for i := range ls {
			ls[i] += a
		}
		cand, err := pop.Perturb(ls)
		if err != nil {
			return math.Inf(1)
		}
		llf, err := sc.popLogLik(cand, obs, sc.SplitTime)
		if err != nil {
			return math.Inf(1)
		}
		return -(llf - sc.cfg.Penalty*a*a)
	}, -1, 1, 30)

	ls := pop.LogSizes()
	for i := range ls {
		ls[i] += alpha
	}
	cand, err := pop.Perturb(ls)
	if err != nil {
		sc.Warnings.MStepBackoffs++
		return pop
	}
	return cand
}

// checkpoint persists the first population's spliced model with the current
// split time and likelihood history.
func (sc *SplitCoordinator) checkpoint(fname string) error {
	joint := sc.jointModel(sc.m1, sc.SplitTime)
	mf := NewModelFile(joint, sc.states, &sc.cfg, sc.LLF)
	mf.SplitTime = sc.SplitTime
	return mf.Save(fname)
}

// FinalModelFile returns the persisted form of the converged joint fit.
func (sc *SplitCoordinator) FinalModelFile() *ModelFile {
	joint := sc.jointModel(sc.m1, sc.SplitTime)
	mf := NewModelFile(joint, sc.states, &sc.cfg, sc.LLF)
	mf.SplitTime = sc.SplitTime
	return mf
}

// minimizeScalar runs a golden-section search for the minimum of f on
// [lo, hi].
func minimizeScalar(f func(float64) float64, lo, hi float64, iters int) float64 {

	const invphi = 0.6180339887498949

	a, b := lo, hi
	c := b - (b-a)*invphi
	d := a + (b-a)*invphi
	fc, fd := f(c), f(d)

	for i := 0; i < iters && b-a > 1e-12*(1+math.Abs(a)); i++ {
		if fc < fd {
			b, d, fd = d, c, fc
			c = b - (b-a)*invphi
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + (b-a)*invphi
			fd = f(d)
		}
	}
	return (a + b) / 2
}
