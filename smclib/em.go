package smclib

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/schollz/progressbar"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// EMStatus describes where the optimizer stopped.
type EMStatus int

const (
	Initializing EMStatus = iota
	Iterating
	Converged
	IterationCapReached
	Aborted
)

func (s EMStatus) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case IterationCapReached:
		return "iteration cap reached"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// EMWarnings counts recoverable events during a fit.
type EMWarnings struct {
	LogLikeDecreased int
	MStepBackoffs    int
	SkippedContigs   int
}

// EMOptimizer alternates parallel forward-backward E-steps with penalized
// quasi-Newton M-steps over the demography model's log-sizes.
type EMOptimizer struct {
	cfg    Config
	obs    *ObservationSet
	states *HiddenStates

	// model is the current iterate; a fresh immutable instance replaces
	// it after every accepted M-step.
	model *DemographyModel

	// LLF holds the log-likelihood after each completed iteration.
	LLF []float64

	Status   EMStatus
	Warnings EMWarnings

	// OutDir, when set, receives model.iter.json after every iteration.
	OutDir string

	// Progress enables a progress bar over EM iterations.
	Progress bool

	msglogger *log.Logger
	parlogger *log.Logger
}

// NewEMOptimizer prepares a fit of the model to the observations.  The
// hidden state discretization is derived here, from the initial model, and
// then held fixed for the whole fit.
func NewEMOptimizer(model *DemographyModel, obs *ObservationSet, cfg Config) (*EMOptimizer, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(obs.Contigs) == 0 {
		return nil, &InputFormatError{Msg: "no contigs to fit"}
	}

	return &EMOptimizer{
		cfg:       cfg,
		obs:       obs,
		states:    BalanceHiddenStates(model, cfg.NStates),
		model:     model,
		Status:    Initializing,
		msglogger: log.New(os.Stderr, "", log.Ltime),
	}, nil
}

// SetLogger redirects progress messages.
func (em *EMOptimizer) SetLogger(lg *log.Logger) { em.msglogger = lg }

// SetParamLogger enables a per-iteration parameter trace.
func (em *EMOptimizer) SetParamLogger(lg *log.Logger) { em.parlogger = lg }

// SetStates overrides the hidden state discretization, used by the split
// command to impose a shared ancestral discretization.
func (em *EMOptimizer) SetStates(hs *HiddenStates) { em.states = hs }

// Model returns the current iterate.
func (em *EMOptimizer) Model() *DemographyModel { return em.model }

// States returns the hidden state discretization in use.
func (em *EMOptimizer) States() *HiddenStates { return em.states }

// Fit runs the EM loop until convergence, the iteration cap, or a
// cancellation.  The returned model is always usable; a ConvergenceWarning
// error means the tolerance was not met but the fit is still emitted.
// Cancellation takes effect only at iteration boundaries.
func (em *EMOptimizer) Fit(ctx context.Context) (*DemographyModel, error) {

	if em.cfg.EMIterations == 0 {
		em.Status = IterationCapReached
		return em.model, &ConvergenceWarning{Iter: 0, Msg: "iteration cap is 0, returning initial model"}
	}

	var bar *progressbar.ProgressBar
	if em.Progress {
		bar = progressbar.New(em.cfg.EMIterations)
	}

	em.Status = Iterating
	var prev float64

	for iter := 0; iter < em.cfg.EMIterations; iter++ {

		if err := ctx.Err(); err != nil {
			em.Status = Aborted
			return em.model, &ConvergenceWarning{Iter: iter, Msg: "stop requested: " + err.Error()}
		}

		stats, err := em.estep(em.model)
		if err != nil {
			em.Status = Aborted
			return em.model, err
		}

		next, llf, err := em.mstep(stats)
		if err != nil {
			// Retries exhausted: keep the previous iterate.
			em.Status = Aborted
			em.msglogger.Printf("M-step failed at iteration %d: %v", iter, err)
			return em.model, &ConvergenceWarning{Iter: iter, Msg: err.Error()}
		}

		em.model = next
		em.LLF = append(em.LLF, llf)
		em.msglogger.Printf("iteration %d: llf=%f", iter, llf)
		if em.parlogger != nil {
			em.parlogger.Printf("iteration %d: llf=%f sizes=%v", iter, llf, em.model.Sizes())
		}

		if em.OutDir != "" {
			mf := NewModelFile(em.model, em.states, &em.cfg, em.LLF)
			if err := mf.Save(filepath.Join(em.OutDir, "model.iter.json")); err != nil {
				return em.model, err
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}

		if iter > 0 && llf-prev < em.cfg.Tol {
			em.Status = Converged
			em.msglogger.Printf("converged at iteration %d", iter)
			return em.model, nil
		}
		prev = llf
	}

	em.Status = IterationCapReached
	return em.model, &ConvergenceWarning{
		Iter: em.cfg.EMIterations,
		Msg:  "iteration cap reached before meeting tolerance",
	}
}

// estep runs forward-backward over every contig in parallel and merges the
// expected statistics.  Contigs hitting numerical trouble are skipped with a
// warning; the step fails only if no contig contributes.
func (em *EMOptimizer) estep(model *DemographyModel) (*SuffStats, error) {

	hmm, err := BuildHMM(model, em.states, &em.cfg, em.obs.SampleSize)
	if err != nil {
		return nil, err
	}
	eng := NewFBEngine(hmm)

	total := NewSuffStats(em.states.K(), em.obs.SampleSize)
	var mut sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, em.cfg.Workers)

	for _, c := range em.obs.Contigs {
		wg.Add(1)
		sem <- struct{}{}
		go func(c *Contig) {
			defer wg.Done()
			defer func() { <-sem }()

			stats, err := eng.Run(c)

			mut.Lock()
			defer mut.Unlock()
			if err != nil {
				em.Warnings.SkippedContigs++
				em.msglogger.Printf("skipping contig %s: %v", c.Name, err)
				return
			}
			total.Merge(stats)
		}(c)
	}
	wg.Wait()

	if total.Contigs == 0 {
		return nil, &NumericalError{Op: "estep", Msg: "every contig failed"}
	}
	return total, nil
}

// mstep maximizes the expected complete-data log-likelihood minus the
// smoothness penalty, then accepts the candidate only if the true
// log-likelihood did not decrease.  Rejected candidates are pulled back
// toward the incumbent with a halving step, up to the retry cap.
func (em *EMOptimizer) mstep(stats *SuffStats) (*DemographyModel, float64, error) {

	x0 := em.model.LogSizes()
	xcand := em.maximizeQ(stats, x0)

	base, err := em.totalLogLik(em.model)
	if err != nil {
		return nil, 0, err
	}

	step := 1.0
	x := make([]float64, len(x0))
	for try := 0; try <= em.cfg.Retries; try++ {

		for i := range x {
			x[i] = x0[i] + step*(xcand[i]-x0[i])
		}

		cand, err := em.model.Perturb(x)
		if err != nil {
			// Invalid candidate: shrink the step and retry.
			em.Warnings.MStepBackoffs++
			step /= 2
			continue
		}

		llf, err := em.totalLogLik(cand)
		if err != nil {
			em.Warnings.MStepBackoffs++
			step /= 2
			continue
		}

		if llf < base-em.cfg.Tol {
			// EM guarantees non-decrease; a drop means numerical
			// trouble in the update.
			em.Warnings.LogLikeDecreased++
			em.Warnings.MStepBackoffs++
			step /= 2
			continue
		}

		return cand, llf, nil
	}

	return nil, 0, &NumericalError{
		Op:  "mstep",
		Msg: fmt.Sprintf("no acceptable update after %d retries", em.cfg.Retries),
	}
}

// maximizeQ runs a quasi-Newton maximization of the penalized expected
// complete-data log-likelihood and returns the candidate log-sizes.  On
// optimizer failure the incumbent is returned, which the caller treats as a
// zero-length step.
func (em *EMOptimizer) maximizeQ(stats *SuffStats, x0 []float64) []float64 {

	obj := func(x []float64) float64 { return -em.qfunc(stats, x) }
	problem := optimize.Problem{
		Func: obj,
		// LBFGS requires a gradient; the objective has no closed form,
		// so use central finite differences.
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, obj, x, &fd.Settings{Formula: fd.Central})
		},
	}

	settings := &optimize.Settings{
		MajorIterations: 100,
		Concurrent:      0,
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if err != nil || result == nil || !finite(result.X) {
		return append([]float64(nil), x0...)
	}
	return result.X
}

// qfunc evaluates the expected complete-data log-likelihood of the candidate
// log-sizes under the E-step statistics, minus the smoothness penalty on
// adjacent log-size differences.
func (em *EMOptimizer) qfunc(stats *SuffStats, x []float64) float64 {

	for _, v := range x {
		if math.IsNaN(v) || math.Abs(v) > 50 {
			return math.Inf(-1)
		}
	}

	cand, err := em.model.Perturb(x)
	if err != nil {
		return math.Inf(-1)
	}
	hmm, err := BuildHMM(cand, em.states, &em.cfg, em.obs.SampleSize)
	if err != nil {
		return math.Inf(-1)
	}

	K := em.states.K()
	var q float64

	for k := 0; k < K; k++ {
		if stats.Init[k] > 0 {
			q += stats.Init[k] * math.Log(hmm.init[k])
		}
	}
	for i := 0; i < K; i++ {
		for j := 0; j < K; j++ {
			if c := stats.Trans[i*K+j]; c > 0 {
				q += c * math.Log(hmm.trans.At(i, j))
			}
		}
	}
	for k := 0; k < K; k++ {
		row := hmm.emis[k]
		for ci := 0; ci < stats.nc; ci++ {
			if c := stats.Emit[k*stats.nc+ci]; c > 0 {
				q += c * math.Log(row[ci])
			}
		}
	}

	for i := 0; i+1 < len(x); i++ {
		d := x[i+1] - x[i]
		q -= em.cfg.Penalty * d * d
	}

	if math.IsNaN(q) {
		return math.Inf(-1)
	}
	return q
}

// totalLogLik scores a model over all contigs with forward-only passes.
func (em *EMOptimizer) totalLogLik(model *DemographyModel) (float64, error) {

	hmm, err := BuildHMM(model, em.states, &em.cfg, em.obs.SampleSize)
	if err != nil {
		return 0, err
	}
	eng := NewFBEngine(hmm)

	llfs := make([]float64, len(em.obs.Contigs))
	errs := make([]error, len(em.obs.Contigs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, em.cfg.Workers)

	for i, c := range em.obs.Contigs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c *Contig) {
			defer wg.Done()
			defer func() { <-sem }()
			llfs[i], errs[i] = eng.LogLikelihood(c)
		}(i, c)
	}
	wg.Wait()

	// Failed contigs are excluded from scoring, mirroring the E-step.
	var llf float64
	var ok int
	for i, err := range errs {
		if err != nil {
			continue
		}
		llf += llfs[i]
		ok++
	}
	if ok == 0 {
		return 0, &NumericalError{Op: "loglik", Msg: "every contig failed"}
	}
	return llf, nil
}
