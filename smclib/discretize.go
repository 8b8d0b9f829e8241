package smclib

import (
	"math"
)

// HiddenStates is the fixed discretization of coalescence time into K
// intervals.  It is derived once from the initial demography model and then
// shared read-only by every contig task; re-derivation happens only on an
// explicit request (the split command).
type HiddenStates struct {
	// Boundaries has length K+1: 0 = b_0 < b_1 < ... < b_{K-1} < b_K = +Inf.
	Boundaries []float64

	// Times[k] is the representative coalescence time of interval k, the
	// conditional median under the model used for discretization.
	Times []float64
}

// K returns the number of hidden states.
func (hs *HiddenStates) K() int { return len(hs.Times) }

// BalanceHiddenStates builds boundaries such that the probability of
// coalescing in each interval under the model is equal: the m-th edge solves
// exp(-R(t)) = 1 - m/K.  Roots are bracketed by doubling and then bisected.
func BalanceHiddenStates(m *DemographyModel, K int) *HiddenStates {

	if K < 2 {
		panic("BalanceHiddenStates: need at least 2 states")
	}

	bounds := make([]float64, K+1)
	bounds[K] = math.Inf(1)
	for j := 1; j < K; j++ {
		q := 1 - float64(j)/float64(K)
		bounds[j] = survivalQuantile(m, q, bounds[j-1])
	}

	times := make([]float64, K)
	for k := 0; k < K; k++ {
		// Conditional median within the interval.
		qlo := math.Exp(-m.IntegrateRate(0, bounds[k]))
		qhi := 0.0
		if !math.IsInf(bounds[k+1], 1) {
			qhi = math.Exp(-m.IntegrateRate(0, bounds[k+1]))
		}
		times[k] = survivalQuantile(m, (qlo+qhi)/2, bounds[k])
	}

	return &HiddenStates{Boundaries: bounds, Times: times}
}

// survivalQuantile solves exp(-R(t)) = q for t >= lo.
func survivalQuantile(m *DemographyModel, q, lo float64) float64 {

	f := func(t float64) float64 {
		return math.Exp(-m.IntegrateRate(0, t)) - q
	}

	a, b := lo, lo
	for f(a)*f(b) >= 0 {
		b = 2 * (b + 1)
		if b > 1e18 {
			return b
		}
	}

	for i := 0; i < 200 && b-a > 1e-10*(1+b); i++ {
		mid := (a + b) / 2
		if f(a)*f(mid) <= 0 {
			b = mid
		} else {
			a = mid
		}
	}
	return (a + b) / 2
}

// IntervalProbs returns the prior probability of coalescing within each
// hidden interval under the given model.  This is the initial distribution
// of the coalescent HMM.
func (hs *HiddenStates) IntervalProbs(m *DemographyModel) []float64 {

	K := hs.K()
	pr := make([]float64, K)
	surv := 1.0
	for k := 0; k < K; k++ {
		var next float64
		if !math.IsInf(hs.Boundaries[k+1], 1) {
			next = math.Exp(-m.IntegrateRate(0, hs.Boundaries[k+1]))
		}
		pr[k] = surv - next
		if pr[k] < 0 {
			pr[k] = 0
		}
		surv = next
	}
	return pr
}
