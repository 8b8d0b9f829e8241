package smclib

import (
	"fmt"
	"runtime"
)

// Default knobs for the optimizer.  Both are exposed in Config so callers
// can override them.
const (
	// DefaultTol is the minimum log-likelihood improvement treated as
	// progress between EM iterations.
	DefaultTol = 1e-8

	// DefaultRetries bounds the number of step-size backoffs attempted
	// when an M-step candidate is rejected.
	DefaultRetries = 5
)

// Config collects every scalar parameter of a run.  A Config is validated
// once at construction and treated as immutable afterwards; every component
// receives the same value.
type Config struct {
	// Theta is the population-scaled mutation rate per site.
	Theta float64

	// Rho is the population-scaled recombination rate per site.
	Rho float64

	// Fold indicates that ancestral/derived labels are exchangeable and
	// emission probabilities must be symmetrized.
	Fold bool

	// Penalty is the weight on the squared-difference smoothness penalty
	// applied to adjacent log-sizes in the M-step.
	Penalty float64

	// NStates is the number of hidden coalescence-time intervals.
	NStates int

	// EMIterations caps the EM loop.  Zero is legal and returns the
	// initial model unchanged together with a ConvergenceWarning.
	EMIterations int

	// Tol is the convergence tolerance on log-likelihood improvement.
	Tol float64

	// Retries bounds M-step step-size backoff attempts.
	Retries int

	// Workers is the number of concurrent contig tasks in the E-step.
	Workers int
}

// DefaultConfig returns a Config with the documented defaults filled in.
// Theta must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Rho:          0,
		NStates:      16,
		EMIterations: 20,
		Tol:          DefaultTol,
		Retries:      DefaultRetries,
		Workers:      runtime.NumCPU(),
	}
}

// Validate checks the configuration once, before any component sees it.
func (c *Config) Validate() error {
	if c.Theta <= 0 {
		return fmt.Errorf("config: theta must be positive, got %v", c.Theta)
	}
	if c.Rho < 0 {
		return fmt.Errorf("config: rho must be non-negative, got %v", c.Rho)
	}
	if c.Penalty < 0 {
		return fmt.Errorf("config: penalty must be non-negative, got %v", c.Penalty)
	}
	if c.NStates < 2 {
		return fmt.Errorf("config: need at least 2 hidden states, got %d", c.NStates)
	}
	if c.EMIterations < 0 {
		return fmt.Errorf("config: iteration cap must be non-negative, got %d", c.EMIterations)
	}
	if c.Tol <= 0 {
		c.Tol = DefaultTol
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return nil
}
