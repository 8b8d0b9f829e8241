package smclib

import "fmt"

// InputFormatError indicates a malformed observation file or block.  The
// offending contig is skipped; the run continues if any valid contig remains.
type InputFormatError struct {
	File string
	Line int
	Msg  string
}

func (e *InputFormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Msg)
}

// NumericalError indicates a non-finite likelihood, a failed M-step, or a
// log-likelihood decrease.  It is recovered locally by step-size backoff.
type NumericalError struct {
	Op  string
	Msg string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// ModelValidationError indicates a candidate demography model violating the
// positivity or monotonicity invariants.  The candidate is rejected and the
// optimizer retries with a smaller step.
type ModelValidationError struct {
	Msg string
}

func (e *ModelValidationError) Error() string {
	return "invalid model: " + e.Msg
}

// ConvergenceWarning is returned when the EM loop stops without meeting the
// tolerance (iteration cap, or exhausted M-step retries).  The final model is
// still valid and emitted; callers should surface the warning, not fail.
type ConvergenceWarning struct {
	Iter int
	Msg  string
}

func (e *ConvergenceWarning) Error() string {
	return fmt.Sprintf("iteration %d: %s", e.Iter, e.Msg)
}
