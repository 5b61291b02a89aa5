// Package checker provides consumers of completed histories. A checker
// reads an immutable history and renders a verdict; it never mutates the
// history and never talks to the cluster. The harness core only guarantees
// delivery of a well-formed, indexed history — deciding correctness is the
// checker's job.
package checker

import (
	"fmt"

	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

// Result is a checker verdict. Valid is the overall judgement; Details
// carries checker-specific evidence (counts, violations, latencies) for the
// results tree.
type Result struct {
	Valid   bool           `json:"valid"`
	Details map[string]any `json:"details,omitempty"`
}

// Invalid builds a failing result with a reason detail.
func Invalid(reason string, details map[string]any) Result {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	return Result{Valid: false, Details: details}
}

// Checker analyzes a completed history.
type Checker interface {
	Check(test *types.Test, h *history.History) Result
}

// Func adapts a plain function into a Checker.
type Func func(test *types.Test, h *history.History) Result

func (f Func) Check(test *types.Test, h *history.History) Result { return f(test, h) }

// compose runs several named checkers and is valid iff all of them are.
type compose struct {
	checkers map[string]Checker
}

func (c compose) Check(test *types.Test, h *history.History) Result {
	valid := true
	details := make(map[string]any, len(c.checkers))
	for name, ch := range c.checkers {
		r := ch.Check(test, h)
		valid = valid && r.Valid
		details[name] = r
	}
	return Result{Valid: valid, Details: details}
}

// Compose combines named checkers; the composite is valid iff every child
// is.
func Compose(checkers map[string]Checker) Checker {
	return compose{checkers: checkers}
}

// Unbroken verifies the structural invariants of the history itself: dense
// indexes, monotone time, per-process alternation, matched completions.
// Every workload composes it in front of its semantic checker.
func Unbroken() Checker {
	return Func(func(_ *types.Test, h *history.History) Result {
		if err := h.Validate(); err != nil {
			return Invalid(fmt.Sprintf("malformed history: %v", err), nil)
		}
		return Result{Valid: true}
	})
}
