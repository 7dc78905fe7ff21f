package core

import "github.com/shopspring/decimal"

// SolveResult carries the root-finder outcome. Converged is false when the
// fallback heuristic produced the value; callers log that but keep going,
// since sub-tick precision is unreachable anyway.
type SolveResult struct {
	Value     decimal.Decimal
	Converged bool
	Tries     int
}

var solveFallbackFactor = decimal.NewFromInt(3)

// Solve finds x such that fn(x) is within maxErr of target, using a damped
// secant iteration seeded at guess. fn must be pure: it is re-invoked with
// trial arguments. On non-convergence the result is 3x the initial guess, a
// deliberately coarse upper estimate.
func Solve(fn func(decimal.Decimal) decimal.Decimal, target, guess, maxErr decimal.Decimal, maxTries int) SolveResult {
	if maxTries < 1 {
		maxTries = 1
	}
	half := decimal.NewFromFloat(0.5)

	x0 := guess
	f0 := fn(x0).Sub(target)
	if f0.Abs().Cmp(maxErr) <= 0 {
		return SolveResult{Value: x0, Converged: true, Tries: 1}
	}
	// Second seed a little away from the first so the secant has a slope.
	x1 := x0.Mul(decimal.NewFromFloat(1.05))
	if x1.Cmp(x0) == 0 {
		x1 = x0.Add(maxErr)
	}

	for i := 2; i <= maxTries; i++ {
		f1 := fn(x1).Sub(target)
		if f1.Abs().Cmp(maxErr) <= 0 {
			return SolveResult{Value: x1, Converged: true, Tries: i}
		}
		denom := f1.Sub(f0)
		if denom.IsZero() {
			break
		}
		step := x1.Sub(x0).Mul(f1).Div(denom)
		// Damp runaway steps; the objective is only piecewise smooth
		// because of step-size quantization inside fn.
		limit := x1.Abs().Add(guess.Abs())
		for step.Abs().Cmp(limit) > 0 {
			step = step.Mul(half)
		}
		next := x1.Sub(step)
		if next.Cmp(decimal.Zero) <= 0 {
			next = x1.Mul(half)
			if next.Cmp(decimal.Zero) <= 0 {
				break
			}
		}
		x0, f0 = x1, f1
		x1 = next
	}
	return SolveResult{Value: guess.Mul(solveFallbackFactor), Converged: false, Tries: maxTries}
}
