package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSolveConvergesOnSmoothFunction(t *testing.T) {
	// f(x) = x^2, target 9 -> root 3.
	fn := func(x decimal.Decimal) decimal.Decimal { return x.Mul(x) }
	res := Solve(fn, decimal.NewFromInt(9), decimal.NewFromInt(1), dec("0.0001"), 50)
	require.True(t, res.Converged, "expected convergence, got %+v", res)
	require.True(t, res.Value.Sub(decimal.NewFromInt(3)).Abs().Cmp(dec("0.01")) <= 0,
		"value = %s", res.Value)
}

func TestSolveConvergesOnQuantizedFunction(t *testing.T) {
	// Step-quantized objective, the shape Ladder presents to the solver.
	step := dec("0.5")
	fn := func(x decimal.Decimal) decimal.Decimal {
		return RoundDown(x.Mul(dec("12.5")), step)
	}
	target := dec("100")
	res := Solve(fn, target, decimal.NewFromInt(2), step, 100)
	require.True(t, res.Converged, "got %+v", res)
	require.True(t, fn(res.Value).Sub(target).Abs().Cmp(step) <= 0)
}

func TestSolveFallsBackWithoutPanicking(t *testing.T) {
	// Constant function can never hit the target: expect the 3x heuristic.
	fn := func(x decimal.Decimal) decimal.Decimal { return decimal.NewFromInt(7) }
	guess := decimal.NewFromInt(2)
	res := Solve(fn, decimal.NewFromInt(100), guess, dec("0.001"), 25)
	require.False(t, res.Converged)
	require.True(t, res.Value.Equal(guess.Mul(decimal.NewFromInt(3))), "value = %s", res.Value)
}

func TestSolveAlreadyAtTarget(t *testing.T) {
	fn := func(x decimal.Decimal) decimal.Decimal { return x }
	res := Solve(fn, dec("5"), dec("5"), dec("0.001"), 10)
	require.True(t, res.Converged)
	require.Equal(t, 1, res.Tries)
}
