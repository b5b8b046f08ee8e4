package controller

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadflow/internal/model"
	"loadflow/internal/solver/solvertest"
)

func newTestLadder(t *testing.T, configs ...model.SolverConfiguration) *Ladder {
	t.Helper()
	l, err := NewLadder(configs...)
	require.NoError(t, err)
	l.Log = quietLogger()
	return l
}

func TestLadder_FirstRungConverges(t *testing.T) {
	fake := solvertest.New("a")
	res, err := newTestLadder(t).Attempt(fake)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rung)
	assert.Equal(t, DefaultLadder[0], res.Config)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 1, fake.Solves)
}

func TestLadder_LoosestRung(t *testing.T) {
	fake := solvertest.New("a")
	fake.Converge = solvertest.ConvergeWith(model.AlgorithmNorm, 1e-2, -1)

	res, err := newTestLadder(t).Attempt(fake)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rung)
	assert.Equal(t, model.SolverConfiguration{Algorithm: model.AlgorithmNorm, MaxIterations: 500, Tolerance: 1e-2}, res.Config)
	require.Len(t, res.Attempts, 4)
	for i, a := range res.Attempts[:3] {
		assert.False(t, a.Converged, "rung %d", i)
		assert.NotEmpty(t, a.Diagnostic)
	}
	assert.True(t, res.Attempts[3].Converged)

	// Every rung was applied before its solve.
	var configured []model.SolverConfiguration
	for _, a := range fake.Attempts {
		configured = append(configured, a.Config)
	}
	assert.Equal(t, DefaultLadder, configured)
}

func TestLadder_Exhausted(t *testing.T) {
	fake := solvertest.New("a")
	fake.Converge = func(solvertest.Attempt) bool { return false }

	_, err := newTestLadder(t).Attempt(fake)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Len(t, ex.Attempts, 4)
	assert.Contains(t, ex.LastDiagnostic, "NORM/500/0.01")
	assert.Contains(t, ex.Error(), "no convergence after 4 attempts")
}

func TestLadder_SolveErrorIsNonConvergence(t *testing.T) {
	fake := solvertest.New("a")
	fake.SolveErr = errors.New("engine fault")

	_, err := newTestLadder(t).Attempt(fake)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "engine fault", ex.LastDiagnostic)
	assert.Equal(t, 4, fake.Solves)
}

func TestLadder_Deterministic(t *testing.T) {
	converge := solvertest.ConvergeWith(model.AlgorithmNewton, 1e-1, -1)
	ladder := newTestLadder(t)

	var results []LadderResult
	for i := 0; i < 3; i++ {
		fake := solvertest.New("a")
		fake.Converge = converge
		res, err := ladder.Attempt(fake)
		require.NoError(t, err)
		results = append(results, res)
	}
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, 2, results[0].Rung)

	fail := func() error {
		fake := solvertest.New("a")
		fake.Converge = func(solvertest.Attempt) bool { return false }
		_, err := ladder.Attempt(fake)
		return err
	}
	assert.Equal(t, fail().Error(), fail().Error())
}

func TestNewLadder(t *testing.T) {
	l, err := NewLadder()
	require.NoError(t, err)
	assert.Equal(t, 4, l.Len())

	cfgs := l.Configs()
	cfgs[0].Tolerance = 42
	assert.Equal(t, DefaultLadder[0], l.Configs()[0])

	_, err = NewLadder(model.SolverConfiguration{Algorithm: model.AlgorithmNewton, MaxIterations: 0, Tolerance: 1})
	assert.Error(t, err)

	custom := model.SolverConfiguration{Algorithm: model.AlgorithmNorm, MaxIterations: 50, Tolerance: 0.5}
	l, err = NewLadder(custom)
	require.NoError(t, err)
	assert.Equal(t, []model.SolverConfiguration{custom}, l.Configs())
}
