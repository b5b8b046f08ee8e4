// Package report renders schedule runs as text, CSV and JSON, and computes
// summary statistics over the converged steps.
package report

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"loadflow/internal/model"
)

// ErrTooFewPoints is returned when a fit has fewer than three distinct load
// levels to work with.
var ErrTooFewPoints = errors.New("need at least three distinct load levels")

// LossFit is the quadratic Losses(MW) = A·m² + B·m + C over load
// multiplier m.
type LossFit struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	C  float64 `json:"c"`
	R2 float64 `json:"r2"`
}

// At evaluates the fit.
func (f LossFit) At(m float64) float64 {
	return f.A*m*m + f.B*m + f.C
}

// Summary aggregates the converged steps of a run.
type Summary struct {
	Steps     int `json:"steps"`
	Converged int `json:"converged"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`

	AvgActiveLossMW     float64 `json:"avg_active_loss_mw"`
	MaxActiveLossMW     float64 `json:"max_active_loss_mw"`
	MinActiveLossMW     float64 `json:"min_active_loss_mw"`
	AvgReactiveLossMVAR float64 `json:"avg_reactive_loss_mvar"`
	MaxReactiveLossMVAR float64 `json:"max_reactive_loss_mvar"`
	MinReactiveLossMVAR float64 `json:"min_reactive_loss_mvar"`
	LowestVoltagePU     float64 `json:"lowest_voltage_pu"`
	HighestVoltagePU    float64 `json:"highest_voltage_pu"`

	// Fit is nil when the run has too few distinct load levels.
	Fit *LossFit `json:"fit,omitempty"`
}

// Summarize computes statistics over the run's converged steps.
func Summarize(run *model.ScheduleRun) Summary {
	s := Summary{
		Steps:     len(run.Multipliers),
		Converged: len(run.Results),
		Failed:    run.FailedCount,
	}
	if len(run.Results) == 0 {
		return s
	}

	n := len(run.Results)
	mults := make([]float64, n)
	active := make([]float64, n)
	reactive := make([]float64, n)
	mins := make([]float64, n)
	maxs := make([]float64, n)
	for i, r := range run.Results {
		mults[i] = r.Multiplier
		active[i] = r.ActiveLossMW
		reactive[i] = r.ReactiveLossMVAR
		mins[i] = r.MinVoltagePU
		maxs[i] = r.MaxVoltagePU
		if r.Escalated {
			s.Escalated++
		}
	}

	s.AvgActiveLossMW = stat.Mean(active, nil)
	s.MaxActiveLossMW = floats.Max(active)
	s.MinActiveLossMW = floats.Min(active)
	s.AvgReactiveLossMVAR = stat.Mean(reactive, nil)
	s.MaxReactiveLossMVAR = floats.Max(reactive)
	s.MinReactiveLossMVAR = floats.Min(reactive)
	s.LowestVoltagePU = floats.Min(mins)
	s.HighestVoltagePU = floats.Max(maxs)

	if fit, err := FitQuadratic(mults, active); err == nil {
		s.Fit = &fit
	}
	return s
}

// FitQuadratic fits y = a·x² + b·x + c by least squares.
func FitQuadratic(x, y []float64) (LossFit, error) {
	if len(x) != len(y) {
		return LossFit{}, errors.New("x and y differ in length")
	}
	distinct := make(map[float64]struct{})
	for _, v := range x {
		distinct[v] = struct{}{}
	}
	if len(distinct) < 3 {
		return LossFit{}, ErrTooFewPoints
	}

	n := len(x)
	design := mat.NewDense(n, 3, nil)
	for i, v := range x {
		design.Set(i, 0, v*v)
		design.Set(i, 1, v)
		design.Set(i, 2, 1)
	}
	var coef mat.VecDense
	if err := coef.SolveVec(design, mat.NewVecDense(n, append([]float64(nil), y...))); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return LossFit{}, err
		}
	}

	fit := LossFit{A: coef.AtVec(0), B: coef.AtVec(1), C: coef.AtVec(2)}
	mean := stat.Mean(y, nil)
	var ssTot, ssRes float64
	for i := range x {
		d := y[i] - mean
		ssTot += d * d
		r := y[i] - fit.At(x[i])
		ssRes += r * r
	}
	if ssTot == 0 {
		fit.R2 = 1
	} else {
		fit.R2 = 1 - ssRes/ssTot
	}
	return fit, nil
}
