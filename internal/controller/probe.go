package controller

import (
	"context"
	"fmt"
	"sort"

	"loadflow/internal/model"
)

// DefaultProbeLevels steps from light load up to nominal.
var DefaultProbeLevels = []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}

// Verdict classifies how far a network can be loaded.
type Verdict string

const (
	VerdictFullLoad Verdict = "full_load"
	VerdictReduced  Verdict = "reduced_load"
	VerdictSevere   Verdict = "severely_limited"
)

// ProbeReport is the result of progressive loading.
type ProbeReport struct {
	Steps []StepOutcome
	// MaxConverged is the highest level that converged; it starts at the
	// level the topology was loaded at.
	MaxConverged float64
	Failed       bool
	// FailedLevel is the first level that did not converge.
	FailedLevel float64
	// CriticalBuses are the out-of-band buses at the failed level, or at the
	// highest converged level when every level converged.
	CriticalBuses []model.BusVoltage
	Verdict       Verdict
}

// RecommendedLoadFactor is the schedule scale factor that keeps every step
// at or below the highest converged level.
func (p *ProbeReport) RecommendedLoadFactor(schedule model.Schedule) float64 {
	peak := schedule.Peak()
	if peak <= 0 || p.MaxConverged >= peak {
		return 1.0
	}
	return p.MaxConverged / peak
}

func classify(level float64) Verdict {
	switch {
	case level >= 1.0:
		return VerdictFullLoad
	case level >= 0.6:
		return VerdictReduced
	default:
		return VerdictSevere
	}
}

// Probe walks ascending load levels through the orchestrator and stops at
// the first level that fails. It shares the run lock with Run.
func (r *Runner) Probe(ctx context.Context, levels []float64, base float64) (*ProbeReport, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	if len(levels) == 0 {
		levels = DefaultProbeLevels
	}
	if err := model.Schedule(levels).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMultiplier, err)
	}
	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)

	rep := &ProbeReport{MaxConverged: base}
	for i, lvl := range sorted {
		if err := ctx.Err(); err != nil {
			rep.Verdict = classify(rep.MaxConverged)
			return rep, err
		}
		r.Log.Infof("Testing at %.0f%% load...", lvl*100)
		out := r.orchestrator.RunStep(i, lvl)
		rep.Steps = append(rep.Steps, out)
		if out.Failure != nil {
			rep.Failed = true
			rep.FailedLevel = lvl
			rep.CriticalBuses = out.Failure.OutOfBandBuses
			r.Log.Warnf("Could not converge at %.0f%% load, maximum converged level %.0f%%", lvl*100, rep.MaxConverged*100)
			break
		}
		rep.MaxConverged = lvl
	}
	if !rep.Failed {
		rep.CriticalBuses = r.orchestrator.metrics.OutOfBand(r.orchestrator.session, r.orchestrator.cfg.Band)
	}
	rep.Verdict = classify(rep.MaxConverged)
	return rep, nil
}
