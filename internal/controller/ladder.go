package controller

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"loadflow/internal/model"
	"loadflow/internal/solver"
)

// DefaultLadder runs from the tightest to the loosest configuration so a
// step is never solved with a looser tolerance than it needs.
var DefaultLadder = []model.SolverConfiguration{
	{Algorithm: model.AlgorithmNewton, MaxIterations: 100, Tolerance: 1e-3},
	{Algorithm: model.AlgorithmNewton, MaxIterations: 500, Tolerance: 1e-2},
	{Algorithm: model.AlgorithmNewton, MaxIterations: 1000, Tolerance: 1e-1},
	{Algorithm: model.AlgorithmNorm, MaxIterations: 500, Tolerance: 1e-2},
}

// LadderResult is the configuration that converged.
type LadderResult struct {
	Config   model.SolverConfiguration
	Rung     int
	Attempts []Attempt
}

// Ladder tries solver configurations in order until one converges. It holds
// no state between calls.
type Ladder struct {
	configs []model.SolverConfiguration
	Log     logrus.FieldLogger
}

// NewLadder validates configs. With no configs it uses DefaultLadder.
func NewLadder(configs ...model.SolverConfiguration) (*Ladder, error) {
	if len(configs) == 0 {
		configs = DefaultLadder
	}
	for i, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("ladder rung %d: %w", i, err)
		}
	}
	l := &Ladder{
		configs: make([]model.SolverConfiguration, len(configs)),
		Log:     logrus.StandardLogger(),
	}
	copy(l.configs, configs)
	return l, nil
}

// Configs returns a copy of the rungs.
func (l *Ladder) Configs() []model.SolverConfiguration {
	out := make([]model.SolverConfiguration, len(l.configs))
	copy(out, l.configs)
	return out
}

func (l *Ladder) Len() int { return len(l.configs) }

// Attempt issues one solve per rung and returns the first that converges.
// When none does it returns *ExhaustedError carrying every attempt.
func (l *Ladder) Attempt(session solver.Session) (LadderResult, error) {
	var attempts []Attempt
	last := ""
	for i, cfg := range l.configs {
		a := Attempt{Rung: i, Config: cfg}
		log := l.Log.WithFields(logrus.Fields{"rung": i, "algorithm": cfg.Algorithm, "tolerance": cfg.Tolerance})

		if err := session.Configure(cfg); err != nil {
			a.Diagnostic = fmt.Sprintf("configure: %v", err)
		} else if err := session.Solve(); err != nil {
			a.Diagnostic = err.Error()
		} else if session.IsConverged() {
			a.Converged = true
			attempts = append(attempts, a)
			log.Debug("Solution converged")
			return LadderResult{Config: cfg, Rung: i, Attempts: attempts}, nil
		} else {
			a.Diagnostic = session.LastError()
			if a.Diagnostic == "" {
				a.Diagnostic = "solution did not converge"
			}
		}

		log.Debugf("Solution attempt failed: %s", a.Diagnostic)
		attempts = append(attempts, a)
		last = a.Diagnostic
	}
	return LadderResult{}, &ExhaustedError{Attempts: attempts, LastDiagnostic: last}
}
