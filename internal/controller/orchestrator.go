package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"loadflow/internal/model"
	"loadflow/internal/solver"
)

// State is a phase of one orchestrated step.
type State string

const (
	StateIdle      State = "idle"
	StateScaling   State = "scaling"
	StateSolving   State = "solving"
	StateConverged State = "converged"
	StateExhausted State = "exhausted"
)

// Escalation is the single relaxed retry issued after the ladder is
// exhausted: the control-iteration cap is raised for one lenient solve.
type Escalation struct {
	Enabled           bool                      `yaml:"enabled" json:"enabled"`
	ControlIterations int                       `yaml:"max_control_iterations" json:"max_control_iterations"`
	Solver            model.SolverConfiguration `yaml:"solver" json:"solver"`
}

var DefaultEscalation = Escalation{
	Enabled:           true,
	ControlIterations: 1000,
	Solver:            DefaultStageSolver,
}

func (e Escalation) Validate() error {
	if !e.Enabled {
		return nil
	}
	if e.ControlIterations <= 0 {
		return fmt.Errorf("escalation control iterations must be positive, got %d", e.ControlIterations)
	}
	if err := e.Solver.Validate(); err != nil {
		return fmt.Errorf("escalation solver: %w", err)
	}
	return nil
}

// OrchestratorConfig parameterizes one Orchestrator.
type OrchestratorConfig struct {
	Escalation Escalation
	// ControlIterations is the cap restored after an escalation.
	ControlIterations int
	Band              VoltageBand
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Escalation:        DefaultEscalation,
		ControlIterations: DefaultStageControlIterations,
		Band:              DefaultVoltageBand,
	}
}

// StepOutcome is the terminal record of one step. Exactly one of Result and
// Failure is set.
type StepOutcome struct {
	Step          int                   `json:"step"`
	Multiplier    float64               `json:"multiplier"`
	State         State                 `json:"state"`
	Trail         []State               `json:"trail"`
	Result        *model.LoadStepResult `json:"result,omitempty"`
	Failure       *model.StepFailure    `json:"failure,omitempty"`
	Metrics       *model.SystemMetrics  `json:"metrics,omitempty"`
	Attempts      []Attempt             `json:"attempts"`
	ScalingErrors ScalingErrors         `json:"-"`
	Duration      time.Duration         `json:"duration_ns"`
}

// Orchestrator drives one load level to convergence: scale, then walk the
// ladder, then optionally escalate. Scaling is never retried.
type Orchestrator struct {
	session  solver.Session
	scaler   *Scaler
	ladder   *Ladder
	metrics  *MetricsCollector
	cfg      OrchestratorConfig
	callback Callback
	Log      logrus.FieldLogger
}

func NewOrchestrator(session solver.Session, scaler *Scaler, ladder *Ladder, metrics *MetricsCollector, cfg OrchestratorConfig, cb Callback) *Orchestrator {
	return &Orchestrator{
		session:  session,
		scaler:   scaler,
		ladder:   ladder,
		metrics:  metrics,
		cfg:      cfg,
		callback: callbackOrNop(cb),
		Log:      logrus.StandardLogger(),
	}
}

// RunStep takes one step from Idle to Converged or Exhausted.
func (o *Orchestrator) RunStep(step int, multiplier float64) StepOutcome {
	start := time.Now()
	out := StepOutcome{Step: step, Multiplier: multiplier, State: StateIdle, Trail: []State{StateIdle}}
	log := o.Log.WithFields(logrus.Fields{"step": step, "multiplier": multiplier})
	enter := func(s State) {
		out.State = s
		out.Trail = append(out.Trail, s)
	}

	enter(StateScaling)
	if err := o.scaler.Scale(multiplier); err != nil {
		var serrs ScalingErrors
		if !errors.As(err, &serrs) {
			// Nothing was written, so there is nothing to solve.
			enter(StateExhausted)
			out.Failure = &model.StepFailure{Step: step, Multiplier: multiplier, Diagnostic: err.Error()}
			return o.finish(out, start, log)
		}
		out.ScalingErrors = serrs
		log.Warnf("Scaling incomplete, %d loads unchanged", len(serrs.Loads()))
	}

	enter(StateSolving)
	res, err := o.ladder.Attempt(o.session)
	var exhausted *ExhaustedError
	if err != nil && !errors.As(err, &exhausted) {
		exhausted = &ExhaustedError{LastDiagnostic: err.Error()}
	}
	if exhausted != nil {
		out.Attempts = append(out.Attempts, exhausted.Attempts...)
	} else {
		out.Attempts = append(out.Attempts, res.Attempts...)
	}
	for _, a := range out.Attempts {
		o.callback.OnAttempt(step, a)
	}

	escalated := false
	if exhausted != nil && o.cfg.Escalation.Enabled {
		a := o.escalate(log)
		out.Attempts = append(out.Attempts, a)
		o.callback.OnAttempt(step, a)
		if a.Converged {
			escalated = true
			res = LadderResult{Config: a.Config, Rung: -1}
		} else if a.Diagnostic != "" {
			exhausted.LastDiagnostic = a.Diagnostic
		}
	}

	if exhausted != nil && !escalated {
		enter(StateExhausted)
		out.Failure = &model.StepFailure{
			Step:           step,
			Multiplier:     multiplier,
			Diagnostic:     exhausted.Error(),
			OutOfBandBuses: o.metrics.OutOfBand(o.session, o.cfg.Band),
		}
		return o.finish(out, start, log)
	}

	sm, err := o.metrics.Collect(o.session)
	if err != nil {
		enter(StateExhausted)
		out.Failure = &model.StepFailure{Step: step, Multiplier: multiplier, Diagnostic: fmt.Sprintf("collecting metrics: %v", err)}
		return o.finish(out, start, log)
	}

	enter(StateConverged)
	out.Metrics = &sm
	out.Result = &model.LoadStepResult{
		Step:             step,
		Multiplier:       multiplier,
		Converged:        true,
		ActiveLossMW:     sm.ActiveLossMW,
		ReactiveLossMVAR: sm.ReactiveLossMVAR,
		MinVoltagePU:     sm.MinVoltagePU,
		MaxVoltagePU:     sm.MaxVoltagePU,
		AvgVoltagePU:     sm.AvgVoltagePU,
		Config:           res.Config,
		Rung:             res.Rung,
		Escalated:        escalated,
	}
	return o.finish(out, start, log)
}

func (o *Orchestrator) escalate(log logrus.FieldLogger) Attempt {
	esc := o.cfg.Escalation
	a := Attempt{Rung: -1, Config: esc.Solver}
	log.Infof("Ladder exhausted, escalating to %d control iterations", esc.ControlIterations)

	if err := o.session.SetMaxControlIterations(esc.ControlIterations); err != nil {
		a.Diagnostic = fmt.Sprintf("escalation: %v", err)
		return a
	}
	defer func() {
		if o.cfg.ControlIterations > 0 {
			if err := o.session.SetMaxControlIterations(o.cfg.ControlIterations); err != nil {
				log.Errorf("Failed to restore control iterations: %v", err)
			}
		}
	}()

	if err := o.session.Configure(esc.Solver); err != nil {
		a.Diagnostic = fmt.Sprintf("escalation: %v", err)
		return a
	}
	if err := o.session.Solve(); err != nil {
		a.Diagnostic = err.Error()
		return a
	}
	if !o.session.IsConverged() {
		a.Diagnostic = o.session.LastError()
		return a
	}
	a.Converged = true
	return a
}

func (o *Orchestrator) finish(out StepOutcome, start time.Time, log logrus.FieldLogger) StepOutcome {
	out.Duration = time.Since(start)
	switch {
	case out.Result != nil:
		r := out.Result
		log.WithFields(logrus.Fields{"rung": r.Rung, "algorithm": r.Config.Algorithm}).
			Infof("Step converged: losses %.2f MW / %.2f MVAR, voltage %.3f-%.3f pu", r.ActiveLossMW, r.ReactiveLossMVAR, r.MinVoltagePU, r.MaxVoltagePU)
	case out.Failure != nil:
		log.Warnf("Step failed: %s", out.Failure.Diagnostic)
	}
	o.callback.OnStep(out)
	return out
}
