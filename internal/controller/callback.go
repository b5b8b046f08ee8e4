package controller

import (
	"time"

	"loadflow/internal/model"
)

// StageResult describes one topology stage.
type StageResult struct {
	Stage      model.Category `json:"stage"`
	Components int            `json:"components"`
	Converged  bool           `json:"converged"`
	Diagnostic string         `json:"diagnostic,omitempty"`
	Duration   time.Duration  `json:"duration_ns"`
}

// Attempt is one solve issued by the ladder or by escalation.
type Attempt struct {
	Rung       int                       `json:"rung"` // -1 for escalation
	Config     model.SolverConfiguration `json:"config"`
	Converged  bool                      `json:"converged"`
	Diagnostic string                    `json:"diagnostic,omitempty"`
}

// Callback receives controller events.
type Callback interface {
	OnStage(result StageResult)
	OnAttempt(step int, attempt Attempt)
	OnStep(outcome StepOutcome)
	OnRunComplete(run *model.ScheduleRun)
}

// NopCallback ignores every event. Embed it to implement a subset.
type NopCallback struct{}

func (NopCallback) OnStage(StageResult)              {}
func (NopCallback) OnAttempt(int, Attempt)           {}
func (NopCallback) OnStep(StepOutcome)               {}
func (NopCallback) OnRunComplete(*model.ScheduleRun) {}

// Callbacks fans events out to several callbacks in order.
type Callbacks []Callback

func (cs Callbacks) OnStage(r StageResult) {
	for _, c := range cs {
		c.OnStage(r)
	}
}

func (cs Callbacks) OnAttempt(step int, a Attempt) {
	for _, c := range cs {
		c.OnAttempt(step, a)
	}
}

func (cs Callbacks) OnStep(o StepOutcome) {
	for _, c := range cs {
		c.OnStep(o)
	}
}

func (cs Callbacks) OnRunComplete(run *model.ScheduleRun) {
	for _, c := range cs {
		c.OnRunComplete(run)
	}
}

func callbackOrNop(cb Callback) Callback {
	if cb == nil {
		return NopCallback{}
	}
	return cb
}
