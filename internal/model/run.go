package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Algorithm selects the nonlinear solution method.
type Algorithm string

const (
	AlgorithmNewton Algorithm = "NEWTON"
	AlgorithmNorm   Algorithm = "NORM"
)

// ParseAlgorithm converts an algorithm name, case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToUpper(strings.TrimSpace(s))); a {
	case AlgorithmNewton, AlgorithmNorm:
		return a, nil
	}
	return "", fmt.Errorf("unknown algorithm %q", s)
}

// SolverConfiguration is one profile of solver settings.
type SolverConfiguration struct {
	Algorithm     Algorithm `json:"algorithm" yaml:"algorithm"`
	MaxIterations int       `json:"max_iterations" yaml:"max_iterations"`
	Tolerance     float64   `json:"tolerance" yaml:"tolerance"`
}

func (c SolverConfiguration) Validate() error {
	if _, err := ParseAlgorithm(string(c.Algorithm)); err != nil {
		return err
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	if !(c.Tolerance > 0) || math.IsInf(c.Tolerance, 0) {
		return fmt.Errorf("tolerance must be positive, got %g", c.Tolerance)
	}
	return nil
}

func (c SolverConfiguration) String() string {
	return fmt.Sprintf("%s/%d/%g", c.Algorithm, c.MaxIterations, c.Tolerance)
}

// BusVoltage is a per-unit voltage magnitude reading for one bus.
type BusVoltage struct {
	Bus string  `json:"bus"`
	PU  float64 `json:"pu"`
}

// SystemMetrics is the aggregate state of a converged solution.
type SystemMetrics struct {
	ActiveLossMW     float64 `json:"active_loss_mw"`
	ReactiveLossMVAR float64 `json:"reactive_loss_mvar"`
	MinVoltagePU     float64 `json:"min_voltage_pu"`
	MaxVoltagePU     float64 `json:"max_voltage_pu"`
	AvgVoltagePU     float64 `json:"avg_voltage_pu"`
	MinVoltageBus    string  `json:"min_voltage_bus"`
	MaxVoltageBus    string  `json:"max_voltage_bus"`
	BusesRead        int     `json:"buses_read"`
	BusesSkipped     int     `json:"buses_skipped"`
}

// LoadStepResult is the outcome of one converged schedule step.
type LoadStepResult struct {
	Step             int                 `json:"step"`
	Multiplier       float64             `json:"multiplier"`
	Converged        bool                `json:"converged"`
	ActiveLossMW     float64             `json:"active_loss_mw"`
	ReactiveLossMVAR float64             `json:"reactive_loss_mvar"`
	MinVoltagePU     float64             `json:"min_voltage_pu"`
	MaxVoltagePU     float64             `json:"max_voltage_pu"`
	AvgVoltagePU     float64             `json:"avg_voltage_pu"`
	Config           SolverConfiguration `json:"config"`
	Rung             int                 `json:"rung"` // -1 when converged by escalation
	Escalated        bool                `json:"escalated"`
}

// StepFailure records a schedule step that could not be converged.
type StepFailure struct {
	Step           int          `json:"step"`
	Multiplier     float64      `json:"multiplier"`
	Diagnostic     string       `json:"diagnostic"`
	OutOfBandBuses []BusVoltage `json:"out_of_band_buses,omitempty"`
}

// ScheduleRun is the record of driving one multiplier schedule through a
// session. Results hold converged steps only, in schedule order.
type ScheduleRun struct {
	ID          uuid.UUID        `json:"id"`
	Network     string           `json:"network"`
	Multipliers []float64        `json:"multipliers"`
	Results     []LoadStepResult `json:"results"`
	Failures    []StepFailure    `json:"failures"`
	FailedCount int              `json:"failed_count"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Closed      bool             `json:"closed"`
	Cancelled   bool             `json:"cancelled,omitempty"`
	Stopped     bool             `json:"stopped,omitempty"`
}

// NewScheduleRun opens a run for the given multipliers.
func NewScheduleRun(network string, multipliers []float64, now time.Time) *ScheduleRun {
	m := make([]float64, len(multipliers))
	copy(m, multipliers)
	return &ScheduleRun{
		ID:          uuid.New(),
		Network:     network,
		Multipliers: m,
		StartedAt:   now,
	}
}

// AddResult appends a converged step. It panics on a closed run.
func (r *ScheduleRun) AddResult(res LoadStepResult) {
	if r.Closed {
		panic("model: result added to closed schedule run")
	}
	r.Results = append(r.Results, res)
}

// AddFailure appends a failed step. It panics on a closed run.
func (r *ScheduleRun) AddFailure(f StepFailure) {
	if r.Closed {
		panic("model: failure added to closed schedule run")
	}
	r.Failures = append(r.Failures, f)
	r.FailedCount++
}

// Close finalizes the run.
func (r *ScheduleRun) Close(now time.Time) {
	r.Closed = true
	r.FinishedAt = now
}

// Attempted returns the number of steps that produced a result or a failure.
func (r *ScheduleRun) Attempted() int {
	return len(r.Results) + r.FailedCount
}

// Duration returns the wall time of a closed run.
func (r *ScheduleRun) Duration() time.Duration {
	if !r.Closed {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// TimeRange is a half-open interval of wall time.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
