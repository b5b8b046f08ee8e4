package controller

import (
	"errors"
	"fmt"
	"strings"

	"loadflow/internal/model"
)

var (
	ErrInvalidMultiplier = errors.New("invalid load multiplier")
	ErrRunInProgress     = errors.New("schedule run already in progress")
	ErrNoSource          = errors.New("network has no source bus")
	ErrNoBusVoltages     = errors.New("no bus voltage could be read")
)

// ScalingError reports one load that rejected a new demand value. The load
// keeps its previously applied values.
type ScalingError struct {
	Load     string
	Property string
	Value    float64
	Err      error
}

func (e *ScalingError) Error() string {
	return fmt.Sprintf("scaling %s %s=%g: %v", e.Load, e.Property, e.Value, e.Err)
}

func (e *ScalingError) Unwrap() error { return e.Err }

// ScalingErrors aggregates the per-load failures of one Scale call.
type ScalingErrors []*ScalingError

func (e ScalingErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d loads failed to scale; first: %v", len(e), e[0])
}

func (e ScalingErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, se := range e {
		errs[i] = se
	}
	return errs
}

// Loads returns the distinct load names that failed.
func (e ScalingErrors) Loads() []string {
	seen := make(map[string]bool)
	var names []string
	for _, se := range e {
		if !seen[se.Load] {
			seen[se.Load] = true
			names = append(names, se.Load)
		}
	}
	return names
}

// ExhaustedError is returned when no ladder entry converges.
type ExhaustedError struct {
	Attempts       []Attempt
	LastDiagnostic string
}

func (e *ExhaustedError) Error() string {
	configs := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		configs[i] = a.Config.String()
	}
	msg := fmt.Sprintf("no convergence after %d attempts [%s]", len(e.Attempts), strings.Join(configs, ", "))
	if e.LastDiagnostic != "" {
		msg += ": " + e.LastDiagnostic
	}
	return msg
}

// TopologyLoadError is fatal: a stage did not produce a solvable network.
type TopologyLoadError struct {
	Stage      model.Category
	Diagnostic string
	Err        error
}

func (e *TopologyLoadError) Error() string {
	return fmt.Sprintf("topology stage %s failed: %s", e.Stage, e.Diagnostic)
}

func (e *TopologyLoadError) Unwrap() error { return e.Err }
