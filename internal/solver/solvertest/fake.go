// Package solvertest provides a scriptable in-memory solver.Session for
// controller tests.
package solvertest

import (
	"fmt"
	"strings"

	"loadflow/internal/model"
	"loadflow/internal/solver"
)

// Attempt describes the session state at the moment Solve is called.
type Attempt struct {
	// Level is the total applied load kW over the total nominal kW.
	Level             float64
	Config            model.SolverConfiguration
	ControlIterations int
	Stages            []model.Category
}

// LoadState tracks the nominal and applied demand of one load.
type LoadState struct {
	OriginalKW, OriginalKvar float64
	KW, Kvar                 float64
}

// Session is a fake solver.Session. Zero-valued hooks fall back to a
// network that always converges with voltages sagging linearly with load.
type Session struct {
	// Converge decides whether a solve succeeds. Nil means always.
	Converge func(a Attempt) bool
	// FailStage makes every solve fail while it is the most recently loaded
	// category.
	FailStage model.Category
	// SolveErr is returned by Solve when set.
	SolveErr error
	// FailProperty lists elements (e.g. "Load.L2") whose SetProperty always
	// errors.
	FailProperty map[string]bool
	// FailKvar lists loads whose kvar write errors while kW succeeds.
	FailKvar map[string]bool
	// Unreadable lists buses whose voltage read errors.
	Unreadable map[string]bool
	// Voltage returns the per-unit voltage of a bus at a load level.
	Voltage func(bus string, level float64) float64
	// Loss returns system losses in W + j var at a load level.
	Loss func(level float64) complex128
	// LossErr is returned by Losses when set.
	LossErr error

	Buses []string
	Loads map[string]*LoadState
	Calls []string
	// Solves counts Solve calls.
	Solves int
	// Attempts records every solve in order.
	Attempts []Attempt

	opened    bool
	stages    []model.Category
	cfg       model.SolverConfiguration
	ctrl      int
	converged bool
	lastErr   string
	closed    bool
}

var _ solver.Session = (*Session)(nil)

// New returns a fake session with the given buses. When no buses are given,
// Open takes them from the network.
func New(buses ...string) *Session {
	return &Session{
		Buses: buses,
		Loads: make(map[string]*LoadState),
		cfg:   model.SolverConfiguration{Algorithm: model.AlgorithmNewton, MaxIterations: 15, Tolerance: 1e-4},
		ctrl:  10,
	}
}

// ConvergeAtOrBelow converges every solve whose load level does not exceed
// limit.
func ConvergeAtOrBelow(limit float64) func(Attempt) bool {
	return func(a Attempt) bool { return a.Level <= limit+1e-9 }
}

// ConvergeWith converges only under the given algorithm and tolerance, or
// while the load level is at most floor (used to let topology stages pass).
func ConvergeWith(alg model.Algorithm, tol float64, floor float64) func(Attempt) bool {
	return func(a Attempt) bool {
		if a.Level <= floor+1e-9 {
			return true
		}
		return a.Config.Algorithm == alg && a.Config.Tolerance == tol
	}
}

func (s *Session) log(format string, args ...any) {
	s.Calls = append(s.Calls, fmt.Sprintf(format, args...))
}

func (s *Session) Open(net *model.NetworkModel) error {
	s.log("Open %s", net.Name)
	s.opened = true
	s.stages = nil
	if len(s.Buses) == 0 {
		for _, b := range net.Buses {
			s.Buses = append(s.Buses, b.Name)
		}
	}
	return nil
}

func (s *Session) LoadComponents(cat model.Category, comps []model.Component) error {
	s.log("LoadComponents %s %d", cat, len(comps))
	if !s.opened {
		return fmt.Errorf("solvertest: no circuit open")
	}
	s.stages = append(s.stages, cat)
	for _, c := range comps {
		if l, ok := c.(model.Load); ok {
			s.Loads[strings.ToLower(l.FullName())] = &LoadState{
				OriginalKW: l.KW, OriginalKvar: l.Kvar,
				KW: l.KW, Kvar: l.Kvar,
			}
		}
	}
	s.converged = false
	return nil
}

func (s *Session) SetProperty(element, property string, value float64) error {
	s.log("SetProperty %s %s %g", element, property, value)
	if s.FailProperty[element] {
		return fmt.Errorf("solvertest: %s rejected %s=%g", element, property, value)
	}
	ld, ok := s.Loads[strings.ToLower(element)]
	if !ok {
		return fmt.Errorf("%w: %s", solver.ErrUnknownElement, element)
	}
	switch strings.ToLower(property) {
	case "kw":
		ld.KW = value
	case "kvar":
		if s.FailKvar[element] {
			return fmt.Errorf("solvertest: %s rejected kvar=%g", element, value)
		}
		ld.Kvar = value
	default:
		return fmt.Errorf("%w: %s", solver.ErrUnknownProperty, property)
	}
	s.converged = false
	return nil
}

// Load returns the tracked state of a load by element name.
func (s *Session) Load(element string) *LoadState {
	return s.Loads[strings.ToLower(element)]
}

func (s *Session) Configure(cfg model.SolverConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.log("Configure %s", cfg)
	s.cfg = cfg
	return nil
}

func (s *Session) SetMaxControlIterations(n int) error {
	s.log("SetMaxControlIterations %d", n)
	s.ctrl = n
	return nil
}

// Level returns total applied kW over total nominal kW, or 0 with no loads.
func (s *Session) Level() float64 {
	var applied, nominal float64
	for _, l := range s.Loads {
		applied += l.KW
		nominal += l.OriginalKW
	}
	if nominal == 0 {
		return 0
	}
	return applied / nominal
}

func (s *Session) Solve() error {
	s.Solves++
	s.log("Solve")
	if s.SolveErr != nil {
		s.converged = false
		s.lastErr = s.SolveErr.Error()
		return s.SolveErr
	}
	a := Attempt{
		Level:             s.Level(),
		Config:            s.cfg,
		ControlIterations: s.ctrl,
		Stages:            append([]model.Category(nil), s.stages...),
	}
	s.Attempts = append(s.Attempts, a)

	switch {
	case s.FailStage != "" && len(s.stages) > 0 && s.stages[len(s.stages)-1] == s.FailStage:
		s.converged = false
		s.lastErr = fmt.Sprintf("solution diverged after adding %s", s.FailStage)
	case s.Converge != nil && !s.Converge(a):
		s.converged = false
		s.lastErr = fmt.Sprintf("no convergence at level %.3f with %s", a.Level, s.cfg)
	default:
		s.converged = true
		s.lastErr = ""
	}
	return nil
}

func (s *Session) IsConverged() bool { return s.converged }

func (s *Session) Losses() (complex128, error) {
	if s.LossErr != nil {
		return 0, s.LossErr
	}
	lvl := s.Level()
	if s.Loss != nil {
		return s.Loss(lvl), nil
	}
	return complex(1e6*lvl*lvl, 4e6*lvl*lvl), nil
}

func (s *Session) BusNames() []string {
	return append([]string(nil), s.Buses...)
}

func (s *Session) BusVoltagePU(bus string) (float64, error) {
	if s.Unreadable[bus] {
		return 0, fmt.Errorf("%w: %s", solver.ErrBusNotEnergized, bus)
	}
	lvl := s.Level()
	if s.Voltage != nil {
		return s.Voltage(bus, lvl), nil
	}
	return 1.0 - 0.06*lvl, nil
}

func (s *Session) LastError() string { return s.lastErr }

func (s *Session) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed }
