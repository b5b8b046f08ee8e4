// Package solver defines the capability a power-flow engine exposes to the
// convergence controller. A Session is one live, mutable circuit; it is not
// safe for concurrent use.
package solver

import (
	"errors"

	"loadflow/internal/model"
)

var (
	ErrUnknownElement   = errors.New("unknown element")
	ErrUnknownProperty  = errors.New("unknown property")
	ErrBusNotEnergized  = errors.New("bus not energized")
	ErrNotSolved        = errors.New("circuit not solved")
	ErrInvalidPropValue = errors.New("invalid property value")
)

// Load element properties written by the scaler.
const (
	PropKW   = "kW"
	PropKvar = "kvar"
)

// Session is a live circuit held by a power-flow engine.
type Session interface {
	// Open starts a new circuit around the network's source bus, discarding
	// any elements previously loaded.
	Open(net *model.NetworkModel) error

	// LoadComponents adds a group of elements to the circuit.
	LoadComponents(cat model.Category, comps []model.Component) error

	// SetProperty writes one numeric property of an element, e.g.
	// SetProperty("Load.L1", "kW", 12.5).
	SetProperty(element, property string, value float64) error

	// Configure applies solver settings for subsequent solves.
	Configure(cfg model.SolverConfiguration) error

	// SetMaxControlIterations caps the outer control loop (generator
	// reactive limits, regulators).
	SetMaxControlIterations(n int) error

	// Solve runs one solution. A non-nil error means the engine could not
	// attempt the solve; non-convergence is reported by IsConverged.
	Solve() error

	IsConverged() bool

	// Losses returns total system losses in W + j var.
	Losses() (complex128, error)

	// BusNames lists every bus of the circuit in a stable order.
	BusNames() []string

	// BusVoltagePU returns the per-unit voltage magnitude of one bus.
	BusVoltagePU(bus string) (float64, error)

	// LastError is the engine's most recent diagnostic text, empty if none.
	LastError() string

	Close() error
}

// Factory creates independent sessions, one per analysis.
type Factory func() Session
