// Package acflow is a balanced positive-sequence AC power-flow engine. It
// implements solver.Session entirely in Go so the controller can run end to
// end without a native engine.
//
// Quantities are per unit on a 100 MVA system base and each bus's own base
// voltage. Solve tolerances are power mismatches in per unit.
package acflow

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"loadflow/internal/model"
	"loadflow/internal/solver"
)

const (
	baseMVA = 100.0
	baseKVA = baseMVA * 1000

	defaultMaxIterations = 15
	defaultTolerance     = 1e-4
	defaultControlIter   = 10
)

type elementRef struct {
	cat model.Category
	idx int
}

type busInfo struct {
	name   string
	baseKV float64
}

// Session is one live circuit. It is not safe for concurrent use.
type Session struct {
	opened   bool
	name     string
	buses    []busInfo
	busIndex map[string]int
	source   int
	sourcePU float64

	gens      []model.Generator
	genBus    []int
	lines     []model.Line
	lineBus   [][2]int
	trafos    []model.Transformer
	trafoBus  [][2]int
	shunts    []model.Shunt
	shuntBus  []int
	loads     []model.Load
	loadBus   []int
	elements  map[string]elementRef
	cfg       model.SolverConfiguration
	maxCtrl   int
	solved    bool
	converged bool
	lastErr   string

	// Last iterate, indexed by bus. Zero for de-energized buses.
	v         []complex128
	good      []complex128 // last converged solution
	energized []bool
	// Iterations used by the last solve, summed over control passes.
	iterations int
}

var _ solver.Session = (*Session)(nil)

// NewSession returns an empty session. Call Open before loading elements.
func NewSession() *Session {
	return &Session{
		cfg:     model.SolverConfiguration{Algorithm: model.AlgorithmNewton, MaxIterations: defaultMaxIterations, Tolerance: defaultTolerance},
		maxCtrl: defaultControlIter,
	}
}

// Factory adapts NewSession to solver.Factory.
func Factory() solver.Session { return NewSession() }

func (s *Session) Open(net *model.NetworkModel) error {
	if net == nil {
		return fmt.Errorf("acflow: nil network")
	}
	src, ok := net.Bus(net.SourceBus)
	if !ok {
		return fmt.Errorf("acflow: source bus %q not declared", net.SourceBus)
	}
	cfg, ctrl := s.cfg, s.maxCtrl
	*s = Session{cfg: cfg, maxCtrl: ctrl}
	s.opened = true
	s.name = net.Name
	s.busIndex = make(map[string]int, len(net.Buses))
	s.elements = make(map[string]elementRef)
	for _, b := range net.Buses {
		key := strings.ToLower(b.Name)
		if _, dup := s.busIndex[key]; dup {
			continue
		}
		s.busIndex[key] = len(s.buses)
		s.buses = append(s.buses, busInfo{name: b.Name, baseKV: b.BaseKV})
	}
	s.source = s.busIndex[strings.ToLower(src.Name)]
	s.sourcePU = net.SourcePU
	if s.sourcePU <= 0 {
		s.sourcePU = 1.0
	}
	s.v = make([]complex128, len(s.buses))
	s.energized = make([]bool, len(s.buses))
	return nil
}

func (s *Session) bus(name string) (int, error) {
	i, ok := s.busIndex[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("%w: bus %q", solver.ErrUnknownElement, name)
	}
	return i, nil
}

func (s *Session) LoadComponents(cat model.Category, comps []model.Component) error {
	if !s.opened {
		return fmt.Errorf("acflow: no circuit open")
	}
	for _, c := range comps {
		if c.Category() != cat {
			return fmt.Errorf("acflow: %s is not in category %s", c.FullName(), cat)
		}
		key := strings.ToLower(c.FullName())
		if _, dup := s.elements[key]; dup {
			return fmt.Errorf("acflow: duplicate element %s", c.FullName())
		}
		var (
			ref elementRef
			err error
		)
		switch v := c.(type) {
		case model.Generator:
			ref, err = s.addGenerator(v)
		case model.Line:
			ref, err = s.addLine(v)
		case model.Transformer:
			ref, err = s.addTransformer(v)
		case model.Shunt:
			ref, err = s.addShunt(v)
		case model.Load:
			ref, err = s.addLoad(v)
		default:
			err = fmt.Errorf("acflow: unsupported component %T", c)
		}
		if err != nil {
			return fmt.Errorf("loading %s: %w", c.FullName(), err)
		}
		s.elements[key] = ref
	}
	s.solved = false
	s.converged = false
	return nil
}

func (s *Session) addGenerator(g model.Generator) (elementRef, error) {
	b, err := s.bus(g.Bus)
	if err != nil {
		return elementRef{}, err
	}
	s.gens = append(s.gens, g)
	s.genBus = append(s.genBus, b)
	return elementRef{model.CategoryGenerators, len(s.gens) - 1}, nil
}

func (s *Session) addLine(l model.Line) (elementRef, error) {
	b1, err := s.bus(l.Bus1)
	if err != nil {
		return elementRef{}, err
	}
	b2, err := s.bus(l.Bus2)
	if err != nil {
		return elementRef{}, err
	}
	if l.ROhm == 0 && l.XOhm == 0 {
		return elementRef{}, fmt.Errorf("zero impedance")
	}
	s.lines = append(s.lines, l)
	s.lineBus = append(s.lineBus, [2]int{b1, b2})
	return elementRef{model.CategoryLines, len(s.lines) - 1}, nil
}

func (s *Session) addTransformer(t model.Transformer) (elementRef, error) {
	b1, err := s.bus(t.Bus1)
	if err != nil {
		return elementRef{}, err
	}
	b2, err := s.bus(t.Bus2)
	if err != nil {
		return elementRef{}, err
	}
	if t.KVA <= 0 || t.XPercent <= 0 {
		return elementRef{}, fmt.Errorf("kVA and %%X must be positive")
	}
	s.trafos = append(s.trafos, t)
	s.trafoBus = append(s.trafoBus, [2]int{b1, b2})
	return elementRef{model.CategoryTransformers, len(s.trafos) - 1}, nil
}

func (s *Session) addShunt(sh model.Shunt) (elementRef, error) {
	b, err := s.bus(sh.Bus)
	if err != nil {
		return elementRef{}, err
	}
	s.shunts = append(s.shunts, sh)
	s.shuntBus = append(s.shuntBus, b)
	return elementRef{model.CategoryShunts, len(s.shunts) - 1}, nil
}

func (s *Session) addLoad(l model.Load) (elementRef, error) {
	b, err := s.bus(l.Bus)
	if err != nil {
		return elementRef{}, err
	}
	s.loads = append(s.loads, l)
	s.loadBus = append(s.loadBus, b)
	return elementRef{model.CategoryLoads, len(s.loads) - 1}, nil
}

func (s *Session) SetProperty(element, property string, value float64) error {
	ref, ok := s.elements[strings.ToLower(element)]
	if !ok {
		return fmt.Errorf("%w: %s", solver.ErrUnknownElement, element)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s.%s=%g", solver.ErrInvalidPropValue, element, property, value)
	}
	prop := strings.ToLower(property)
	unknown := fmt.Errorf("%w: %s.%s", solver.ErrUnknownProperty, element, property)

	switch ref.cat {
	case model.CategoryLoads:
		l := &s.loads[ref.idx]
		if value < 0 {
			return fmt.Errorf("%w: %s.%s=%g", solver.ErrInvalidPropValue, element, property, value)
		}
		switch prop {
		case "kw":
			l.KW = value
		case "kvar":
			l.Kvar = value
		default:
			return unknown
		}
	case model.CategoryGenerators:
		g := &s.gens[ref.idx]
		switch prop {
		case "kw":
			g.KW = value
		case "kvar":
			g.Kvar = value
		case "vpu":
			g.Vpu = value
		case "maxkvar":
			g.MaxKvar = value
		case "minkvar":
			g.MinKvar = value
		default:
			return unknown
		}
	case model.CategoryShunts:
		if prop != "kvar" {
			return unknown
		}
		s.shunts[ref.idx].Kvar = value
	case model.CategoryLines:
		l := &s.lines[ref.idx]
		switch prop {
		case "r":
			l.ROhm = value
		case "x":
			l.XOhm = value
		default:
			return unknown
		}
	case model.CategoryTransformers:
		if prop != "tap" {
			return unknown
		}
		if value <= 0 {
			return fmt.Errorf("%w: %s.%s=%g", solver.ErrInvalidPropValue, element, property, value)
		}
		s.trafos[ref.idx].Tap = value
	}
	s.converged = false
	return nil
}

func (s *Session) Configure(cfg model.SolverConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("acflow: %w", err)
	}
	alg, _ := model.ParseAlgorithm(string(cfg.Algorithm))
	cfg.Algorithm = alg
	s.cfg = cfg
	return nil
}

// Config returns the active solver settings.
func (s *Session) Config() model.SolverConfiguration { return s.cfg }

func (s *Session) SetMaxControlIterations(n int) error {
	if n <= 0 {
		return fmt.Errorf("acflow: control iterations must be positive, got %d", n)
	}
	s.maxCtrl = n
	return nil
}

func (s *Session) IsConverged() bool { return s.solved && s.converged }

// Iterations returns the number of iterations the last solve used.
func (s *Session) Iterations() int { return s.iterations }

func (s *Session) LastError() string { return s.lastErr }

func (s *Session) BusNames() []string {
	names := make([]string, len(s.buses))
	for i, b := range s.buses {
		names[i] = b.name
	}
	return names
}

// BusVoltagePU reads the last iterate, converged or not, so callers can
// inspect the state a failed solve stopped in.
func (s *Session) BusVoltagePU(name string) (float64, error) {
	i, err := s.bus(name)
	if err != nil {
		return 0, err
	}
	if !s.solved {
		return 0, solver.ErrNotSolved
	}
	if !s.energized[i] {
		return 0, fmt.Errorf("%w: %s", solver.ErrBusNotEnergized, name)
	}
	mag := cmplx.Abs(s.v[i])
	if math.IsNaN(mag) || math.IsInf(mag, 0) {
		return 0, fmt.Errorf("acflow: bus %s voltage undefined", name)
	}
	return mag, nil
}

func (s *Session) Losses() (complex128, error) {
	if !s.solved {
		return 0, solver.ErrNotSolved
	}
	var total complex128
	for _, br := range s.branches() {
		if !s.energized[br.from] || !s.energized[br.to] {
			continue
		}
		vi, vj := s.v[br.from], s.v[br.to]
		iij := br.yff*vi + br.yft*vj
		iji := br.ytf*vi + br.ytt*vj
		total += vi*cmplx.Conj(iij) + vj*cmplx.Conj(iji)
	}
	return total * baseMVA * 1e6, nil
}

func (s *Session) Close() error {
	s.opened = false
	s.elements = nil
	return nil
}
