package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"loadflow/internal/model"
	"loadflow/internal/solver"
)

// DefaultStageSolver is the lenient configuration used to verify each stage.
var DefaultStageSolver = model.SolverConfiguration{
	Algorithm:     model.AlgorithmNewton,
	MaxIterations: 1000,
	Tolerance:     0.1,
}

const (
	DefaultInitialLoadLevel       = 0.01
	DefaultStageControlIterations = 100
)

// LoaderConfig controls incremental topology loading.
type LoaderConfig struct {
	StageOrder        []model.Category
	StageSolver       model.SolverConfiguration
	ControlIterations int
	// InitialLoadLevel is the fraction of nominal demand loads carry when
	// they are first solved.
	InitialLoadLevel float64
}

func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		StageOrder:        append([]model.Category(nil), model.DefaultStageOrder...),
		StageSolver:       DefaultStageSolver,
		ControlIterations: DefaultStageControlIterations,
		InitialLoadLevel:  DefaultInitialLoadLevel,
	}
}

func (c LoaderConfig) Validate() error {
	if err := ValidateStageOrder(c.StageOrder); err != nil {
		return err
	}
	if err := c.StageSolver.Validate(); err != nil {
		return fmt.Errorf("stage solver: %w", err)
	}
	if c.ControlIterations <= 0 {
		return fmt.Errorf("stage control iterations must be positive, got %d", c.ControlIterations)
	}
	if !(c.InitialLoadLevel > 0 && c.InitialLoadLevel <= 0.1) {
		return fmt.Errorf("initial load level must be in (0, 0.1], got %g", c.InitialLoadLevel)
	}
	return nil
}

// ValidateStageOrder requires every category exactly once, starting with
// generators and ending with loads.
func ValidateStageOrder(order []model.Category) error {
	if len(order) != len(model.DefaultStageOrder) {
		return fmt.Errorf("stage order must list %d categories, got %d", len(model.DefaultStageOrder), len(order))
	}
	seen := make(map[model.Category]bool)
	for _, c := range order {
		if _, err := model.ParseCategory(string(c)); err != nil {
			return err
		}
		if seen[c] {
			return fmt.Errorf("stage %s listed twice", c)
		}
		seen[c] = true
	}
	if order[0] != model.CategoryGenerators {
		return fmt.Errorf("stage order must start with %s", model.CategoryGenerators)
	}
	if order[len(order)-1] != model.CategoryLoads {
		return fmt.Errorf("stage order must end with %s", model.CategoryLoads)
	}
	return nil
}

// Topology is a network fully assembled in a session.
type Topology struct {
	Network *model.NetworkModel
	Loads   []model.LoadRecord
	Stages  []StageResult

	// scaler holds the demand written during the loads stage.
	scaler *Scaler
}

// Loader assembles a network into a session one category at a time,
// solving after each. Any stage failure is fatal.
type Loader struct {
	session  solver.Session
	cfg      LoaderConfig
	callback Callback
	scaler   *Scaler
	Log      logrus.FieldLogger
}

func NewLoader(session solver.Session, cfg LoaderConfig, cb Callback) *Loader {
	return &Loader{
		session:  session,
		cfg:      cfg,
		callback: callbackOrNop(cb),
		Log:      logrus.StandardLogger(),
	}
}

// Load validates net, opens a circuit and runs every stage in order.
func (l *Loader) Load(net *model.NetworkModel) (*Topology, error) {
	if err := l.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loader config: %w", err)
	}
	if net.SourceBus == "" {
		return nil, fmt.Errorf("network %q: %w", net.Name, ErrNoSource)
	}
	if err := net.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network: %w", err)
	}
	if err := l.session.Open(net); err != nil {
		return nil, fmt.Errorf("opening circuit: %w", err)
	}

	l.scaler = nil
	topo := &Topology{Network: net, Loads: net.LoadRecords()}
	for _, cat := range l.cfg.StageOrder {
		res, err := l.LoadStage(cat, net.Components(cat))
		topo.Stages = append(topo.Stages, res)
		if err != nil {
			return nil, err
		}
	}
	topo.scaler = l.scaler
	l.Log.WithField("network", net.Name).Infof("Topology loaded: %d buses, %d components", len(net.Buses), net.ComponentCount())
	return topo, nil
}

// LoadStage adds one category to the session and verifies the partial
// network solves under the lenient stage configuration. Loads are brought
// to the initial load level before the solve.
func (l *Loader) LoadStage(cat model.Category, comps []model.Component) (StageResult, error) {
	start := time.Now()
	log := l.Log.WithField("stage", cat)
	log.Infof("Loading %s (%d components)...", cat, len(comps))

	res := StageResult{Stage: cat, Components: len(comps)}
	fail := func(diag string, err error) (StageResult, error) {
		res.Diagnostic = diag
		res.Duration = time.Since(start)
		log.Errorf("Stage failed: %s", diag)
		l.callback.OnStage(res)
		return res, &TopologyLoadError{Stage: cat, Diagnostic: diag, Err: err}
	}

	if err := l.session.LoadComponents(cat, comps); err != nil {
		return fail(err.Error(), err)
	}

	if cat == model.CategoryLoads {
		scaler := NewScaler(l.session, loadRecords(comps))
		scaler.Log = l.Log
		l.scaler = scaler
		if err := scaler.Scale(l.cfg.InitialLoadLevel); err != nil {
			var serrs ScalingErrors
			if !errors.As(err, &serrs) {
				return fail(err.Error(), err)
			}
			log.Warnf("%d loads kept nominal demand: %v", len(serrs.Loads()), err)
		}
	}

	if err := l.session.SetMaxControlIterations(l.cfg.ControlIterations); err != nil {
		return fail(err.Error(), err)
	}
	if err := l.session.Configure(l.cfg.StageSolver); err != nil {
		return fail(err.Error(), err)
	}
	if err := l.session.Solve(); err != nil {
		return fail(err.Error(), err)
	}
	if !l.session.IsConverged() {
		diag := l.session.LastError()
		if diag == "" {
			diag = "solution did not converge"
		}
		return fail(diag, nil)
	}

	res.Converged = true
	res.Duration = time.Since(start)
	log.Infof("Circuit with %s converged", cat)
	l.callback.OnStage(res)
	return res, nil
}

func loadRecords(comps []model.Component) []model.LoadRecord {
	var recs []model.LoadRecord
	for _, c := range comps {
		if ld, ok := c.(model.Load); ok {
			recs = append(recs, model.LoadRecord{Name: ld.Name, OriginalKW: ld.KW, OriginalKvar: ld.Kvar})
		}
	}
	return recs
}
