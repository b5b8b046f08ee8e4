// Package controller stabilizes convergence of a power-flow session across a
// load schedule. A Loader assembles the network stage by stage, a Runner
// walks the schedule, and per step an Orchestrator scales the loads and
// drives a Ladder of solver configurations.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"loadflow/internal/model"
	"loadflow/internal/solver"
)

var ErrNotLoaded = errors.New("topology not loaded")

// Config gathers every tunable of a controller.
type Config struct {
	Loader        LoaderConfig
	Ladder        []model.SolverConfiguration
	Orchestrator  OrchestratorConfig
	StopOnFailure bool
}

func DefaultConfig() Config {
	return Config{
		Loader:       DefaultLoaderConfig(),
		Ladder:       append([]model.SolverConfiguration(nil), DefaultLadder...),
		Orchestrator: DefaultOrchestratorConfig(),
	}
}

func (c Config) Validate() error {
	if err := c.Loader.Validate(); err != nil {
		return err
	}
	if len(c.Ladder) == 0 {
		return fmt.Errorf("ladder is empty")
	}
	for i, cfg := range c.Ladder {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("ladder rung %d: %w", i, err)
		}
	}
	if err := c.Orchestrator.Escalation.Validate(); err != nil {
		return err
	}
	return c.Orchestrator.Band.Validate()
}

// Controller owns one session and wires the loader, orchestrator and runner
// around it.
type Controller struct {
	session  solver.Session
	cfg      Config
	callback Callback
	ladder   *Ladder
	metrics  *MetricsCollector
	log      logrus.FieldLogger

	// busy is held by Load, Run and Probe for their whole duration so a
	// reload never swaps the session under a running schedule.
	busy   sync.Mutex
	topo   atomic.Pointer[Topology]
	runner *Runner
}

func New(session solver.Session, cfg Config, cb Callback, log logrus.FieldLogger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ladder, err := NewLadder(cfg.Ladder...)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ladder.Log = log
	metrics := NewMetricsCollector(cfg.Orchestrator.Band)
	metrics.Log = log
	if cfg.Orchestrator.ControlIterations <= 0 {
		cfg.Orchestrator.ControlIterations = cfg.Loader.ControlIterations
	}
	return &Controller{
		session:  session,
		cfg:      cfg,
		callback: callbackOrNop(cb),
		ladder:   ladder,
		metrics:  metrics,
		log:      log,
	}, nil
}

// Load assembles net into the session. It must succeed before Run or Probe.
// It returns ErrRunInProgress while a run, probe or other load is active.
func (c *Controller) Load(net *model.NetworkModel) (*Topology, error) {
	if !c.busy.TryLock() {
		return nil, ErrRunInProgress
	}
	defer c.busy.Unlock()

	loader := NewLoader(c.session, c.cfg.Loader, c.callback)
	loader.Log = c.log
	topo, err := loader.Load(net)
	if err != nil {
		return nil, err
	}

	scaler := topo.scaler
	if scaler == nil {
		scaler = NewScaler(c.session, topo.Loads)
	}
	scaler.Log = c.log
	orch := NewOrchestrator(c.session, scaler, c.ladder, c.metrics, c.cfg.Orchestrator, c.callback)
	orch.Log = c.log
	runner := NewRunner(orch, net.Name, c.callback)
	runner.Log = c.log
	runner.StopOnFailure = c.cfg.StopOnFailure

	c.runner = runner
	c.topo.Store(topo)
	return topo, nil
}

func (c *Controller) Topology() *Topology { return c.topo.Load() }

func (c *Controller) Run(ctx context.Context, schedule model.Schedule) (*model.ScheduleRun, error) {
	if !c.busy.TryLock() {
		return nil, ErrRunInProgress
	}
	defer c.busy.Unlock()
	if c.runner == nil {
		return nil, ErrNotLoaded
	}
	return c.runner.Run(ctx, schedule)
}

func (c *Controller) Probe(ctx context.Context, levels []float64) (*ProbeReport, error) {
	if !c.busy.TryLock() {
		return nil, ErrRunInProgress
	}
	defer c.busy.Unlock()
	if c.runner == nil {
		return nil, ErrNotLoaded
	}
	return c.runner.Probe(ctx, levels, c.cfg.Loader.InitialLoadLevel)
}

// Execute loads net and runs schedule. A topology failure returns no run.
func (c *Controller) Execute(ctx context.Context, net *model.NetworkModel, schedule model.Schedule) (*model.ScheduleRun, error) {
	if _, err := c.Load(net); err != nil {
		return nil, err
	}
	return c.Run(ctx, schedule)
}
