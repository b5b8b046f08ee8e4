package controller

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"loadflow/internal/model"
	"loadflow/internal/solver/solvertest"
)

func testNetwork() *model.NetworkModel {
	return &model.NetworkModel{
		Name:      "testnet",
		BaseKV:    138,
		SourceBus: "src",
		SourcePU:  1.0,
		Buses: []model.Bus{
			{Name: "src", BaseKV: 138}, {Name: "b1", BaseKV: 138},
			{Name: "b2", BaseKV: 138}, {Name: "b3", BaseKV: 13.8},
		},
		Generators:   []model.Generator{{Name: "g1", Bus: "b1", KV: 138, KW: 5000, Vpu: 1.01}},
		Lines:        []model.Line{{Name: "l1", Bus1: "src", Bus2: "b1", ROhm: 1, XOhm: 6}, {Name: "l2", Bus1: "b1", Bus2: "b2", ROhm: 1, XOhm: 6}},
		Transformers: []model.Transformer{{Name: "t1", Bus1: "b2", Bus2: "b3", KV1: 138, KV2: 13.8, KVA: 20000, XPercent: 8}},
		Shunts:       []model.Shunt{{Name: "c1", Bus: "b2", KV: 138, Kvar: 2000}},
		Loads: []model.Load{
			{Name: "L1", Bus: "b2", KV: 138, KW: 1000, Kvar: 400},
			{Name: "L2", Bus: "b3", KV: 13.8, KW: 500, Kvar: 200},
		},
	}
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

// recorder captures controller events.
type recorder struct {
	mu       sync.Mutex
	stages   []StageResult
	attempts []Attempt
	steps    []StepOutcome
	runs     []*model.ScheduleRun
	onStep   func(StepOutcome)
}

func (r *recorder) OnStage(s StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *recorder) OnAttempt(_ int, a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *recorder) OnStep(o StepOutcome) {
	r.mu.Lock()
	r.steps = append(r.steps, o)
	hook := r.onStep
	r.mu.Unlock()
	if hook != nil {
		hook(o)
	}
}

func (r *recorder) OnRunComplete(run *model.ScheduleRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

// newLoaded builds a controller around fake and loads the test network.
func newLoaded(t *testing.T, fake *solvertest.Session, cfg Config, cb Callback) *Controller {
	t.Helper()
	c, err := New(fake, cfg, cb, quietLogger())
	require.NoError(t, err)
	_, err = c.Load(testNetwork())
	require.NoError(t, err)
	return c
}

// stagesPass lets topology stages (loads at the initial level) converge
// while deferring to next for schedule steps.
func stagesPass(next func(solvertest.Attempt) bool) func(solvertest.Attempt) bool {
	return func(a solvertest.Attempt) bool {
		if a.Level <= DefaultInitialLoadLevel+1e-9 {
			return true
		}
		return next(a)
	}
}
