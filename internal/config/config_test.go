package config

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadflow/internal/controller"
	"loadflow/internal/model"
)

const sampleYAML = `
network: ieee118.dss
initial_load_level: 0.05
max_load_factor: 0.4
schedule: [0.5, 0.75, 1.0]
stage_order: [generators, transformers, lines, shunts, loads]
stage_solver: {algorithm: NEWTON, max_iterations: 200, tolerance: 0.05}
stage_control_iterations: 50
ladder:
  - {algorithm: NEWTON, max_iterations: 50, tolerance: 0.001}
  - {algorithm: NORM, max_iterations: 300, tolerance: 0.01}
escalation:
  enabled: false
stop_on_failure: true
voltage_band: {low: 0.9, high: 1.1}
restore_elements: [Generator.Gen_at_89_1]
output: {text: out.txt, csv: out.csv}
log_level: debug
`

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Schedule, 24)

	cc, err := cfg.Controller()
	require.NoError(t, err)
	assert.Equal(t, controller.DefaultLadder, cc.Ladder)
	assert.Equal(t, model.DefaultStageOrder, cc.Loader.StageOrder)
	assert.True(t, cc.Orchestrator.Escalation.Enabled)
}

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{"run.yaml": {Data: []byte(sampleYAML)}}
	cfg, err := Load(fsys, "run.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ieee118.dss", cfg.Network)
	assert.InDelta(t, 0.4, cfg.MaxLoadFactor, 1e-12)
	assert.Equal(t, []float64{0.5, 0.75, 1.0}, cfg.Schedule)
	assert.Equal(t, []string{"Generator.Gen_at_89_1"}, cfg.RestoreElements)
	assert.Equal(t, "out.csv", cfg.Output.CSV)
	// Unset keys keep their defaults.
	assert.Equal(t, ":8080", cfg.Addr)

	cc, err := cfg.Controller()
	require.NoError(t, err)
	assert.Equal(t, model.CategoryTransformers, cc.Loader.StageOrder[1])
	assert.Equal(t, 50, cc.Loader.ControlIterations)
	assert.InDelta(t, 0.05, cc.Loader.InitialLoadLevel, 1e-12)
	require.Len(t, cc.Ladder, 2)
	assert.Equal(t, model.AlgorithmNorm, cc.Ladder[1].Algorithm)
	assert.False(t, cc.Orchestrator.Escalation.Enabled)
	assert.True(t, cc.StopOnFailure)
	assert.InDelta(t, 0.9, cc.Orchestrator.Band.Low, 1e-12)

	sched := cfg.EffectiveSchedule(nil)
	assert.InDelta(t, 0.2, sched[0], 1e-12)
	assert.InDelta(t, 0.4, sched[2], 1e-12)
}

func TestLoad_Errors(t *testing.T) {
	fsys := fstest.MapFS{"bad.yaml": {Data: []byte("ladder: [1, 2")}}
	_, err := Load(fsys, "bad.yaml")
	assert.Error(t, err)

	_, err = Load(fsys, "missing.yaml")
	assert.Error(t, err)

	cfg, err := Load(fsys, "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"factor", func(c *Config) { c.MaxLoadFactor = 0 }},
		{"schedule", func(c *Config) { c.Schedule = nil }},
		{"stage name", func(c *Config) { c.StageOrder[2] = "switches" }},
		{"stage order", func(c *Config) { c.StageOrder[0], c.StageOrder[4] = c.StageOrder[4], c.StageOrder[0] }},
		{"ladder", func(c *Config) { c.Ladder[0].MaxIterations = 0 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"band", func(c *Config) { c.VoltageBand.High = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Schedule = nil
	cfg.ScheduleFile = "profile.csv"
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvNetwork:       "other.json",
		EnvMaxLoadFactor: " 0.6 ",
		EnvAddr:          ":9090",
		EnvLogLevel:      "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "other.json", cfg.Network)
	assert.InDelta(t, 0.6, cfg.MaxLoadFactor, 1e-12)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "warn", cfg.LogLevel)

	env[EnvMaxLoadFactor] = "lots"
	assert.Error(t, Default().ApplyEnv(lookup))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOADFLOW_TEST_DOTENV=from-file\n"), 0o644))
	t.Setenv("LOADFLOW_TEST_DOTENV", "")
	os.Unsetenv("LOADFLOW_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("LOADFLOW_TEST_DOTENV"))
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	log, err := cfg.Logger(true)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}
