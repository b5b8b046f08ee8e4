// Package config loads run configuration from YAML, a .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"loadflow/internal/controller"
	"loadflow/internal/model"
)

// Environment variables that override file settings.
const (
	EnvNetwork       = "LOADFLOW_NETWORK"
	EnvMaxLoadFactor = "LOADFLOW_MAX_LOAD_FACTOR"
	EnvAddr          = "LOADFLOW_ADDR"
	EnvLogLevel      = "LOADFLOW_LOG_LEVEL"
)

type Output struct {
	Text string `yaml:"text"`
	CSV  string `yaml:"csv"`
	JSON string `yaml:"json"`
}

// Config is the full run configuration.
type Config struct {
	Network                string                      `yaml:"network"`
	InitialLoadLevel       float64                     `yaml:"initial_load_level"`
	MaxLoadFactor          float64                     `yaml:"max_load_factor"`
	Schedule               []float64                   `yaml:"schedule"`
	ScheduleFile           string                      `yaml:"schedule_file"`
	StageOrder             []string                    `yaml:"stage_order"`
	StageSolver            model.SolverConfiguration   `yaml:"stage_solver"`
	StageControlIterations int                         `yaml:"stage_control_iterations"`
	Ladder                 []model.SolverConfiguration `yaml:"ladder"`
	Escalation             controller.Escalation       `yaml:"escalation"`
	StopOnFailure          bool                        `yaml:"stop_on_failure"`
	VoltageBand            controller.VoltageBand      `yaml:"voltage_band"`
	ProbeLevels            []float64                   `yaml:"probe_levels"`
	RestoreElements        []string                    `yaml:"restore_elements"`
	Output                 Output                      `yaml:"output"`
	Addr                   string                      `yaml:"addr"`
	LogLevel               string                      `yaml:"log_level"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	order := make([]string, len(model.DefaultStageOrder))
	for i, c := range model.DefaultStageOrder {
		order[i] = string(c)
	}
	return &Config{
		InitialLoadLevel:       controller.DefaultInitialLoadLevel,
		MaxLoadFactor:          1.0,
		Schedule:               append([]float64(nil), model.DefaultSchedule...),
		StageOrder:             order,
		StageSolver:            controller.DefaultStageSolver,
		StageControlIterations: controller.DefaultStageControlIterations,
		Ladder:                 append([]model.SolverConfiguration(nil), controller.DefaultLadder...),
		Escalation:             controller.DefaultEscalation,
		VoltageBand:            controller.DefaultVoltageBand,
		ProbeLevels:            append([]float64(nil), controller.DefaultProbeLevels...),
		Output:                 Output{Text: "results.txt"},
		Addr:                   ":8080",
		LogLevel:               "info",
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(fsys fs.FS, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from environment variables. lookup is
// os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvNetwork); ok && v != "" {
		c.Network = v
	}
	if v, ok := lookup(EnvMaxLoadFactor); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxLoadFactor, err)
		}
		c.MaxLoadFactor = f
	}
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) Validate() error {
	if !(c.MaxLoadFactor > 0) {
		return fmt.Errorf("max_load_factor must be positive, got %g", c.MaxLoadFactor)
	}
	if c.ScheduleFile == "" {
		if err := model.Schedule(c.Schedule).Validate(); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	cc, err := c.Controller()
	if err != nil {
		return err
	}
	return cc.Validate()
}

// Controller converts the file settings into a controller configuration.
func (c *Config) Controller() (controller.Config, error) {
	order := make([]model.Category, len(c.StageOrder))
	for i, s := range c.StageOrder {
		cat, err := model.ParseCategory(s)
		if err != nil {
			return controller.Config{}, fmt.Errorf("stage_order: %w", err)
		}
		order[i] = cat
	}
	cc := controller.DefaultConfig()
	cc.Loader = controller.LoaderConfig{
		StageOrder:        order,
		StageSolver:       c.StageSolver,
		ControlIterations: c.StageControlIterations,
		InitialLoadLevel:  c.InitialLoadLevel,
	}
	cc.Ladder = append([]model.SolverConfiguration(nil), c.Ladder...)
	cc.Orchestrator.Escalation = c.Escalation
	cc.Orchestrator.ControlIterations = c.StageControlIterations
	cc.Orchestrator.Band = c.VoltageBand
	cc.StopOnFailure = c.StopOnFailure
	return cc, nil
}

// EffectiveSchedule scales base by the max load factor.
func (c *Config) EffectiveSchedule(base model.Schedule) model.Schedule {
	if base == nil {
		base = c.Schedule
	}
	return base.Scaled(c.MaxLoadFactor)
}

// Logger builds a logrus logger at the configured level.
func (c *Config) Logger(json bool) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(lvl)
	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
