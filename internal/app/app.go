// Package app holds the start-up sequence shared by the commands: flags,
// configuration, logging, network and schedule loading.
package app

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"loadflow/internal/config"
	"loadflow/internal/ingest"
	"loadflow/internal/model"
)

// Flags are the command-line options every command accepts. Set flags
// override the config file and the environment.
type Flags struct {
	Config        string
	EnvFile       string
	Network       string
	ScheduleFile  string
	MaxLoadFactor float64
	Restore       string
	LogLevel      string
	LogJSON       bool
}

// Register adds the flags to fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.Config, "config", "", "YAML run configuration")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "optional .env file")
	fs.StringVar(&f.Network, "network", "", "network file (.dss script or .json)")
	fs.StringVar(&f.ScheduleFile, "schedule", "", "load schedule CSV (hour,multiplier)")
	fs.Float64Var(&f.MaxLoadFactor, "max-load-factor", 0, "scale every schedule entry by this factor")
	fs.StringVar(&f.Restore, "restore", "", "comma-separated commented-out elements to restore")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.BoolVar(&f.LogJSON, "log-json", false, "log as JSON")
}

// Env is everything a command needs to start working.
type Env struct {
	Config   *config.Config
	Log      *logrus.Logger
	Network  *model.NetworkModel
	Schedule model.Schedule
}

// Bootstrap resolves the configuration and loads the network and schedule.
func Bootstrap(f Flags) (*Env, error) {
	if err := config.LoadDotEnv(f.EnvFile); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if f.Config != "" {
		fsys, name := dirFS(f.Config)
		var err error
		if cfg, err = config.Load(fsys, name); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := cfg.Logger(f.LogJSON)
	if err != nil {
		return nil, err
	}

	net, err := LoadNetwork(cfg, log)
	if err != nil {
		return nil, err
	}
	sched, err := LoadSchedule(cfg)
	if err != nil {
		return nil, err
	}
	return &Env{Config: cfg, Log: log, Network: net, Schedule: sched}, nil
}

func (f Flags) apply(cfg *config.Config) {
	if f.Network != "" {
		cfg.Network = f.Network
	}
	if f.ScheduleFile != "" {
		cfg.ScheduleFile = f.ScheduleFile
	}
	if f.MaxLoadFactor > 0 {
		cfg.MaxLoadFactor = f.MaxLoadFactor
	}
	if f.Restore != "" {
		for _, name := range strings.Split(f.Restore, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.RestoreElements = append(cfg.RestoreElements, name)
			}
		}
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
}

// LoadNetwork parses the configured network file.
func LoadNetwork(cfg *config.Config, log logrus.FieldLogger) (*model.NetworkModel, error) {
	if cfg.Network == "" {
		return nil, errors.New("no network file configured")
	}
	log.Infof("Loading %s...", cfg.Network)
	fsys, name := dirFS(cfg.Network)
	var (
		net *model.NetworkModel
		err error
	)
	if strings.EqualFold(filepath.Ext(name), ".json") {
		net, err = ingest.LoadNetwork(fsys, name)
	} else {
		p := ingest.NewDSSParser(fsys)
		p.Log = log
		p.Restore = cfg.RestoreElements
		net, err = p.ParseFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading network %s: %w", cfg.Network, err)
	}
	return net, nil
}

// LoadSchedule returns the configured schedule scaled by the max load
// factor.
func LoadSchedule(cfg *config.Config) (model.Schedule, error) {
	base := model.Schedule(cfg.Schedule)
	if cfg.ScheduleFile != "" {
		fsys, name := dirFS(cfg.ScheduleFile)
		var err error
		if base, err = ingest.LoadSchedule(fsys, name); err != nil {
			return nil, fmt.Errorf("loading schedule %s: %w", cfg.ScheduleFile, err)
		}
	}
	return cfg.EffectiveSchedule(base), nil
}

// dirFS roots a file system at the file's directory so redirects resolve
// next to it.
func dirFS(path string) (fs.FS, string) {
	return os.DirFS(filepath.Dir(path)), filepath.Base(path)
}
