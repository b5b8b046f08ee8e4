package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"loadflow/internal/app"
	"loadflow/internal/config"
	"loadflow/internal/controller"
	"loadflow/internal/model"
	"loadflow/internal/report"
	"loadflow/internal/solver/acflow"
)

func main() {
	var f app.Flags
	f.Register(flag.CommandLine)
	out := flag.String("out", "", "text report path, - for stdout (default from config)")
	csvOut := flag.String("csv", "", "CSV report path")
	jsonOut := flag.String("json", "", "JSON report path")
	flag.Parse()

	env, err := app.Bootstrap(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *out != "" {
		env.Config.Output.Text = *out
	}
	if *csvOut != "" {
		env.Config.Output.CSV = *csvOut
	}
	if *jsonOut != "" {
		env.Config.Output.JSON = *jsonOut
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, env, os.Stdout); err != nil {
		env.Log.WithError(err).Error("Run failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, env *app.Env, stdout io.Writer) error {
	cc, err := env.Config.Controller()
	if err != nil {
		return err
	}
	session := acflow.NewSession()
	defer session.Close()

	c, err := controller.New(session, cc, progress{log: env.Log}, env.Log)
	if err != nil {
		return err
	}

	result, err := c.Execute(ctx, env.Network, env.Schedule)
	if result == nil {
		return err
	}
	if werr := writeReports(env.Config, result, stdout); werr != nil {
		return werr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	env.Log.WithFields(logrus.Fields{
		"converged": len(result.Results),
		"failed":    result.FailedCount,
	}).Info("Run complete")
	return nil
}

// writeReports writes every configured report. A text path of "-" writes
// to stdout.
func writeReports(cfg *config.Config, run *model.ScheduleRun, stdout io.Writer) error {
	outputs := []struct {
		path  string
		write func(io.Writer) error
	}{
		{cfg.Output.Text, func(w io.Writer) error {
			return report.WriteText(w, run, report.TextOptions{MaxLoadFactor: cfg.MaxLoadFactor})
		}},
		{cfg.Output.CSV, func(w io.Writer) error { return report.WriteCSV(w, run) }},
		{cfg.Output.JSON, func(w io.Writer) error { return report.WriteJSON(w, run) }},
	}
	for _, o := range outputs {
		switch o.path {
		case "":
			continue
		case "-":
			if err := o.write(stdout); err != nil {
				return err
			}
		default:
			if err := writeFile(o.path, o.write); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// progress logs stage and step outcomes as they happen.
type progress struct {
	controller.NopCallback
	log logrus.FieldLogger
}

func (p progress) OnStage(r controller.StageResult) {
	entry := p.log.WithFields(logrus.Fields{"stage": r.Stage, "components": r.Components})
	if r.Converged {
		entry.Info("Stage converged")
		return
	}
	entry.WithField("diagnostic", r.Diagnostic).Error("Stage failed")
}

func (p progress) OnStep(o controller.StepOutcome) {
	entry := p.log.WithFields(logrus.Fields{"step": o.Step, "multiplier": o.Multiplier, "state": o.State})
	if o.Failure != nil {
		entry.WithField("diagnostic", o.Failure.Diagnostic).Warn("Step failed")
		return
	}
	entry.Debug("Step converged")
}
