package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"loadflow/internal/app"
	"loadflow/internal/controller"
	"loadflow/internal/model"
	"loadflow/internal/solver/acflow"
)

func main() {
	var f app.Flags
	f.Register(flag.CommandLine)
	levels := flag.String("levels", "", "comma-separated probe levels (default from config)")
	flag.Parse()

	env, err := app.Bootstrap(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *levels != "" {
		parsed, err := parseLevels(*levels)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		env.Config.ProbeLevels = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cc, err := env.Config.Controller()
	if err != nil {
		env.Log.Fatal(err)
	}
	session := acflow.NewSession()
	defer session.Close()

	stages := &stageLog{}
	c, err := controller.New(session, cc, stages, env.Log)
	if err != nil {
		env.Log.Fatal(err)
	}

	if _, err := c.Load(env.Network); err != nil {
		var tle *controller.TopologyLoadError
		if !errors.As(err, &tle) {
			env.Log.Fatal(err)
		}
		writeStages(os.Stdout, stages.results)
		fmt.Printf("\nTopology failed at stage %s: %s\n", tle.Stage, tle.Diagnostic)
		stop()
		os.Exit(2)
	}

	rep, err := c.Probe(ctx, env.Config.ProbeLevels)
	if rep == nil {
		env.Log.Fatal(err)
	}
	if err != nil {
		env.Log.WithError(err).Warn("Probe interrupted")
	}
	// The recommendation applies to the schedule before max_load_factor.
	base := env.Schedule.Scaled(1 / env.Config.MaxLoadFactor)
	writeDiagnosis(os.Stdout, stages.results, rep, base)
}

// stageLog keeps the topology stage results for printing.
type stageLog struct {
	controller.NopCallback
	results []controller.StageResult
}

func (l *stageLog) OnStage(r controller.StageResult) { l.results = append(l.results, r) }

func parseLevels(s string) ([]float64, error) {
	var levels []float64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid level %q", field)
		}
		levels = append(levels, v)
	}
	if len(levels) == 0 {
		return nil, errors.New("no probe levels given")
	}
	return levels, nil
}

func writeStages(w io.Writer, stages []controller.StageResult) {
	fmt.Fprintln(w, "Topology Stages:")
	for _, s := range stages {
		status := "converged"
		if !s.Converged {
			status = "FAILED: " + s.Diagnostic
		}
		fmt.Fprintf(w, "  %-14s %4d components  %s\n", s.Stage, s.Components, status)
	}
}

func writeDiagnosis(w io.Writer, stages []controller.StageResult, rep *controller.ProbeReport, schedule model.Schedule) {
	writeStages(w, stages)

	fmt.Fprintln(w, "\nProgressive Loading:")
	for _, s := range rep.Steps {
		if s.Result != nil {
			r := s.Result
			fmt.Fprintf(w, "  %5.1f%%  converged  losses %.3f MW  V %.4f-%.4f pu  %s\n",
				s.Multiplier*100, r.ActiveLossMW, r.MinVoltagePU, r.MaxVoltagePU, r.Config)
			continue
		}
		diag := ""
		if s.Failure != nil {
			diag = s.Failure.Diagnostic
		}
		fmt.Fprintf(w, "  %5.1f%%  FAILED     %s\n", s.Multiplier*100, diag)
	}

	fmt.Fprintf(w, "\nMaximum converged load: %.1f%%\n", rep.MaxConverged*100)
	if rep.Failed {
		fmt.Fprintf(w, "First failure at:       %.1f%%\n", rep.FailedLevel*100)
	}
	fmt.Fprintf(w, "Verdict: %s\n", verdictText(rep.Verdict))

	if len(rep.CriticalBuses) > 0 {
		fmt.Fprintln(w, "\nCritical buses:")
		for _, b := range rep.CriticalBuses {
			fmt.Fprintf(w, "  %-20s %.4f pu\n", b.Bus, b.PU)
		}
	}

	fmt.Fprintf(w, "\nRecommended max_load_factor: %.2f\n", rep.RecommendedLoadFactor(schedule))
}

func verdictText(v controller.Verdict) string {
	switch v {
	case controller.VerdictFullLoad:
		return "network can handle full load"
	case controller.VerdictReduced:
		return "network requires reduced loading"
	default:
		return "network is severely limited"
	}
}
