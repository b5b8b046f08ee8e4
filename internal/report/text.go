package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"loadflow/internal/model"
)

// TextOptions controls the text report.
type TextOptions struct {
	// MaxLoadFactor is noted in the header when it is not 1.
	MaxLoadFactor float64
	// StepLabel names a step; the default is the hour of day.
	StepLabel func(step int) string
}

func hourLabel(step int) string {
	return fmt.Sprintf("Hour %02d:00", step%24)
}

// WriteText writes a human-readable report of the run.
func WriteText(w io.Writer, run *model.ScheduleRun, opts TextOptions) error {
	if opts.StepLabel == nil {
		opts.StepLabel = hourLabel
	}
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) {
		fmt.Fprintf(bw, format, args...)
	}
	heading := func(title string) {
		p("%s\n%s\n", title, strings.Repeat("-", len(title)))
	}

	p("Time Series Simulation Results\n")
	p("%s\n\n", strings.Repeat("=", 30))
	p("Network: %s\n", run.Network)
	p("Run: %s\n", run.ID)
	p("Steps: %d converged, %d failed of %d\n", len(run.Results), run.FailedCount, len(run.Multipliers))
	switch {
	case run.Cancelled:
		p("Status: cancelled\n")
	case run.Stopped:
		p("Status: stopped at first failure\n")
	}
	p("\n")
	if opts.MaxLoadFactor > 0 && opts.MaxLoadFactor != 1 {
		p("Note: All loads were scaled by a maximum factor of %.2f for convergence.\n\n", opts.MaxLoadFactor)
	}

	heading("Hourly Results:")
	for _, r := range run.Results {
		p("%s (Load: %.2f%%)\n", opts.StepLabel(r.Step), r.Multiplier*100)
		p("  Active Losses: %.2f MW\n", r.ActiveLossMW)
		p("  Reactive Losses: %.2f MVAR\n", r.ReactiveLossMVAR)
		p("  Voltage Range: %.3f - %.3f pu\n", r.MinVoltagePU, r.MaxVoltagePU)
		p("  Average Voltage: %.3f pu\n", r.AvgVoltagePU)
		if r.Escalated {
			p("  Solver: %s (escalated)\n", r.Config)
		} else {
			p("  Solver: %s\n", r.Config)
		}
		p("\n")
	}

	if len(run.Failures) > 0 {
		p("\n")
		heading("Failed Steps:")
		for _, f := range run.Failures {
			p("%s (Load: %.2f%%)\n", opts.StepLabel(f.Step), f.Multiplier*100)
			p("  Diagnostic: %s\n", f.Diagnostic)
			if len(f.OutOfBandBuses) > 0 {
				buses := make([]string, len(f.OutOfBandBuses))
				for i, b := range f.OutOfBandBuses {
					buses[i] = fmt.Sprintf("%s=%.3f", b.Bus, b.PU)
				}
				p("  Out-of-band buses: %s\n", strings.Join(buses, ", "))
			}
			p("\n")
		}
	}

	s := Summarize(run)
	p("\n")
	heading("Summary Statistics:")
	if s.Converged > 0 {
		p("Average active losses: %.2f MW\n", s.AvgActiveLossMW)
		p("Maximum active losses: %.2f MW\n", s.MaxActiveLossMW)
		p("Minimum active losses: %.2f MW\n\n", s.MinActiveLossMW)
		p("Average reactive losses: %.2f MVAR\n", s.AvgReactiveLossMVAR)
		p("Maximum reactive losses: %.2f MVAR\n", s.MaxReactiveLossMVAR)
		p("Minimum reactive losses: %.2f MVAR\n\n", s.MinReactiveLossMVAR)
		p("Lowest voltage: %.3f pu\n", s.LowestVoltagePU)
		p("Highest voltage: %.3f pu\n", s.HighestVoltagePU)
		if s.Escalated > 0 {
			p("Escalated steps: %d\n", s.Escalated)
		}
	} else {
		p("No converged steps.\n")
	}

	if s.Fit != nil {
		p("\n")
		heading("Load-Loss Relationship:")
		p("Losses(MW) = %.2f × Load² + %.2f × Load + %.2f\n", s.Fit.A, s.Fit.B, s.Fit.C)
		p("R² = %.4f\n", s.Fit.R2)
	}
	return bw.Flush()
}
