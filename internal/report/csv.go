package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"

	"loadflow/internal/model"
)

var csvHeader = []string{
	"step", "multiplier", "converged",
	"active_loss_mw", "reactive_loss_mvar",
	"min_voltage_pu", "max_voltage_pu", "avg_voltage_pu",
	"algorithm", "max_iterations", "tolerance", "rung", "escalated",
	"diagnostic",
}

// WriteCSV writes one row per attempted step, converged or not, in step
// order.
func WriteCSV(w io.Writer, run *model.ScheduleRun) error {
	type row struct {
		step int
		cols []string
	}
	f := func(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }

	rows := make([]row, 0, run.Attempted())
	for _, r := range run.Results {
		rows = append(rows, row{r.Step, []string{
			strconv.Itoa(r.Step), f(r.Multiplier, 4), "true",
			f(r.ActiveLossMW, 6), f(r.ReactiveLossMVAR, 6),
			f(r.MinVoltagePU, 6), f(r.MaxVoltagePU, 6), f(r.AvgVoltagePU, 6),
			string(r.Config.Algorithm), strconv.Itoa(r.Config.MaxIterations),
			strconv.FormatFloat(r.Config.Tolerance, 'g', -1, 64),
			strconv.Itoa(r.Rung), strconv.FormatBool(r.Escalated),
			"",
		}})
	}
	for _, fl := range run.Failures {
		rows = append(rows, row{fl.Step, []string{
			strconv.Itoa(fl.Step), f(fl.Multiplier, 4), "false",
			"", "", "", "", "", "", "", "", "", "",
			strings.ReplaceAll(fl.Diagnostic, "\n", " "),
		}})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].step < rows[j].step })

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.cols); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Document is the JSON form of a run and its summary.
type Document struct {
	Run     *model.ScheduleRun `json:"run"`
	Summary Summary            `json:"summary"`
}

// WriteJSON writes the run and its summary as indented JSON.
func WriteJSON(w io.Writer, run *model.ScheduleRun) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Document{Run: run, Summary: Summarize(run)})
}
