package controller

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"loadflow/internal/model"
	"loadflow/internal/solver"
)

// VoltageBand is the acceptable per-unit voltage range.
type VoltageBand struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

var DefaultVoltageBand = VoltageBand{Low: 0.95, High: 1.05}

func (b VoltageBand) Validate() error {
	if !(b.Low > 0) || !(b.High > b.Low) {
		return fmt.Errorf("voltage band [%g, %g] is not a positive range", b.Low, b.High)
	}
	return nil
}

func (b VoltageBand) Contains(pu float64) bool {
	return pu >= b.Low && pu <= b.High
}

// MetricsCollector reads losses and bus voltage statistics from a session.
type MetricsCollector struct {
	Band VoltageBand
	Log  logrus.FieldLogger
}

func NewMetricsCollector(band VoltageBand) *MetricsCollector {
	return &MetricsCollector{Band: band, Log: logrus.StandardLogger()}
}

// Collect reads system losses from the session's own accumulator and
// aggregates per-bus voltages. Buses whose voltage cannot be read are left
// out of the aggregate.
func (m *MetricsCollector) Collect(session solver.Session) (model.SystemMetrics, error) {
	var sm model.SystemMetrics

	losses, err := session.Losses()
	if err != nil {
		return sm, fmt.Errorf("reading losses: %w", err)
	}
	sm.ActiveLossMW = real(losses) / 1e6
	sm.ReactiveLossMVAR = imag(losses) / 1e6

	readings := m.readVoltages(session, &sm.BusesSkipped)
	if len(readings) == 0 {
		return sm, ErrNoBusVoltages
	}

	vals := make([]float64, len(readings))
	sm.MinVoltagePU, sm.MaxVoltagePU = math.Inf(1), math.Inf(-1)
	for i, r := range readings {
		vals[i] = r.PU
		if r.PU < sm.MinVoltagePU {
			sm.MinVoltagePU, sm.MinVoltageBus = r.PU, r.Bus
		}
		if r.PU > sm.MaxVoltagePU {
			sm.MaxVoltagePU, sm.MaxVoltageBus = r.PU, r.Bus
		}
	}
	// Clamp against rounding so the mean never leaves [min, max].
	sm.AvgVoltagePU = math.Min(math.Max(stat.Mean(vals, nil), sm.MinVoltagePU), sm.MaxVoltagePU)
	sm.BusesRead = len(readings)
	return sm, nil
}

// OutOfBand lists buses outside band, lowest voltage first.
func (m *MetricsCollector) OutOfBand(session solver.Session, band VoltageBand) []model.BusVoltage {
	var skipped int
	var out []model.BusVoltage
	for _, r := range m.readVoltages(session, &skipped) {
		if !band.Contains(r.PU) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PU < out[j].PU })
	return out
}

// Voltages returns every readable bus voltage in session order.
func (m *MetricsCollector) Voltages(session solver.Session) []model.BusVoltage {
	var skipped int
	return m.readVoltages(session, &skipped)
}

func (m *MetricsCollector) readVoltages(session solver.Session, skipped *int) []model.BusVoltage {
	names := session.BusNames()
	out := make([]model.BusVoltage, 0, len(names))
	for _, bus := range names {
		pu, err := session.BusVoltagePU(bus)
		if err != nil || math.IsNaN(pu) || math.IsInf(pu, 0) {
			*skipped++
			m.Log.WithField("bus", bus).Debugf("Skipping unreadable bus voltage: %v", err)
			continue
		}
		out = append(out, model.BusVoltage{Bus: bus, PU: pu})
	}
	return out
}
