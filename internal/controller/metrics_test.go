package controller

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadflow/internal/model"
	"loadflow/internal/solver/solvertest"
)

func newTestCollector() *MetricsCollector {
	m := NewMetricsCollector(DefaultVoltageBand)
	m.Log = quietLogger()
	return m
}

func TestCollect(t *testing.T) {
	fake := solvertest.New("a", "b", "c")
	fake.Loss = func(float64) complex128 { return complex(2.5e6, 7.25e6) }
	fake.Voltage = func(bus string, _ float64) float64 {
		return map[string]float64{"a": 1.0, "b": 0.97, "c": 1.02}[bus]
	}

	sm, err := newTestCollector().Collect(fake)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, sm.ActiveLossMW, 1e-9)
	assert.InDelta(t, 7.25, sm.ReactiveLossMVAR, 1e-9)
	assert.InDelta(t, 0.97, sm.MinVoltagePU, 1e-9)
	assert.InDelta(t, 1.02, sm.MaxVoltagePU, 1e-9)
	assert.InDelta(t, 0.99666667, sm.AvgVoltagePU, 1e-6)
	assert.Equal(t, "b", sm.MinVoltageBus)
	assert.Equal(t, "c", sm.MaxVoltageBus)
	assert.Equal(t, 3, sm.BusesRead)
}

func TestCollect_SkipsUnreadableBuses(t *testing.T) {
	fake := solvertest.New("a", "b", "c")
	fake.Unreadable = map[string]bool{"b": true}
	fake.Voltage = func(bus string, _ float64) float64 {
		if bus == "b" {
			return 0.1
		}
		return 1.0
	}

	sm, err := newTestCollector().Collect(fake)
	require.NoError(t, err)
	assert.Equal(t, 2, sm.BusesRead)
	assert.Equal(t, 1, sm.BusesSkipped)
	assert.InDelta(t, 1.0, sm.MinVoltagePU, 1e-9)
}

func TestCollect_NoReadableBus(t *testing.T) {
	fake := solvertest.New("a")
	fake.Unreadable = map[string]bool{"a": true}
	_, err := newTestCollector().Collect(fake)
	assert.ErrorIs(t, err, ErrNoBusVoltages)
}

func TestCollect_LossReadError(t *testing.T) {
	fake := solvertest.New("a")
	fake.LossErr = errors.New("accumulator unavailable")
	_, err := newTestCollector().Collect(fake)
	assert.ErrorContains(t, err, "accumulator unavailable")
}

func TestCollect_VoltageOrdering(t *testing.T) {
	profiles := [][]float64{
		{1.0},
		{0.9, 0.9, 0.9},
		{1.05, 0.93, 1.0, 0.999999, 1.07},
		{0.5, 1.5},
	}
	for _, p := range profiles {
		names := make([]string, len(p))
		for i := range p {
			names[i] = string(rune('a' + i))
		}
		fake := solvertest.New(names...)
		fake.Voltage = func(bus string, _ float64) float64 { return p[bus[0]-'a'] }

		sm, err := newTestCollector().Collect(fake)
		require.NoError(t, err)
		assert.LessOrEqual(t, sm.MinVoltagePU, sm.AvgVoltagePU)
		assert.LessOrEqual(t, sm.AvgVoltagePU, sm.MaxVoltagePU)
	}
}

func TestOutOfBand(t *testing.T) {
	fake := solvertest.New("a", "b", "c", "d")
	fake.Voltage = func(bus string, _ float64) float64 {
		return map[string]float64{"a": 1.0, "b": 0.91, "c": 1.08, "d": 0.85}[bus]
	}

	got := newTestCollector().OutOfBand(fake, DefaultVoltageBand)
	assert.Equal(t, []model.BusVoltage{{Bus: "d", PU: 0.85}, {Bus: "b", PU: 0.91}, {Bus: "c", PU: 1.08}}, got)
}

func TestVoltageBand(t *testing.T) {
	assert.NoError(t, DefaultVoltageBand.Validate())
	assert.Error(t, VoltageBand{Low: 1.05, High: 0.95}.Validate())
	assert.Error(t, VoltageBand{Low: 0, High: 1}.Validate())
	assert.True(t, DefaultVoltageBand.Contains(0.95))
	assert.False(t, DefaultVoltageBand.Contains(1.051))
}
