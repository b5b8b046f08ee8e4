// Package telemetry exposes controller events as Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"loadflow/internal/controller"
	"loadflow/internal/model"
)

const namespace = "loadflow"

// Recorder implements controller.Callback and updates metrics for every
// event it sees.
type Recorder struct {
	stages        *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
	attempts      *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepSeconds   prometheus.Histogram
	scalingErrors *prometheus.CounterVec
	runs          *prometheus.CounterVec

	multiplier   prometheus.Gauge
	activeLoss   prometheus.Gauge
	reactiveLoss prometheus.Gauge
	voltage      *prometheus.GaugeVec
	failedSteps  prometheus.Gauge
}

// NewRecorder registers the metrics with reg. A nil reg uses the default
// registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		stages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Topology stages loaded, by stage and result.",
		}, []string{"stage", "result"}),
		stageSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent loading and solving a topology stage.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solve_attempts_total",
			Help:      "Solve attempts, by algorithm, source and result.",
		}, []string{"algorithm", "source", "result"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Schedule steps, by final state.",
		}, []string{"state"}),
		stepSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent on one schedule step.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		scalingErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_errors_total",
			Help:      "Loads whose demand could not be set, by property.",
		}, []string{"property"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed schedule runs, by outcome.",
		}, []string{"outcome"}),
		multiplier: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_step_multiplier",
			Help:      "Load multiplier of the last converged step.",
		}),
		activeLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_step_active_loss_mw",
			Help:      "Active losses of the last converged step.",
		}),
		reactiveLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_step_reactive_loss_mvar",
			Help:      "Reactive losses of the last converged step.",
		}),
		voltage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_step_voltage_pu",
			Help:      "Bus voltage statistics of the last converged step.",
		}, []string{"stat"}),
		failedSteps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed_steps",
			Help:      "Failed steps in the last completed run.",
		}),
	}
}

func (r *Recorder) OnStage(res controller.StageResult) {
	r.stages.WithLabelValues(string(res.Stage), result(res.Converged)).Inc()
	r.stageSeconds.WithLabelValues(string(res.Stage)).Observe(res.Duration.Seconds())
}

func (r *Recorder) OnAttempt(_ int, a controller.Attempt) {
	source := "ladder"
	if a.Rung < 0 {
		source = "escalation"
	}
	r.attempts.WithLabelValues(string(a.Config.Algorithm), source, result(a.Converged)).Inc()
}

func (r *Recorder) OnStep(o controller.StepOutcome) {
	r.steps.WithLabelValues(string(o.State)).Inc()
	r.stepSeconds.Observe(o.Duration.Seconds())
	for _, se := range o.ScalingErrors {
		r.scalingErrors.WithLabelValues(se.Property).Inc()
	}
	if res := o.Result; res != nil {
		r.multiplier.Set(res.Multiplier)
		r.activeLoss.Set(res.ActiveLossMW)
		r.reactiveLoss.Set(res.ReactiveLossMVAR)
		r.voltage.WithLabelValues("min").Set(res.MinVoltagePU)
		r.voltage.WithLabelValues("max").Set(res.MaxVoltagePU)
		r.voltage.WithLabelValues("avg").Set(res.AvgVoltagePU)
	}
}

func (r *Recorder) OnRunComplete(run *model.ScheduleRun) {
	outcome := "completed"
	switch {
	case run.Cancelled:
		outcome = "cancelled"
	case run.Stopped:
		outcome = "stopped"
	}
	r.runs.WithLabelValues(outcome).Inc()
	r.failedSteps.Set(float64(run.FailedCount))
}

func result(converged bool) string {
	if converged {
		return "converged"
	}
	return "failed"
}

// HubStats is the live-streaming state exported alongside run metrics.
type HubStats interface {
	ClientCount() int
	Dropped() uint64
}

// RegisterHub exports the connected client count and dropped message total
// of h.
func RegisterHub(reg prometheus.Registerer, h HubStats) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Connected WebSocket clients.",
	}, func() float64 { return float64(h.ClientCount()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_messages_total",
		Help:      "Messages dropped because a client buffer was full.",
	}, func() float64 { return float64(h.Dropped()) })
}
