package ws

import (
	"encoding/json"
	"time"

	"loadflow/internal/controller"
	"loadflow/internal/model"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants
const (
	// Client -> Server
	TypeRunStart = "run:start"
	TypeRunsList = "runs:list"
	TypeRunGet   = "run:get"

	// Server -> Client
	TypeNetworkLoaded = "network:loaded"
	TypeStageResult   = "stage:result"
	TypeStepResult    = "step:result"
	TypeRunCompleted  = "run:completed"
	TypeRunFailed     = "run:failed"
	TypeRunDetail     = "run:detail"
	TypeError         = "error"
)

// Client -> Server messages

// RunStartPayload requests a schedule run. An empty schedule runs the
// default profile; a positive MaxLoadFactor scales it.
type RunStartPayload struct {
	Schedule      []float64 `json:"schedule,omitempty"`
	MaxLoadFactor float64   `json:"max_load_factor,omitempty"`
}

type RunGetPayload struct {
	ID string `json:"id"`
}

// Server -> Client messages

type NetworkLoadedPayload struct {
	Name       string         `json:"name"`
	SourceBus  string         `json:"source_bus"`
	Buses      int            `json:"buses"`
	Components map[string]int `json:"components"`
	Loads      int            `json:"loads"`
}

type StageResultPayload struct {
	Stage      string  `json:"stage"`
	Components int     `json:"components"`
	Converged  bool    `json:"converged"`
	Diagnostic string  `json:"diagnostic,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

type StepResultPayload struct {
	Step             int                `json:"step"`
	Multiplier       float64            `json:"multiplier"`
	State            string             `json:"state"`
	Converged        bool               `json:"converged"`
	Solver           string             `json:"solver,omitempty"`
	Rung             int                `json:"rung"`
	Escalated        bool               `json:"escalated"`
	Attempts         int                `json:"attempts"`
	ActiveLossMW     float64            `json:"active_loss_mw"`
	ReactiveLossMVAR float64            `json:"reactive_loss_mvar"`
	MinVoltagePU     float64            `json:"min_voltage_pu"`
	MaxVoltagePU     float64            `json:"max_voltage_pu"`
	AvgVoltagePU     float64            `json:"avg_voltage_pu"`
	Diagnostic       string             `json:"diagnostic,omitempty"`
	OutOfBandBuses   []model.BusVoltage `json:"out_of_band_buses,omitempty"`
	ScalingErrors    []string           `json:"scaling_errors,omitempty"`
	DurationMS       float64            `json:"duration_ms"`
}

type RunSummaryPayload struct {
	ID         string  `json:"id"`
	Network    string  `json:"network"`
	Steps      int     `json:"steps"`
	Converged  int     `json:"converged"`
	Failed     int     `json:"failed"`
	Cancelled  bool    `json:"cancelled,omitempty"`
	Stopped    bool    `json:"stopped,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt string  `json:"finished_at"`
	DurationMS float64 `json:"duration_ms"`
}

type RunsListPayload struct {
	Runs []RunSummaryPayload `json:"runs"`
}

type RunFailedPayload struct {
	Error string `json:"error"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewEnvelope(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func NetworkLoadedFromModel(n *model.NetworkModel) NetworkLoadedPayload {
	comps := make(map[string]int, len(model.DefaultStageOrder))
	for _, c := range model.DefaultStageOrder {
		comps[string(c)] = len(n.Components(c))
	}
	return NetworkLoadedPayload{
		Name:       n.Name,
		SourceBus:  n.SourceBus,
		Buses:      len(n.Buses),
		Components: comps,
		Loads:      len(n.Loads),
	}
}

func StageResultFromController(r controller.StageResult) StageResultPayload {
	return StageResultPayload{
		Stage:      string(r.Stage),
		Components: r.Components,
		Converged:  r.Converged,
		Diagnostic: r.Diagnostic,
		DurationMS: millis(r.Duration),
	}
}

func StepResultFromOutcome(o controller.StepOutcome) StepResultPayload {
	p := StepResultPayload{
		Step:       o.Step,
		Multiplier: o.Multiplier,
		State:      string(o.State),
		Attempts:   len(o.Attempts),
		Rung:       -1,
		DurationMS: millis(o.Duration),
	}
	if r := o.Result; r != nil {
		p.Converged = true
		p.Solver = r.Config.String()
		p.Rung = r.Rung
		p.Escalated = r.Escalated
		p.ActiveLossMW = r.ActiveLossMW
		p.ReactiveLossMVAR = r.ReactiveLossMVAR
		p.MinVoltagePU = r.MinVoltagePU
		p.MaxVoltagePU = r.MaxVoltagePU
		p.AvgVoltagePU = r.AvgVoltagePU
	}
	if f := o.Failure; f != nil {
		p.Diagnostic = f.Diagnostic
		p.OutOfBandBuses = f.OutOfBandBuses
	}
	for _, se := range o.ScalingErrors {
		p.ScalingErrors = append(p.ScalingErrors, se.Error())
	}
	return p
}

func RunSummaryFromModel(r *model.ScheduleRun) RunSummaryPayload {
	p := RunSummaryPayload{
		ID:         r.ID.String(),
		Network:    r.Network,
		Steps:      len(r.Multipliers),
		Converged:  len(r.Results),
		Failed:     r.FailedCount,
		Cancelled:  r.Cancelled,
		Stopped:    r.Stopped,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
		DurationMS: millis(r.Duration()),
	}
	if r.Closed {
		p.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	return p
}
