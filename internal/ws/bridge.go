package ws

import (
	"loadflow/internal/controller"
	"loadflow/internal/model"
)

// Bridge implements controller.Callback and broadcasts events to the
// WebSocket hub.
type Bridge struct {
	hub *Hub
}

func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

func (b *Bridge) broadcast(msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		b.hub.Log.Errorf("Error marshaling %s: %v", msgType, err)
		return
	}
	b.hub.Broadcast(msg)
}

func (b *Bridge) OnStage(r controller.StageResult) {
	b.broadcast(TypeStageResult, StageResultFromController(r))
}

// OnAttempt is a no-op; attempts are counted in step:result.
func (b *Bridge) OnAttempt(int, controller.Attempt) {}

func (b *Bridge) OnStep(o controller.StepOutcome) {
	b.broadcast(TypeStepResult, StepResultFromOutcome(o))
}

func (b *Bridge) OnRunComplete(run *model.ScheduleRun) {
	b.broadcast(TypeRunCompleted, RunSummaryFromModel(run))
}

// RunFailed broadcasts a run that could not start or was aborted.
func (b *Bridge) RunFailed(err error) {
	b.broadcast(TypeRunFailed, RunFailedPayload{Error: err.Error()})
}
