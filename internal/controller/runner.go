package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"loadflow/internal/model"
)

// Runner drives a multiplier schedule through an Orchestrator. By default a
// failed step is recorded and the run moves on; with StopOnFailure the run
// ends at the first failed step.
type Runner struct {
	mu            sync.Mutex
	orchestrator  *Orchestrator
	network       string
	callback      Callback
	StopOnFailure bool
	Log           logrus.FieldLogger

	now func() time.Time
}

func NewRunner(orch *Orchestrator, network string, cb Callback) *Runner {
	return &Runner{
		orchestrator: orch,
		network:      network,
		callback:     callbackOrNop(cb),
		Log:          logrus.StandardLogger(),
		now:          time.Now,
	}
}

// Run executes schedule and returns the closed run. Only one run may use the
// runner's session at a time; a concurrent call gets ErrRunInProgress. The
// context is checked between steps: on cancellation the partial run is
// closed, marked cancelled and returned with ctx.Err().
func (r *Runner) Run(ctx context.Context, schedule model.Schedule) (*model.ScheduleRun, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMultiplier, err)
	}

	run := model.NewScheduleRun(r.network, schedule, r.now())
	log := r.Log.WithField("run", run.ID)
	log.Infof("Starting schedule run: %d steps", len(schedule))

	for i, m := range schedule {
		if err := ctx.Err(); err != nil {
			run.Cancelled = true
			run.Close(r.now())
			log.Warnf("Run cancelled after %d of %d steps", run.Attempted(), len(schedule))
			r.callback.OnRunComplete(run)
			return run, err
		}

		out := r.orchestrator.RunStep(i, m)
		if out.Result != nil {
			run.AddResult(*out.Result)
			continue
		}
		run.AddFailure(*out.Failure)
		if r.StopOnFailure {
			run.Stopped = true
			log.Warnf("Stopping at step %d after failure", i)
			break
		}
	}

	run.Close(r.now())
	log.Infof("Schedule run finished: %d converged, %d failed in %s", len(run.Results), run.FailedCount, run.Duration().Round(time.Millisecond))
	r.callback.OnRunComplete(run)
	return run, nil
}
