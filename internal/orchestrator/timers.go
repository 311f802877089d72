package orchestrator

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

func (o *Orchestrator) handleScheduleTimer(m message.ScheduleTimer) {
	p, ok := o.pipelines[m.Pipeline]
	if !ok || p.State() == pipeline.Exited {
		o.stale(m.Kind(), logging.Pipeline(m.Pipeline), logging.Timer(m.Handle))
		return
	}
	if limit := o.cfg.Timer.MaxPerPipeline; limit > 0 && o.perTimer[p.ID] >= limit {
		o.log.Warn("Timer limit reached", logging.Pipeline(p.ID), zap.Int("limit", limit))
		return
	}
	interval := m.Interval
	if interval > 0 && interval < o.cfg.Timer.MinPeriodicInterval {
		interval = o.cfg.Timer.MinPeriodicInterval
	}
	if err := o.scheduler.Schedule(p.ID, m.Handle, m.Delay, interval); err != nil {
		o.log.Warn("Failed to schedule timer", logging.Pipeline(p.ID), logging.Timer(m.Handle), zap.Error(err))
		return
	}
	o.timers[m.Handle] = liveTimer{pipeline: p.ID, periodic: interval > 0}
	o.perTimer[p.ID]++
	o.metrics.IncTimersScheduled()
}

func (o *Orchestrator) handleCancelTimer(m message.CancelTimer) {
	t, ok := o.timers[m.Handle]
	if !ok || t.pipeline != m.Pipeline {
		o.stale(m.Kind(), logging.Pipeline(m.Pipeline), logging.Timer(m.Handle))
		return
	}
	o.scheduler.Cancel(m.Handle)
	o.untrack(m.Handle, t)
}

// handleTimerFired delivers a fire to its pipeline, or holds it while the
// pipeline is frozen.
func (o *Orchestrator) handleTimerFired(m message.TimerFired) {
	t, ok := o.timers[m.Handle]
	if !ok || t.pipeline != m.Pipeline {
		o.metrics.RecordTimerFire("stale")
		o.stale(m.Kind(), logging.Pipeline(m.Pipeline), logging.Timer(m.Handle))
		return
	}
	if !t.periodic {
		o.untrack(m.Handle, t)
	}
	p, ok := o.pipelines[m.Pipeline]
	if !ok {
		o.metrics.RecordTimerFire("stale")
		return
	}
	switch p.State() {
	case pipeline.Frozen:
		p.Hold(m.Handle)
		o.metrics.RecordTimerFire("held")
	case pipeline.Active, pipeline.Loading:
		o.metrics.RecordTimerFire("delivered")
		o.sendScript(p, pipeline.FireTimer{Pipeline: p.ID, Handle: m.Handle})
	default:
		o.metrics.RecordTimerFire("stale")
	}
}

func (o *Orchestrator) untrack(h id.TimerHandle, t liveTimer) {
	delete(o.timers, h)
	if o.perTimer[t.pipeline] <= 1 {
		delete(o.perTimer, t.pipeline)
	} else {
		o.perTimer[t.pipeline]--
	}
}

// dropTimers cancels every timer owned by pid.
func (o *Orchestrator) dropTimers(pid id.PipelineID) {
	if o.perTimer[pid] == 0 {
		return
	}
	n := o.scheduler.CancelPipeline(pid)
	for h, t := range o.timers {
		if t.pipeline == pid {
			delete(o.timers, h)
		}
	}
	delete(o.perTimer, pid)
	o.log.Debug("Dropped timers", logging.Pipeline(pid), zap.Int("count", n))
}
