package orchestrator

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// handleCrash tears down the event loop hosting pid. Every pipeline in that
// loop is gone; contexts that displayed one, or were loading their first
// document in it, keep their history entry and show a crash placeholder until
// they are reloaded or focused.
func (o *Orchestrator) handleCrash(pid id.PipelineID, reason string) {
	g, ok := o.groups.GroupOf(pid)
	if !ok {
		o.stale("process_crashed", logging.Pipeline(pid))
		return
	}
	o.metrics.IncCrashes()
	members := g.Members()
	o.groups.Remove(g)

	o.log.Warn("Event loop crashed",
		logging.Pipeline(pid),
		zap.Uint32("namespace", uint32(g.Namespace())),
		zap.Int("pipelines", len(members)),
		zap.String("reason", reason))

	affected := make(map[id.TopLevelID][]id.BrowsingContextID)
	var tops []id.TopLevelID
	for _, member := range members {
		p, ok := o.pipelines[member]
		if !ok {
			continue
		}
		c, owned := o.tree.Owner(member)
		if owned {
			nav, loading := o.pending[c.ID]
			loading = loading && nav.pipeline == member
			// A context with nothing displayed shows the crash in place of
			// the document it was loading.
			if c.Active == member || (loading && c.Active.IsZero()) {
				c.Crashed = true
				if _, seen := affected[c.TopLevel]; !seen {
					tops = append(tops, c.TopLevel)
				}
				affected[c.TopLevel] = append(affected[c.TopLevel], c.ID)
			}
			if loading {
				o.metrics.RecordNavigation("crashed")
				o.embedder.Send(message.NavigationFailed{
					TopLevel: c.TopLevel,
					Context:  c.ID,
					URL:      nav.url,
					Reason:   "content process crashed: " + reason,
				})
			}
		}
		p.Abandon()
		o.releasePipeline(member)
	}

	for _, top := range tops {
		if _, open := o.histories[top]; !open {
			continue
		}
		var live []id.BrowsingContextID
		for _, ctxID := range affected[top] {
			if _, ok := o.tree.Get(ctxID); ok {
				live = append(live, ctxID)
			}
		}
		if len(live) > 0 {
			o.compositor.Send(message.CrashReported{TopLevel: top, Contexts: live, Reason: reason})
		}
		o.updateFrameTree(top)
	}
}

// handleHang reports a pipeline that stopped sending heartbeats and, when
// configured, kills its event loop.
func (o *Orchestrator) handleHang(m message.PipelineHung) {
	p, ok := o.pipelines[m.Pipeline]
	if !ok {
		o.stale(m.Kind(), logging.Pipeline(m.Pipeline))
		return
	}
	o.metrics.IncHangs()
	o.log.Warn("Pipeline unresponsive", append(pipelineFields(p), zap.Duration("since", m.Since))...)
	o.embedder.Send(message.HangReported{TopLevel: p.TopLevel, Pipeline: p.ID, Since: m.Since})

	if !o.cfg.Watchdog.TerminateHung {
		return
	}
	if g, ok := o.groups.GroupOf(p.ID); ok {
		if err := g.Loop.Exit(); err != nil {
			o.log.Debug("Event loop exit failed", zap.Uint32("namespace", uint32(g.Namespace())), zap.Error(err))
		}
	}
	o.handleCrash(p.ID, "unresponsive")
}
