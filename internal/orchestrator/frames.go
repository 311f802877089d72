package orchestrator

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/history"
	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// iframe default size
var defaultFrameSize = message.Size{Width: 300, Height: 150}

func (o *Orchestrator) handleCreateFrame(m message.CreateFrame) {
	parent, ok := o.pipelines[m.Parent]
	if !ok {
		o.stale(m.Kind(), logging.Pipeline(m.Parent))
		return
	}
	if m.Context.Namespace != parent.Loop.Namespace() {
		o.log.Warn("Rejecting frame minted outside its event loop",
			logging.Pipeline(m.Parent),
			logging.Context(m.Context),
			zap.Uint32("loop_namespace", uint32(parent.Loop.Namespace())))
		return
	}

	c, err := o.tree.InsertChild(m.Context, m.Parent, m.Name)
	if err != nil {
		o.log.Warn("Failed to create frame", logging.Pipeline(m.Parent), logging.Context(m.Context), zap.Error(err))
		return
	}
	c.Size = defaultFrameSize
	target := m.URL
	if target == "" {
		target = blankURL
	}
	c.Current = &history.Entry{Context: c.ID, URL: target}

	o.log.Debug("Frame created",
		logging.Pipeline(m.Parent),
		logging.Context(c.ID),
		zap.String("name", m.Name),
		zap.String("url", target))
	o.startNavigation(c, target, navReload, c.Current, parent.URL)
}

func (o *Orchestrator) handleRemoveFrame(m message.RemoveFrame) {
	c, ok := o.tree.Get(m.Context)
	if !ok || c.Parent != m.Parent {
		o.stale(m.Kind(), logging.Pipeline(m.Parent), logging.Context(m.Context))
		return
	}
	top := c.TopLevel
	o.removeContext(m.Context)
	o.log.Debug("Frame removed", logging.Pipeline(m.Parent), logging.Context(m.Context))
	o.updateFrameTree(top)
	o.notifyHistory(top)
}

func (o *Orchestrator) handleClose(top id.TopLevelID) {
	if _, ok := o.histories[top]; !ok {
		o.stale("close_top_level", logging.TopLevel(top))
		return
	}
	o.removeContext(top.Context())
	delete(o.histories, top)
	delete(o.focused, top)
	delete(o.visible, top)
	delete(o.openers, top)

	o.log.Info("Closed tab", logging.TopLevel(top))
	o.compositor.Send(message.RemoveFrameTree{TopLevel: top})
	o.embedder.Send(message.TopLevelClosed{TopLevel: top})
}

// removeContext takes ctxID and its descendants out of the tree and exits
// every pipeline they owned.
func (o *Orchestrator) removeContext(ctxID id.BrowsingContextID) {
	removal := o.tree.Remove(ctxID)
	for _, c := range removal.Contexts {
		o.cancelNavigation(c.ID, "cancelled")
		if h, ok := o.histories[c.TopLevel]; ok && !c.IsTopLevel() {
			h.RemoveContext(c.ID)
		}
		if o.focused[c.TopLevel] == c.ID {
			delete(o.focused, c.TopLevel)
		}
	}
	for _, pid := range removal.Pipelines {
		p, ok := o.pipelines[pid]
		if !ok {
			continue
		}
		if err := p.Exit(); err != nil {
			o.log.Debug("Pipeline exit failed", append(pipelineFields(p), zap.Error(err))...)
		}
		o.forget(pid)
	}
}

// exitPipeline gracefully exits pid and releases everything attached to it.
func (o *Orchestrator) exitPipeline(pid id.PipelineID) {
	p, ok := o.pipelines[pid]
	if !ok {
		return
	}
	if err := p.Exit(); err != nil {
		o.log.Debug("Pipeline exit failed", append(pipelineFields(p), zap.Error(err))...)
	}
	o.releasePipeline(pid)
}

// releasePipeline drops an already exited pipeline from every table and
// removes the contexts it embedded.
func (o *Orchestrator) releasePipeline(pid id.PipelineID) {
	p, ok := o.pipelines[pid]
	if !ok {
		return
	}
	if h, ok := o.histories[p.TopLevel]; ok {
		h.Discard(pid)
	}
	if nav, ok := o.pending[p.Context]; ok && nav.pipeline == pid {
		delete(o.pending, p.Context)
		if nav.cancel != nil {
			nav.cancel()
		}
	}
	for _, orphan := range o.tree.Detach(pid) {
		o.removeContext(orphan)
	}
	o.forget(pid)
}

// forget removes pid's timers, watchdog entry and event loop membership,
// exiting the loop once it hosts nothing.
func (o *Orchestrator) forget(pid id.PipelineID) {
	delete(o.pipelines, pid)
	o.dropTimers(pid)
	if o.watchdog != nil {
		o.watchdog.Unwatch(pid)
	}
	g, empty := o.groups.Leave(pid)
	if g == nil || !empty {
		return
	}
	o.groups.Remove(g)
	if err := g.Loop.Exit(); err != nil {
		o.log.Debug("Event loop exit failed", zap.Uint32("namespace", uint32(g.Namespace())), zap.Error(err))
	}
	o.log.Debug("Event loop retired", zap.Uint32("namespace", uint32(g.Namespace())))
}
