package orchestrator

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/browsing"
	"github.com/GriffinCanCode/constellation/internal/domain/history"
	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// traverse moves a tab's joint session history by delta and makes every
// affected context display its new entry. Out-of-range deltas are ignored.
func (o *Orchestrator) traverse(top id.TopLevelID, delta int) {
	h, ok := o.histories[top]
	if !ok {
		o.stale("navigate", logging.TopLevel(top))
		return
	}
	targets, err := h.Traverse(delta)
	if err != nil {
		o.log.Debug("Ignoring traversal", logging.TopLevel(top), zap.Int("delta", delta), zap.Error(err))
		return
	}
	o.metrics.IncTraversals()

	for _, t := range targets {
		c, ok := o.tree.Get(t.Context)
		if !ok {
			continue
		}
		o.cancelNavigation(c.ID, "superseded")
		o.activateEntry(c, t.Entry, h)
	}

	o.log.Debug("Traversed history",
		logging.TopLevel(top),
		zap.Int("delta", delta),
		zap.Int("index", h.Index()),
		zap.Int("contexts", len(targets)))
	o.updateFrameTree(top)
	o.notifyHistory(top)
}

// activateEntry makes c display e, thawing e's document when it is still
// alive and reloading it otherwise.
func (o *Orchestrator) activateEntry(c *browsing.Context, e *history.Entry, h *history.JointSessionHistory) {
	old := c.Active
	c.Current = e

	p, alive := o.pipelines[e.Pipeline]
	if e.Discarded() || !alive || !c.Owns(e.Pipeline) {
		e.Pipeline = id.PipelineID{}
		o.startNavigation(c, e.URL, navReload, e, "")
		return
	}

	if old == p.ID {
		if p.URL != e.URL {
			p.URL = e.URL
			o.sendScript(p, pipeline.PopState{Pipeline: p.ID, URL: e.URL})
		}
		return
	}

	c.Active = p.ID
	c.Crashed = false
	parentFrozen := false
	if parent, ok := o.pipelines[c.Parent]; ok && parent.State() == pipeline.Frozen {
		parentFrozen = true
	}
	if !parentFrozen {
		o.thawSubtree(p)
	}
	if p.URL != e.URL {
		p.URL = e.URL
		o.sendScript(p, pipeline.PopState{Pipeline: p.ID, URL: e.URL})
	}
	if !old.IsZero() {
		o.retire(old, h)
	}
}

// freezeSubtree freezes pid and the active documents of every context it
// embeds. Navigations in flight below pid are abandoned.
func (o *Orchestrator) freezeSubtree(pid id.PipelineID) {
	p, ok := o.pipelines[pid]
	if !ok {
		return
	}
	if p.State() == pipeline.Active {
		if err := p.Freeze(); err != nil {
			o.log.Warn("Failed to freeze pipeline", append(pipelineFields(p), zap.Error(err))...)
		}
	}
	for _, child := range o.tree.Children(pid) {
		o.cancelNavigation(child, "frozen")
		if c, ok := o.tree.Get(child); ok && !c.Active.IsZero() {
			o.freezeSubtree(c.Active)
		}
	}
}

// thawSubtree resumes p and the active documents below it, delivering the
// timers each held while frozen.
func (o *Orchestrator) thawSubtree(p *pipeline.Pipeline) {
	if p.State() == pipeline.Frozen {
		held, err := p.Thaw()
		if err != nil {
			o.log.Warn("Failed to thaw pipeline", append(pipelineFields(p), zap.Error(err))...)
		}
		for _, h := range held {
			o.metrics.RecordTimerFire("delivered")
			o.sendScript(p, pipeline.FireTimer{Pipeline: p.ID, Handle: h})
		}
	}
	for _, child := range o.tree.Children(p.ID) {
		c, ok := o.tree.Get(child)
		if !ok || c.Active.IsZero() {
			continue
		}
		if cp, ok := o.pipelines[c.Active]; ok {
			o.thawSubtree(cp)
		}
	}
}

// activeSource returns pid when it is the displayed document of its context.
func (o *Orchestrator) activeSource(kind string, pid id.PipelineID) (*pipeline.Pipeline, *browsing.Context, bool) {
	p, ok := o.pipelines[pid]
	if !ok || p.State() != pipeline.Active {
		o.stale(kind, logging.Pipeline(pid))
		return nil, nil, false
	}
	c, ok := o.tree.Owner(pid)
	if !ok || c.Active != pid {
		o.stale(kind, logging.Pipeline(pid))
		return nil, nil, false
	}
	return p, c, true
}

// handlePushState adds a same-document entry sharing the pipeline.
func (o *Orchestrator) handlePushState(m message.PushState) {
	p, c, ok := o.activeSource(m.Kind(), m.Pipeline)
	if !ok {
		return
	}
	h := o.histories[c.TopLevel]
	o.cancelNavigation(c.ID, "superseded")

	entry := &history.Entry{Context: c.ID, Pipeline: p.ID, URL: m.URL, Title: p.Title}
	dropped := h.Push(history.Change{Context: c.ID, Old: c.Current, New: entry})
	c.Current = entry
	p.URL = m.URL
	o.releaseDropped(dropped, h)

	o.notifyHistory(c.TopLevel)
	o.updateFrameTree(c.TopLevel)
}

// handleReplaceState rewrites the current entry's URL in place.
func (o *Orchestrator) handleReplaceState(m message.ReplaceState) {
	p, c, ok := o.activeSource(m.Kind(), m.Pipeline)
	if !ok {
		return
	}
	if c.Current != nil {
		c.Current.URL = m.URL
	}
	p.URL = m.URL
	o.notifyHistory(c.TopLevel)
	o.updateFrameTree(c.TopLevel)
}

// handleHistoryGo traverses the document's tab; zero reloads the document.
func (o *Orchestrator) handleHistoryGo(m message.HistoryGo) {
	_, c, ok := o.activeSource(m.Kind(), m.Pipeline)
	if !ok {
		return
	}
	if m.Delta == 0 {
		o.handleReload(c.ID)
		return
	}
	o.traverse(c.TopLevel, m.Delta)
}

func (o *Orchestrator) sendScript(p *pipeline.Pipeline, c pipeline.Control) {
	if err := p.Script().Send(c); err != nil {
		o.log.Debug("Script endpoint refused control", append(pipelineFields(p), zap.Error(err))...)
	}
}
