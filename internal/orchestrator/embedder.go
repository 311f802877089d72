package orchestrator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/domain/session"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

func (o *Orchestrator) handleResize(m message.Resize) {
	c, ok := o.tree.Get(m.Context)
	if !ok {
		o.stale(m.Kind(), logging.Context(m.Context))
		return
	}
	if m.Size.Width <= 0 || m.Size.Height <= 0 {
		o.log.Debug("Ignoring empty resize", logging.Context(m.Context))
		return
	}
	c.Size = m.Size
	if p, ok := o.pipelines[c.Active]; ok {
		if err := p.Layout().Send(pipeline.Resize{Pipeline: p.ID, Size: m.Size}); err != nil {
			o.log.Debug("Layout endpoint refused resize", append(pipelineFields(p), zap.Error(err))...)
		}
	}
	o.updateFrameTree(c.TopLevel)
}

// handleFocus focuses a context. A context with no live document (crashed or
// discarded) is reloaded first.
func (o *Orchestrator) handleFocus(ctxID id.BrowsingContextID) {
	c, ok := o.tree.Get(ctxID)
	if !ok {
		o.stale("focus", logging.Context(ctxID))
		return
	}
	o.focused[c.TopLevel] = c.ID

	if c.Crashed || c.Active.IsZero() {
		if _, loading := o.pending[c.ID]; loading {
			return
		}
		if c.Current != nil {
			o.log.Info("Reloading context on focus", logging.Context(c.ID), zap.Bool("crashed", c.Crashed))
			o.startNavigation(c, c.Current.URL, navReload, c.Current, "")
		}
		return
	}
	if p, ok := o.pipelines[c.Active]; ok {
		o.sendScript(p, pipeline.Focus{Pipeline: p.ID})
	}
}

func (o *Orchestrator) handleVisibility(m message.SetVisibility) {
	if _, ok := o.histories[m.TopLevel]; !ok {
		o.stale(m.Kind(), logging.TopLevel(m.TopLevel))
		return
	}
	o.visible[m.TopLevel] = m.Visible
	for _, c := range o.tree.InTab(m.TopLevel) {
		p, ok := o.pipelines[c.Active]
		if !ok || p.State() != pipeline.Active {
			continue
		}
		p.Visible = m.Visible
		if err := p.Layout().Send(pipeline.SetVisible{Pipeline: p.ID, Visible: m.Visible}); err != nil {
			o.log.Debug("Layout endpoint refused visibility", append(pipelineFields(p), zap.Error(err))...)
		}
	}
}

func (o *Orchestrator) handleQueryFrameTree(m message.QueryFrameTree) {
	if _, ok := o.histories[m.TopLevel]; !ok {
		message.Reply(m.Reply, message.FrameTreeReply{Err: fmt.Errorf("%w: %s", ErrUnknownTopLevel, m.TopLevel)})
		return
	}
	message.Reply(m.Reply, message.FrameTreeReply{Tree: o.frameTree(m.TopLevel.Context())})
}

func (o *Orchestrator) handleQueryHistory(m message.QueryHistory) {
	entries, index, err := o.historyView(m.TopLevel)
	message.Reply(m.Reply, message.HistoryReply{Entries: entries, Index: index, Err: err})
}

func (o *Orchestrator) handleSnapshot(m message.SnapshotHistory) {
	entries, index, err := o.historyView(m.TopLevel)
	if err != nil {
		message.Reply(m.Reply, message.SnapshotReply{Err: err})
		return
	}
	snap := session.FromEntries(m.TopLevel, entries, index)
	data, err := session.Encode(snap)
	if err != nil {
		o.log.Error("Failed to encode history snapshot", logging.TopLevel(m.TopLevel), zap.Error(err))
		message.Reply(m.Reply, message.SnapshotReply{Err: err})
		return
	}
	message.Reply(m.Reply, message.SnapshotReply{ID: snap.ID, Data: data})
}

// historyView flattens a tab's history for the embedder.
func (o *Orchestrator) historyView(top id.TopLevelID) ([]message.HistoryEntry, int, error) {
	h, ok := o.histories[top]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownTopLevel, top)
	}
	entries := h.Entries()
	out := make([]message.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, message.HistoryEntry{Context: e.Context, Pipeline: e.Pipeline, URL: e.URL, Title: e.Title})
	}
	return out, h.Index(), nil
}

func (o *Orchestrator) notifyHistory(top id.TopLevelID) {
	entries, index, err := o.historyView(top)
	if err != nil {
		return
	}
	o.embedder.Send(message.HistoryChanged{TopLevel: top, Entries: entries, Index: index})
}

// handlePrompt forwards a prompt from a displayed document to the embedder.
// Prompts from anything else are dismissed immediately.
func (o *Orchestrator) handlePrompt(req message.Message) {
	pid, _ := message.PromptPipeline(req)
	p, ok := o.pipelines[pid]
	if !ok || p.State() != pipeline.Active || !o.isDisplayed(pid) {
		message.Dismiss(req)
		o.stale(req.Kind(), logging.Pipeline(pid))
		return
	}
	o.embedder.Send(message.PromptRequested{TopLevel: p.TopLevel, Request: req})
}
