package orchestrator

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/browsing"
	"github.com/GriffinCanCode/constellation/internal/domain/eventloop"
	"github.com/GriffinCanCode/constellation/internal/domain/history"
	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/network"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

type navKind int

const (
	// navPush commits a new history entry after the cursor.
	navPush navKind = iota
	// navReplace swaps the document of the current entry.
	navReplace
	// navReload re-creates the document of a specific entry (first load,
	// reload, crash recovery, traversal to a discarded entry).
	navReload
)

func (k navKind) String() string {
	switch k {
	case navPush:
		return "push"
	case navReplace:
		return "replace"
	default:
		return "reload"
	}
}

// navigation is one in-flight attempt. At most one exists per context; a newer
// attempt supersedes it.
type navigation struct {
	kind       navKind
	generation id.Generation
	context    id.BrowsingContextID
	url        string
	entry      *history.Entry
	referrer   string
	pipeline   id.PipelineID
	document   *pipeline.Document
	cancel     context.CancelFunc
	started    time.Time
}

const blankURL = "about:blank"

func fetchable(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// opener links a tab to the document that opened it.
type opener struct {
	context id.BrowsingContextID
	// group is the tab whose same-site loops the opened tab joins.
	group id.TopLevelID
}

func (o *Orchestrator) handleNewTopLevel(m message.NewTopLevel) {
	var link *opener
	if !m.Opener.IsZero() {
		_, src, ok := o.activeSource(m.Kind(), m.Opener)
		if !ok {
			return
		}
		if o.hidden(src) {
			o.stale(m.Kind(), logging.Pipeline(m.Opener), zap.String("reason", "inside a frozen document"))
			return
		}
		link = &opener{context: src.ID, group: src.TopLevel}
		if parent, ok := o.openers[src.TopLevel]; ok {
			link.group = parent.group
		}
	}

	top := o.ids.TopLevel()
	size := m.Size
	if size.Width <= 0 || size.Height <= 0 {
		size = message.Size{Width: o.cfg.Orchestrator.ViewportWidth, Height: o.cfg.Orchestrator.ViewportHeight}
	}
	c, err := o.tree.InsertTopLevel(top, size)
	if err != nil {
		o.log.Error("Failed to open tab", logging.TopLevel(top), zap.Error(err))
		return
	}
	target := m.URL
	if target == "" {
		target = blankURL
	}

	entry := &history.Entry{Context: c.ID, URL: target}
	c.Current = entry
	o.histories[top] = history.New(entry)
	o.visible[top] = true
	if link != nil {
		o.openers[top] = *link
	}
	message.Reply(m.Reply, top)

	o.log.Info("Opened tab", logging.TopLevel(top), zap.String("url", target))
	if link != nil {
		o.embedder.Send(message.TopLevelOpened{TopLevel: top, Opener: link.context, URL: target})
	}
	o.startNavigation(c, target, navReload, entry, "")
}

func (o *Orchestrator) handleLoadURL(m message.LoadURL) {
	c, ok := o.tree.Get(m.Context)
	if !ok {
		o.stale(m.Kind(), logging.Context(m.Context))
		return
	}
	referrer := ""
	if !m.Source.IsZero() {
		src, ok := o.pipelines[m.Source]
		if !ok || src.State() != pipeline.Active {
			o.stale(m.Kind(), logging.Pipeline(m.Source))
			return
		}
		referrer = src.URL
	}
	if o.hidden(c) {
		o.stale(m.Kind(), logging.Context(c.ID), zap.String("reason", "inside a frozen document"))
		return
	}

	kind := navPush
	if m.Replace {
		kind = navReplace
	}
	o.startNavigation(c, m.URL, kind, nil, referrer)
}

func (o *Orchestrator) handleReload(ctxID id.BrowsingContextID) {
	c, ok := o.tree.Get(ctxID)
	if !ok || c.Current == nil {
		o.stale("reload", logging.Context(ctxID))
		return
	}
	o.startNavigation(c, c.Current.URL, navReload, c.Current, "")
}

// startNavigation supersedes any attempt in flight for c and begins a new one.
func (o *Orchestrator) startNavigation(c *browsing.Context, target string, kind navKind, entry *history.Entry, referrer string) {
	o.cancelNavigation(c.ID, "superseded")

	o.generation++
	nav := &navigation{
		kind:       kind,
		generation: o.generation,
		context:    c.ID,
		url:        target,
		entry:      entry,
		referrer:   referrer,
		started:    time.Now(),
	}
	o.pending[c.ID] = nav

	o.log.Debug("Navigation started",
		logging.Context(c.ID),
		logging.Generation(nav.generation),
		zap.Stringer("kind", kind),
		zap.String("url", target))
	o.embedder.Send(message.LoadStarted{TopLevel: c.TopLevel, Context: c.ID, URL: target})

	if o.fetcher != nil && fetchable(target) {
		ctx, cancel := context.WithCancel(o.ctx)
		nav.cancel = cancel
		o.fetcher.Fetch(ctx, network.Request{
			Context:    c.ID,
			Generation: nav.generation,
			URL:        target,
			Referrer:   referrer,
		}, message.NewOutbox(o.networkCh, o.done))
		return
	}
	o.spawn(c, nav)
}

// cancelNavigation abandons the attempt in flight for ctxID, if any.
func (o *Orchestrator) cancelNavigation(ctxID id.BrowsingContextID, reason string) {
	nav, ok := o.pending[ctxID]
	if !ok {
		return
	}
	delete(o.pending, ctxID)
	if nav.cancel != nil {
		nav.cancel()
	}
	if !nav.pipeline.IsZero() {
		o.exitPipeline(nav.pipeline)
	}
	o.metrics.RecordNavigation(reason)
	o.log.Debug("Navigation abandoned",
		logging.Context(ctxID),
		logging.Generation(nav.generation),
		zap.String("reason", reason))
}

// spawn places a new pipeline for nav in an event loop.
func (o *Orchestrator) spawn(c *browsing.Context, nav *navigation) {
	req := eventloop.Request{TopLevel: c.TopLevel, URL: nav.url}
	var openerCtx *id.BrowsingContextID
	if link, ok := o.openers[c.TopLevel]; ok {
		req.Opener = &link.group
		if c.IsTopLevel() {
			openerCtx = &link.context
		}
	}
	key, shared := o.policy.Key(req)

	var group *eventloop.Group
	if shared {
		group, _ = o.groups.Lookup(key)
	}
	if group == nil {
		ns := o.namespaces.Next()
		policy := o.sandbox(o.cfg.Platform)
		loop, err := o.launcher.Launch(o.ctx, pipeline.LaunchSpec{
			Key:       string(key),
			Namespace: ns,
			Sandbox:   policy,
			Outbox:    message.NewOutbox(o.contentCh, o.done),
			Heartbeat: o.heartbeat,
		})
		if err != nil {
			delete(o.pending, c.ID)
			o.metrics.IncSpawnFailures()
			o.metrics.RecordNavigation("spawn_failed")
			o.log.Error("Failed to launch event loop",
				logging.Context(c.ID),
				zap.String("sandbox", policy.Name),
				zap.String("url", nav.url),
				zap.Error(err))
			o.embedder.Send(message.NavigationFailed{
				TopLevel: c.TopLevel,
				Context:  c.ID,
				URL:      nav.url,
				Reason:   err.Error(),
			})
			return
		}
		if !shared {
			key = ""
		}
		group = o.groups.Add(key, loop)
		o.log.Info("Launched event loop",
			zap.Uint32("namespace", uint32(ns)),
			zap.String("key", string(key)),
			zap.String("sandbox", policy.Name))
	}

	desc := pipeline.Descriptor{
		Pipeline:   o.ids.Pipeline(),
		Context:    c.ID,
		TopLevel:   c.TopLevel,
		Parent:     c.Parent,
		Opener:     openerCtx,
		URL:        nav.url,
		Generation: nav.generation,
		Size:       c.Size,
		Visible:    o.visible[c.TopLevel],
		Document:   nav.document,
	}
	p := pipeline.New(desc, group.Loop)
	if err := o.tree.Attach(c.ID, p.ID); err != nil {
		panic(err)
	}
	o.pipelines[p.ID] = p
	o.groups.Join(group, p.ID)
	nav.pipeline = p.ID
	if o.watchdog != nil {
		o.watchdog.Watch(p.ID)
	}

	if err := p.Script().Send(pipeline.Init{Descriptor: desc}); err != nil {
		o.log.Warn("Event loop refused pipeline", append(pipelineFields(p), zap.Error(err))...)
	}
}

func (o *Orchestrator) handleNetwork(ev message.NetworkEvent) {
	ctxID, gen := ev.Target()
	nav, ok := o.pending[ctxID]
	if !ok || nav.generation != gen || !nav.pipeline.IsZero() {
		o.stale(ev.Kind(), logging.Context(ctxID), logging.Generation(gen))
		return
	}
	c, ok := o.tree.Get(ctxID)
	if !ok {
		o.stale(ev.Kind(), logging.Context(ctxID))
		return
	}

	switch m := ev.(type) {
	case message.Redirect:
		nav.url = m.To
		o.log.Debug("Navigation redirected", logging.Context(ctxID), zap.String("from", m.From), zap.String("to", m.To))
		return
	case message.ResponseHeaders:
		nav.url = m.URL
		nav.document = &pipeline.Document{
			URL:         m.URL,
			Status:      m.Status,
			ContentType: m.ContentType,
			Charset:     m.Charset,
			Body:        m.Body,
		}
	case message.CertificateError:
		o.navigationFailed(c, nav, m.URL, "certificate error: "+m.Reason)
	case message.FetchFailed:
		o.navigationFailed(c, nav, m.URL, m.Reason)
	default:
		o.log.Warn("Unknown network event", zap.String("kind", ev.Kind()))
		return
	}

	if nav.cancel != nil {
		nav.cancel()
		nav.cancel = nil
	}
	o.spawn(c, nav)
}

// navigationFailed turns nav into an error page load.
func (o *Orchestrator) navigationFailed(c *browsing.Context, nav *navigation, target, reason string) {
	nav.document = &pipeline.Document{URL: target, Failure: reason}
	o.metrics.RecordNavigation("failed")
	o.log.Info("Navigation failed", logging.Context(c.ID), zap.String("url", target), zap.String("reason", reason))
	o.embedder.Send(message.NavigationFailed{TopLevel: c.TopLevel, Context: c.ID, URL: target, Reason: reason})
}

func (o *Orchestrator) handleReady(m message.PipelineReady) {
	p, ok := o.pipelines[m.Pipeline]
	if !ok {
		o.stale(m.Kind(), logging.Pipeline(m.Pipeline))
		return
	}
	nav, ok := o.pending[p.Context]
	if !ok || nav.pipeline != m.Pipeline || nav.generation != m.Generation {
		o.stale(m.Kind(), logging.Pipeline(m.Pipeline), logging.Generation(m.Generation))
		return
	}
	o.commit(nav, p)
}

// commit makes p the active document of its context.
func (o *Orchestrator) commit(nav *navigation, p *pipeline.Pipeline) {
	delete(o.pending, nav.context)
	c, _ := o.tree.Get(nav.context)
	if o.hidden(c) {
		o.stale("pipeline_ready", logging.Pipeline(p.ID), zap.String("reason", "inside a frozen document"))
		o.exitPipeline(p.ID)
		return
	}
	h := o.histories[c.TopLevel]

	kind := nav.kind
	if kind == navPush && c.Active.IsZero() && c.Current != nil && c.Current.Discarded() {
		// Navigating away from a document that never loaded replaces it.
		kind = navReplace
	}

	var dropped []history.Step
	switch kind {
	case navPush:
		entry := &history.Entry{Context: c.ID, Pipeline: p.ID, URL: nav.url, Title: p.Title}
		dropped = h.Push(history.Change{Context: c.ID, Old: c.Current, New: entry})
		c.Current = entry
	case navReplace:
		if c.Current == nil {
			c.Current = &history.Entry{Context: c.ID}
		}
		c.Current.Pipeline = p.ID
		c.Current.URL = nav.url
		c.Current.Title = p.Title
	case navReload:
		if nav.entry != c.Current {
			o.stale("pipeline_ready", logging.Pipeline(p.ID), zap.String("reason", "entry no longer current"))
			o.exitPipeline(p.ID)
			return
		}
		nav.entry.Pipeline = p.ID
		nav.entry.URL = nav.url
		nav.entry.Title = p.Title
	}

	old := c.Active
	p.URL = nav.url
	if err := p.Activate(); err != nil {
		panic(err)
	}
	c.Active = p.ID
	c.Crashed = false

	if !old.IsZero() && old != p.ID {
		o.retire(old, h)
	}
	o.releaseDropped(dropped, h)
	o.evictFrozen(c.TopLevel)

	o.metrics.RecordNavigation("committed")
	o.log.Info("Navigation committed",
		logging.Pipeline(p.ID),
		logging.Context(c.ID),
		logging.Generation(nav.generation),
		zap.Stringer("kind", kind),
		zap.String("url", nav.url),
		since(nav.started))

	o.updateFrameTree(c.TopLevel)
	if kind != navReload || c.IsTopLevel() {
		o.notifyHistory(c.TopLevel)
	}
}

// retire demotes a pipeline that stopped being displayed: frozen while history
// still references it, exited otherwise.
func (o *Orchestrator) retire(pid id.PipelineID, h *history.JointSessionHistory) {
	if _, ok := o.pipelines[pid]; !ok {
		return
	}
	if h != nil && h.References(pid) {
		o.freezeSubtree(pid)
		return
	}
	o.exitPipeline(pid)
}

// releaseDropped exits pipelines only reachable from truncated steps.
func (o *Orchestrator) releaseDropped(dropped []history.Step, h *history.JointSessionHistory) {
	for _, step := range dropped {
		for _, change := range step.Changes {
			for _, e := range []*history.Entry{change.Old, change.New} {
				if e == nil || e.Discarded() || o.isDisplayed(e.Pipeline) || h.References(e.Pipeline) {
					continue
				}
				o.exitPipeline(e.Pipeline)
			}
		}
	}
}

// evictFrozen discards the frozen documents farthest from the cursor until the
// tab is within its budget.
func (o *Orchestrator) evictFrozen(top id.TopLevelID) {
	h, ok := o.histories[top]
	if !ok {
		return
	}
	limit := o.cfg.Orchestrator.MaxFrozenPipelines
	for {
		var frozen []id.PipelineID
		for pid, p := range o.pipelines {
			if p.TopLevel == top && p.State() == pipeline.Frozen && !o.isDisplayed(pid) {
				frozen = append(frozen, pid)
			}
		}
		if len(frozen) <= limit {
			return
		}
		sortPipelineIDs(frozen)
		victim, ok := h.Farthest(frozen)
		if !ok {
			victim = frozen[0]
		}
		o.log.Debug("Evicting frozen pipeline", logging.Pipeline(victim), logging.TopLevel(top))
		h.Discard(victim)
		o.exitPipeline(victim)
	}
}

// hidden reports whether c lies inside a frozen document, one the tab keeps
// only for history.
func (o *Orchestrator) hidden(c *browsing.Context) bool {
	for !c.IsTopLevel() {
		parent, ok := o.pipelines[c.Parent]
		if !ok || parent.State() == pipeline.Frozen {
			return true
		}
		owner, ok := o.tree.Owner(c.Parent)
		if !ok {
			return true
		}
		c = owner
	}
	return false
}

// isDisplayed reports whether pid is the active pipeline of its context.
func (o *Orchestrator) isDisplayed(pid id.PipelineID) bool {
	c, ok := o.tree.Owner(pid)
	return ok && c.Active == pid
}

func (o *Orchestrator) handleLoadComplete(m message.LoadComplete) {
	p, ok := o.pipelines[m.Pipeline]
	if !ok {
		o.stale(m.Kind(), logging.Pipeline(m.Pipeline))
		return
	}
	if !o.isDisplayed(p.ID) {
		return
	}
	o.embedder.Send(message.LoadCompleted{TopLevel: p.TopLevel, Context: p.Context, Pipeline: p.ID, URL: p.URL})
}

func (o *Orchestrator) handleTitle(m message.TitleChanged) {
	p, ok := o.pipelines[m.Pipeline]
	if !ok {
		o.stale(m.Kind(), logging.Pipeline(m.Pipeline))
		return
	}
	p.Title = m.Title
	c, ok := o.tree.Owner(p.ID)
	if !ok {
		return
	}
	if c.Current != nil && c.Current.Pipeline == p.ID {
		c.Current.Title = m.Title
	}
	if c.IsTopLevel() && c.Active == p.ID {
		o.embedder.Send(message.TitleUpdated{TopLevel: c.TopLevel, Title: m.Title})
	}
}
