package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/network"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
	"github.com/GriffinCanCode/constellation/internal/testutil"
)

func child(tree message.FrameTree, ctxID id.BrowsingContextID) (message.FrameTree, bool) {
	for _, c := range tree.Children {
		if c.Context == ctxID {
			return c, true
		}
	}
	return message.FrameTree{}, false
}

// waitChild waits until ctxID is displayed under the tab's root.
func (h *harness) waitChild(top id.TopLevelID, ctxID id.BrowsingContextID) message.FrameTree {
	h.t.Helper()
	var node message.FrameTree
	require.Eventually(h.t, func() bool {
		c, ok := child(h.frameTree(top), ctxID)
		node = c
		return ok && !c.Pipeline.IsZero()
	}, waitFor, tick)
	return node
}

func TestFramesFollowTheirParent(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	root := h.frameTree(top).Pipeline
	loop := h.loopFor(root)

	same := loop.NewContextID()
	cross := loop.NewContextID()
	loop.Emit(message.CreateFrame{Parent: root, Context: same, Name: "same", URL: "http://a.test/frame"})
	loop.Emit(message.CreateFrame{Parent: root, Context: cross, Name: "cross", URL: "http://b.test/"})

	sameNode := h.waitChild(top, same)
	crossNode := h.waitChild(top, cross)
	assert.Equal(t, message.Size{Width: 300, Height: 150}, sameNode.Size)
	assert.Same(t, loop, h.loopFor(sameNode.Pipeline))
	assert.NotSame(t, loop, h.loopFor(crossNode.Pipeline))

	desc, ok := loop.Init(sameNode.Pipeline)
	require.True(t, ok)
	assert.Equal(t, root, desc.Parent)
	assert.Equal(t, same, desc.Context)

	entries, _ := h.waitHistory(top, func([]message.HistoryEntry, int) bool { return true })
	assert.Len(t, entries, 1, "initial frame loads do not add history")

	foreign := id.NewAllocator(99).BrowsingContext()
	loop.Emit(message.CreateFrame{Parent: root, Context: foreign, URL: "http://a.test/x"})
	loop.Emit(message.RemoveFrame{Parent: root, Context: same})

	require.Eventually(t, func() bool { return len(h.frameTree(top).Children) == 1 }, waitFor, tick)
	_, ok = child(h.frameTree(top), cross)
	assert.True(t, ok)
	assert.Equal(t, 2, h.stats().Contexts)
	assert.Equal(t, 1, countControls[pipeline.Exit](loop, sameNode.Pipeline))
}

// findFrame searches the whole tree for ctxID.
func findFrame(tree message.FrameTree, ctxID id.BrowsingContextID) (message.FrameTree, bool) {
	if tree.Context == ctxID {
		return tree, true
	}
	for _, c := range tree.Children {
		if node, ok := findFrame(c, ctxID); ok {
			return node, true
		}
	}
	return message.FrameTree{}, false
}

func (h *harness) waitFrame(top id.TopLevelID, ctxID id.BrowsingContextID) message.FrameTree {
	h.t.Helper()
	var node message.FrameTree
	require.Eventually(h.t, func() bool {
		n, ok := findFrame(h.frameTree(top), ctxID)
		node = n
		return ok && !n.Pipeline.IsZero()
	}, waitFor, tick)
	return node
}

func TestNestedFramesLeaveNoTrace(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.Orchestrator.CheckInvariants = true })
	top := h.open("http://a.test/")
	root := h.frameTree(top).Pipeline
	before := h.stats()

	sites := []string{"http://b.test/", "http://c.test/", "http://d.test/", "http://a.test/inner"}
	var (
		frames []id.BrowsingContextID
		loops  []*testutil.FakeLoop
	)
	parent := root
	for _, site := range sites {
		loop := h.loopFor(parent)
		ctxID := loop.NewContextID()
		loop.Emit(message.CreateFrame{Parent: parent, Context: ctxID, URL: site})
		parent = h.waitFrame(top, ctxID).Pipeline
		frames = append(frames, ctxID)
		loops = append(loops, h.loopFor(parent))
	}

	inner := loops[len(loops)-1]
	inner.Emit(message.ScheduleTimer{Pipeline: parent, Handle: inner.NewTimerHandle(), Delay: time.Hour})
	require.Eventually(t, func() bool { return h.stats().Timers == 1 }, waitFor, tick)

	s := h.stats()
	assert.Equal(t, before.Contexts+len(sites), s.Contexts)
	assert.Equal(t, before.Pipelines+len(sites), s.Pipelines)
	assert.Greater(t, s.EventLoops, before.EventLoops)
	entries, _ := h.waitHistory(top, func([]message.HistoryEntry, int) bool { return true })
	assert.Len(t, entries, 1)

	h.loopFor(root).Emit(message.RemoveFrame{Parent: root, Context: frames[0]})
	require.Eventually(t, func() bool { return h.stats() == before }, waitFor, tick)
	assert.Empty(t, h.frameTree(top).Children)
	for _, loop := range loops[:3] {
		assert.True(t, loop.Exited())
	}
	assert.False(t, h.loopFor(root).Exited())
}

func TestFrozenDocumentAbandonsFrameNavigation(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	root := h.frameTree(top).Pipeline
	loopA := h.loopFor(root)

	frame := loopA.NewContextID()
	loopA.Emit(message.CreateFrame{Parent: root, Context: frame, URL: "http://a.test/one"})
	first := h.waitChild(top, frame).Pipeline

	h.launcher.SetAutoReady(false)
	h.send(message.LoadURL{Context: frame, URL: "http://c.test/two"})
	var (
		held  pipeline.Descriptor
		loopC *testutil.FakeLoop
	)
	require.Eventually(t, func() bool {
		for _, loop := range h.launcher.Loops() {
			for _, d := range loop.Inits() {
				if d.URL == "http://c.test/two" {
					held, loopC = d, loop
					return true
				}
			}
		}
		return false
	}, waitFor, tick)
	h.launcher.SetAutoReady(true)

	h.load(top, "http://d.test/", 2)
	assert.True(t, loopC.Exited())
	assert.Zero(t, h.stats().PendingNavigates)

	loopC.Emit(message.PipelineReady{Pipeline: held.Pipeline, Generation: held.Generation})
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("pipeline_ready")) == 1
	}, waitFor, tick)

	h.send(message.LoadURL{Context: frame, URL: "http://c.test/three"})
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("load_url")) == 1
	}, waitFor, tick)

	entries, index := h.waitHistory(top, func([]message.HistoryEntry, int) bool { return true })
	assert.Equal(t, []string{"http://a.test/", "http://d.test/"}, urls(entries))
	assert.Equal(t, 1, index)
	assert.Equal(t, "http://d.test/", h.frameTree(top).URL)
	assert.Zero(t, h.stats().PendingNavigates)

	h.traverse(top, -1, 0)
	node, ok := child(h.frameTree(top), frame)
	require.True(t, ok)
	assert.Equal(t, first, node.Pipeline)
	assert.Equal(t, "http://a.test/one", node.URL)
}

func TestOpenedTabKnowsItsOpener(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	root := h.frameTree(top).Pipeline
	loop := h.loopFor(root)

	loop.Emit(message.NewTopLevel{URL: "http://a.test/popup", Opener: root})
	require.Eventually(t, func() bool { return len(h.rec.EventsOfKind("top_level_opened")) == 1 }, waitFor, tick)
	opened := h.rec.EventsOfKind("top_level_opened")[0].(message.TopLevelOpened)
	assert.Equal(t, top.Context(), opened.Opener)
	assert.Equal(t, "http://a.test/popup", opened.URL)
	assert.NotEqual(t, top, opened.TopLevel)

	entries, _ := h.waitHistory(opened.TopLevel, func(e []message.HistoryEntry, _ int) bool { return !e[0].Pipeline.IsZero() })
	popup := entries[0].Pipeline
	assert.Same(t, loop, h.loopFor(popup), "same-site pages of an opened tab share the opener's loop")
	desc, ok := loop.Init(popup)
	require.True(t, ok)
	require.NotNil(t, desc.Opener)
	assert.Equal(t, top.Context(), *desc.Opener)

	rootDesc, ok := loop.Init(root)
	require.True(t, ok)
	assert.Nil(t, rootDesc.Opener)

	gone := id.PipelineID{Namespace: id.RootNamespace, Index: 404}
	loop.Emit(message.NewTopLevel{URL: "http://a.test/lost", Opener: gone})
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("new_top_level")) == 1
	}, waitFor, tick)
	assert.Equal(t, 2, h.stats().TopLevels)
}

func TestJointHistoryCoversFrames(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	root := h.frameTree(top).Pipeline
	loop := h.loopFor(root)

	frame := loop.NewContextID()
	loop.Emit(message.CreateFrame{Parent: root, Context: frame, URL: "http://b.test/one"})
	first := h.waitChild(top, frame).Pipeline

	h.send(message.LoadURL{Context: frame, URL: "http://b.test/two"})
	entries, _ := h.waitHistory(top, func(e []message.HistoryEntry, i int) bool {
		return len(e) == 2 && i == 1 && !e[1].Pipeline.IsZero()
	})
	assert.Equal(t, frame, entries[1].Context)
	assert.Equal(t, root, h.frameTree(top).Pipeline, "frame navigation keeps the parent document")

	h.traverse(top, -1, 0)
	node, ok := child(h.frameTree(top), frame)
	require.True(t, ok)
	assert.Equal(t, first, node.Pipeline)
	assert.Equal(t, "http://b.test/one", node.URL)

	h.traverse(top, 1, 1)
	entries = h.load(top, "http://c.test/", 3)
	assert.Equal(t, top.Context(), entries[2].Context)
	// The old parent document is frozen together with both frame documents.
	assert.Equal(t, 3, h.stats().FrozenPipelines)
}

func TestRemovingFrameDropsItsHistory(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	root := h.frameTree(top).Pipeline
	loop := h.loopFor(root)

	frame := loop.NewContextID()
	loop.Emit(message.CreateFrame{Parent: root, Context: frame, URL: "http://a.test/one"})
	h.waitChild(top, frame)
	h.send(message.LoadURL{Context: frame, URL: "http://a.test/two"})
	h.waitHistory(top, func(e []message.HistoryEntry, i int) bool { return len(e) == 2 && !e[1].Pipeline.IsZero() })

	loop.Emit(message.RemoveFrame{Parent: root, Context: frame})
	entries, index := h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool { return len(e) == 1 })
	assert.Zero(t, index)
	assert.Equal(t, top.Context(), entries[0].Context)
	assert.Equal(t, 1, h.stats().Contexts)
}

func TestCrashIsIsolatedToItsEventLoop(t *testing.T) {
	h := newHarness(t, nil)
	topA := h.open("http://a.test/")
	topB := h.open("http://b.test/")
	a := h.frameTree(topA).Pipeline
	b := h.frameTree(topB).Pipeline

	h.loopFor(a).Emit(message.ProcessCrashed{Pipeline: a, Reason: "segfault"})
	require.Eventually(t, func() bool { return h.frameTree(topA).Crashed }, waitFor, tick)

	treeA := h.frameTree(topA)
	assert.True(t, treeA.Pipeline.IsZero())
	assert.Equal(t, "http://a.test/", treeA.URL)
	treeB := h.frameTree(topB)
	assert.False(t, treeB.Crashed)
	assert.Equal(t, b, treeB.Pipeline)

	crashes := h.rec.CompositorOfKind("crash_reported")
	require.Len(t, crashes, 1)
	report := crashes[0].(message.CrashReported)
	assert.Equal(t, topA, report.TopLevel)
	assert.Equal(t, []id.BrowsingContextID{topA.Context()}, report.Contexts)
	assert.Equal(t, 1, h.stats().EventLoops)
	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.Crashes))

	entries, _ := h.waitHistory(topA, func([]message.HistoryEntry, int) bool { return true })
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Pipeline.IsZero())

	require.NoError(t, h.sender.SendFromCompositor(context.Background(), message.Focus{Context: topA.Context()}))
	require.Eventually(t, func() bool {
		tree := h.frameTree(topA)
		return !tree.Crashed && !tree.Pipeline.IsZero()
	}, waitFor, tick)
	assert.NotEqual(t, a, h.frameTree(topA).Pipeline)
}

func TestBackgroundFrameCrash(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	root := h.frameTree(top).Pipeline
	loop := h.loopFor(root)

	frame := loop.NewContextID()
	loop.Emit(message.CreateFrame{Parent: root, Context: frame, URL: "http://ads.test/"})
	framePipeline := h.waitChild(top, frame).Pipeline

	h.loopFor(framePipeline).Emit(message.ProcessCrashed{Pipeline: framePipeline, Reason: "oom"})
	require.Eventually(t, func() bool {
		node, ok := child(h.frameTree(top), frame)
		return ok && node.Crashed
	}, waitFor, tick)

	tree := h.frameTree(top)
	assert.False(t, tree.Crashed)
	assert.Equal(t, root, tree.Pipeline)

	require.NoError(t, h.sender.SendFromCompositor(context.Background(), message.Focus{Context: frame}))
	node := h.waitChild(top, frame)
	assert.False(t, node.Crashed)
	assert.NotEqual(t, framePipeline, node.Pipeline)
}

func TestCrashDuringLoadFailsNavigation(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.AutoReady = false

	top, err := h.sender.NewTopLevel(context.Background(), "http://a.test/", message.Size{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		loops := h.launcher.Loops()
		return len(loops) == 1 && len(loops[0].Inits()) == 1
	}, waitFor, tick)
	loop := h.launcher.Loops()[0]
	desc := loop.Inits()[0]

	loop.Emit(message.ProcessCrashed{Pipeline: desc.Pipeline, Reason: "abort"})
	require.Eventually(t, func() bool { return len(h.rec.EventsOfKind("navigation_failed")) == 1 }, waitFor, tick)
	s := h.stats()
	assert.Zero(t, s.PendingNavigates)
	assert.Zero(t, s.Pipelines)

	crashes := h.rec.CompositorOfKind("crash_reported")
	require.Len(t, crashes, 1)
	report := crashes[0].(message.CrashReported)
	assert.Equal(t, top, report.TopLevel)
	assert.Equal(t, []id.BrowsingContextID{top.Context()}, report.Contexts)

	tree := h.frameTree(top)
	assert.True(t, tree.Crashed)
	assert.True(t, tree.Pipeline.IsZero())
	assert.Equal(t, "http://a.test/", tree.URL)

	h.launcher.SetAutoReady(true)
	require.NoError(t, h.sender.SendFromCompositor(context.Background(), message.Focus{Context: top.Context()}))
	require.Eventually(t, func() bool {
		tree := h.frameTree(top)
		return !tree.Crashed && !tree.Pipeline.IsZero()
	}, waitFor, tick)
}

func TestTimersFireAndCancel(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline
	loop := h.loopFor(a)

	once := loop.NewTimerHandle()
	loop.Emit(message.ScheduleTimer{Pipeline: a, Handle: once, Delay: time.Millisecond})
	require.Eventually(t, func() bool { return countControls[pipeline.FireTimer](loop, a) == 1 }, waitFor, tick)
	assert.Zero(t, h.stats().Timers)

	periodic := loop.NewTimerHandle()
	loop.Emit(message.ScheduleTimer{Pipeline: a, Handle: periodic, Delay: time.Millisecond, Interval: 5 * time.Millisecond})
	require.Eventually(t, func() bool { return countControls[pipeline.FireTimer](loop, a) >= 3 }, waitFor, tick)
	assert.Equal(t, 1, h.stats().Timers)

	loop.Emit(message.CancelTimer{Pipeline: a, Handle: periodic})
	require.Eventually(t, func() bool { return h.stats().Timers == 0 }, waitFor, tick)
}

func TestTimerLimitPerPipeline(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.Timer.MaxPerPipeline = 1 })
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline
	loop := h.loopFor(a)

	loop.Emit(message.ScheduleTimer{Pipeline: a, Handle: loop.NewTimerHandle(), Delay: time.Hour})
	loop.Emit(message.ScheduleTimer{Pipeline: a, Handle: loop.NewTimerHandle(), Delay: time.Hour})
	loop.Emit(message.TitleChanged{Pipeline: a, Title: "synced"})
	h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool { return e[0].Title == "synced" })
	assert.Equal(t, 1, h.stats().Timers)
}

func TestFrozenPipelineHoldsTimers(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline
	loopA := h.loopFor(a)
	h.load(top, "http://b.test/", 2)

	handle := loopA.NewTimerHandle()
	loopA.Emit(message.ScheduleTimer{Pipeline: a, Handle: handle})
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(h.metrics.TimersFired.WithLabelValues("held")) == 1
	}, waitFor, tick)
	assert.Zero(t, countControls[pipeline.FireTimer](loopA, a))

	h.traverse(top, -1, 0)
	require.Equal(t, 1, countControls[pipeline.FireTimer](loopA, a))

	var order []string
	for _, c := range loopA.ControlsFor(a) {
		switch c.(type) {
		case pipeline.Thaw:
			order = append(order, "thaw")
		case pipeline.FireTimer:
			order = append(order, "fire")
		}
	}
	assert.Equal(t, []string{"thaw", "fire"}, order)
}

func TestExitedPipelineTimersAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline
	loop := h.loopFor(a)

	loop.Emit(message.ScheduleTimer{Pipeline: a, Handle: loop.NewTimerHandle(), Delay: time.Hour})
	require.Eventually(t, func() bool { return h.stats().Timers == 1 }, waitFor, tick)

	h.send(message.LoadURL{Context: top.Context(), URL: "http://b.test/", Replace: true})
	h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool { return e[0].URL == "http://b.test/" })
	assert.Zero(t, h.stats().Timers)
}

type fakeFetcher struct {
	mu       sync.Mutex
	requests []network.Request
}

func (f *fakeFetcher) Fetch(_ context.Context, req network.Request, out message.Outbox) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	go func() {
		if strings.Contains(req.URL, "broken") {
			out.Send(message.FetchFailed{Context: req.Context, Generation: req.Generation, URL: req.URL, Reason: "connection refused"})
			return
		}
		landing := req.URL + "landing"
		out.Send(message.Redirect{Context: req.Context, Generation: req.Generation, From: req.URL, To: landing})
		out.Send(message.ResponseHeaders{
			Context:     req.Context,
			Generation:  req.Generation,
			URL:         landing,
			Status:      200,
			ContentType: "text/html",
			Body:        []byte("<title>landing</title>"),
		})
	}()
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestNetworkDocumentsReachPipelines(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, func(_ *Config, deps *Deps) { deps.Fetcher = fetcher })

	top, err := h.sender.NewTopLevel(context.Background(), "http://a.test/", message.Size{})
	require.NoError(t, err)
	entries, _ := h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool { return !e[0].Pipeline.IsZero() })
	assert.Equal(t, "http://a.test/landing", entries[0].URL)

	desc, ok := h.loopFor(entries[0].Pipeline).Init(entries[0].Pipeline)
	require.True(t, ok)
	require.NotNil(t, desc.Document)
	assert.Equal(t, 200, desc.Document.Status)
	assert.Equal(t, "text/html", desc.Document.ContentType)
	assert.Empty(t, desc.Document.Failure)

	entries = h.load(top, "http://a.test/broken", 2)
	desc, ok = h.loopFor(entries[1].Pipeline).Init(entries[1].Pipeline)
	require.True(t, ok)
	require.NotNil(t, desc.Document)
	assert.Equal(t, "connection refused", desc.Document.Failure)
	assert.Len(t, h.rec.EventsOfKind("navigation_failed"), 1)

	// Non-HTTP documents never hit the network.
	h.load(top, "about:blank", 3)
	assert.Equal(t, 2, fetcher.count())
}

func TestResizeReachesLayout(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline

	err := h.sender.SendFromCompositor(context.Background(), message.Resize{Context: top.Context(), Size: message.Size{Width: 800, Height: 600}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.frameTree(top).Size.Width == 800 }, waitFor, tick)
	assert.Equal(t, 1, countControls[pipeline.Resize](h.loopFor(a), a))
}

func TestHungPipelineIsTerminated(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Watchdog.Enabled = true
		cfg.Watchdog.Interval = 5 * time.Millisecond
		cfg.Watchdog.HangThreshold = 100 * time.Millisecond
		cfg.Watchdog.TerminateHung = true
	})

	top, err := h.sender.NewTopLevel(context.Background(), "http://a.test/", message.Size{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.rec.EventsOfKind("hang_reported")) >= 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.frameTree(top).Crashed }, waitFor, tick)

	hang := h.rec.EventsOfKind("hang_reported")[0].(message.HangReported)
	assert.Equal(t, top, hang.TopLevel)
	assert.GreaterOrEqual(t, hang.Since, 100*time.Millisecond)
	assert.True(t, h.launcher.Loops()[0].Exited())
	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.Hangs))
}

func TestPromptsRouteToEmbedder(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline
	loop := h.loopFor(a)

	reply := make(chan message.DialogResponse, 1)
	loop.Emit(message.DialogRequest{Pipeline: a, Dialog: message.DialogConfirm, Message: "Leave?", Reply: reply})
	require.Eventually(t, func() bool { return len(h.rec.EventsOfKind("prompt_requested")) == 1 }, waitFor, tick)
	prompt := h.rec.EventsOfKind("prompt_requested")[0].(message.PromptRequested)
	assert.Equal(t, top, prompt.TopLevel)
	message.Reply(prompt.Request.(message.DialogRequest).Reply, message.DialogResponse{OK: true})
	assert.Equal(t, message.DialogResponse{OK: true}, <-reply)

	dismissed := make(chan message.AuthResponse, 1)
	loop.Emit(message.AuthRequest{Pipeline: id.PipelineID{Namespace: id.RootNamespace, Index: 404}, Reply: dismissed})
	select {
	case resp := <-dismissed:
		assert.False(t, resp.OK)
	case <-time.After(waitFor):
		t.Fatal("prompt from unknown pipeline was not dismissed")
	}
}

func TestVisibilityReachesActivePipelines(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline
	loop := h.loopFor(a)

	h.send(message.SetVisibility{TopLevel: top, Visible: false})
	require.Eventually(t, func() bool { return countControls[pipeline.SetVisible](loop, a) == 1 }, waitFor, tick)

	h.send(message.LoadURL{Context: top.Context(), URL: "http://a.test/next"})
	entries, _ := h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool { return len(e) == 2 && !e[1].Pipeline.IsZero() })
	desc, ok := loop.Init(entries[1].Pipeline)
	require.True(t, ok, "same-site navigation reuses the event loop")
	assert.False(t, desc.Visible)
}

func TestCloseTopLevel(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	loop := h.loopFor(h.frameTree(top).Pipeline)

	h.send(message.CloseTopLevel{TopLevel: top})
	require.Eventually(t, func() bool { return len(h.rec.EventsOfKind("top_level_closed")) == 1 }, waitFor, tick)

	_, err := h.sender.FrameTree(context.Background(), top)
	assert.ErrorIs(t, err, ErrUnknownTopLevel)
	_, _, err = h.sender.History(context.Background(), top)
	assert.ErrorIs(t, err, ErrUnknownTopLevel)
	assert.Len(t, h.rec.CompositorOfKind("remove_frame_tree"), 1)
	assert.True(t, loop.Exited())

	s := h.stats()
	assert.Zero(t, s.TopLevels)
	assert.Zero(t, s.Contexts)
	assert.Zero(t, s.Pipelines)
}

func TestSnapshotHistory(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	h.load(top, "http://b.test/", 2)

	reply, err := h.sender.Snapshot(context.Background(), top)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.ID)
	assert.NotEmpty(t, reply.Data)

	_, err = h.sender.Snapshot(context.Background(), id.TopLevelID{Namespace: id.RootNamespace, Index: 77})
	assert.ErrorIs(t, err, ErrUnknownTopLevel)
}

func TestExitStopsEventLoops(t *testing.T) {
	h := newHarness(t, nil)
	h.open("http://a.test/")
	h.open("http://b.test/")

	require.NoError(t, h.sender.Exit(context.Background()))
	for _, loop := range h.launcher.Loops() {
		assert.True(t, loop.Exited())
	}
	err := h.sender.Send(context.Background(), message.QueryStats{})
	assert.True(t, errors.Is(err, ErrStopped))
}
