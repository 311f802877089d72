package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/history"
	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/config"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/sandbox"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
	"github.com/GriffinCanCode/constellation/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() Config {
	cfg := ConfigFrom(config.Default())
	cfg.Platform = sandbox.Linux
	cfg.Watchdog.Enabled = false
	return cfg
}

type harness struct {
	t        *testing.T
	sender   *Sender
	launcher *testutil.FakeLauncher
	rec      *testutil.Recorder
	metrics  *monitoring.Metrics
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		launcher: testutil.NewFakeLauncher(),
		rec:      testutil.NewRecorder(),
		metrics:  monitoring.NewMetrics(),
	}
	cfg := testConfig()
	deps := Deps{
		Launcher:   h.launcher,
		Compositor: h.rec.Compositor(),
		Embedder:   h.rec.Embedder(),
		Logger:     zap.NewNop(),
		Metrics:    h.metrics,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sender, err := Start(ctx, cfg, deps)
	require.NoError(t, err)
	h.sender = sender
	t.Cleanup(func() {
		cancel()
		<-sender.Done()
	})
	return h
}

func (h *harness) send(msg message.Message) {
	h.t.Helper()
	require.NoError(h.t, h.sender.Send(context.Background(), msg))
}

func (h *harness) open(url string) id.TopLevelID {
	h.t.Helper()
	top, err := h.sender.NewTopLevel(context.Background(), url, message.Size{})
	require.NoError(h.t, err)
	h.waitHistory(top, func(entries []message.HistoryEntry, _ int) bool {
		return len(entries) == 1 && !entries[0].Pipeline.IsZero()
	})
	return top
}

func (h *harness) waitHistory(top id.TopLevelID, cond func([]message.HistoryEntry, int) bool) ([]message.HistoryEntry, int) {
	h.t.Helper()
	var (
		entries []message.HistoryEntry
		index   int
	)
	require.Eventually(h.t, func() bool {
		e, i, err := h.sender.History(context.Background(), top)
		if err != nil {
			return false
		}
		entries, index = e, i
		return cond(e, i)
	}, waitFor, tick)
	return entries, index
}

// load navigates the tab and waits until the history has want entries with
// url committed under the cursor.
func (h *harness) load(top id.TopLevelID, url string, want int) []message.HistoryEntry {
	h.t.Helper()
	h.send(message.LoadURL{Context: top.Context(), URL: url})
	entries, _ := h.waitHistory(top, func(e []message.HistoryEntry, i int) bool {
		return len(e) == want && i == want-1 && e[i].URL == url && !e[i].Pipeline.IsZero()
	})
	return entries
}

func (h *harness) traverse(top id.TopLevelID, delta, index int) []message.HistoryEntry {
	h.t.Helper()
	h.send(message.Navigate{TopLevel: top, Delta: delta})
	entries, _ := h.waitHistory(top, func(_ []message.HistoryEntry, i int) bool { return i == index })
	return entries
}

func (h *harness) frameTree(top id.TopLevelID) message.FrameTree {
	h.t.Helper()
	tree, err := h.sender.FrameTree(context.Background(), top)
	require.NoError(h.t, err)
	return tree
}

func (h *harness) stats() message.Stats {
	h.t.Helper()
	s, err := h.sender.Stats(context.Background())
	require.NoError(h.t, err)
	return s
}

func (h *harness) loopFor(p id.PipelineID) *testutil.FakeLoop {
	h.t.Helper()
	loop, ok := h.launcher.LoopFor(p)
	require.True(h.t, ok, "no loop hosts %s", p)
	return loop
}

func countControls[T pipeline.Control](loop *testutil.FakeLoop, p id.PipelineID) int {
	n := 0
	for _, c := range loop.ControlsFor(p) {
		if _, ok := c.(T); ok {
			n++
		}
	}
	return n
}

func urls(entries []message.HistoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.URL)
	}
	return out
}

func TestStartRequiresLauncher(t *testing.T) {
	_, err := Start(context.Background(), testConfig(), Deps{})
	assert.Error(t, err)
}

func TestNewTopLevelCommitsInitialDocument(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")

	tree := h.frameTree(top)
	assert.Equal(t, top.Context(), tree.Context)
	assert.False(t, tree.Pipeline.IsZero())
	assert.Equal(t, "http://a.test/", tree.URL)
	assert.Equal(t, message.Size{Width: 1024, Height: 768}, tree.Size)

	desc, ok := h.loopFor(tree.Pipeline).Init(tree.Pipeline)
	require.True(t, ok)
	assert.Equal(t, top, desc.TopLevel)
	assert.True(t, desc.Visible)
	assert.Nil(t, desc.Document)

	s := h.stats()
	assert.Equal(t, 1, s.TopLevels)
	assert.Equal(t, 1, s.Pipelines)
	assert.Equal(t, 1, s.EventLoops)
	assert.Zero(t, s.PendingNavigates)
	assert.NotEmpty(t, h.rec.EventsOfKind("load_started"))
	assert.NotEmpty(t, h.rec.CompositorOfKind("set_frame_tree"))
}

func TestNewNavigationTruncatesForwardHistory(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	h.load(top, "http://b.test/", 2)
	entries := h.load(top, "http://c.test/", 3)
	c := entries[2].Pipeline

	h.traverse(top, -1, 1)
	entries = h.load(top, "http://d.test/", 3)

	assert.Equal(t, []string{"http://a.test/", "http://b.test/", "http://d.test/"}, urls(entries))
	loopC := h.loopFor(c)
	assert.Equal(t, 1, countControls[pipeline.Exit](loopC, c))
	assert.True(t, loopC.Exited())

	s := h.stats()
	assert.Equal(t, 3, s.Pipelines)
	assert.Equal(t, 2, s.FrozenPipelines)
	assert.Equal(t, 3, s.EventLoops)
}

func TestTraversalThawsFrozenDocument(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	entries := h.load(top, "http://b.test/", 2)
	a, b := entries[0].Pipeline, entries[1].Pipeline
	loopA, loopB := h.loopFor(a), h.loopFor(b)
	assert.Equal(t, 1, countControls[pipeline.Freeze](loopA, a))

	entries = h.traverse(top, -1, 0)
	assert.Equal(t, a, entries[0].Pipeline)
	assert.Equal(t, a, h.frameTree(top).Pipeline)
	assert.Equal(t, 1, countControls[pipeline.Thaw](loopA, a))
	assert.Equal(t, 1, countControls[pipeline.Freeze](loopB, b))

	entries = h.traverse(top, 1, 1)
	assert.Equal(t, b, entries[1].Pipeline)
	assert.Equal(t, b, h.frameTree(top).Pipeline)
	assert.Equal(t, 1, countControls[pipeline.Thaw](loopB, b))
	assert.Equal(t, float64(2), promtest.ToFloat64(h.metrics.Traversals))
}

func TestOutOfRangeTraversalIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	h.load(top, "http://b.test/", 2)

	h.send(message.Navigate{TopLevel: top, Delta: -5})
	h.send(message.Navigate{TopLevel: top, Delta: 1})
	entries, index := h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool { return len(e) == 2 })
	assert.Equal(t, 1, index)
	assert.Equal(t, "http://b.test/", entries[index].URL)
	assert.Zero(t, promtest.ToFloat64(h.metrics.Traversals))
}

func TestNavigationSupersedesPendingLoad(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.AutoReady = false

	top, err := h.sender.NewTopLevel(context.Background(), "http://a.test/", message.Size{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		loops := h.launcher.Loops()
		return len(loops) == 1 && len(loops[0].Inits()) == 1
	}, waitFor, tick)
	loopA := h.launcher.Loops()[0]
	first := loopA.Inits()[0]

	h.send(message.LoadURL{Context: top.Context(), URL: "http://b.test/"})
	require.Eventually(t, func() bool {
		loops := h.launcher.Loops()
		return len(loops) == 2 && len(loops[1].Inits()) == 1
	}, waitFor, tick)
	loopB := h.launcher.Loops()[1]
	second := loopB.Inits()[0]
	assert.Greater(t, second.Generation, first.Generation)
	assert.Equal(t, 1, countControls[pipeline.Exit](loopA, first.Pipeline))

	loopA.Emit(message.PipelineReady{Pipeline: first.Pipeline, Generation: first.Generation})
	loopB.Emit(message.PipelineReady{Pipeline: second.Pipeline, Generation: second.Generation})

	entries, _ := h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool {
		return len(e) == 1 && e[0].Pipeline == second.Pipeline
	})
	assert.Equal(t, "http://b.test/", entries[0].URL)
	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("pipeline_ready")) == 1
	}, waitFor, tick)
	assert.True(t, loopA.Exited())
}

func TestReadyWithOldGenerationIsStale(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.AutoReady = false

	_, err := h.sender.NewTopLevel(context.Background(), "http://a.test/", message.Size{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		loops := h.launcher.Loops()
		return len(loops) == 1 && len(loops[0].Inits()) == 1
	}, waitFor, tick)
	loop := h.launcher.Loops()[0]
	desc := loop.Inits()[0]

	loop.Emit(message.PipelineReady{Pipeline: desc.Pipeline, Generation: desc.Generation + 7})
	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("pipeline_ready")) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, h.stats().PendingNavigates)
}

func TestReloadReplacesDocumentInPlace(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	entries := h.load(top, "http://b.test/", 2)
	b := entries[1].Pipeline

	h.send(message.Reload{Context: top.Context()})
	entries, _ = h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool {
		return len(e) == 2 && !e[1].Pipeline.IsZero() && e[1].Pipeline != b
	})
	assert.Equal(t, "http://b.test/", entries[1].URL)
	assert.Equal(t, 1, countControls[pipeline.Exit](h.loopFor(b), b))
}

func TestReplaceNavigationKeepsHistoryLength(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	h.load(top, "http://b.test/", 2)

	h.send(message.LoadURL{Context: top.Context(), URL: "http://c.test/", Replace: true})
	entries, index := h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool {
		return len(e) == 2 && e[1].URL == "http://c.test/"
	})
	assert.Equal(t, 1, index)
	assert.Equal(t, []string{"http://a.test/", "http://c.test/"}, urls(entries))
}

func TestFrozenPipelinesAreEvicted(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Orchestrator.MaxFrozenPipelines = 1
	})
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline
	h.load(top, "http://b.test/", 2)
	entries := h.load(top, "http://c.test/", 3)

	assert.True(t, entries[0].Pipeline.IsZero(), "farthest document should be discarded")
	assert.False(t, entries[1].Pipeline.IsZero())
	assert.Equal(t, 1, h.stats().FrozenPipelines)

	h.send(message.Navigate{TopLevel: top, Delta: -2})
	entries, _ = h.waitHistory(top, func(e []message.HistoryEntry, i int) bool {
		return i == 0 && !e[0].Pipeline.IsZero()
	})
	assert.NotEqual(t, a, entries[0].Pipeline)
	assert.Equal(t, "http://a.test/", entries[0].URL)
	assert.False(t, entries[1].Pipeline.IsZero())
	assert.True(t, entries[2].Pipeline.IsZero())
	assert.Equal(t, 1, h.stats().FrozenPipelines)
}

func TestPushStateSharesPipeline(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline
	loop := h.loopFor(a)

	loop.Emit(message.PushState{Pipeline: a, URL: "http://a.test/#two"})
	entries, _ := h.waitHistory(top, func(e []message.HistoryEntry, i int) bool { return len(e) == 2 && i == 1 })
	assert.Equal(t, a, entries[1].Pipeline)

	h.traverse(top, -1, 0)
	require.Eventually(t, func() bool { return countControls[pipeline.PopState](loop, a) == 1 }, waitFor, tick)
	for _, c := range loop.ControlsFor(a) {
		if pop, ok := c.(pipeline.PopState); ok {
			assert.Equal(t, "http://a.test/", pop.URL)
		}
	}
	assert.Zero(t, countControls[pipeline.Freeze](loop, a))

	loop.Emit(message.ReplaceState{Pipeline: a, URL: "http://a.test/?r"})
	h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool { return e[0].URL == "http://a.test/?r" })
}

func TestHistoryGoFromContent(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	entries := h.load(top, "http://b.test/", 2)
	b := entries[1].Pipeline

	h.loopFor(b).Emit(message.HistoryGo{Pipeline: b, Delta: -1})
	h.waitHistory(top, func(_ []message.HistoryEntry, i int) bool { return i == 0 })

	// A frozen document can no longer drive history.
	h.loopFor(b).Emit(message.HistoryGo{Pipeline: b, Delta: 1})
	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("history_go")) == 1
	}, waitFor, tick)
	_, index := h.waitHistory(top, func([]message.HistoryEntry, int) bool { return true })
	assert.Zero(t, index)
}

func TestTitleUpdates(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	a := h.frameTree(top).Pipeline

	h.loopFor(a).Emit(message.TitleChanged{Pipeline: a, Title: "Hello"})
	entries, _ := h.waitHistory(top, func(e []message.HistoryEntry, _ int) bool { return e[0].Title == "Hello" })
	assert.Equal(t, "Hello", entries[0].Title)
	assert.Equal(t, "Hello", h.frameTree(top).Title)
	require.Len(t, h.rec.EventsOfKind("title_updated"), 1)

	h.loopFor(a).Emit(message.LoadComplete{Pipeline: a})
	assert.Eventually(t, func() bool { return len(h.rec.EventsOfKind("load_completed")) == 1 }, waitFor, tick)
}

func TestStaleContentMessagesAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	top := h.open("http://a.test/")
	loop := h.loopFor(h.frameTree(top).Pipeline)
	ghost := id.PipelineID{Namespace: id.RootNamespace, Index: 999}

	loop.Emit(message.TitleChanged{Pipeline: ghost, Title: "x"})
	loop.Emit(message.LoadComplete{Pipeline: ghost})
	loop.Emit(message.RemoveFrame{Parent: ghost, Context: loop.NewContextID()})

	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("title_changed")) == 1 &&
			promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("load_complete")) == 1 &&
			promtest.ToFloat64(h.metrics.StaleMessages.WithLabelValues("remove_frame")) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, h.stats().Pipelines)
}

func TestSandboxFailureFailsNavigation(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Platform = "plan9"
	})

	top, err := h.sender.NewTopLevel(context.Background(), "http://a.test/", message.Size{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.rec.EventsOfKind("navigation_failed")) == 1 }, waitFor, tick)

	failed := h.rec.EventsOfKind("navigation_failed")[0].(message.NavigationFailed)
	assert.Equal(t, top, failed.TopLevel)
	assert.Contains(t, failed.Reason, "sandbox unsupported")

	s := h.stats()
	assert.Zero(t, s.Pipelines)
	assert.Zero(t, s.EventLoops)
	assert.Zero(t, s.PendingNavigates)
	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.SpawnFailure))
}

func TestLauncherReceivesPlatformPolicy(t *testing.T) {
	launcher := new(testutil.MockLauncher)
	launcher.On("Launch", mock.Anything, mock.MatchedBy(func(spec pipeline.LaunchSpec) bool {
		return spec.Sandbox.Name == "seccomp-content" && spec.Namespace > id.RootNamespace
	})).Return(nil, errors.New("seccomp unavailable")).Once()

	h := newHarness(t, func(_ *Config, deps *Deps) { deps.Launcher = launcher })
	_, err := h.sender.NewTopLevel(context.Background(), "http://a.test/", message.Size{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.rec.EventsOfKind("navigation_failed")) == 1 }, waitFor, tick)
	launcher.AssertExpectations(t)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	o, err := newOrchestrator(context.Background(), testConfig(), Deps{Launcher: testutil.NewFakeLauncher()})
	require.NoError(t, err)
	defer o.cancel()

	top := id.TopLevelID{Namespace: id.RootNamespace, Index: 1}
	_, err = o.tree.InsertTopLevel(top, message.Size{Width: 10, Height: 10})
	require.NoError(t, err)
	assert.ErrorIs(t, o.verify(), ErrInvariant)

	o.histories[top] = history.New(&history.Entry{Context: top.Context(), URL: blankURL})
	assert.NoError(t, o.verify())

	o.timers[id.TimerHandle{Namespace: 2, Index: 1}] = liveTimer{pipeline: id.PipelineID{Namespace: 1, Index: 5}}
	assert.ErrorIs(t, o.verify(), ErrInvariant)
}
