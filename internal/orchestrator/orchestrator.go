// Package orchestrator implements the central reactor that owns the browsing
// context tree, every pipeline, each tab's joint session history and the
// event loop registry.
//
// A single goroutine selects over six inbound channels (embedder, compositor,
// content, timers, network, watchdog) and handles one message at a time. All
// mutable state is owned by that goroutine; collaborators only ever see copies
// sent on their channels. Messages that refer to pipelines or contexts that no
// longer exist are logged and dropped, never treated as errors.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/browsing"
	"github.com/GriffinCanCode/constellation/internal/domain/eventloop"
	"github.com/GriffinCanCode/constellation/internal/domain/history"
	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/domain/timer"
	"github.com/GriffinCanCode/constellation/internal/domain/watchdog"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/config"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/network"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/sandbox"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

var (
	// ErrStopped means the orchestrator no longer accepts messages.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrUnknownTopLevel means a query named a tab that does not exist.
	ErrUnknownTopLevel = errors.New("unknown top-level browsing context")
	// ErrInvariant means the orchestrator's tables disagree with each other.
	ErrInvariant = errors.New("orchestrator invariant violated")
)

// Compositor receives frame trees and crash notices.
type Compositor interface {
	Send(message.CompositorMsg)
}

// Embedder receives navigation, history and prompt events.
type Embedder interface {
	Send(message.EmbedderEvent)
}

// Fetcher starts document fetches. Fetch must return immediately and report
// on out; cancelling ctx abandons the fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req network.Request, out message.Outbox)
}

// Config is the orchestrator's share of the application configuration.
type Config struct {
	Orchestrator config.OrchestratorConfig
	Timer        config.TimerConfig
	Watchdog     config.WatchdogConfig
	Platform     sandbox.Platform
}

// ConfigFrom extracts the orchestrator settings from cfg.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Orchestrator: cfg.Orchestrator,
		Timer:        cfg.Timer,
		Watchdog:     cfg.Watchdog,
		Platform:     sandbox.Current(cfg.Sandbox.Platform),
	}
}

// Deps are the orchestrator's collaborators. Launcher is required.
type Deps struct {
	Launcher   pipeline.Launcher
	Compositor Compositor
	Embedder   Embedder
	// Fetcher is optional; without it documents load straight from their URL.
	Fetcher Fetcher
	Sandbox sandbox.Provider
	Policy  eventloop.Policy
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

type discard struct{}

func (discard) Send(message.CompositorMsg) {}

type discardEvents struct{}

func (discardEvents) Send(message.EmbedderEvent) {}

type liveTimer struct {
	pipeline id.PipelineID
	periodic bool
}

// Orchestrator is the reactor state. It is only touched by its own goroutine.
type Orchestrator struct {
	cfg     Config
	log     *zap.Logger
	metrics *monitoring.Metrics

	ids        *id.Allocator
	namespaces *id.Namespaces
	generation id.Generation

	tree      *browsing.Tree
	pipelines map[id.PipelineID]*pipeline.Pipeline
	histories map[id.TopLevelID]*history.JointSessionHistory
	pending   map[id.BrowsingContextID]*navigation
	groups    *eventloop.Registry
	timers    map[id.TimerHandle]liveTimer
	perTimer  map[id.PipelineID]int
	focused   map[id.TopLevelID]id.BrowsingContextID
	visible   map[id.TopLevelID]bool
	openers   map[id.TopLevelID]opener

	policy     eventloop.Policy
	sandbox    sandbox.Provider
	launcher   pipeline.Launcher
	compositor Compositor
	embedder   Embedder
	fetcher    Fetcher
	scheduler  *timer.Scheduler
	watchdog   *watchdog.Monitor

	embedderCh   chan message.Message
	compositorCh chan message.Message
	contentCh    chan message.Message
	timerCh      chan message.Message
	networkCh    chan message.Message
	watchdogCh   chan message.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	exited bool
}

// Start launches the reactor and returns the handle used to talk to it. The
// reactor stops when ctx is cancelled or an Exit message is handled.
func Start(ctx context.Context, cfg Config, deps Deps) (*Sender, error) {
	o, err := newOrchestrator(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	go o.scheduler.Run(o.ctx)
	if o.watchdog != nil {
		go o.watchdog.Run(o.ctx)
	}
	go o.run()

	return &Sender{
		embedder:   o.embedderCh,
		compositor: o.compositorCh,
		done:       o.done,
	}, nil
}

func newOrchestrator(ctx context.Context, cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Launcher == nil {
		return nil, errors.New("orchestrator: launcher is required")
	}
	policy := deps.Policy
	if policy == nil {
		var err error
		if policy, err = eventloop.ByName(cfg.Orchestrator.EventLoopPolicy); err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
	}
	provider := deps.Sandbox
	if provider == nil {
		provider = sandbox.Builtin().Provider()
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	var compositor Compositor = discard{}
	if deps.Compositor != nil {
		compositor = deps.Compositor
	}
	var embedder Embedder = discardEvents{}
	if deps.Embedder != nil {
		embedder = deps.Embedder
	}
	size := cfg.Orchestrator.InboxSize
	if size <= 0 {
		size = 256
	}

	runCtx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		cfg:          cfg,
		log:          log.Named("orchestrator"),
		metrics:      metrics,
		ids:          id.NewAllocator(id.RootNamespace),
		namespaces:   id.NewNamespaces(),
		tree:         browsing.NewTree(),
		pipelines:    make(map[id.PipelineID]*pipeline.Pipeline),
		histories:    make(map[id.TopLevelID]*history.JointSessionHistory),
		pending:      make(map[id.BrowsingContextID]*navigation),
		groups:       eventloop.NewRegistry(),
		timers:       make(map[id.TimerHandle]liveTimer),
		perTimer:     make(map[id.PipelineID]int),
		focused:      make(map[id.TopLevelID]id.BrowsingContextID),
		visible:      make(map[id.TopLevelID]bool),
		openers:      make(map[id.TopLevelID]opener),
		policy:       policy,
		sandbox:      provider,
		launcher:     deps.Launcher,
		compositor:   compositor,
		embedder:     embedder,
		fetcher:      deps.Fetcher,
		embedderCh:   make(chan message.Message, size),
		compositorCh: make(chan message.Message, size),
		contentCh:    make(chan message.Message, size),
		timerCh:      make(chan message.Message, size),
		networkCh:    make(chan message.Message, size),
		watchdogCh:   make(chan message.Message, size),
		ctx:          runCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	o.scheduler = timer.New(message.NewOutbox(o.timerCh, o.done), timer.WithLogger(log.Named("timers")))
	if cfg.Watchdog.Enabled && cfg.Watchdog.Interval > 0 {
		o.watchdog = watchdog.New(watchdog.Config{
			Interval:  cfg.Watchdog.Interval,
			Threshold: cfg.Watchdog.HangThreshold,
		}, message.NewOutbox(o.watchdogCh, o.done), log.Named("watchdog"))
	}
	return o, nil
}

func (o *Orchestrator) run() {
	defer close(o.done)
	defer o.cancel()

	o.log.Info("Orchestrator started",
		zap.String("policy", o.policy.Name()),
		zap.String("platform", string(o.cfg.Platform)))

	for !o.exited {
		var msg message.Message
		select {
		case <-o.ctx.Done():
			o.shutdown()
			return
		case msg = <-o.embedderCh:
		case msg = <-o.compositorCh:
		case msg = <-o.contentCh:
		case msg = <-o.timerCh:
		case msg = <-o.networkCh:
		case msg = <-o.watchdogCh:
		}
		o.dispatch(msg)
	}
}

func (o *Orchestrator) dispatch(msg message.Message) {
	t := monitoring.NewTimer(o.metrics, msg.Kind())
	o.handle(msg)
	t.Stop()

	if o.exited {
		return
	}
	if o.cfg.Orchestrator.CheckInvariants {
		if err := o.verify(); err != nil {
			o.log.Error("Invariant violated", zap.String("after", msg.Kind()), zap.Error(err))
			panic(err)
		}
	}
	o.publishSizes()
}

func (o *Orchestrator) handle(msg message.Message) {
	switch m := msg.(type) {
	// Embedder and compositor
	case message.NewTopLevel:
		o.handleNewTopLevel(m)
	case message.LoadURL:
		o.handleLoadURL(m)
	case message.Navigate:
		o.traverse(m.TopLevel, m.Delta)
	case message.Reload:
		o.handleReload(m.Context)
	case message.Resize:
		o.handleResize(m)
	case message.Focus:
		o.handleFocus(m.Context)
	case message.SetVisibility:
		o.handleVisibility(m)
	case message.CloseTopLevel:
		o.handleClose(m.TopLevel)
	case message.QueryFrameTree:
		o.handleQueryFrameTree(m)
	case message.QueryHistory:
		o.handleQueryHistory(m)
	case message.QueryStats:
		message.Reply(m.Reply, o.stats())
	case message.SnapshotHistory:
		o.handleSnapshot(m)
	case message.Exit:
		o.shutdown()
		if m.Done != nil {
			close(m.Done)
		}

	// Content
	case message.PipelineReady:
		o.handleReady(m)
	case message.LoadComplete:
		o.handleLoadComplete(m)
	case message.TitleChanged:
		o.handleTitle(m)
	case message.CreateFrame:
		o.handleCreateFrame(m)
	case message.RemoveFrame:
		o.handleRemoveFrame(m)
	case message.PushState:
		o.handlePushState(m)
	case message.ReplaceState:
		o.handleReplaceState(m)
	case message.HistoryGo:
		o.handleHistoryGo(m)
	case message.ScheduleTimer:
		o.handleScheduleTimer(m)
	case message.CancelTimer:
		o.handleCancelTimer(m)
	case message.ProcessCrashed:
		o.handleCrash(m.Pipeline, m.Reason)
	case message.AuthRequest, message.DialogRequest, message.FilePickerRequest:
		o.handlePrompt(msg)

	// Timers, network, watchdog
	case message.TimerFired:
		o.handleTimerFired(m)
	case message.NetworkEvent:
		o.handleNetwork(m)
	case message.PipelineHung:
		o.handleHang(m)

	default:
		o.log.Warn("Unknown message", zap.String("kind", msg.Kind()))
	}
}

// stale records a message whose target vanished.
func (o *Orchestrator) stale(kind string, fields ...zap.Field) {
	o.metrics.RecordStale(kind)
	o.log.Debug("Dropping stale message", append(fields, zap.String("kind", kind))...)
}

func (o *Orchestrator) shutdown() {
	if o.exited {
		return
	}
	o.exited = true
	for _, g := range o.groups.Groups() {
		if err := g.Loop.Exit(); err != nil {
			o.log.Debug("Event loop exit failed", zap.Uint32("namespace", uint32(g.Namespace())), zap.Error(err))
		}
	}
	o.log.Info("Orchestrator stopped",
		zap.Int("pipelines", len(o.pipelines)),
		zap.Int("event_loops", o.groups.Len()))
}

func (o *Orchestrator) heartbeat(p id.PipelineID) {
	if o.watchdog != nil {
		o.watchdog.Beat(p)
	}
}

func (o *Orchestrator) publishSizes() {
	counts := make(map[string]int, len(pipeline.States))
	for _, s := range pipeline.States {
		counts[s.String()] = 0
	}
	for _, p := range o.pipelines {
		counts[p.State().String()]++
	}
	o.metrics.SetRegistrySizes(len(o.histories), o.tree.Len(), o.groups.Len(), counts)
}

func (o *Orchestrator) stats() message.Stats {
	s := message.Stats{
		TopLevels:        len(o.histories),
		Contexts:         o.tree.Len(),
		Pipelines:        len(o.pipelines),
		EventLoops:       o.groups.Len(),
		Timers:           len(o.timers),
		PendingNavigates: len(o.pending),
	}
	for _, p := range o.pipelines {
		if p.State() == pipeline.Frozen {
			s.FrozenPipelines++
		}
	}
	for _, h := range o.histories {
		s.HistorySteps += h.Steps()
	}
	return s
}

// pipelineFields are the log fields for p.
func pipelineFields(p *pipeline.Pipeline) []zap.Field {
	return []zap.Field{
		logging.Pipeline(p.ID),
		logging.Context(p.Context),
		zap.Stringer("state", p.State()),
	}
}

func since(t time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(t))
}
