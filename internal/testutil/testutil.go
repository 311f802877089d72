// Package testutil provides fakes for orchestrator and API tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// MockLauncher is a testify mock of pipeline.Launcher.
type MockLauncher struct {
	mock.Mock
}

// Launch mocks the Launch method.
func (m *MockLauncher) Launch(ctx context.Context, spec pipeline.LaunchSpec) (pipeline.EventLoop, error) {
	args := m.Called(ctx, spec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pipeline.EventLoop), args.Error(1)
}

// FakeLauncher starts in-memory event loops that record every control they
// receive. With AutoReady set, each Init is answered with PipelineReady.
type FakeLauncher struct {
	AutoReady bool

	mu    sync.Mutex
	loops []*FakeLoop
	specs []pipeline.LaunchSpec
	fail  error
}

// NewFakeLauncher creates a launcher whose loops acknowledge every Init.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{AutoReady: true}
}

// FailWith makes every following launch return err; nil restores success.
func (l *FakeLauncher) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

// SetAutoReady changes whether loops launched from now on acknowledge Init.
func (l *FakeLauncher) SetAutoReady(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.AutoReady = on
}

// Launch implements pipeline.Launcher.
func (l *FakeLauncher) Launch(_ context.Context, spec pipeline.LaunchSpec) (pipeline.EventLoop, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	if err := spec.Sandbox.Validate(); err != nil {
		return nil, err
	}
	loop := newFakeLoop(spec, l.AutoReady)
	l.loops = append(l.loops, loop)
	l.specs = append(l.specs, spec)
	return loop, nil
}

// Loops returns every loop launched so far.
func (l *FakeLauncher) Loops() []*FakeLoop {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeLoop(nil), l.loops...)
}

// Specs returns the launch specs seen so far.
func (l *FakeLauncher) Specs() []pipeline.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pipeline.LaunchSpec(nil), l.specs...)
}

// LoopFor returns the loop that received Init for p.
func (l *FakeLauncher) LoopFor(p id.PipelineID) (*FakeLoop, bool) {
	for _, loop := range l.Loops() {
		if _, ok := loop.Init(p); ok {
			return loop, true
		}
	}
	return nil, false
}

// ErrClosed is returned by a FakeLoop's endpoints after Exit.
var ErrClosed = errors.New("fake loop closed")

// FakeLoop is an in-memory event loop. Messages it emits reach the
// orchestrator in order.
type FakeLoop struct {
	spec      pipeline.LaunchSpec
	autoReady bool
	events    chan message.Message
	alloc     *id.Allocator

	mu       sync.Mutex
	controls []pipeline.Control
	inits    map[id.PipelineID]pipeline.Descriptor
	exited   bool
}

func newFakeLoop(spec pipeline.LaunchSpec, autoReady bool) *FakeLoop {
	l := &FakeLoop{
		spec:      spec,
		autoReady: autoReady,
		events:    make(chan message.Message, 1024),
		alloc:     id.NewAllocator(spec.Namespace),
		inits:     make(map[id.PipelineID]pipeline.Descriptor),
	}
	go l.pump()
	return l
}

func (l *FakeLoop) pump() {
	for {
		select {
		case m := <-l.events:
			if !l.spec.Outbox.Send(m) {
				return
			}
		case <-l.spec.Outbox.Done():
			return
		}
	}
}

// Namespace implements pipeline.EventLoop.
func (l *FakeLoop) Namespace() id.Namespace { return l.spec.Namespace }

// Channels implements pipeline.EventLoop.
func (l *FakeLoop) Channels() pipeline.Channels {
	return pipeline.Channels{Script: endpoint{l}, Layout: endpoint{l}}
}

// Exit implements pipeline.EventLoop.
func (l *FakeLoop) Exit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exited = true
	return nil
}

// Exited reports whether Exit was called.
func (l *FakeLoop) Exited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exited
}

// Spec returns the spec the loop was launched with.
func (l *FakeLoop) Spec() pipeline.LaunchSpec { return l.spec }

// Emit queues a content message for the orchestrator.
func (l *FakeLoop) Emit(m message.Message) {
	l.events <- m
}

// NewContextID mints a browsing context id in the loop's namespace.
func (l *FakeLoop) NewContextID() id.BrowsingContextID { return l.alloc.BrowsingContext() }

// NewTimerHandle mints a timer handle in the loop's namespace.
func (l *FakeLoop) NewTimerHandle() id.TimerHandle { return l.alloc.Timer() }

// Beat reports progress for p.
func (l *FakeLoop) Beat(p id.PipelineID) {
	if l.spec.Heartbeat != nil {
		l.spec.Heartbeat(p)
	}
}

// Controls returns every control received so far.
func (l *FakeLoop) Controls() []pipeline.Control {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pipeline.Control(nil), l.controls...)
}

// ControlsFor returns the controls addressed to p.
func (l *FakeLoop) ControlsFor(p id.PipelineID) []pipeline.Control {
	var out []pipeline.Control
	for _, c := range l.Controls() {
		if c.Target() == p {
			out = append(out, c)
		}
	}
	return out
}

// Init returns the descriptor p was created with.
func (l *FakeLoop) Init(p id.PipelineID) (pipeline.Descriptor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.inits[p]
	return d, ok
}

// Inits returns every descriptor received, in no particular order.
func (l *FakeLoop) Inits() []pipeline.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pipeline.Descriptor, 0, len(l.inits))
	for _, d := range l.inits {
		out = append(out, d)
	}
	return out
}

func (l *FakeLoop) receive(c pipeline.Control) error {
	l.mu.Lock()
	if l.exited {
		l.mu.Unlock()
		return ErrClosed
	}
	l.controls = append(l.controls, c)
	init, isInit := c.(pipeline.Init)
	if isInit {
		l.inits[init.Descriptor.Pipeline] = init.Descriptor
	}
	l.mu.Unlock()

	if isInit && l.autoReady {
		d := init.Descriptor
		l.events <- message.PipelineReady{Pipeline: d.Pipeline, Generation: d.Generation}
	}
	return nil
}

type endpoint struct{ loop *FakeLoop }

func (e endpoint) Send(c pipeline.Control) error { return e.loop.receive(c) }

// Recorder collects compositor messages and embedder events.
type Recorder struct {
	mu         sync.Mutex
	compositor []message.CompositorMsg
	embedder   []message.EmbedderEvent
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Compositor returns a Compositor view of r.
func (r *Recorder) Compositor() CompositorFunc {
	return func(m message.CompositorMsg) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.compositor = append(r.compositor, m)
	}
}

// Embedder returns an Embedder view of r.
func (r *Recorder) Embedder() EmbedderFunc {
	return func(e message.EmbedderEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.embedder = append(r.embedder, e)
	}
}

// CompositorMessages returns the recorded compositor messages.
func (r *Recorder) CompositorMessages() []message.CompositorMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.CompositorMsg(nil), r.compositor...)
}

// Events returns the recorded embedder events.
func (r *Recorder) Events() []message.EmbedderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.EmbedderEvent(nil), r.embedder...)
}

// EventsOfKind returns the recorded embedder events with the given kind.
func (r *Recorder) EventsOfKind(kind string) []message.EmbedderEvent {
	var out []message.EmbedderEvent
	for _, e := range r.Events() {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// CompositorOfKind returns the recorded compositor messages with the given kind.
func (r *Recorder) CompositorOfKind(kind string) []message.CompositorMsg {
	var out []message.CompositorMsg
	for _, m := range r.CompositorMessages() {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

// CompositorFunc adapts a function to the orchestrator's Compositor.
type CompositorFunc func(message.CompositorMsg)

// Send calls f.
func (f CompositorFunc) Send(m message.CompositorMsg) { f(m) }

// EmbedderFunc adapts a function to the orchestrator's Embedder.
type EmbedderFunc func(message.EmbedderEvent)

// Send calls f.
func (f EmbedderFunc) Send(e message.EmbedderEvent) { f(e) }
