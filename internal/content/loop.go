package content

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/config"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// ErrInboxFull means a loop is too far behind to accept another control.
var ErrInboxFull = errors.New("event loop inbox full")

// ConsoleEntry is one console call made by a document's scripts.
type ConsoleEntry struct {
	Pipeline id.PipelineID
	Level    string
	Message  string
	Time     time.Time
}

// Loop is one content event loop. Every document it hosts runs on the loop's
// goroutine; only Send, Exit and the accessors are safe to call from others.
type Loop struct {
	spec pipeline.LaunchSpec
	cfg  config.ContentConfig
	log  *zap.Logger
	ids  *id.Allocator

	inbox   chan pipeline.Control
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// running is the VM currently executing script, interrupted on Exit.
	mu      sync.Mutex
	running *goja.Runtime

	consoleMu sync.Mutex
	console   []ConsoleEntry

	docs map[id.PipelineID]*document
}

func newLoop(spec pipeline.LaunchSpec, cfg config.ContentConfig, log *zap.Logger) *Loop {
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 250 * time.Millisecond
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	return &Loop{
		spec:    spec,
		cfg:     cfg,
		log:     log,
		ids:     id.NewAllocator(spec.Namespace),
		inbox:   make(chan pipeline.Control, cfg.InboxSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		docs:    make(map[id.PipelineID]*document),
	}
}

// endpoint feeds the loop's inbox. Script and layout share it so controls are
// handled in the order they were sent.
type endpoint struct{ loop *Loop }

func (e endpoint) Send(c pipeline.Control) error {
	select {
	case <-e.loop.stopped:
		return pipeline.ErrLoopClosed
	default:
	}
	select {
	case e.loop.inbox <- c:
		return nil
	case <-e.loop.stopped:
		return pipeline.ErrLoopClosed
	default:
		return fmt.Errorf("%w: namespace %d", ErrInboxFull, e.loop.spec.Namespace)
	}
}

// Namespace returns the namespace the loop mints ids in.
func (l *Loop) Namespace() id.Namespace { return l.spec.Namespace }

// Channels returns the loop's script and layout endpoints.
func (l *Loop) Channels() pipeline.Channels {
	return pipeline.Channels{Script: endpoint{l}, Layout: endpoint{l}}
}

// Exit stops the loop, interrupting any script that is running.
func (l *Loop) Exit() error {
	l.once.Do(func() {
		close(l.quit)
		l.interrupt("event loop exiting")
	})
	return nil
}

// Done is closed once the loop goroutine has returned.
func (l *Loop) Done() <-chan struct{} { return l.stopped }

// Console returns a copy of every console entry recorded so far.
func (l *Loop) Console() []ConsoleEntry {
	l.consoleMu.Lock()
	defer l.consoleMu.Unlock()
	return append([]ConsoleEntry(nil), l.console...)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.stopped)
	defer l.teardown()

	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	l.log.Debug("Content event loop started", zap.String("key", l.spec.Key))
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case <-l.spec.Outbox.Done():
			return
		case c := <-l.inbox:
			if !l.dispatch(c) {
				return
			}
		case <-ticker.C:
			for p := range l.docs {
				l.heartbeat(p)
			}
		}
	}
}

// dispatch handles one control. A panic takes the whole loop down and is
// reported as a crash of the pipeline being serviced.
func (l *Loop) dispatch(c pipeline.Control) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprint(r)
			l.log.Error("Content event loop crashed", logging.Pipeline(c.Target()), zap.String("reason", reason))
			l.send(message.ProcessCrashed{Pipeline: c.Target(), Reason: reason})
			ok = false
		}
	}()
	l.handle(c)
	return true
}

func (l *Loop) handle(c pipeline.Control) {
	if init, ok := c.(pipeline.Init); ok {
		d := newDocument(l, init.Descriptor)
		l.docs[d.pipeline] = d
		l.heartbeat(d.pipeline)
		d.load()
		return
	}

	d, ok := l.docs[c.Target()]
	if !ok {
		l.log.Debug("Control for unknown pipeline",
			logging.Pipeline(c.Target()),
			zap.String("control", fmt.Sprintf("%T", c)))
		return
	}

	switch c := c.(type) {
	case pipeline.Exit:
		d.close()
		delete(l.docs, c.Pipeline)
		return
	case pipeline.Freeze:
		d.frozen = true
	case pipeline.Thaw:
		d.frozen = false
	case pipeline.Resize:
		d.resize(c.Size)
	case pipeline.SetVisible:
		d.visible = c.Visible
	case pipeline.Focus:
		d.dispatchEvent("onfocus")
	case pipeline.FireTimer:
		d.fire(c.Handle)
	case pipeline.PopState:
		d.popState(c.URL)
	}
	l.heartbeat(c.Target())
}

func (l *Loop) heartbeat(p id.PipelineID) {
	if l.spec.Heartbeat != nil {
		l.spec.Heartbeat(p)
	}
}

func (l *Loop) send(m message.Message) bool {
	return l.spec.Outbox.Send(m)
}

// execute runs fn on vm under the script timeout.
func (l *Loop) execute(vm *goja.Runtime, fn func() error) error {
	l.mu.Lock()
	l.running = vm
	l.mu.Unlock()
	vm.ClearInterrupt()

	timer := time.AfterFunc(l.cfg.ScriptTimeout, func() {
		vm.Interrupt("script timeout exceeded")
	})
	defer func() {
		timer.Stop()
		l.mu.Lock()
		l.running = nil
		l.mu.Unlock()
	}()

	select {
	case <-l.quit:
		return pipeline.ErrLoopClosed
	default:
	}
	return fn()
}

func (l *Loop) interrupt(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running != nil {
		l.running.Interrupt(reason)
	}
}

func (l *Loop) record(e ConsoleEntry) {
	l.consoleMu.Lock()
	l.console = append(l.console, e)
	l.consoleMu.Unlock()

	l.log.Debug("Console",
		logging.Pipeline(e.Pipeline),
		zap.String("level", e.Level),
		zap.String("message", e.Message))
}

// stopping reports whether the loop has been asked to exit.
func (l *Loop) stopping() bool {
	select {
	case <-l.quit:
		return true
	case <-l.spec.Outbox.Done():
		return true
	default:
		return false
	}
}

func (l *Loop) teardown() {
	for p, d := range l.docs {
		d.close()
		delete(l.docs, p)
	}
	l.log.Debug("Content event loop stopped")
}
