package pipeline

import (
	"fmt"
	"time"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// State is a pipeline's lifecycle state.
type State int

const (
	Loading State = iota
	Active
	Frozen
	Exited
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Active:
		return "active"
	case Frozen:
		return "frozen"
	case Exited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// States lists every state, in lifecycle order.
var States = []State{Loading, Active, Frozen, Exited}

// Pipeline is the orchestrator's record of one document.
//
// Transitions: Loading -> Active, Active <-> Frozen, any -> Exited.
type Pipeline struct {
	ID         id.PipelineID
	Context    id.BrowsingContextID
	TopLevel   id.TopLevelID
	Parent     id.PipelineID
	Opener     *id.BrowsingContextID
	URL        string
	Title      string
	Generation id.Generation
	Loop       EventLoop
	Size       message.Size
	Visible    bool
	Created    time.Time

	state    State
	channels Channels
	held     []id.TimerHandle
}

// New creates a Loading pipeline hosted by loop.
func New(d Descriptor, loop EventLoop) *Pipeline {
	return &Pipeline{
		ID:         d.Pipeline,
		Context:    d.Context,
		TopLevel:   d.TopLevel,
		Parent:     d.Parent,
		Opener:     d.Opener,
		URL:        d.URL,
		Generation: d.Generation,
		Loop:       loop,
		Size:       d.Size,
		Visible:    d.Visible,
		Created:    time.Now(),
		state:      Loading,
		channels:   loop.Channels(),
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return p.state }

// Activate moves a Loading pipeline to Active.
func (p *Pipeline) Activate() error {
	if p.state != Loading {
		return p.invalid(Active)
	}
	p.state = Active
	return nil
}

// Freeze suspends an Active pipeline and notifies its event loop.
func (p *Pipeline) Freeze() error {
	if p.state != Active {
		return p.invalid(Frozen)
	}
	p.state = Frozen
	return p.channels.Script.Send(Freeze{Pipeline: p.ID})
}

// Thaw resumes a Frozen pipeline and returns the timers that fired while it
// was frozen, in fire order. The caller delivers them.
func (p *Pipeline) Thaw() ([]id.TimerHandle, error) {
	if p.state != Frozen {
		return nil, p.invalid(Active)
	}
	p.state = Active
	held := p.held
	p.held = nil
	return held, p.channels.Script.Send(Thaw{Pipeline: p.ID})
}

// Exit marks the pipeline Exited and asks its loop to tear it down. Exiting
// twice is a no-op.
func (p *Pipeline) Exit() error {
	if p.state == Exited {
		return nil
	}
	p.state = Exited
	p.held = nil
	return p.channels.Script.Send(Exit{Pipeline: p.ID})
}

// Abandon marks the pipeline Exited without notifying its loop. Used when the
// loop itself is gone.
func (p *Pipeline) Abandon() {
	p.state = Exited
	p.held = nil
}

// Hold records a timer fire while frozen. Repeated fires of one handle
// collapse into one.
func (p *Pipeline) Hold(h id.TimerHandle) {
	for _, existing := range p.held {
		if existing == h {
			return
		}
	}
	p.held = append(p.held, h)
}

// Held returns the number of held timer fires.
func (p *Pipeline) Held() int { return len(p.held) }

// Script returns the script endpoint.
func (p *Pipeline) Script() Endpoint { return p.channels.Script }

// Layout returns the layout endpoint.
func (p *Pipeline) Layout() Endpoint { return p.channels.Layout }

func (p *Pipeline) invalid(to State) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, p.ID, p.state, to)
}
