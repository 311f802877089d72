// Package pipeline models one document's rendering pipeline and the contract
// between the orchestrator and the content event loops that host pipelines.
package pipeline

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/sandbox"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

var (
	// ErrInvalidTransition means a state change is not allowed from the
	// pipeline's current state.
	ErrInvalidTransition = errors.New("invalid pipeline state transition")
	// ErrLoopClosed means the event loop no longer accepts messages.
	ErrLoopClosed = errors.New("event loop closed")
)

// ============================================================================
// Control messages (orchestrator -> event loop)
// ============================================================================

// Control is one message delivered to a content event loop.
type Control interface {
	Target() id.PipelineID
}

// Document is a fetched response handed to a new pipeline. Failure is set
// when the fetch failed and the pipeline should render an error page.
type Document struct {
	URL         string
	Status      int
	ContentType string
	Charset     string
	Body        []byte
	Failure     string
}

// Descriptor is everything an event loop needs to create a pipeline.
type Descriptor struct {
	Pipeline   id.PipelineID
	Context    id.BrowsingContextID
	TopLevel   id.TopLevelID
	Parent     id.PipelineID
	Opener     *id.BrowsingContextID
	URL        string
	Generation id.Generation
	Size       message.Size
	Visible    bool
	Document   *Document
}

// Init asks the loop to create and load a pipeline.
type Init struct{ Descriptor Descriptor }

// Freeze suspends a pipeline that was navigated away from.
type Freeze struct{ Pipeline id.PipelineID }

// Thaw resumes a frozen pipeline.
type Thaw struct{ Pipeline id.PipelineID }

// Exit tears a pipeline down gracefully.
type Exit struct{ Pipeline id.PipelineID }

// Resize changes the pipeline's viewport.
type Resize struct {
	Pipeline id.PipelineID
	Size     message.Size
}

// SetVisible tells layout whether the pipeline is painted.
type SetVisible struct {
	Pipeline id.PipelineID
	Visible  bool
}

// Focus gives the pipeline input focus.
type Focus struct{ Pipeline id.PipelineID }

// FireTimer runs a timer callback.
type FireTimer struct {
	Pipeline id.PipelineID
	Handle   id.TimerHandle
}

// PopState tells a document its history entry changed during traversal.
type PopState struct {
	Pipeline id.PipelineID
	URL      string
}

func (c Init) Target() id.PipelineID       { return c.Descriptor.Pipeline }
func (c Freeze) Target() id.PipelineID     { return c.Pipeline }
func (c Thaw) Target() id.PipelineID       { return c.Pipeline }
func (c Exit) Target() id.PipelineID       { return c.Pipeline }
func (c Resize) Target() id.PipelineID     { return c.Pipeline }
func (c SetVisible) Target() id.PipelineID { return c.Pipeline }
func (c Focus) Target() id.PipelineID      { return c.Pipeline }
func (c FireTimer) Target() id.PipelineID  { return c.Pipeline }
func (c PopState) Target() id.PipelineID   { return c.Pipeline }

// ============================================================================
// Event loops
// ============================================================================

// Endpoint accepts control messages. Send never blocks on the receiver's
// work; it fails with ErrLoopClosed once the loop is gone.
type Endpoint interface {
	Send(Control) error
}

// Channels are a pipeline's two inbound endpoints. Script receives lifecycle,
// timer and history messages; Layout receives geometry and visibility.
type Channels struct {
	Script Endpoint
	Layout Endpoint
}

// EventLoop is a content process hosting one or more pipelines.
type EventLoop interface {
	Namespace() id.Namespace
	Channels() Channels
	// Exit asks the loop to shut down once it hosts no pipelines.
	Exit() error
}

// LaunchSpec describes a new event loop.
type LaunchSpec struct {
	Key       string
	Namespace id.Namespace
	Sandbox   sandbox.Policy
	// Outbox carries content messages back to the orchestrator.
	Outbox message.Outbox
	// Heartbeat is called for every pipeline the loop services.
	Heartbeat func(id.PipelineID)
}

// Launcher starts event loops. Launch must not block on the new loop's
// startup; failures to apply the sandbox are returned as errors.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (EventLoop, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, spec LaunchSpec) (EventLoop, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, spec LaunchSpec) (EventLoop, error) {
	return f(ctx, spec)
}
