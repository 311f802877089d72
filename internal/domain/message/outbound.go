package message

import (
	"time"

	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// FrameTree is the compositor's view of one browsing context and its
// descendants. Pipeline is zero for a crashed or still-loading context.
type FrameTree struct {
	Context  id.BrowsingContextID `json:"context"`
	Pipeline id.PipelineID        `json:"pipeline"`
	URL      string               `json:"url"`
	Title    string               `json:"title,omitempty"`
	Size     Size                 `json:"size"`
	Crashed  bool                 `json:"crashed,omitempty"`
	Children []FrameTree          `json:"children,omitempty"`
}

// Walk visits t and its descendants depth-first.
func (t FrameTree) Walk(fn func(FrameTree)) {
	fn(t)
	for _, child := range t.Children {
		child.Walk(fn)
	}
}

// Count returns the number of contexts in the tree.
func (t FrameTree) Count() int {
	n := 0
	t.Walk(func(FrameTree) { n++ })
	return n
}

// ============================================================================
// Compositor messages
// ============================================================================

// CompositorMsg is a message for the compositor.
type CompositorMsg interface {
	Message
	compositor()
}

// SetFrameTree replaces the compositor's tree for a tab.
type SetFrameTree struct {
	TopLevel id.TopLevelID `json:"top_level"`
	Tree     FrameTree     `json:"tree"`
}

// CrashReported asks the compositor to paint crash placeholders.
type CrashReported struct {
	TopLevel id.TopLevelID          `json:"top_level"`
	Contexts []id.BrowsingContextID `json:"contexts"`
	Reason   string                 `json:"reason"`
}

// RemoveFrameTree drops a closed tab.
type RemoveFrameTree struct {
	TopLevel id.TopLevelID `json:"top_level"`
}

func (SetFrameTree) Kind() string    { return "set_frame_tree" }
func (CrashReported) Kind() string   { return "crash_reported" }
func (RemoveFrameTree) Kind() string { return "remove_frame_tree" }

func (SetFrameTree) compositor()    {}
func (CrashReported) compositor()   {}
func (RemoveFrameTree) compositor() {}

// ============================================================================
// Embedder events
// ============================================================================

// EmbedderEvent is a notification for the embedder.
type EmbedderEvent interface {
	Message
	embedder()
}

// LoadStarted reports a navigation beginning.
type LoadStarted struct {
	TopLevel id.TopLevelID        `json:"top_level"`
	Context  id.BrowsingContextID `json:"context"`
	URL      string               `json:"url"`
}

// LoadCompleted reports a document's load event.
type LoadCompleted struct {
	TopLevel id.TopLevelID        `json:"top_level"`
	Context  id.BrowsingContextID `json:"context"`
	Pipeline id.PipelineID        `json:"pipeline"`
	URL      string               `json:"url"`
}

// TitleUpdated reports a tab's new title.
type TitleUpdated struct {
	TopLevel id.TopLevelID `json:"top_level"`
	Title    string        `json:"title"`
}

// HistoryChanged reports the tab's history after a commit or traversal.
type HistoryChanged struct {
	TopLevel id.TopLevelID  `json:"top_level"`
	Entries  []HistoryEntry `json:"entries"`
	Index    int            `json:"index"`
}

// NavigationFailed reports a navigation that could not produce a document.
type NavigationFailed struct {
	TopLevel id.TopLevelID        `json:"top_level"`
	Context  id.BrowsingContextID `json:"context"`
	URL      string               `json:"url"`
	Reason   string               `json:"reason"`
}

// HangReported reports an unresponsive pipeline.
type HangReported struct {
	TopLevel id.TopLevelID `json:"top_level"`
	Pipeline id.PipelineID `json:"pipeline"`
	Since    time.Duration `json:"since"`
}

// TopLevelOpened reports a tab a document opened with window.open.
type TopLevelOpened struct {
	TopLevel id.TopLevelID        `json:"top_level"`
	Opener   id.BrowsingContextID `json:"opener"`
	URL      string               `json:"url"`
}

// TopLevelClosed confirms a tab is gone.
type TopLevelClosed struct {
	TopLevel id.TopLevelID `json:"top_level"`
}

// PromptRequested forwards a content prompt (AuthRequest, DialogRequest or
// FilePickerRequest). The embedder answers on the request's reply channel.
type PromptRequested struct {
	TopLevel id.TopLevelID `json:"top_level"`
	Request  Message       `json:"-"`
}

func (LoadStarted) Kind() string      { return "load_started" }
func (LoadCompleted) Kind() string    { return "load_completed" }
func (TitleUpdated) Kind() string     { return "title_updated" }
func (HistoryChanged) Kind() string   { return "history_changed" }
func (NavigationFailed) Kind() string { return "navigation_failed" }
func (HangReported) Kind() string     { return "hang_reported" }
func (TopLevelOpened) Kind() string   { return "top_level_opened" }
func (TopLevelClosed) Kind() string   { return "top_level_closed" }
func (PromptRequested) Kind() string  { return "prompt_requested" }

func (LoadStarted) embedder()      {}
func (LoadCompleted) embedder()    {}
func (TitleUpdated) embedder()     {}
func (HistoryChanged) embedder()   {}
func (NavigationFailed) embedder() {}
func (HangReported) embedder()     {}
func (TopLevelOpened) embedder()   {}
func (TopLevelClosed) embedder()   {}
func (PromptRequested) embedder()  {}
