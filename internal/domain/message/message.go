// Package message defines the tagged union of messages exchanged between the
// orchestrator and its collaborators.
//
// Every inbound variant implements Message. Each collaborator's "interface" is
// the subset of variants it is allowed to send:
//
//	embedder    NewTopLevel, LoadURL, Navigate, Reload, Resize, Focus,
//	            SetVisibility, CloseTopLevel, queries, Exit
//	compositor  Resize, Focus, Navigate
//	content     PipelineReady, LoadComplete, TitleChanged, CreateFrame,
//	            RemoveFrame, NewTopLevel, LoadURL, PushState, ReplaceState, HistoryGo,
//	            ScheduleTimer, CancelTimer, ProcessCrashed, prompts
//	timers      TimerFired
//	network     ResponseHeaders, Redirect, CertificateError, FetchFailed
//	watchdog    PipelineHung
//
// Outbound variants implement CompositorMsg or EmbedderEvent. Reply channels
// carried by requests must be buffered (capacity 1); the orchestrator never
// blocks on a reply.
package message

import (
	"time"

	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// Message is one inbound message for the orchestrator.
type Message interface {
	Kind() string
}

// Size is a viewport size in CSS pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ============================================================================
// Embedder and compositor requests
// ============================================================================

// NewTopLevel opens a tab. Opener is the pipeline that called window.open,
// zero when the embedder opened the tab.
type NewTopLevel struct {
	URL    string
	Size   Size
	Opener id.PipelineID
	Reply  chan<- id.TopLevelID
}

// LoadURL navigates a browsing context. Source is the pipeline that initiated
// the navigation, zero when the embedder did.
type LoadURL struct {
	Context id.BrowsingContextID
	URL     string
	Replace bool
	Source  id.PipelineID
}

// Navigate traverses a tab's joint session history by Delta entries.
type Navigate struct {
	TopLevel id.TopLevelID
	Delta    int
}

// Reload re-navigates the context's current entry in place.
type Reload struct {
	Context id.BrowsingContextID
}

// Resize changes a context's viewport.
type Resize struct {
	Context id.BrowsingContextID
	Size    Size
}

// Focus moves input focus to a context.
type Focus struct {
	Context id.BrowsingContextID
}

// SetVisibility shows or hides a whole tab.
type SetVisibility struct {
	TopLevel id.TopLevelID
	Visible  bool
}

// CloseTopLevel closes a tab and everything in it.
type CloseTopLevel struct {
	TopLevel id.TopLevelID
}

// Exit shuts the orchestrator down. Done is closed once every event loop has
// been asked to exit.
type Exit struct {
	Done chan<- struct{}
}

// ============================================================================
// Queries (read-only copies, answered on the reply channel)
// ============================================================================

// QueryFrameTree asks for the tab's current frame tree.
type QueryFrameTree struct {
	TopLevel id.TopLevelID
	Reply    chan<- FrameTreeReply
}

// FrameTreeReply answers QueryFrameTree.
type FrameTreeReply struct {
	Tree FrameTree
	Err  error
}

// QueryHistory asks for the tab's joint session history.
type QueryHistory struct {
	TopLevel id.TopLevelID
	Reply    chan<- HistoryReply
}

// HistoryReply answers QueryHistory.
type HistoryReply struct {
	Entries []HistoryEntry
	Index   int
	Err     error
}

// HistoryEntry is the embedder-facing view of one session history entry.
type HistoryEntry struct {
	Context  id.BrowsingContextID `json:"context"`
	Pipeline id.PipelineID        `json:"pipeline"`
	URL      string               `json:"url"`
	Title    string               `json:"title,omitempty"`
}

// QueryStats asks for registry sizes.
type QueryStats struct {
	Reply chan<- Stats
}

// Stats summarizes the orchestrator's registries.
type Stats struct {
	TopLevels        int `json:"top_levels"`
	Contexts         int `json:"contexts"`
	Pipelines        int `json:"pipelines"`
	FrozenPipelines  int `json:"frozen_pipelines"`
	EventLoops       int `json:"event_loops"`
	Timers           int `json:"timers"`
	PendingNavigates int `json:"pending_navigations"`
	HistorySteps     int `json:"history_steps"`
}

// SnapshotHistory asks for a serialized snapshot of a tab's session history.
type SnapshotHistory struct {
	TopLevel id.TopLevelID
	Reply    chan<- SnapshotReply
}

// SnapshotReply answers SnapshotHistory.
type SnapshotReply struct {
	ID   id.SnapshotID
	Data []byte
	Err  error
}

// ============================================================================
// Content (script/layout) messages
// ============================================================================

// PipelineReady reports that a pipeline finished initialization for the
// navigation attempt tagged Generation.
type PipelineReady struct {
	Pipeline   id.PipelineID
	Generation id.Generation
}

// LoadComplete reports the document's load event.
type LoadComplete struct {
	Pipeline id.PipelineID
}

// TitleChanged reports a new document title.
type TitleChanged struct {
	Pipeline id.PipelineID
	Title    string
}

// CreateFrame asks for a nested browsing context. The content event loop mints
// Context in its own namespace.
type CreateFrame struct {
	Parent  id.PipelineID
	Context id.BrowsingContextID
	Name    string
	URL     string
}

// RemoveFrame reports that a nested context was detached by its parent.
type RemoveFrame struct {
	Parent  id.PipelineID
	Context id.BrowsingContextID
}

// PushState adds a same-document history entry.
type PushState struct {
	Pipeline id.PipelineID
	URL      string
}

// ReplaceState rewrites the current entry's URL without moving the cursor.
type ReplaceState struct {
	Pipeline id.PipelineID
	URL      string
}

// HistoryGo is a script-initiated traversal.
type HistoryGo struct {
	Pipeline id.PipelineID
	Delta    int
}

// ScheduleTimer registers a timer. Interval is zero for one-shot timers.
type ScheduleTimer struct {
	Pipeline id.PipelineID
	Handle   id.TimerHandle
	Delay    time.Duration
	Interval time.Duration
}

// CancelTimer removes a timer.
type CancelTimer struct {
	Pipeline id.PipelineID
	Handle   id.TimerHandle
}

// ProcessCrashed reports the death of the event loop hosting Pipeline.
type ProcessCrashed struct {
	Pipeline id.PipelineID
	Reason   string
}

// ============================================================================
// Embedder prompts (content requests forwarded to the embedder)
// ============================================================================

// DialogKind is the flavor of a modal dialog.
type DialogKind string

const (
	DialogAlert   DialogKind = "alert"
	DialogConfirm DialogKind = "confirm"
	DialogPrompt  DialogKind = "prompt"
)

// AuthRequest asks the user for HTTP credentials.
type AuthRequest struct {
	Pipeline id.PipelineID
	URL      string
	Realm    string
	Reply    chan<- AuthResponse
}

// AuthResponse answers AuthRequest. OK is false when the prompt was dismissed.
type AuthResponse struct {
	Username string
	Password string
	OK       bool
}

// DialogRequest asks the embedder to show alert/confirm/prompt.
type DialogRequest struct {
	Pipeline id.PipelineID
	Dialog   DialogKind
	Message  string
	Default  string
	Reply    chan<- DialogResponse
}

// DialogResponse answers DialogRequest.
type DialogResponse struct {
	OK   bool
	Text string
}

// FilePickerRequest asks the user to pick files.
type FilePickerRequest struct {
	Pipeline id.PipelineID
	Accept   []string
	Multiple bool
	Reply    chan<- FilePickerResponse
}

// FilePickerResponse answers FilePickerRequest. Paths is empty on cancel.
type FilePickerResponse struct {
	Paths []string
}

// Dismiss answers a prompt with its "cancelled" value without blocking.
func Dismiss(req Message) {
	switch r := req.(type) {
	case AuthRequest:
		trySend(r.Reply, AuthResponse{})
	case DialogRequest:
		trySend(r.Reply, DialogResponse{})
	case FilePickerRequest:
		trySend(r.Reply, FilePickerResponse{})
	}
}

// PromptPipeline returns the pipeline that raised a prompt.
func PromptPipeline(req Message) (id.PipelineID, bool) {
	switch r := req.(type) {
	case AuthRequest:
		return r.Pipeline, true
	case DialogRequest:
		return r.Pipeline, true
	case FilePickerRequest:
		return r.Pipeline, true
	}
	return id.PipelineID{}, false
}

func trySend[T any](ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

// Reply delivers v on ch without blocking. A nil or full channel drops v.
func Reply[T any](ch chan<- T, v T) {
	trySend(ch, v)
}

// ============================================================================
// Timer, network and watchdog messages
// ============================================================================

// TimerFired is injected by the timer scheduler when a deadline passes.
type TimerFired struct {
	Pipeline id.PipelineID
	Handle   id.TimerHandle
	Deadline time.Time
}

// NetworkEvent is implemented by every network bridge message. Target names
// the navigation attempt the event belongs to.
type NetworkEvent interface {
	Message
	Target() (id.BrowsingContextID, id.Generation)
}

// ResponseHeaders carries the response of a top-level document fetch.
type ResponseHeaders struct {
	Context     id.BrowsingContextID
	Generation  id.Generation
	URL         string
	Status      int
	ContentType string
	Charset     string
	Header      map[string][]string
	Body        []byte
}

// Redirect reports one redirect hop of a document fetch.
type Redirect struct {
	Context    id.BrowsingContextID
	Generation id.Generation
	From       string
	To         string
}

// CertificateError reports a TLS verification failure.
type CertificateError struct {
	Context    id.BrowsingContextID
	Generation id.Generation
	URL        string
	Reason     string
}

// FetchFailed reports a DNS, connection or protocol failure.
type FetchFailed struct {
	Context    id.BrowsingContextID
	Generation id.Generation
	URL        string
	Reason     string
}

func (m ResponseHeaders) Target() (id.BrowsingContextID, id.Generation) {
	return m.Context, m.Generation
}
func (m Redirect) Target() (id.BrowsingContextID, id.Generation) { return m.Context, m.Generation }
func (m CertificateError) Target() (id.BrowsingContextID, id.Generation) {
	return m.Context, m.Generation
}
func (m FetchFailed) Target() (id.BrowsingContextID, id.Generation) {
	return m.Context, m.Generation
}

// PipelineHung is reported by the watchdog when a pipeline stops heart-beating.
type PipelineHung struct {
	Pipeline id.PipelineID
	Since    time.Duration
}

// ============================================================================
// Kinds
// ============================================================================

func (NewTopLevel) Kind() string       { return "new_top_level" }
func (LoadURL) Kind() string           { return "load_url" }
func (Navigate) Kind() string          { return "navigate" }
func (Reload) Kind() string            { return "reload" }
func (Resize) Kind() string            { return "resize" }
func (Focus) Kind() string             { return "focus" }
func (SetVisibility) Kind() string     { return "set_visibility" }
func (CloseTopLevel) Kind() string     { return "close_top_level" }
func (Exit) Kind() string              { return "exit" }
func (QueryFrameTree) Kind() string    { return "query_frame_tree" }
func (QueryHistory) Kind() string      { return "query_history" }
func (QueryStats) Kind() string        { return "query_stats" }
func (SnapshotHistory) Kind() string   { return "snapshot_history" }
func (PipelineReady) Kind() string     { return "pipeline_ready" }
func (LoadComplete) Kind() string      { return "load_complete" }
func (TitleChanged) Kind() string      { return "title_changed" }
func (CreateFrame) Kind() string       { return "create_frame" }
func (RemoveFrame) Kind() string       { return "remove_frame" }
func (PushState) Kind() string         { return "push_state" }
func (ReplaceState) Kind() string      { return "replace_state" }
func (HistoryGo) Kind() string         { return "history_go" }
func (ScheduleTimer) Kind() string     { return "schedule_timer" }
func (CancelTimer) Kind() string       { return "cancel_timer" }
func (ProcessCrashed) Kind() string    { return "process_crashed" }
func (AuthRequest) Kind() string       { return "auth_request" }
func (DialogRequest) Kind() string     { return "dialog_request" }
func (FilePickerRequest) Kind() string { return "file_picker_request" }
func (TimerFired) Kind() string        { return "timer_fired" }
func (ResponseHeaders) Kind() string   { return "response_headers" }
func (Redirect) Kind() string          { return "redirect" }
func (CertificateError) Kind() string  { return "certificate_error" }
func (FetchFailed) Kind() string       { return "fetch_failed" }
func (PipelineHung) Kind() string      { return "pipeline_hung" }
