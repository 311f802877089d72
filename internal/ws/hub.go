package ws

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// DefaultPromptTimeout is how long a prompt waits for a client's answer
// before it is dismissed.
const DefaultPromptTimeout = 30 * time.Second

// Frame is one server to client message.
type Frame struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	TopLevel *id.TopLevelID `json:"top_level,omitempty"`
	Time     time.Time      `json:"time"`
	Data     any            `json:"data,omitempty"`
}

// PromptView is the client-facing form of a content prompt.
type PromptView struct {
	ID       string             `json:"id"`
	Kind     string             `json:"kind"`
	Pipeline id.PipelineID      `json:"pipeline"`
	Dialog   message.DialogKind `json:"dialog,omitempty"`
	Message  string             `json:"message,omitempty"`
	Default  string             `json:"default,omitempty"`
	URL      string             `json:"url,omitempty"`
	Realm    string             `json:"realm,omitempty"`
	Accept   []string           `json:"accept,omitempty"`
	Multiple bool               `json:"multiple,omitempty"`
}

// PromptReply is a client's answer to a prompt.
type PromptReply struct {
	ID       string   `json:"id"`
	OK       bool     `json:"ok"`
	Text     string   `json:"text,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}

type pendingPrompt struct {
	req   message.Message
	timer *time.Timer
}

// Hub fans orchestrator output out to connected clients.
type Hub struct {
	log           *zap.Logger
	metrics       *monitoring.Metrics
	promptTimeout time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	prompts map[string]*pendingPrompt
}

// Option configures a Hub.
type Option func(*Hub)

// WithPromptTimeout overrides DefaultPromptTimeout.
func WithPromptTimeout(d time.Duration) Option {
	return func(h *Hub) { h.promptTimeout = d }
}

// NewHub creates a hub with no clients.
func NewHub(log *zap.Logger, metrics *monitoring.Metrics, opts ...Option) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		log:           log,
		metrics:       metrics,
		promptTimeout: DefaultPromptTimeout,
		clients:       make(map[*client]struct{}),
		prompts:       make(map[string]*pendingPrompt),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CompositorSink publishes compositor messages.
type CompositorSink struct{ hub *Hub }

// Send implements the orchestrator's compositor.
func (s CompositorSink) Send(m message.CompositorMsg) { s.hub.publish(m) }

// EmbedderSink publishes embedder events and offers prompts to clients.
type EmbedderSink struct{ hub *Hub }

// Send implements the orchestrator's embedder.
func (s EmbedderSink) Send(ev message.EmbedderEvent) {
	if p, ok := ev.(message.PromptRequested); ok {
		s.hub.prompt(p)
		return
	}
	s.hub.publish(ev)
}

// Compositor returns the hub's compositor sink.
func (h *Hub) Compositor() CompositorSink { return CompositorSink{h} }

// Embedder returns the hub's embedder event sink.
func (h *Hub) Embedder() EmbedderSink { return EmbedderSink{h} }

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Pending returns the number of unanswered prompts.
func (h *Hub) Pending() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.prompts)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.stop()
		if h.metrics != nil {
			h.metrics.DecWSConnections()
		}
	}
}

func (h *Hub) publish(m message.Message) {
	var top *id.TopLevelID
	if t, ok := topLevelOf(m); ok {
		top = &t
	}
	h.broadcast(Frame{ID: uuid.NewString(), Type: m.Kind(), TopLevel: top, Time: time.Now().UTC(), Data: m})
}

func (h *Hub) broadcast(f Frame) {
	data, err := sonic.Marshal(f)
	if err != nil {
		h.log.Error("Failed to encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.wants(f.TopLevel) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("Dropping slow WebSocket client", zap.String("client", c.id))
		h.unregister(c)
	}
	if h.metrics != nil {
		h.metrics.RecordWSMessage("out", f.Type)
	}
}

// prompt offers a content prompt to clients. With nobody connected the
// prompt is dismissed at once.
func (h *Hub) prompt(ev message.PromptRequested) {
	view, ok := promptView(ev.Request)
	if !ok || h.Len() == 0 {
		message.Dismiss(ev.Request)
		return
	}

	view.ID = uuid.NewString()
	p := &pendingPrompt{req: ev.Request}
	h.mu.Lock()
	h.prompts[view.ID] = p
	p.timer = time.AfterFunc(h.promptTimeout, func() { h.resolve(PromptReply{ID: view.ID}) })
	h.mu.Unlock()

	top := ev.TopLevel
	h.broadcast(Frame{ID: view.ID, Type: ev.Kind(), TopLevel: &top, Time: time.Now().UTC(), Data: view})
}

// resolve answers a pending prompt. It reports false for unknown ids.
func (h *Hub) resolve(r PromptReply) bool {
	h.mu.Lock()
	p, ok := h.prompts[r.ID]
	delete(h.prompts, r.ID)
	h.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	if !r.OK {
		message.Dismiss(p.req)
		return true
	}
	switch req := p.req.(type) {
	case message.DialogRequest:
		message.Reply(req.Reply, message.DialogResponse{OK: true, Text: r.Text})
	case message.AuthRequest:
		message.Reply(req.Reply, message.AuthResponse{Username: r.Username, Password: r.Password, OK: true})
	case message.FilePickerRequest:
		message.Reply(req.Reply, message.FilePickerResponse{Paths: r.Paths})
	}
	return true
}

// Close disconnects every client and dismisses unanswered prompts.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	ids := make([]string, 0, len(h.prompts))
	for pid := range h.prompts {
		ids = append(ids, pid)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
	for _, pid := range ids {
		h.resolve(PromptReply{ID: pid})
	}
}

func promptView(req message.Message) (PromptView, bool) {
	switch r := req.(type) {
	case message.DialogRequest:
		return PromptView{Kind: "dialog", Pipeline: r.Pipeline, Dialog: r.Dialog, Message: r.Message, Default: r.Default}, true
	case message.AuthRequest:
		return PromptView{Kind: "auth", Pipeline: r.Pipeline, URL: r.URL, Realm: r.Realm}, true
	case message.FilePickerRequest:
		return PromptView{Kind: "file_picker", Pipeline: r.Pipeline, Accept: r.Accept, Multiple: r.Multiple}, true
	}
	return PromptView{}, false
}

func topLevelOf(m message.Message) (id.TopLevelID, bool) {
	switch v := m.(type) {
	case message.SetFrameTree:
		return v.TopLevel, true
	case message.CrashReported:
		return v.TopLevel, true
	case message.RemoveFrameTree:
		return v.TopLevel, true
	case message.LoadStarted:
		return v.TopLevel, true
	case message.LoadCompleted:
		return v.TopLevel, true
	case message.TitleUpdated:
		return v.TopLevel, true
	case message.HistoryChanged:
		return v.TopLevel, true
	case message.NavigationFailed:
		return v.TopLevel, true
	case message.HangReported:
		return v.TopLevel, true
	case message.TopLevelOpened:
		return v.TopLevel, true
	case message.TopLevelClosed:
		return v.TopLevel, true
	}
	return id.TopLevelID{}, false
}
