// Package http serves the embedder API: tabs, navigation, traversal and the
// read-only queries, backed by a running orchestrator.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/session"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/constellation/internal/orchestrator"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// requestTimeout bounds how long a handler waits on the orchestrator.
const requestTimeout = 5 * time.Second

// Browser is the orchestrator surface the handlers use.
type Browser interface {
	Send(ctx context.Context, msg message.Message) error
	SendFromCompositor(ctx context.Context, msg message.Message) error
	NewTopLevel(ctx context.Context, url string, size message.Size) (id.TopLevelID, error)
	FrameTree(ctx context.Context, top id.TopLevelID) (message.FrameTree, error)
	History(ctx context.Context, top id.TopLevelID) ([]message.HistoryEntry, int, error)
	Stats(ctx context.Context) (message.Stats, error)
	Snapshot(ctx context.Context, top id.TopLevelID) (message.SnapshotReply, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	browser Browser
	store   *session.Store
	metrics *monitoring.Metrics
	log     *zap.Logger
	started time.Time
}

// NewHandlers creates a new handler set
func NewHandlers(browser Browser, store *session.Store, metrics *monitoring.Metrics, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		browser: browser,
		store:   store,
		metrics: metrics,
		log:     log,
		started: time.Now(),
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	tabs := r.Group("/tabs")
	tabs.POST("", h.OpenTab)
	tabs.DELETE("/:id", h.CloseTab)
	tabs.GET("/:id/tree", h.FrameTree)
	tabs.GET("/:id/history", h.History)
	tabs.POST("/:id/traverse", h.Traverse)
	tabs.POST("/:id/visibility", h.Visibility)
	tabs.POST("/:id/snapshot", h.SaveSnapshot)

	contexts := r.Group("/contexts")
	contexts.POST("/:id/navigate", h.Navigate)
	contexts.POST("/:id/reload", h.Reload)
	contexts.POST("/:id/resize", h.Resize)
	contexts.POST("/:id/focus", h.Focus)

	r.GET("/snapshots/:id", h.GetSnapshot)
}

// Root handles the liveness probe
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "constellation",
	})
}

// Health reports registry sizes and uptime
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	stats, err := h.browser.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	body := gin.H{
		"status":       "healthy",
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"orchestrator": stats,
	}
	if h.store != nil {
		if saved, ok := h.store.LastSaved(); ok {
			body["last_snapshot"] = saved.UTC()
		}
	}
	c.JSON(http.StatusOK, body)
}

// Stats returns the orchestrator's registry sizes
func (h *Handlers) Stats(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	stats, err := h.browser.Stats(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type openTabRequest struct {
	URL    string `json:"url"`
	Width  int    `json:"width" binding:"gte=0"`
	Height int    `json:"height" binding:"gte=0"`
}

// OpenTab creates a top-level browsing context
func (h *Handlers) OpenTab(c *gin.Context) {
	var req openTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	top, err := h.browser.NewTopLevel(ctx, req.URL, message.Size{Width: req.Width, Height: req.Height})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("Tab opened", zap.Stringer("top_level", top), zap.String("url", req.URL))
	c.JSON(http.StatusCreated, gin.H{"id": top})
}

// CloseTab closes a tab and everything in it
func (h *Handlers) CloseTab(c *gin.Context) {
	top, ok := topLevelParam(c)
	if !ok {
		return
	}
	h.accept(c, message.CloseTopLevel{TopLevel: top})
}

// FrameTree returns the tab's current frame tree
func (h *Handlers) FrameTree(c *gin.Context) {
	top, ok := topLevelParam(c)
	if !ok {
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	tree, err := h.browser.FrameTree(ctx, top)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// History returns the tab's joint session history
func (h *Handlers) History(c *gin.Context) {
	top, ok := topLevelParam(c)
	if !ok {
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	entries, index, err := h.browser.History(ctx, top)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "index": index})
}

type traverseRequest struct {
	Delta int `json:"delta" binding:"required"`
}

// Traverse moves the tab's history cursor by delta
func (h *Handlers) Traverse(c *gin.Context) {
	top, ok := topLevelParam(c)
	if !ok {
		return
	}
	var req traverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accept(c, message.Navigate{TopLevel: top, Delta: req.Delta})
}

type visibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

// Visibility shows or hides a tab
func (h *Handlers) Visibility(c *gin.Context) {
	top, ok := topLevelParam(c)
	if !ok {
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accept(c, message.SetVisibility{TopLevel: top, Visible: *req.Visible})
}

// SaveSnapshot serializes the tab's history into the snapshot store
func (h *Handlers) SaveSnapshot(c *gin.Context) {
	top, ok := topLevelParam(c)
	if !ok {
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	snap, err := h.browser.Snapshot(ctx, top)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.store != nil {
		h.store.Save(snap.ID, snap.Data)
	}
	c.JSON(http.StatusCreated, gin.H{"id": snap.ID, "bytes": len(snap.Data)})
}

// GetSnapshot decodes a stored snapshot
func (h *Handlers) GetSnapshot(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNotFound.Error()})
		return
	}
	snap, err := h.store.Load(id.SnapshotID(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type navigateRequest struct {
	URL     string `json:"url" binding:"required"`
	Replace bool   `json:"replace"`
}

// Navigate loads a URL in a browsing context
func (h *Handlers) Navigate(c *gin.Context) {
	ctxID, ok := contextParam(c)
	if !ok {
		return
	}
	var req navigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accept(c, message.LoadURL{Context: ctxID, URL: req.URL, Replace: req.Replace})
}

// Reload re-navigates a context's current entry
func (h *Handlers) Reload(c *gin.Context) {
	ctxID, ok := contextParam(c)
	if !ok {
		return
	}
	h.accept(c, message.Reload{Context: ctxID})
}

type resizeRequest struct {
	Width  int `json:"width" binding:"required,gt=0"`
	Height int `json:"height" binding:"required,gt=0"`
}

// Resize changes a context's viewport
func (h *Handlers) Resize(c *gin.Context) {
	ctxID, ok := contextParam(c)
	if !ok {
		return
	}
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.acceptFromCompositor(c, message.Resize{Context: ctxID, Size: message.Size{Width: req.Width, Height: req.Height}})
}

// Focus moves input focus to a context
func (h *Handlers) Focus(c *gin.Context) {
	ctxID, ok := contextParam(c)
	if !ok {
		return
	}
	h.acceptFromCompositor(c, message.Focus{Context: ctxID})
}

// accept forwards a fire-and-forget message. Outcomes arrive as events on
// the stream.
func (h *Handlers) accept(c *gin.Context, msg message.Message) {
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.browser.Send(ctx, msg); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": msg.Kind()})
}

func (h *Handlers) acceptFromCompositor(c *gin.Context, msg message.Message) {
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.browser.SendFromCompositor(ctx, msg); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": msg.Kind()})
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownTopLevel), errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, session.ErrInvalid):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

func topLevelParam(c *gin.Context) (id.TopLevelID, bool) {
	top, err := id.ParseTopLevel(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return id.TopLevelID{}, false
	}
	return top, true
}

func contextParam(c *gin.Context) (id.BrowsingContextID, bool) {
	ctxID, err := id.ParseBrowsingContext(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return id.BrowsingContextID{}, false
	}
	return ctxID, true
}
