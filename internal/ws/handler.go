package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	queueSize  = 256
	maxMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	// tab restricts the stream to one tab when set.
	tab *id.TopLevelID
}

func (c *client) wants(top *id.TopLevelID) bool {
	return c.tab == nil || top == nil || *c.tab == *top
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// inbound is one client to server message.
type inbound struct {
	Type string `json:"type"`
	PromptReply
}

// HandleConnection upgrades the request and streams frames until the client
// goes away.
func (h *Hub) HandleConnection(c *gin.Context) {
	var tab *id.TopLevelID
	if raw := c.Query("tab"); raw != "" {
		top, err := id.ParseTopLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tab = &top
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
		tab:  tab,
	}
	h.register(cl)
	h.log.Debug("WebSocket client connected", zap.String("client", cl.id))

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		h.log.Debug("WebSocket client disconnected", zap.String("client", c.id))
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("WebSocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var msg inbound
		if err := sonic.Unmarshal(data, &msg); err != nil {
			h.fail(c, "malformed message")
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", msg.Type)
		}

		switch msg.Type {
		case "ping":
			h.reply(c, Frame{Type: "pong"})
		case "prompt_reply":
			if !h.resolve(msg.PromptReply) {
				h.fail(c, "unknown prompt "+msg.ID)
			}
		default:
			h.fail(c, "unknown message type "+msg.Type)
		}
	}
}

// reply queues a frame for one client only.
func (h *Hub) reply(c *client, f Frame) {
	f.ID = uuid.NewString()
	f.Time = time.Now().UTC()
	data, err := sonic.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) fail(c *client, reason string) {
	h.reply(c, Frame{Type: "error", Data: map[string]string{"error": reason}})
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
