package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatrelay/internal/core"
	"chatrelay/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second
	// minReadLimit is the frame size floor whatever the message limit is.
	minReadLimit = 64 << 10
	// envelopeOverhead covers the JSON fields around the message text.
	envelopeOverhead = 4 << 10
	// maxEncodedRune is the longest JSON form of one code point, a
	// \uXXXX\uXXXX surrogate pair.
	maxEncodedRune = 12
)

// readLimit is the largest frame that can carry a message of maxChars
// characters. Frames past it close the connection with 1009.
func readLimit(maxChars int) int64 {
	limit := int64(maxChars)*maxEncodedRune + envelopeOverhead
	if limit < minReadLimit {
		return minReadLimit
	}
	return limit
}

// Handler owns websocket transport for the relay.
type Handler struct {
	relay    *core.Relay
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to relay.
func NewHandler(relay *core.Relay) *Handler {
	return &Handler{
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, c.RealIP())
	return nil
}

// conn is the per-connection state of the read loop. Until login succeeds
// the read loop writes replies itself; afterwards only the writer goroutine
// touches the socket and replies go through the relay.
type conn struct {
	h        *Handler
	ws       *websocket.Conn
	id       string
	remote   string
	loggedIn bool
}

func (h *Handler) serveConn(ctx context.Context, ws *websocket.Conn, remote string) {
	c := &conn{h: h, ws: ws, id: uuid.NewString(), remote: remote}
	defer ws.Close()
	defer h.relay.Disconnect(c.id)

	slog.Debug("ws connected", "conn_id", c.id, "remote", remote)

	for {
		// The message limit can change at runtime.
		ws.SetReadLimit(readLimit(h.relay.MaxMessageLength()))
		var in protocol.Message
		if err := ws.ReadJSON(&in); err != nil {
			slog.Debug("ws read ended", "conn_id", c.id, "err", err)
			return
		}
		if !c.handleInbound(ctx, in) {
			return
		}
	}
}

// handleInbound processes one event. It returns false when the connection
// must be closed.
func (c *conn) handleInbound(ctx context.Context, in protocol.Message) bool {
	switch in.Type {
	case protocol.TypeLogin:
		req, err := protocol.ParseLogin(in)
		if err != nil {
			c.reply(protocol.Message{Type: protocol.TypeError, Error: "invalid login"})
			return true
		}
		sess, err := c.h.relay.Login(c.id, c.remote, req)
		if err != nil {
			c.reply(protocol.Message{Type: protocol.TypeError, Error: err.Error()})
			if core.Terminates(err) {
				c.closeDirect(err.Error())
				return false
			}
			return true
		}
		c.loggedIn = true
		go c.writeLoop(sess.Send)

	case protocol.TypeMessage:
		content, err := protocol.MessageContent(in)
		if err != nil {
			c.reply(protocol.Message{Type: protocol.TypeError, Error: err.Error()})
			return true
		}
		if err := c.h.relay.Send(ctx, c.id, content); err != nil {
			c.reply(protocol.Message{Type: protocol.TypeError, Error: err.Error()})
		}

	case protocol.TypePing:
		c.reply(protocol.Message{Type: protocol.TypePong, TS: in.TS})

	default:
		c.reply(protocol.Message{Type: protocol.TypeError, Error: "unsupported message type"})
	}
	return true
}

// writeLoop drains the session queue onto the socket. The queue closes when
// the relay removes the session; the connection is then closed so the read
// loop unblocks.
func (c *conn) writeLoop(send <-chan protocol.Message) {
	defer c.ws.Close()
	for out := range send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(out); err != nil {
			slog.Debug("ws write failed", "conn_id", c.id, "err", err)
			return
		}
	}
	deadline := time.Now().Add(writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline)
}

func (c *conn) reply(msg protocol.Message) {
	if c.loggedIn {
		c.h.relay.SendTo(c.id, msg)
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteJSON(msg)
}

func (c *conn) closeDirect(reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
}
