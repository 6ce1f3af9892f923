package realtime

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 4096
	DefaultPingGap = 30 * time.Second
)

const (
	ActionJoin       = "join"
	ActionLeave      = "leave"
	ActionTyping     = "typing"
	ActionStopTyping = "stop_typing"
)

// Frame is what a session sends to the server.
type Frame struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	BidID   string `json:"bidId,omitempty"`
}

// Serve pumps events to ws and frames from ws until either side closes.
// It blocks, and unregisters the session on return.
func (h *Hub) Serve(ws *websocket.Conn, actor domain.Actor, pingGap time.Duration) {
	if pingGap <= 0 {
		pingGap = DefaultPingGap
	}

	c := h.Register(actor)
	defer h.Unregister(c)

	go h.writePump(ws, c, pingGap)
	h.readPump(ws, c, pingGap)
}

func (h *Hub) readPump(ws *websocket.Conn, c *Client, pingGap time.Duration) {
	defer ws.Close()

	pongWait := pingGap * 2
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("realtime session read failed",
					zap.String("client_id", c.ID),
					zap.Error(err),
				)
			}
			return
		}
		if err := h.handleFrame(c, frame); err != nil {
			h.logger.Debug("realtime frame rejected",
				zap.String("client_id", c.ID),
				zap.String("action", frame.Action),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) handleFrame(c *Client, frame Frame) error {
	switch frame.Action {
	case ActionJoin:
		return h.Join(c, frame.Channel)
	case ActionLeave:
		h.Leave(c, frame.Channel)
		return nil
	case ActionTyping:
		return h.SetTyping(c, frame.BidID, true)
	case ActionStopTyping:
		return h.SetTyping(c, frame.BidID, false)
	default:
		return errors.New("unknown action " + frame.Action)
	}
}

func (h *Hub) writePump(ws *websocket.Conn, c *Client, pingGap time.Duration) {
	ticker := time.NewTicker(pingGap)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case event := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
