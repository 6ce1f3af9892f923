package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rl1809/negotiation/internal/adapter/realtime"
	"github.com/rl1809/negotiation/internal/core/domain"
)

type WSHandler struct {
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	pingGap  time.Duration
}

// NewWSHandler accepts upgrades from the given origins; "*" allows any.
func NewWSHandler(hub *realtime.Hub, allowedOrigins []string, pingGap time.Duration) *WSHandler {
	return &WSHandler{
		hub:     hub,
		pingGap: pingGap,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Serve)
}

// Serve upgrades the request and blocks for the life of the session. Browsers
// cannot set headers on upgrades, so the actor may come from query params.
func (h *WSHandler) Serve(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		actor = domain.Actor{
			ID:   c.QueryParam("actorId"),
			Type: domain.ActorType(c.QueryParam("actorType")),
		}
		if actor.ID == "" || !actor.Type.Valid() {
			return err
		}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the response
		return nil
	}

	h.hub.Serve(ws, actor, h.pingGap)
	return nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
