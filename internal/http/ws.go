package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"media-harbor/internal/bus"
)

// Subscriber is the receive side of the event bus.
type Subscriber interface {
	Subscribe() *bus.Subscription
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the API is already origin-open via CORS
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents bridges the bus to a websocket client. A client that falls
// behind loses its oldest events rather than stalling publishers.
func (h *Handler) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return // upgrader has already written the error response
	}
	defer conn.Close()

	sub := h.events.Subscribe()
	defer sub.Unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			// inbound messages are ignored; reading detects disconnects
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, ok := sub.Next(closed)
		if !ok {
			return
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
