package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"alpaca-trading-bot/internal/events"
	"alpaca-trading-bot/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// cross-origin dashboards are allowed; the API carries no credentials
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub streams bus events to connected websocket clients. A slow client
// whose buffer fills is disconnected rather than backpressuring the bus.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	log     *logging.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan events.Event
}

func newWSHub(bus *events.Bus) *wsHub {
	h := &wsHub{
		clients: make(map[*wsClient]struct{}),
		log:     logging.WithComponent("websocket"),
	}
	if bus != nil {
		bus.SubscribeAll(h.broadcast)
	}
	return h
}

func (h *wsHub) broadcast(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- ev:
		default:
			// slow consumer; drop the connection
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *wsHub) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan events.Event, wsSendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *wsHub) writeLoop(client *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer func() {
		ping.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-client.send:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteJSON(ev); err != nil {
				h.remove(client)
				return
			}
		case <-ping.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteTimeout)); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

// readLoop drains client frames so pings are answered and closes are seen
func (h *wsHub) readLoop(client *wsClient) {
	defer h.remove(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *wsHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		client.conn.Close()
	}
}
