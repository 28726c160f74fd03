package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
)

// StatusChannel is the channel tag on every outbound status message.
const StatusChannel = "/ws/status"

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	// wsSendBuffer bounds the per-client queue; a client that falls this
	// far behind is dropped rather than backpressuring the bus.
	wsSendBuffer = 64
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// statusHub fans bus status broadcasts out to connected WebSocket clients.
type statusHub struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	unsub   func()
	log     zerolog.Logger
}

func newStatusHub(b *bus.Bus) *statusHub {
	return &statusHub{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		log:     log.With().Str("component", "ws").Logger(),
	}
}

// start subscribes the hub to the status broadcast topic.
func (h *statusHub) start() error {
	if h.bus == nil {
		return nil
	}
	unsub, err := bus.On(h.bus, bus.TopicStatusBroadcast, func(upd bus.StatusUpdate) {
		h.broadcast(upd)
	})
	if err != nil {
		return err
	}
	h.unsub = unsub
	return nil
}

func (h *statusHub) stop() {
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

func (h *statusHub) broadcast(upd bus.StatusUpdate) {
	upd.Channel = StatusChannel
	if upd.Timestamp.IsZero() {
		upd.Timestamp = time.Now()
	}
	msg, err := json.Marshal(upd)
	if err != nil {
		h.log.Error().Err(err).Msg("Status marshal failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// Slow consumer: drop it, the writer loop exits on close.
			close(client.send)
			delete(h.clients, client)
			h.log.Warn().Msg("Dropped slow status client")
		}
	}
}

func (h *statusHub) handleUpgrade(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("client_ip", c.ClientIP()).Msg("Status client connected")

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *statusHub) writeLoop(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains inbound frames so pings are answered and a closed peer is
// noticed.
func (h *statusHub) readLoop(client *wsClient) {
	defer h.remove(client)
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *statusHub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	_ = client.conn.Close()
}
