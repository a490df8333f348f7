// Package stream carries the periodic market data republish and trade
// prints to external consumers over WebSocket and NATS.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paperexch/derivsim/pkg/marketdata"
	"github.com/paperexch/derivsim/pkg/sim"
)

// Message is the WebSocket frame envelope.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Hub fans snapshots and trades out to connected WebSocket clients.
type Hub struct {
	logger *zap.Logger

	clients    map[*client]bool
	clientsMu  sync.RWMutex
	register   chan *client
	unregister chan *client
	broadcast  chan Message

	messagesOut uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHub creates a hub.
func NewHub(logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the hub loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop disconnects all clients and stops the loop.
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()

	h.clientsMu.Lock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
	}
	h.clients = make(map[*client]bool)
	h.clientsMu.Unlock()
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = true
			h.clientsMu.Unlock()
			h.logger.Debug("ws client connected", zap.String("client", c.id))
		case c := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.clientsMu.Unlock()
			h.logger.Debug("ws client disconnected", zap.String("client", c.id))
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.clientsMu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
					atomic.AddUint64(&h.messagesOut, 1)
				default:
					// Slow consumer, drop the frame.
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

// ServeHTTP upgrades a connection and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// PublishSnapshot implements sim.Broadcaster.
func (h *Hub) PublishSnapshot(snap *marketdata.Snapshot) error {
	select {
	case h.broadcast <- Message{
		Type:      "marketData",
		Channel:   snap.Symbol,
		Data:      snap,
		Timestamp: time.Now().UnixMilli(),
	}:
	default:
	}
	return nil
}

// PublishTrade implements sim.Broadcaster.
func (h *Hub) PublishTrade(trade *sim.Trade) error {
	select {
	case h.broadcast <- Message{
		Type:      "trade",
		Channel:   trade.Symbol,
		Data:      trade,
		Timestamp: time.Now().UnixMilli(),
	}:
	default:
	}
	return nil
}

// MessagesOut returns the number of frames delivered.
func (h *Hub) MessagesOut() uint64 {
	return atomic.LoadUint64(&h.messagesOut)
}
