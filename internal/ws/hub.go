// Package ws fans committed market events out to WebSocket subscribers.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64

	// AllMarkets subscribes a connection to every market's events.
	AllMarkets = "*"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Request is what clients send: {"action":"subscribe","market_id":"<address>"}.
type Request struct {
	Action   string `json:"action"`
	MarketID string `json:"market_id"`
}

// Hub tracks which connections follow which market addresses.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]struct{}
	conns map[*conn]struct{}
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	markets map[string]struct{} // guarded by hub.mu
	closed  bool                // guarded by hub.mu
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*conn]struct{}),
		conns: make(map[*conn]struct{}),
	}
}

// Publish sends a message to the subscribers of marketID and to wildcard
// subscribers. Clients whose buffer is full miss the message.
func (h *Hub) Publish(marketID, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, MarketID: marketID, Data: data})
	if err != nil {
		log.Printf("[ws] marshal %s: %v", msgType, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range []map[*conn]struct{}{h.rooms[marketID], h.rooms[AllMarkets]} {
		for c := range room {
			select {
			case c.send <- b:
			default:
			}
		}
	}
}

// Subscribers returns how many connections follow marketID directly.
func (h *Hub) Subscribers(marketID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[marketID])
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:      wsConn,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
		markets: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply(Msg{Type: "error", Data: "malformed request"})
			continue
		}
		if req.MarketID != AllMarkets {
			if _, err := solana.PublicKeyFromBase58(req.MarketID); err != nil {
				c.reply(Msg{Type: "error", MarketID: req.MarketID, Data: "market_id must be a market address"})
				continue
			}
		}
		switch req.Action {
		case "subscribe":
			c.hub.subscribe(c, req.MarketID)
			c.reply(Msg{Type: "subscribed", MarketID: req.MarketID})
		case "unsubscribe":
			c.hub.unsubscribe(c, req.MarketID)
			c.reply(Msg{Type: "unsubscribed", MarketID: req.MarketID})
		default:
			c.reply(Msg{Type: "error", Data: "unknown action " + req.Action})
		}
	}
}

func (c *conn) reply(m Msg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *conn, marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[marketID]
	if !ok {
		room = make(map[*conn]struct{})
		h.rooms[marketID] = room
	}
	room[c] = struct{}{}
	c.markets[marketID] = struct{}{}
}

func (h *Hub) unsubscribe(c *conn, marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, marketID)
}

// leave must be called with h.mu held.
func (h *Hub) leave(c *conn, marketID string) {
	if room, ok := h.rooms[marketID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, marketID)
		}
	}
	delete(c.markets, marketID)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range c.markets {
		h.leave(c, m)
	}
	delete(h.conns, c)
	c.closed = true
	close(c.send)
}
