package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetcore/fleetcore/internal/identity"
)

const (
	// wsSendBuffer is the per-client outbound queue; a client that can't
	// drain it is dropped rather than backpressuring the broadcaster.
	wsSendBuffer = 256

	// wsPingInterval is the server heartbeat period; a connection that
	// misses a pong for a full wsPongWait is terminated.
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

// WSMessage is the JSON envelope for every WebSocket frame, both ways.
type WSMessage struct {
	Type   string      `json:"type"`
	ChatID string      `json:"chatId,omitempty"`
	Token  string      `json:"token,omitempty"`
	UID    string      `json:"uid,omitempty"`
	Error  string      `json:"error,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// Client is one WebSocket connection. It is unauthenticated until its
// first frame carries a valid token; nothing is delivered before that.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	authed bool
	closed bool
	uid    identity.UID
	chats  map[string]struct{}
}

// Hub manages WebSocket clients: registration, per-chat subscriptions,
// and global broadcast fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	verify func(token string) (*Identity, error)
}

// NewHub creates a hub that authenticates clients through verify.
func NewHub(verify func(token string) (*Identity, error)) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		verify:  verify,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	// Closing under the client lock means enqueue can never send on a
	// closed channel.
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every authenticated client.
func (h *Hub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		authed := c.authed
		c.mu.Unlock()
		if !authed {
			continue
		}
		c.enqueue(data)
	}
}

// BroadcastChat sends msg only to clients subscribed to chatID.
func (h *Hub) BroadcastChat(chatID string, msg WSMessage) {
	msg.ChatID = chatID
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		_, subscribed := c.chats[chatID]
		authed := c.authed
		c.mu.Unlock()
		if authed && subscribed {
			c.enqueue(data)
		}
	}
}

// enqueue queues data for the client, dropping the client if its send
// buffer is full.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Buffer full: drop the client rather than block the
		// broadcaster. Unregister needs the client lock, so hand off.
		go c.hub.unregister(c)
	}
}

// serve runs a fresh client's pumps; it blocks until the connection dies.
func (h *Hub) serve(conn *websocket.Conn) {
	c := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		chats: make(map[string]struct{}),
	}
	h.register(c)
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(WSMessage{Type: "error", Error: "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	switch msg.Type {
	case "auth":
		id, err := c.hub.verify(msg.Token)
		if err != nil {
			c.reply(WSMessage{Type: "error", Error: "authentication failed"})
			return
		}
		c.mu.Lock()
		c.authed = true
		c.uid = id.UID
		c.mu.Unlock()
		c.reply(WSMessage{Type: "authenticated", UID: string(id.UID)})

	case "subscribe":
		if !c.isAuthed() {
			c.reply(WSMessage{Type: "error", Error: "not authenticated"})
			return
		}
		c.mu.Lock()
		c.chats[msg.ChatID] = struct{}{}
		c.mu.Unlock()
		c.reply(WSMessage{Type: "subscribed", ChatID: msg.ChatID})

	case "unsubscribe":
		if !c.isAuthed() {
			c.reply(WSMessage{Type: "error", Error: "not authenticated"})
			return
		}
		c.mu.Lock()
		delete(c.chats, msg.ChatID)
		c.mu.Unlock()
		c.reply(WSMessage{Type: "unsubscribed", ChatID: msg.ChatID})

	case "ping":
		c.reply(WSMessage{Type: "pong"})

	default:
		c.reply(WSMessage{Type: "error", Error: "unknown message type " + msg.Type})
	}
}

func (c *Client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Client) reply(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[HUB] marshal reply: %v", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
