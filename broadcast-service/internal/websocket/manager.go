package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 256
)

// Manager manages all WebSocket connections
type Manager struct {
	// Map of auctionID -> set of clients watching that auction
	subscribers sync.Map // map[string]*sync.Map of *Client

	// Channels for managing connections; only Run touches subscriber sets
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	log zerolog.Logger
}

// Client represents a WebSocket client connection
type Client struct {
	ID        string
	AuctionID string
	Conn      *websocket.Conn
	Send      chan []byte

	closeOnce sync.Once
}

// BroadcastMessage represents a message to broadcast to all clients watching an auction
type BroadcastMessage struct {
	AuctionID string
	Payload   []byte
}

// NewManager creates a new WebSocket manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		done:       make(chan struct{}),
		log:        log,
	}
}

// NewClient creates a client for one auction's feed.
func NewClient(id, auctionID string, conn *websocket.Conn) *Client {
	return &Client{
		ID:        id,
		AuctionID: auctionID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
	}
}

// Run starts the manager's main loop until ctx is cancelled, then
// disconnects every client.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.disconnectAll()
			return

		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case message := <-m.broadcast:
			m.broadcastToAuction(message.AuctionID, message.Payload)
		}
	}
}

// RegisterClient adds a client to the manager. It reports false once the
// manager has stopped.
func (m *Manager) RegisterClient(client *Client) bool {
	select {
	case m.register <- client:
		return true
	case <-m.done:
		return false
	}
}

// UnregisterClient removes a client from the manager
func (m *Manager) UnregisterClient(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
	}
}

// Broadcast sends a message to all clients watching an auction
func (m *Manager) Broadcast(auctionID string, payload []byte) {
	select {
	case m.broadcast <- &BroadcastMessage{AuctionID: auctionID, Payload: payload}:
	case <-m.done:
	}
}

// registerClient adds a client to the subscribers map
func (m *Manager) registerClient(client *Client) {
	// Get or create the subscriber set for this auction
	subscribers, _ := m.subscribers.LoadOrStore(client.AuctionID, &sync.Map{})
	subscribers.(*sync.Map).Store(client, true)

	m.log.Debug().Str("client_id", client.ID).Str("auction_id", client.AuctionID).Msg("client subscribed")

	// Start goroutine to handle writes for this client
	go client.writePump()
}

// unregisterClient removes a client and closes its send channel, which ends
// its write pump and connection. Safe to call twice for one client.
func (m *Manager) unregisterClient(client *Client) {
	if subscribers, ok := m.subscribers.Load(client.AuctionID); ok {
		subscribers.(*sync.Map).Delete(client)
	}
	client.closeSend()

	m.log.Debug().Str("client_id", client.ID).Str("auction_id", client.AuctionID).Msg("client unsubscribed")
}

// broadcastToAuction sends a message to all clients watching a specific auction
func (m *Manager) broadcastToAuction(auctionID string, payload []byte) {
	subscribers, ok := m.subscribers.Load(auctionID)
	if !ok {
		return
	}

	count := 0
	subscribers.(*sync.Map).Range(func(key, _ any) bool {
		client := key.(*Client)
		select {
		case client.Send <- payload:
			count++
		default:
			// Send buffer full: drop the slow client so it cannot block others
			m.log.Warn().Str("client_id", client.ID).Msg("client too slow, disconnecting")
			m.unregisterClient(client)
		}
		return true
	})

	m.log.Debug().Int("clients", count).Str("auction_id", auctionID).Msg("broadcast")
}

func (m *Manager) disconnectAll() {
	m.subscribers.Range(func(_, subscribers any) bool {
		subscribers.(*sync.Map).Range(func(key, _ any) bool {
			m.unregisterClient(key.(*Client))
			return true
		})
		return true
	})
}

// GetSubscriberCount returns the number of clients watching an auction
func (m *Manager) GetSubscriberCount(auctionID string) int {
	subscribers, ok := m.subscribers.Load(auctionID)
	if !ok {
		return 0
	}
	count := 0
	subscribers.(*sync.Map).Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// writePump pumps messages from the Send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
// The feed is one-way; client payloads are ignored.
func (c *Client) readPump(m *Manager) {
	defer m.UnregisterClient(c)

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}

// StartReadPump starts the read pump for this client
func (c *Client) StartReadPump(m *Manager) {
	go c.readPump(m)
}
