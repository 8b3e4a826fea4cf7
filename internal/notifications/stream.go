package notifications

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// StreamHub pushes events to connected websocket clients. A client may limit
// itself to one mailbox with ?mailbox_id=N.
type StreamHub struct {
	mu       sync.RWMutex
	clients  map[*streamClient]struct{}
	upgrader websocket.Upgrader
	logger   *log.Logger
}

type streamClient struct {
	conn      *websocket.Conn
	send      chan []byte
	mailboxID int64
}

func NewStreamHub(logger *log.Logger) *StreamHub {
	if logger == nil {
		logger = log.Default()
	}
	return &StreamHub{
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Clients returns the number of connected clients.
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish never blocks; clients with a full buffer miss the event.
func (h *StreamHub) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.mailboxID != 0 && c.mailboxID != evt.MailboxID {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("notifications: websocket upgrade: %v", err)
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, 256)}
	if v := r.URL.Query().Get("mailbox_id"); v != "" {
		c.mailboxID, _ = strconv.ParseInt(v, 10, 64)
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *StreamHub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump only services control frames; clients do not send events.
func (h *StreamHub) readPump(c *streamClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
