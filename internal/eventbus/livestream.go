package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout  = 10 * time.Second
	clientSendBuf = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LiveStreamPublisher fans events out to subscribed WebSocket clients. It
// implements Publisher so the engine can register it on the same Bus as
// the webhook publisher, and it implements http.Handler so it can be
// mounted directly on the router at /events/stream.
type LiveStreamPublisher struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn        *websocket.Conn
	send        chan Event
	executionID string // "" subscribes to every execution
}

// NewLiveStreamPublisher builds an empty hub.
func NewLiveStreamPublisher() *LiveStreamPublisher {
	return &LiveStreamPublisher{clients: make(map[*streamClient]struct{})}
}

// Name identifies this publisher in logs.
func (h *LiveStreamPublisher) Name() string { return "livestream" }

// Publish fans evt out to every connected client whose subscription
// matches, non-blocking: a slow client is dropped rather than stalling
// delivery to everyone else.
func (h *LiveStreamPublisher) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.executionID != "" && c.executionID != evt.ExecutionID {
			continue
		}
		select {
		case c.send <- evt:
		default:
			log.Warn().Str("execution", evt.ExecutionID).Msg("livestream client too slow, dropping event")
		}
	}
	return nil
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects. Query parameter `execution_id` narrows the subscription to
// one execution; omitted, the client sees every event on the bus.
func (h *LiveStreamPublisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("livestream: upgrade failed")
		return
	}

	client := &streamClient{
		conn:        conn,
		send:        make(chan Event, clientSendBuf),
		executionID: r.URL.Query().Get("execution_id"),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(client)
	h.writeLoop(client)
}

// readLoop discards inbound messages but is required to detect client
// disconnects and surface gorilla/websocket's ping/pong control frames.
func (h *LiveStreamPublisher) readLoop(c *streamClient) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LiveStreamPublisher) writeLoop(c *streamClient) {
	defer h.drop(c)
	for evt := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		body, err := json.Marshal(envelope(evt))
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}

// envelope wraps an event in the wire shape streaming clients consume:
// a fixed "process_event" discriminator with the event type alongside.
func envelope(evt Event) map[string]any {
	msg := map[string]any{
		"type":         "process_event",
		"event_type":   evt.Type,
		"timestamp":    evt.Timestamp,
		"execution_id": evt.ExecutionID,
		"process_name": evt.ProcessName,
	}
	for k, v := range evt.Payload {
		msg[k] = v
	}
	return msg
}

func (h *LiveStreamPublisher) drop(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
