// Package stream pushes settlement events to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Message is one event frame. Seq increases by one per published event and
// lets a reconnecting client ask for what it missed.
type Message struct {
	Topic messaging.Topic `json:"topic"`
	Key   string          `json:"key"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// ringBuffer holds the last N messages.
type ringBuffer struct {
	buf   []Message
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size)}
}

func (r *ringBuffer) add(msg Message) {
	if len(r.buf) == 0 {
		return
	}
	idx := (r.start + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

func (r *ringBuffer) since(seq uint64) []Message {
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%len(r.buf)]
		if msg.Seq > seq {
			out = append(out, msg)
		}
	}
	return out
}

type client struct {
	conn   *websocket.Conn
	send   chan Message
	topics map[messaging.Topic]bool
	once   sync.Once
}

func (c *client) wants(topic messaging.Topic) bool {
	return len(c.topics) == 0 || c.topics[topic]
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans events out to connected clients. It implements
// messaging.Producer so it can sit behind the event bus.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	replay  *ringBuffer
	nextSeq uint64
	closed  bool
}

// NewHub keeps the last replaySize events for reconnecting clients.
func NewHub(logger *zap.Logger, replaySize int) *Hub {
	return &Hub{
		logger:  logger.Named("stream"),
		clients: make(map[*client]struct{}),
		replay:  newRingBuffer(replaySize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish broadcasts one event. Clients that cannot keep up are dropped.
func (h *Hub) Publish(_ context.Context, topic messaging.Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.nextSeq++
	msg := Message{Topic: topic, Key: key, Seq: h.nextSeq, Data: data}
	h.replay.add(msg)
	for c := range h.clients {
		if !c.wants(topic) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.dropLocked(c)
			metrics.StreamDropped.Inc()
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	return nil
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	metrics.StreamClients.Dec()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request. Query parameters: topic (repeatable)
// filters by topic, since replays buffered events with a higher seq.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since uint64
	replay := false
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "since must be an unsigned integer", http.StatusBadRequest)
			return
		}
		since, replay = v, true
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan Message, sendBuffer+len(h.replay.buf)),
		topics: make(map[messaging.Topic]bool),
	}
	for _, t := range q["topic"] {
		c.topics[messaging.Topic(t)] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if replay {
		for _, msg := range h.replay.since(since) {
			if c.wants(msg.Topic) {
				c.send <- msg
			}
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.StreamClients.Inc()

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
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

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}
