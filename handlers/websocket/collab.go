package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/maandhruv/collab-whiteboard/collab"
	"github.com/maandhruv/collab-whiteboard/protocol"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 5000000
	sendBufferSize    = 512
	maxRateViolations = 1000

	reasonRateLimited = "rate_limited"
)

// Limits bounds inbound frames per connection. A sync frame over its limit
// closes the connection, since dropping it would leave the sender diverged
// from the room. Awareness frames over their limit are dropped; presence is
// resent by clients every few seconds.
type Limits struct {
	Sync           rate.Limit
	SyncBurst      int
	Awareness      rate.Limit
	AwarenessBurst int
}

// defaultLimits leaves headroom for a client replaying a long offline
// session while still stopping a flood.
var defaultLimits = Limits{
	Sync:           100,
	SyncBurst:      500,
	Awareness:      20,
	AwarenessBurst: 50,
}

// Handler upgrades authorized requests and attaches each connection to its
// room. Routes must provide the roomId URL parameter and may provide code;
// the code can also come from the ?code= query.
type Handler struct {
	gate     *collab.Gate
	registry *collab.Registry
	metrics  *collab.Metrics
	limits   Limits
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	active  sync.WaitGroup
}

// NewHandler creates the websocket endpoint. An empty allowedOrigins accepts
// any origin.
func NewHandler(gate *collab.Gate, registry *collab.Registry, metrics *collab.Metrics, allowedOrigins []string) *Handler {
	if metrics == nil {
		metrics = collab.NewMetrics(nil)
	}
	return &Handler{
		gate:     gate,
		registry: registry,
		metrics:  metrics,
		limits:   defaultLimits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		clients: make(map[*Client]struct{}),
	}
}

// SetLimits replaces the per-connection limits for connections accepted
// afterwards.
func (h *Handler) SetLimits(l Limits) {
	h.mu.Lock()
	h.limits = l
	h.mu.Unlock()
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	code := chi.URLParam(r, "code")
	if code == "" {
		code = r.URL.Query().Get("code")
	}

	authErr := h.gate.Authorize(r.Context(), roomID, code)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Websocket upgrade failed")
		return
	}

	if authErr != nil {
		reason := collab.ReasonRoomNotFound
		var aerr *collab.AccessError
		if errors.As(authErr, &aerr) {
			reason = aerr.Reason
		}
		writeClose(conn, websocket.ClosePolicyViolation, reason)
		conn.Close()
		return
	}

	h.mu.Lock()
	limits := h.limits
	h.mu.Unlock()
	client := newClient(conn, roomID, h.metrics, limits)
	if !h.track(client) {
		writeClose(conn, websocket.CloseGoingAway, "server shutdown")
		conn.Close()
		return
	}
	defer h.untrack(client)

	room := h.registry.GetOrCreate(roomID)
	defer h.registry.Release(room)
	<-room.Ready()

	go client.writePump()
	room.Join(client)
	client.log.Info("Client joined room")

	client.readPump(room)

	room.Leave(client)
	client.close()
	client.log.Info("Client left room")
}

func (h *Handler) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.active.Add(1)
	return true
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.active.Done()
}

// Shutdown refuses new connections, closes the open ones with a going-away
// status and waits until each has left its room.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for c := range h.clients {
		writeClose(c.conn, websocket.CloseGoingAway, "server shutdown")
		c.conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is one websocket connection. Frames for it are queued on send and
// written by writePump; readPump runs on the handler goroutine.
type Client struct {
	id        string
	conn      *websocket.Conn
	sync      *rate.Limiter
	awareness *rate.Limiter
	metrics   *collab.Metrics
	log       *logrus.Entry

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, roomID string, metrics *collab.Metrics, limits Limits) *Client {
	id := uuid.NewString()
	return &Client{
		id:        id,
		conn:      conn,
		sync:      rate.NewLimiter(limits.Sync, limits.SyncBurst),
		awareness: rate.NewLimiter(limits.Awareness, limits.AwarenessBurst),
		metrics:   metrics,
		send:      make(chan []byte, sendBufferSize),
		log: logrus.WithFields(logrus.Fields{
			"room_id":       roomID,
			"connection_id": id,
		}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues frame without blocking. It reports false when the queue is full
// or the client is closed.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close stops writePump after it drains the queue.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(room *collab.Room) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("Websocket read error")
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.fail(err)
			return
		}

		switch msg.Type {
		case protocol.MessageSync:
			if !c.sync.Allow() {
				c.log.Warn("Disconnecting client for exceeding the sync rate limit")
				c.metrics.ProtocolErrors.WithLabelValues(reasonRateLimited).Inc()
				writeClose(c.conn, websocket.ClosePolicyViolation, reasonRateLimited)
				return
			}
		case protocol.MessageAwareness:
			if !c.awareness.Allow() {
				violations++
				if violations%100 == 1 {
					c.log.WithField("violations", violations).Warn("Awareness rate limit exceeded")
				}
				if violations > maxRateViolations {
					c.log.Warn("Disconnecting client for excessive rate limit violations")
					c.metrics.ProtocolErrors.WithLabelValues(reasonRateLimited).Inc()
					writeClose(c.conn, websocket.ClosePolicyViolation, reasonRateLimited)
					return
				}
				continue
			}
		}

		if err := c.handle(room, msg); err != nil {
			c.fail(err)
			return
		}
	}
}

// handle applies one decoded frame and returns an error only when the
// connection must be closed.
func (c *Client) handle(room *collab.Room, msg *protocol.Message) error {
	var err error
	switch msg.Type {
	case protocol.MessageSync:
		c.metrics.Frames.WithLabelValues("sync").Inc()
		err = room.HandleSync(c, msg)
	case protocol.MessageAwareness:
		c.metrics.Frames.WithLabelValues("awareness").Inc()
		err = room.HandleAwareness(c, msg.Payload)
	}
	if err != nil && !collab.IsProtocolError(err) {
		c.log.WithError(err).Warn("Discarded document update")
		return nil
	}
	return err
}

// fail closes the connection with 1003 and the reason carried by a protocol
// error. Presence payload errors have none and report a malformed frame.
func (c *Client) fail(err error) {
	reason := protocol.ReasonMalformedFrame
	var perr *protocol.Error
	if errors.As(err, &perr) {
		reason = perr.Reason
	}
	c.metrics.ProtocolErrors.WithLabelValues(reason).Inc()
	c.log.WithError(err).WithField("reason", reason).Warn("Closing connection after protocol error")
	writeClose(c.conn, websocket.CloseUnsupportedData, reason)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.WithError(err).Debug("Websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		logrus.WithError(err).Debug("Failed to write close frame")
	}
}
