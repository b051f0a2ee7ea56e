package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/logging"
)

// Stream message types. Clients send watch, unwatch and ping; the server
// sends ack, pong, snapshot, readings and error.
const (
	StreamWatch    = "watch"
	StreamUnwatch  = "unwatch"
	StreamPing     = "ping"
	StreamPong     = "pong"
	StreamAck      = "ack"
	StreamSnapshot = "snapshot"
	StreamReadings = "readings"
	StreamError    = "error"

	// WatchAll in a watch list selects every device, present and future.
	WatchAll = "*"

	streamSendBuffer = 256
)

// StreamMessage is the envelope of every frame on the readings stream.
type StreamMessage struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
	Devices  []string       `json:"devices,omitempty"`
	Readings map[string]any `json:"readings,omitempty"`
	Error    string         `json:"error,omitempty"`
	Time     string         `json:"time,omitempty"`
}

// Hub fans reading batches out to the stream clients watching each device.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	operator string

	// snapshot returns the latest readings of one device, or every
	// managed device when id is WatchAll.
	snapshot func(id string) map[string]map[string]any

	mu       sync.RWMutex
	watchAll bool
	devices  map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "operator", c.operator, "clients", n)
}

// remove closes the client's send channel once, whichever of the read
// pump or Run gets there first.
func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
	}
	h.logger.Debug("stream client disconnected", "operator", c.operator, "clients", n)
}

// Publish sends one reading batch to the clients watching deviceID.
func (h *Hub) Publish(deviceID string, readings map[string]any) {
	data, err := json.Marshal(StreamMessage{
		Type:     StreamReadings,
		DeviceID: deviceID,
		Readings: readings,
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.Error("encoding readings frame", "device_id", deviceID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.watching(deviceID) {
			c.trySend(data)
		}
	}
}

// broadcastReadings is the reading sink observer.
func (s *Server) broadcastReadings(deviceID string, changed map[string]any) {
	s.hub.Publish(deviceID, changed)
}

// latestReadings backs the snapshot frames sent after a watch.
func (s *Server) latestReadings(id string) map[string]map[string]any {
	out := make(map[string]map[string]any)
	if id != WatchAll {
		if r := s.bridge.Readings(id); len(r) > 0 {
			out[id] = r
		}
		return out
	}
	for _, d := range s.bridge.Devices() {
		if r := s.bridge.Readings(d.ID()); len(r) > 0 {
			out[d.ID()] = r
		}
	}
	return out
}

// handleWebSocket upgrades the connection. Browsers cannot set headers on
// a WebSocket handshake, so the access token travels as a query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		writeUnauthorized(w, "access_token query parameter is required")
		return
	}
	claims, err := s.operator.Validate(token)
	if err != nil {
		writeUnauthorized(w, "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, streamSendBuffer),
		operator: claims.Subject,
		snapshot: s.latestReadings,
		devices:  make(map[string]struct{}),
	}
	s.hub.add(c)

	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg)
}

func (c *streamClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("stream read error", "operator", c.operator, "error", err)
			}
			return
		}
		//nolint:errcheck // as above
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(StreamMessage{Type: StreamError, Error: "invalid JSON message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *streamClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // peer may already be gone
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) handle(msg StreamMessage) {
	switch msg.Type {
	case StreamWatch:
		devices := msg.Devices
		if len(devices) == 0 {
			devices = []string{WatchAll}
		}
		c.watch(devices)
		c.reply(StreamMessage{Type: StreamAck, ID: msg.ID, Devices: devices})
		c.sendSnapshots(devices)
	case StreamUnwatch:
		c.unwatch(msg.Devices)
		c.reply(StreamMessage{Type: StreamAck, ID: msg.ID, Devices: c.watched()})
	case StreamPing:
		c.reply(StreamMessage{Type: StreamPong, ID: msg.ID})
	default:
		c.reply(StreamMessage{Type: StreamError, ID: msg.ID, Error: "unknown message type: " + msg.Type})
	}
}

func (c *streamClient) watch(devices []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range devices {
		if id == WatchAll {
			c.watchAll = true
			continue
		}
		c.devices[id] = struct{}{}
	}
}

// unwatch with an empty list stops everything.
func (c *streamClient) unwatch(devices []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(devices) == 0 {
		c.watchAll = false
		clear(c.devices)
		return
	}
	for _, id := range devices {
		if id == WatchAll {
			c.watchAll = false
			continue
		}
		delete(c.devices, id)
	}
}

func (c *streamClient) watching(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.watchAll {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

func (c *streamClient) watched() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.devices)+1)
	if c.watchAll {
		out = append(out, WatchAll)
	}
	for id := range c.devices {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// sendSnapshots sends the current readings of each newly watched device
// so the client does not wait for the next change.
func (c *streamClient) sendSnapshots(devices []string) {
	if c.snapshot == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range devices {
		for deviceID, readings := range c.snapshot(id) {
			c.reply(StreamMessage{Type: StreamSnapshot, DeviceID: deviceID, Readings: readings, Time: now})
		}
	}
}

func (c *streamClient) reply(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend drops the frame when the client is gone or its buffer is full.
func (c *streamClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a channel closed by Run
	}()

	select {
	case c.send <- data:
	default:
	}
}
