package fabric

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reguard/reguard/internal/config"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/metrics"
)

// livenessInterval is how often the liveness monitor sweeps the pool.
const livenessInterval = 30 * time.Second

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	ActiveConnections        int   `json:"active_connections"`
	AuthenticatedConnections int   `json:"authenticated_connections"`
	TotalConnections         int64 `json:"total_connections"`
	MessagesSent             int64 `json:"messages_sent"`
	MessagesDropped          int64 `json:"messages_dropped"`
	Subscriptions            int   `json:"subscriptions"`
}

// Hub owns the connection pool, fan-out, heartbeat, and liveness.
type Hub struct {
	logger *slog.Logger

	maxConnections    int
	heartbeatInterval time.Duration
	connectionTimeout time.Duration
	queueSize         int

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	onConnect    func(*Connection)
	onDisconnect func(*Connection)

	totalConnections atomic.Int64

	now func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub from configuration. Call Start to launch the heartbeat
// and liveness loops.
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 5000
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 30 * time.Second
	}
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	return &Hub{
		logger:            logger.With("component", "fabric.Hub"),
		maxConnections:    maxConns,
		heartbeatInterval: hb,
		connectionTimeout: timeout,
		queueSize:         cfg.MessageQueueSize,
		conns:             make(map[string]*Connection),
		byUser:            make(map[string]map[string]*Connection),
		now:               time.Now,
		done:              make(chan struct{}),
	}
}

// OnConnect registers a callback fired when a connection is pooled.
func (h *Hub) OnConnect(fn func(*Connection)) { h.onConnect = fn }

// OnDisconnect registers a callback fired when a connection is removed.
func (h *Hub) OnDisconnect(fn func(*Connection)) { h.onDisconnect = fn }

// Start launches the heartbeat broadcaster and liveness monitor.
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.heartbeatLoop()
	go h.livenessLoop()
	h.logger.Info("fabric hub started",
		"max_connections", h.maxConnections,
		"heartbeat_interval", h.heartbeatInterval,
		"connection_timeout", h.connectionTimeout)
}

// Stop closes every connection and stops the background loops.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Connection)
	h.byUser = make(map[string]map[string]*Connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	metrics.FabricConnections.Set(0)
	h.logger.Info("fabric hub stopped")
}

// CreateConnection builds a new connection in CONNECTING state. It is not
// pooled until AddConnection.
func (h *Hub) CreateConnection(userID, sessionID string, transport Transport) *Connection {
	return newConnection(userID, sessionID, transport, h.queueSize)
}

// AddConnection pools a connection if capacity allows, starts its writer, and
// emits the connect callback.
func (h *Hub) AddConnection(c *Connection) error {
	h.mu.Lock()
	if len(h.conns) >= h.maxConnections {
		h.mu.Unlock()
		return faults.Newf(faults.KindResource,
			"connection pool at capacity (%d)", h.maxConnections)
	}
	h.conns[c.ID] = c
	if c.UserID != "" {
		if h.byUser[c.UserID] == nil {
			h.byUser[c.UserID] = make(map[string]*Connection)
		}
		h.byUser[c.UserID][c.ID] = c
	}
	h.mu.Unlock()

	c.setState(StateConnected)
	c.mu.Lock()
	c.connectedAt = h.now()
	c.lastHeartbeat = h.now()
	c.mu.Unlock()

	h.totalConnections.Add(1)
	metrics.FabricConnections.Set(float64(h.connectionCount()))

	go c.writeLoop(h.connectionDead)

	if h.onConnect != nil {
		h.onConnect(c)
	}
	h.logger.Debug("connection added", "connection_id", c.ID, "user_id", c.UserID)
	return nil
}

// RemoveConnection unpools and closes a connection. Returns false when the id
// is unknown.
func (h *Hub) RemoveConnection(id string) bool {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		if c.UserID != "" {
			delete(h.byUser[c.UserID], id)
			if len(h.byUser[c.UserID]) == 0 {
				delete(h.byUser, c.UserID)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	c.close()
	metrics.FabricConnections.Set(float64(h.connectionCount()))
	if h.onDisconnect != nil {
		h.onDisconnect(c)
	}
	h.logger.Debug("connection removed", "connection_id", id)
	return true
}

// AuthenticateConnection marks a pooled connection AUTHENTICATED under the
// given user.
func (h *Hub) AuthenticateConnection(id, userID string) bool {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok && userID != "" && c.UserID != userID {
		// Rebind the user index when authentication names a different user.
		if c.UserID != "" {
			delete(h.byUser[c.UserID], id)
			if len(h.byUser[c.UserID]) == 0 {
				delete(h.byUser, c.UserID)
			}
		}
		c.UserID = userID
		if h.byUser[userID] == nil {
			h.byUser[userID] = make(map[string]*Connection)
		}
		h.byUser[userID][id] = c
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	c.setState(StateAuthenticated)
	return true
}

// Subscribe adds a channel to a connection's subscription set.
func (h *Hub) Subscribe(id, channel string) bool {
	c := h.get(id)
	if c == nil {
		return false
	}
	c.subscribe(channel)
	return true
}

// Unsubscribe removes a channel from a connection's subscription set.
func (h *Hub) Unsubscribe(id, channel string) bool {
	c := h.get(id)
	if c == nil {
		return false
	}
	c.unsubscribe(channel)
	return true
}

// Broadcast enqueues a frame to every AUTHENTICATED connection. Returns the
// number of connections the frame was queued for.
func (h *Hub) Broadcast(f *Frame) int {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("failed to marshal frame", "error", err)
		return 0
	}

	delivered := 0
	for _, c := range h.snapshot() {
		if c.State() != StateAuthenticated {
			continue
		}
		if h.deliver(c, data) {
			delivered++
		}
	}
	return delivered
}

// SendToConnection enqueues a frame for one connection.
func (h *Hub) SendToConnection(id string, f *Frame) bool {
	c := h.get(id)
	if c == nil {
		return false
	}
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("failed to marshal frame", "error", err)
		return false
	}
	return h.deliver(c, data)
}

// SendToUser enqueues a frame for every connection of a user.
func (h *Hub) SendToUser(userID string, f *Frame) int {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("failed to marshal frame", "error", err)
		return 0
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if h.deliver(c, data) {
			delivered++
		}
	}
	return delivered
}

// SendToSubscriptions enqueues a frame for every connection whose subscription
// set intersects channels.
func (h *Hub) SendToSubscriptions(channels []string, f *Frame) int {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("failed to marshal frame", "error", err)
		return 0
	}

	delivered := 0
	for _, c := range h.snapshot() {
		if !c.subscribedToAny(channels) {
			continue
		}
		if h.deliver(c, data) {
			delivered++
		}
	}
	return delivered
}

// Pong records a heartbeat response from a connection.
func (h *Hub) Pong(id string) bool {
	c := h.get(id)
	if c == nil {
		return false
	}
	c.touchHeartbeat(h.now())
	return true
}

// GetConnection returns the pooled connection with the given id, or nil.
func (h *Hub) GetConnection(id string) *Connection { return h.get(id) }

// GetStats returns counters as of the call.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		ActiveConnections: len(h.conns),
		TotalConnections:  h.totalConnections.Load(),
	}
	for _, c := range h.conns {
		if c.State() == StateAuthenticated {
			s.AuthenticatedConnections++
		}
		s.MessagesSent += c.MessagesSent()
		s.MessagesDropped += c.MessagesDropped()
		s.Subscriptions += len(c.Subscriptions())
	}
	return s
}

// --- internals ---

func (h *Hub) get(id string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// deliver enqueues bytes on one connection, forcing disconnect when the
// connection's overflow budget is spent.
func (h *Hub) deliver(c *Connection, data []byte) bool {
	if c.enqueue(data) {
		metrics.FabricMessagesSent.Inc()
		return true
	}
	if c.State() != StateDisconnected {
		h.logger.Warn("connection exceeded overflow budget, disconnecting",
			"connection_id", c.ID, "dropped", c.MessagesDropped())
		h.RemoveConnection(c.ID)
	}
	return false
}

// connectionDead is called by a connection's writer when a transport write
// fails.
func (h *Hub) connectionDead(c *Connection) {
	h.logger.Debug("transport write failed, removing connection", "connection_id", c.ID)
	h.RemoveConnection(c.ID)
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f := NewFrame(FrameHeartbeat, map[string]any{
				"server_time": h.now().UTC().Format(time.RFC3339),
			})
			n := h.Broadcast(f)
			h.logger.Debug("heartbeat broadcast", "connections", n)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) livenessLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweepDead()
		case <-h.done:
			return
		}
	}
}

// sweepDead removes connections whose last heartbeat is older than the
// connection timeout.
func (h *Hub) sweepDead() {
	now := h.now()
	var dead []string
	for _, c := range h.snapshot() {
		if c.heartbeatAge(now) > h.connectionTimeout {
			dead = append(dead, c.ID)
		}
	}
	for _, id := range dead {
		h.logger.Info("connection timed out", "connection_id", id)
		h.RemoveConnection(id)
	}
}
