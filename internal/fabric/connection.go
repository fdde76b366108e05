package fabric

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is a connection's lifecycle stage.
type State string

const (
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateAuthenticated State = "AUTHENTICATED"
	StateDisconnecting State = "DISCONNECTING"
	StateDisconnected  State = "DISCONNECTED"
)

// Transport is the write side of a connection's underlying socket. The
// gorilla/websocket implementation is in websocket.go; tests substitute an
// in-memory transport.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// overflowDisconnectLimit is the number of queue overflows after which the
// connection is forcibly disconnected.
const overflowDisconnectLimit = 25

// Connection is one pooled client. Producers enqueue frames under the
// connection lock; a single writer goroutine drains the queue to the
// transport, which preserves per-connection ordering.
type Connection struct {
	ID        string
	UserID    string
	SessionID string

	mu            sync.Mutex
	state         State
	subscriptions map[string]bool
	transport     Transport
	lastHeartbeat time.Time
	failedPings   int
	overflows     int

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	messagesSent    atomic.Int64
	messagesDropped atomic.Int64
	connectedAt     time.Time
}

func newConnection(userID, sessionID string, transport Transport, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Connection{
		ID:            ulid.Make().String(),
		UserID:        userID,
		SessionID:     sessionID,
		state:         StateConnecting,
		subscriptions: make(map[string]bool),
		transport:     transport,
		queue:         make(chan []byte, queueSize),
		done:          make(chan struct{}),
	}
}

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// MessagesSent is the number of frames successfully handed to the transport.
func (c *Connection) MessagesSent() int64 { return c.messagesSent.Load() }

// MessagesDropped is the number of frames lost to queue overflow.
func (c *Connection) MessagesDropped() int64 { return c.messagesDropped.Load() }

// Subscriptions returns a copy of the subscription set.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) subscribe(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()
}

func (c *Connection) unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

func (c *Connection) subscribedToAny(channels []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if c.subscriptions[ch] {
			return true
		}
	}
	return false
}

// enqueue appends data to the outbound queue. On overflow the oldest queued
// frame is dropped. Returns false when accumulated overflow crosses the
// disconnect limit; the hub then removes the connection.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected || c.state == StateDisconnecting {
		return false
	}

	for {
		select {
		case c.queue <- data:
			return true
		default:
		}
		select {
		case <-c.queue:
			c.messagesDropped.Add(1)
			c.overflows++
		default:
		}
		if c.overflows >= overflowDisconnectLimit {
			return false
		}
	}
}

// writeLoop is the single serializer. It exits when the connection closes; a
// failing transport write reports the connection dead via onDead.
func (c *Connection) writeLoop(onDead func(*Connection)) {
	for {
		select {
		case data := <-c.queue:
			if err := c.transport.WriteMessage(data); err != nil {
				onDead(c)
				return
			}
			c.messagesSent.Add(1)
		case <-c.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case data := <-c.queue:
					if err := c.transport.WriteMessage(data); err != nil {
						return
					}
					c.messagesSent.Add(1)
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
		_ = c.transport.Close()
	})
}

func (c *Connection) touchHeartbeat(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.failedPings = 0
	c.mu.Unlock()
}

func (c *Connection) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}
