// Package transport implements the WS Connection component (spec.md §4.2):
// one logical duplex frame stream per client, with a serialized send path,
// heartbeat/lifespan enforcement, and idempotent close. Grounded on the
// teacher's Client/writePump/readPump (internal/shared/server.go,
// internal/shared/pump_read.go, internal/shared/pump_write.go), adapted from
// a flat subscription-channel client to a generic envelope transport that
// the route layer builds routing on top of.
package transport

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tradestream/marketfabric/internal/metrics"
	"github.com/tradestream/marketfabric/internal/registry"
)

// State is the connection lifecycle state (spec.md §4.2).
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

const (
	writeWait  = 5 * time.Second
	pingPeriod = 25 * time.Second
)

// CloseHook is invoked exactly once when a connection transitions to
// StateClosed, so the server can tear down subscriptions (spec.md §4.2
// "Failure semantics").
type CloseHook func(c *Connection, reason string)

// Connection is one client's duplex frame stream.
type Connection struct {
	ID     int64
	Subs   *registry.ConnSubs
	logger zerolog.Logger

	conn  net.Conn
	send  chan []byte
	state atomic.Int32

	closeOnce sync.Once
	onClose   CloseHook

	connectedAt time.Time
	lastRecv    atomic.Pointer[time.Time]

	limiter *rate.Limiter

	sendAttempts     atomic.Int32
	heartbeatTimeout time.Duration
	maxLifetime      time.Duration
}

// Config bundles the per-connection tunables sourced from internal/config.
type Config struct {
	HeartbeatTimeout time.Duration
	MaxLifetime      time.Duration
	InboundRate      float64
	InboundBurst     int
	SendQueueSize    int
}

// New wraps an upgraded net.Conn as a Connection. onClose fires once, from
// whichever pump (read or write) first observes a fatal I/O error.
func New(id int64, conn net.Conn, cfg Config, logger zerolog.Logger, onClose CloseHook) *Connection {
	now := time.Now()
	c := &Connection{
		ID:               id,
		Subs:             registry.NewConnSubs(),
		logger:           logger.With().Int64("conn_id", id).Logger(),
		conn:             conn,
		send:             make(chan []byte, cfg.SendQueueSize),
		onClose:          onClose,
		connectedAt:      now,
		limiter:          rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		maxLifetime:      cfg.MaxLifetime,
	}
	c.state.Store(int32(StateOpen))
	c.lastRecv.Store(&now)
	return c
}

// State returns the current connection state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Send serializes v as JSON and enqueues it on the write path. It never
// blocks: a full send buffer counts as a failed send attempt, and three
// consecutive failures schedules a close (spec.md §4.5 slow-subscriber
// handling, applied uniformly to direct sends too).
func (c *Connection) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendBytes(data)
}

// SendBytes enqueues a pre-serialized payload, for broadcast paths that
// marshal once and fan out to many connections.
func (c *Connection) SendBytes(data []byte) error {
	if c.State() != StateOpen {
		return errClosed
	}
	select {
	case c.send <- data:
		c.sendAttempts.Store(0)
		return nil
	default:
		attempts := c.sendAttempts.Add(1)
		if attempts >= 3 {
			c.logger.Warn().Int32("attempts", attempts).Msg("disconnecting slow connection")
			metrics.SlowClientsDisconnected.Inc()
			c.Close(ws.StatusPolicyViolation, "too slow to process messages")
		}
		return errBufferFull
	}
}

// RecordInbound resets the heartbeat timer on any inbound frame, per
// spec.md §9's resolution of the heartbeat open question.
func (c *Connection) RecordInbound() {
	now := time.Now()
	c.lastRecv.Store(&now)
}

// Allow checks the inbound rate limiter for one more frame.
func (c *Connection) Allow() bool { return c.limiter.Allow() }

// Close idempotently tears down the underlying socket and fires onClose
// exactly once (spec.md §4.2: "close(code, reason) — idempotent").
func (c *Connection) Close(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.conn != nil {
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			closeMsg := ws.NewCloseFrameBody(code, reason)
			wsutil.WriteServerMessage(c.conn, ws.OpClose, closeMsg)
			c.conn.Close()
		}
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

var (
	errClosed     = connErr("connection closed")
	errBufferFull = connErr("send buffer full")
)

type connErr string

func (e connErr) Error() string { return string(e) }

// WritePump drains the send channel to the socket and emits periodic pings.
// It also enforces the hard 1h connection lifespan (spec.md §5 "Timeouts").
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	lifespan := time.NewTimer(c.maxLifetime)
	defer func() {
		ticker.Stop()
		lifespan.Stop()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.Close(ws.StatusNormalClosure, "send channel closed")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, msg); err != nil {
				c.Close(ws.StatusAbnormalClosure, "write error")
				return
			}
			metrics.MessagesSent.Inc()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.Close(ws.StatusAbnormalClosure, "ping write error")
				return
			}

		case <-lifespan.C:
			c.Close(ws.StatusNormalClosure, "max connection lifetime reached")
			return
		}
	}
}

// ReadPump reads inbound frames and dispatches them to handle. It enforces
// the 30s heartbeat timeout independently of the socket's own read deadline
// so that the timeout reflects "last inbound frame", not "last successful
// read syscall".
func (c *Connection) ReadPump(handle func(data []byte)) {
	defer c.Close(ws.StatusNormalClosure, "read loop exited")

	done := make(chan struct{})
	defer close(done)
	go c.heartbeatMonitor(done)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.heartbeatTimeout + time.Second))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.RecordInbound()

		switch op {
		case ws.OpText:
			if !c.Allow() {
				continue
			}
			handle(msg)
		case ws.OpClose:
			return
		}
	}
}

func (c *Connection) heartbeatMonitor(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			last := c.lastRecv.Load()
			if last != nil && time.Since(*last) > c.heartbeatTimeout {
				c.Close(ws.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
