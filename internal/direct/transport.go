// Package direct implements the point-to-point transport: one persistent
// WebSocket to the local server, no topic concept, every conversation
// multiplexed over the single channel with the conversation id inside the
// payload.
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcastro/chatd/internal/bus"
	"github.com/mcastro/chatd/internal/config"
	"github.com/mcastro/chatd/internal/status"
	"github.com/mcastro/chatd/internal/store"
	"go.uber.org/zap"
)

// Time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// Transport manages the direct connection. Unlike the broker transport it
// implements its own reconnect: exponential backoff from a base delay,
// capped delay, bounded attempts. Once the bound is exhausted reconnection
// stops until Connect is called again. It performs no replay of unsynced
// messages on reconnect; that job belongs to the broker transport.
type Transport struct {
	cfg     config.DirectConfig
	dialer  *websocket.Dialer
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	dialing   bool
	attempts  int
	reconnect bool

	// writeMu serializes frame writes so a stalled write cannot hold up
	// Disconnect or the reconnect bookkeeping under mu.
	writeMu sync.Mutex
}

// New creates a direct transport. It does not connect; call Connect.
func New(cfg config.DirectConfig, db *store.DB, b *bus.Bus, logger *zap.Logger) *Transport {
	return &Transport{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout.Std()},
		db:      db,
		bus:     b,
		machine: status.NewMachine("direct", b),
		logger:  logger,
	}
}

// Connect dials the server and starts a fresh reconnect cycle. On dial
// failure the backoff schedule takes over; the error is still returned so
// the caller knows the first attempt failed.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.reconnect = true
	t.attempts = 0
	t.mu.Unlock()
	return t.dial(ctx)
}

// Disconnect closes the connection and suppresses further reconnection
// until the next Connect. Idempotent; in-flight sends are not cancelled.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.reconnect = false
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_ = t.machine.Transition(status.Disconnected)
}

// Status returns the transport's state machine.
func (t *Transport) Status() *status.Machine {
	return t.machine
}

// Send serializes the message as a single frame. While disconnected, or on
// a write error, the message is persisted with synced=false and kept for a
// later broker replay; the caller sees neither case as an error.
func (t *Transport) Send(m *store.Message) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.logger.Warn("direct transport not connected, keeping message for later", zap.String("msg_id", m.ID))
		t.persistUnsynced(m)
		return
	}

	payload, err := json.Marshal(m)
	if err != nil {
		t.logger.Error("encode message", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Error("direct send failed", zap.String("msg_id", m.ID), zap.Error(err))
		t.persistUnsynced(m)
	}
}

// dial connects and starts the read loop. At most one dial runs at a
// time: an explicit Connect racing a pending reconnect timer must not
// open a second connection.
func (t *Transport) dial(ctx context.Context) error {
	t.mu.Lock()
	if t.dialing || t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.dialing = true
	t.mu.Unlock()

	_ = t.machine.Transition(status.Connecting)

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.mu.Lock()
		t.dialing = false
		t.mu.Unlock()
		_ = t.machine.Transition(status.Disconnected)
		t.scheduleReconnect()
		return fmt.Errorf("direct dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	if !t.reconnect { // Disconnect raced the dial
		t.dialing = false
		t.mu.Unlock()
		_ = conn.Close()
		_ = t.machine.Transition(status.Disconnected)
		return nil
	}
	t.conn = conn
	t.dialing = false
	t.attempts = 0
	t.mu.Unlock()

	_ = t.machine.Transition(status.Connected)
	t.logger.Info("connected to direct server", zap.String("url", t.cfg.URL))

	go t.readLoop(conn)
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.logger.Warn("direct connection closed", zap.Error(err))
			break
		}
		t.handleInbound(data)
	}

	_ = conn.Close()
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()

	_ = t.machine.Transition(status.Disconnected)
	t.scheduleReconnect()
}

// handleInbound decodes a frame, persists it as synced, and fans it out on
// the bus. Malformed frames are logged and dropped, same policy as the
// broker transport.
func (t *Transport) handleInbound(data []byte) {
	var m store.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.logger.Error("drop malformed direct frame", zap.Error(err))
		return
	}
	m.Synced = true
	if err := t.db.UpsertMessage(&m); err != nil {
		t.logger.Error("persist inbound message", zap.String("msg_id", m.ID), zap.Error(err))
	}
	t.bus.Publish(bus.Event{Kind: bus.KindTransportMessage, Timestamp: time.Now(), Payload: &m})
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if !t.reconnect {
		t.mu.Unlock()
		return
	}
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	if attempt > t.cfg.MaxReconnectAttempts {
		t.logger.Error("max direct reconnect attempts reached, giving up",
			zap.Int("attempts", t.cfg.MaxReconnectAttempts))
		return
	}

	delay := t.backoffDelay(attempt)
	t.logger.Info("scheduling direct reconnect",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", t.cfg.MaxReconnectAttempts),
		zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		t.mu.Lock()
		stop := !t.reconnect || t.conn != nil
		t.mu.Unlock()
		if stop {
			return
		}
		if err := t.dial(context.Background()); err != nil {
			t.logger.Warn("direct reconnect failed", zap.Error(err))
		}
	})
}

// backoffDelay returns the delay before the given attempt (1-based):
// base, 2*base, 4*base, ... capped at the configured maximum.
func (t *Transport) backoffDelay(attempt int) time.Duration {
	base := t.cfg.ReconnectBaseDelay.Std()
	max := t.cfg.ReconnectMaxDelay.Std()
	if attempt > 30 {
		return max
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (t *Transport) persistUnsynced(m *store.Message) {
	unsynced := *m
	unsynced.Synced = false
	if err := t.db.UpsertMessage(&unsynced); err != nil {
		t.logger.Error("persist unsynced message", zap.String("msg_id", m.ID), zap.Error(err))
	}
}
