// Package conn implements the live-channel connection lifecycle: a
// websocket state machine with a bounded connect timeout, a heartbeat
// that detects silently dead connections and forces a reconnect, and a
// FIFO outbound queue flushed on connect.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingwatch/internal/log"
	"github.com/Klingon-tech/klingwatch/internal/metrics"
	"github.com/Klingon-tech/klingwatch/pkg/types"
)

// Connection errors.
var (
	ErrClosed         = errors.New("connection manager closed")
	ErrNotOffline     = errors.New("connect requires the offline state")
	ErrConnectFailed  = errors.New("connection attempt failed")
	ErrMalformedFrame = errors.New("malformed inbound frame")
)

// Defaults for the lifecycle timers.
const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultStaleAfter        = 180 * time.Second
)

// State is the connection lifecycle state.
type State int

// Connection states.
const (
	StateOffline State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// LiveKind classifies a live transaction event from the push stream.
type LiveKind int

// Live event kinds, matching the wire protocol's per-address groups.
const (
	LiveMempool LiveKind = iota
	LiveConfirmed
	LiveRemoved
)

// String returns the live kind name.
func (k LiveKind) String() string {
	switch k {
	case LiveMempool:
		return "mempool"
	case LiveConfirmed:
		return "confirmed"
	case LiveRemoved:
		return "removed"
	}
	return "unknown"
}

// Transport dials the underlying connection. The production transport
// is gorilla/websocket; tests inject fakes.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a single established connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Config holds connection manager configuration.
type Config struct {
	URL               string
	Transport         Transport     // nil = gorilla websocket
	ConnectTimeout    time.Duration // 0 = DefaultConnectTimeout
	HeartbeatInterval time.Duration // 0 = DefaultHeartbeatInterval
	StaleAfter        time.Duration // 0 = DefaultStaleAfter
}

// Manager owns the connection lifecycle. All lifecycle timers are
// scoped to the instance and stopped by Close.
type Manager struct {
	url               string
	transport         Transport
	connectTimeout    time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	now               func() time.Time

	mu            sync.Mutex
	state         State
	conn          Conn
	gen           int // connection generation; stale read loops bail out
	queue         [][]byte
	lastResponse  time.Time
	closed        bool
	heartbeatStop chan struct{} // non-nil while the heartbeat loop runs

	onConnected    func()
	onDisconnected func()
	onError        func(error)
	onTransactions func(address string, kind LiveKind, txs []types.Transaction)
}

// New creates a connection manager in the Offline state.
func New(cfg Config) *Manager {
	m := &Manager{
		url:               cfg.URL,
		transport:         cfg.Transport,
		connectTimeout:    cfg.ConnectTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleAfter:        cfg.StaleAfter,
		now:               time.Now,
	}
	if m.transport == nil {
		m.transport = NewWSTransport()
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = DefaultHeartbeatInterval
	}
	if m.staleAfter <= 0 {
		m.staleAfter = DefaultStaleAfter
	}
	return m
}

// SetConnectedHandler registers a callback invoked after a connection
// is established and the outbound queue flushed.
func (m *Manager) SetConnectedHandler(fn func()) {
	m.onConnected = fn
}

// SetDisconnectedHandler registers a callback invoked when an
// established or in-flight connection is lost.
func (m *Manager) SetDisconnectedHandler(fn func()) {
	m.onDisconnected = fn
}

// SetErrorHandler registers a callback for transport and frame errors.
func (m *Manager) SetErrorHandler(fn func(error)) {
	m.onError = fn
}

// SetTransactionsHandler registers the callback that receives live
// transaction events, fanned out per address and kind.
func (m *Manager) SetTransactionsHandler(fn func(address string, kind LiveKind, txs []types.Transaction)) {
	m.onTransactions = fn
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the manager is in the Connected state.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect opens the transport. It may only be called from the Offline
// state. On success the manager is Connected, the outbound queue is
// flushed in FIFO order, and the heartbeat starts; on failure the
// manager returns to Offline and the error is returned.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateOffline {
		m.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotOffline, m.state)
	}
	m.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	c, err := m.transport.Dial(ctx, m.url)
	cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err == nil {
			c.Close()
		}
		return ErrClosed
	}
	if err != nil {
		m.state = StateOffline
		m.mu.Unlock()
		err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
		m.notifyError(err)
		return err
	}

	m.conn = c
	m.state = StateConnected
	m.lastResponse = m.now()
	m.gen++
	gen := m.gen
	pending := m.queue
	m.queue = nil
	var hbStop chan struct{}
	if m.heartbeatStop == nil {
		m.heartbeatStop = make(chan struct{})
		hbStop = m.heartbeatStop
	}
	m.mu.Unlock()

	log.Conn.Info().Str("url", m.url).Msg("Connected")

	// The heartbeat starts before the flush: a flush failure drops the
	// connection, and only the heartbeat can dial it back up.
	if hbStop != nil {
		go m.heartbeatLoop(hbStop)
	}

	// Flush queued messages in FIFO order. A write failure drops the
	// connection and requeues the unsent remainder.
	for i, data := range pending {
		if werr := c.WriteMessage(data); werr != nil {
			m.requeue(pending[i:])
			m.dropConn(gen, fmt.Errorf("flush queue: %w", werr))
			return nil
		}
	}

	go m.readLoop(c, gen)
	if m.onConnected != nil {
		m.onConnected()
	}
	return nil
}

// Close tears the connection down and stops the heartbeat permanently.
// The manager cannot be reused after Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateOffline
	c := m.conn
	m.conn = nil
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if c != nil {
		return c.Close()
	}
	return nil
}

// Send marshals v to JSON and writes it if connected; otherwise the
// message joins the outbound queue and is flushed on the next connect.
func (m *Manager) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected {
		m.queue = append(m.queue, data)
		m.mu.Unlock()
		return nil
	}
	c := m.conn
	gen := m.gen
	m.mu.Unlock()

	if err := c.WriteMessage(data); err != nil {
		m.requeue([][]byte{data})
		m.dropConn(gen, fmt.Errorf("write: %w", err))
		return nil
	}
	return nil
}

// trackMessage is the outbound subscription-replacement message.
type trackMessage struct {
	Addresses []string `json:"track-addresses"`
}

// pingMessage is the outbound heartbeat probe.
type pingMessage struct {
	Action string `json:"action"`
}

// TrackAddresses replaces the live subscription with the given set.
func (m *Manager) TrackAddresses(addresses []string) error {
	return m.Send(trackMessage{Addresses: addresses})
}

// readLoop consumes inbound frames until the connection drops or a
// newer connection generation supersedes it.
func (m *Manager) readLoop(c Conn, gen int) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			m.dropConn(gen, fmt.Errorf("read: %w", err))
			return
		}

		m.mu.Lock()
		if m.closed || m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.lastResponse = m.now()
		m.mu.Unlock()

		m.handleFrame(data)
	}
}

// heartbeatLoop runs from the first successful connect until Close.
// It keeps ticking while Offline so a dropped connection is retried.
func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick performs one heartbeat step: ping a fresh connection, force a
// reconnect for a stale or offline one, leave an in-flight dial alone.
func (m *Manager) tick() {
	m.mu.Lock()
	if m.closed || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}

	stale := m.state == StateConnected && m.now().Sub(m.lastResponse) > m.staleAfter
	if m.state == StateConnected && !stale {
		m.mu.Unlock()
		m.Send(pingMessage{Action: "ping"})
		return
	}

	// Offline or stale: tear down whatever is left and reconnect.
	c := m.conn
	m.conn = nil
	m.state = StateOffline
	m.gen++
	m.mu.Unlock()

	if c != nil {
		c.Close()
		log.Conn.Warn().Dur("stale_after", m.staleAfter).Msg("Connection stale, forcing reconnect")
		if m.onDisconnected != nil {
			m.onDisconnected()
		}
	}
	metrics.Reconnects.Inc()
	m.Connect() // Failure is surfaced via the error handler.
}

// dropConn transitions to Offline after a transport failure on the
// given connection generation. Stale generations are ignored.
func (m *Manager) dropConn(gen int, cause error) {
	m.mu.Lock()
	if m.closed || m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	c := m.conn
	m.conn = nil
	m.state = StateOffline
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	metrics.Disconnects.Inc()
	log.Conn.Warn().Err(cause).Msg("Connection lost")

	if cause != nil {
		m.notifyError(cause)
	}
	if m.onDisconnected != nil {
		m.onDisconnected()
	}
}

// requeue puts unsent messages back at the front of the outbound queue.
func (m *Manager) requeue(msgs [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(append([][]byte{}, msgs...), m.queue...)
}

// addressTxs groups a frame's transactions for one address by kind.
type addressTxs struct {
	Mempool   []types.Transaction `json:"mempool"`
	Confirmed []types.Transaction `json:"confirmed"`
	Removed   []types.Transaction `json:"removed"`
}

// handleFrame parses an inbound frame into one of the known variants.
// Unknown or unparsable frames are reported and dropped without
// affecting the connection state.
func (m *Manager) handleFrame(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		metrics.MalformedFrames.Inc()
		m.notifyError(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}

	if body, ok := raw["multi-address-transactions"]; ok {
		var byAddress map[string]addressTxs
		if err := json.Unmarshal(body, &byAddress); err != nil {
			metrics.MalformedFrames.Inc()
			m.notifyError(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			return
		}
		m.routeTransactions(byAddress)
		return
	}

	if _, ok := raw["pong"]; ok {
		return // Heartbeat ack; lastResponse is already refreshed.
	}

	if body, ok := raw["error"]; ok {
		var msg string
		json.Unmarshal(body, &msg)
		m.notifyError(fmt.Errorf("server error: %s", msg))
		return
	}

	metrics.MalformedFrames.Inc()
	m.notifyError(fmt.Errorf("%w: unknown frame shape", ErrMalformedFrame))
}

// routeTransactions fans a multi-address-transactions frame out per
// address and per event kind.
func (m *Manager) routeTransactions(byAddress map[string]addressTxs) {
	if m.onTransactions == nil {
		return
	}
	for address, group := range byAddress {
		if len(group.Mempool) > 0 {
			m.onTransactions(address, LiveMempool, group.Mempool)
		}
		if len(group.Confirmed) > 0 {
			m.onTransactions(address, LiveConfirmed, group.Confirmed)
		}
		if len(group.Removed) > 0 {
			m.onTransactions(address, LiveRemoved, group.Removed)
		}
	}
}

func (m *Manager) notifyError(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
