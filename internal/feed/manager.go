package feed

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// Sentinel errors returned or logged by the Manager.
var (
	ErrNoAssets         = errors.New("feed: no valid asset ids")
	errHeartbeatTimeout = errors.New("feed: heartbeat acknowledgment timed out")
	errReconnectBudget  = errors.New("feed: reconnect attempt budget exhausted")
)

// Config holds tunable parameters for a Manager.
type Config struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatInterval is how often the plain-text ping sentinel is sent
	// while the socket is open. HeartbeatTimeout is how long to wait for
	// the acknowledgment before treating the connection as dead.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Backoff parameters for reconnection. The delay for attempt n is
	// min(BackoffInitial * BackoffFactor^(n-1), BackoffMax).
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// MaxReconnectAttempts bounds the reconnect counter. Once exceeded the
	// Manager parks in the disconnected state until an explicit Reconnect.
	MaxReconnectAttempts int

	// StableWindow is the span of sustained connectivity after which an
	// inherited attempt count from an old incident is forgotten.
	StableWindow time.Duration

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultConfig returns sensible defaults for the market channel.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ReadBufferSize:       4096,
		WriteBufferSize:      4096,
		HeartbeatInterval:    10 * time.Second,
		HeartbeatTimeout:     5 * time.Second,
		BackoffInitial:       time.Second,
		BackoffMax:           30 * time.Second,
		BackoffFactor:        2.0,
		MaxReconnectAttempts: 10,
		StableWindow:         time.Minute,
	}
}

// Manager owns the single live market-channel connection for the process.
// It tracks reference-counted asset subscriptions, reconnects with bounded
// exponential backoff, monitors heartbeats, and dispatches typed events to
// registered listeners. Construct one at the composition root and hand it
// to consumers explicitly; there is no package-level instance.
type Manager struct {
	cfg     Config
	log     *logrus.Entry
	backoff *backoff.Backoff

	events *registry[Event]
	states *registry[State]

	// lastAck is the UnixNano time of the last heartbeat acknowledgment.
	lastAck atomic.Int64

	// writeMu serializes all writes to the current connection. It may be
	// taken while holding mu, never the other way around.
	writeMu sync.Mutex

	// mu guards everything below. The subscription table, the pending set,
	// and the should-disconnect check form one atomic unit under it.
	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            int // connection generation; stale goroutines self-retire
	subs           *subscriptionTable
	pending        map[string]struct{}
	attempt        int
	windowStart    time.Time
	reconnectTimer *time.Timer
	hbStop         chan struct{}

	nowFunc func() time.Time // injectable clock for testing

	// onReconnectScheduled is called when a reconnect timer is armed
	// (testing hook).
	onReconnectScheduled func(attempt int, delay time.Duration)
}

// NewManager creates a Manager. The first Subscribe call triggers the
// initial connection.
func NewManager(cfg Config, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		cfg: cfg,
		log: log,
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffInitial,
			Max:    cfg.BackoffMax,
			Factor: cfg.BackoffFactor,
		},
		events:  newRegistry[Event](log),
		states:  newRegistry[State](log),
		subs:    newSubscriptionTable(),
		pending: make(map[string]struct{}),
		nowFunc: time.Now,
	}
}

// Subscribe registers interest in the given assets and returns a handle
// that releases it. Duplicate and empty ids are dropped. If the connection
// is down it is established; if it is open a subscribe frame for the
// newly-added assets goes out immediately, otherwise they are queued until
// the next open. The handle is idempotent.
func (m *Manager) Subscribe(assetIDs []string) (func(), error) {
	ids := dedupeIDs(assetIDs)
	if len(ids) == 0 {
		return nil, ErrNoAssets
	}

	m.mu.Lock()
	added := m.subs.add(ids)
	if len(added) > 0 {
		if m.state == StateConnected && m.conn != nil {
			m.writeConnLocked(controlFrame(actionSubscribe, added))
		} else {
			for _, id := range added {
				m.pending[id] = struct{}{}
			}
		}
	}
	var notify []State
	if m.state == StateDisconnected {
		if m.connectLocked() {
			notify = append(notify, StateConnecting)
		}
	}
	m.mu.Unlock()

	for _, s := range notify {
		m.states.dispatch(s)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(ids) })
	}, nil
}

// unsubscribe decrements refcounts for ids; assets that hit zero get an
// unsubscribe frame, and if the table empties the connection is torn down.
func (m *Manager) unsubscribe(ids []string) {
	m.mu.Lock()
	removed := m.subs.release(ids)
	for _, id := range removed {
		delete(m.pending, id)
	}
	if len(removed) > 0 && m.state == StateConnected && m.conn != nil {
		m.writeConnLocked(controlFrame(actionUnsubscribe, removed))
	}
	var notify []State
	if m.subs.empty() && m.state != StateDisconnected {
		m.teardownLocked(true)
		if m.toLocked(StateDisconnected) {
			notify = append(notify, StateDisconnected)
		}
		m.log.Info("last subscriber gone, disconnecting")
	}
	m.mu.Unlock()

	for _, s := range notify {
		m.states.dispatch(s)
	}
}

// Resubscribe re-sends a subscribe frame for already-tracked assets,
// forcing the upstream to emit fresh snapshots. This is the recovery path
// when a consumer detects a book desync.
func (m *Manager) Resubscribe(assetIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tracked []string
	for _, id := range dedupeIDs(assetIDs) {
		if m.subs.contains(id) {
			tracked = append(tracked, id)
		}
	}
	if len(tracked) == 0 {
		return
	}
	if m.state == StateConnected && m.conn != nil {
		m.writeConnLocked(controlFrame(actionSubscribe, tracked))
		return
	}
	for _, id := range tracked {
		m.pending[id] = struct{}{}
	}
}

// Reconnect is an explicit, caller-initiated full reset: tear down the
// connection, forget reconnect bookkeeping, re-queue every tracked asset,
// and dial again. It is the only way out of an exhausted attempt budget.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.teardownLocked(true)
	m.attempt = 0
	m.windowStart = time.Time{}
	for _, id := range m.subs.assets() {
		m.pending[id] = struct{}{}
	}
	changed := m.connectLocked()
	m.mu.Unlock()

	if changed {
		m.states.dispatch(StateConnecting)
	}
}

// Close shuts the Manager down cleanly. Subscriptions are retained so a
// later Reconnect can resume them, but no reconnection is scheduled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked(true)
	changed := m.toLocked(StateDisconnected)
	m.mu.Unlock()

	if changed {
		m.states.dispatch(StateDisconnected)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the socket is open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SubscribedAssets returns the currently tracked asset ids, sorted.
func (m *Manager) SubscribedAssets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.assets()
}

// IsSubscribed reports whether at least one consumer still holds an
// interest in the asset. Consumers must check this before clearing shared
// book state.
func (m *Manager) IsSubscribed(assetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.contains(assetID)
}

// LastHeartbeat returns the arrival time of the most recent heartbeat
// acknowledgment, or the zero time if none has arrived yet.
func (m *Manager) LastHeartbeat() time.Time {
	ns := m.lastAck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Healthy reports whether heartbeat acknowledgments are arriving on
// schedule. It is independent of the coarse connection state.
func (m *Manager) Healthy() bool {
	last := m.LastHeartbeat()
	if last.IsZero() {
		return false
	}
	return m.nowFunc().Sub(last) <= m.cfg.HeartbeatInterval+m.cfg.HeartbeatTimeout
}

// AddEventListener registers fn for every parsed feed event and returns a
// removal handle. Dispatch is synchronous and fault-isolated.
func (m *Manager) AddEventListener(fn func(Event)) func() {
	return m.events.add(fn)
}

// AddStateListener registers fn for connection-state transitions and
// returns a removal handle. fn is invoked once immediately with the
// current state so no update is missed between registration and the next
// transition.
func (m *Manager) AddStateListener(fn func(State)) func() {
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()

	remove := m.states.add(fn)
	m.states.invoke(fn, current)
	return remove
}

// connectLocked starts a dial attempt. Caller holds mu. Returns whether
// the state changed to connecting.
func (m *Manager) connectLocked() bool {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.gen++
	changed := m.toLocked(StateConnecting)
	go m.dial(m.gen)
	return changed
}

func (m *Manager) dial(gen int) {
	dialer := websocket.Dialer{
		ReadBufferSize:   m.cfg.ReadBufferSize,
		WriteBufferSize:  m.cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(m.cfg.URL, m.cfg.Headers)
	if err != nil {
		m.log.WithError(err).Warn("dial failed")
		m.connectionLost(gen, err)
		return
	}
	m.onOpen(gen, conn)
}

// onOpen installs the new connection: reset the heartbeat baseline and the
// stability window, merge pending and tracked assets into one subscribe
// frame, and start the read and heartbeat loops.
func (m *Manager) onOpen(gen int, conn *websocket.Conn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close() // superseded while dialing
		return
	}
	m.conn = conn
	m.windowStart = m.nowFunc()
	m.lastAck.Store(m.nowFunc().UnixNano())
	m.pending = make(map[string]struct{})

	assets := m.subs.assets()
	if len(assets) > 0 {
		m.writeConnLocked(controlFrame(actionSubscribe, assets))
	}

	stop := make(chan struct{})
	m.hbStop = stop
	changed := m.toLocked(StateConnected)
	m.mu.Unlock()

	m.log.WithField("assets", len(assets)).Info("connected")

	go m.readLoop(gen, conn)
	go m.heartbeatLoop(gen, conn, stop)

	if changed {
		m.states.dispatch(StateConnected)
	}
}

func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				m.cleanClose(gen)
			} else {
				m.connectionLost(gen, err)
			}
			return
		}
		m.handleFrame(raw)
	}
}

// handleFrame intercepts heartbeat acknowledgments before any structured
// parsing, then decodes and broadcasts typed events. Unparseable frames
// are logged and dropped, never thrown.
func (m *Manager) handleFrame(raw []byte) {
	if isHeartbeatAck(raw) {
		m.lastAck.Store(m.nowFunc().UnixNano())
		return
	}
	ev, err := parseFrame(raw)
	if err != nil {
		m.log.WithError(err).Debug("dropping frame")
		return
	}
	m.events.dispatch(ev)
}

// heartbeatLoop sends the ping sentinel on a fixed interval and forces a
// full reconnect cycle if no acknowledgment lands within the timeout.
func (m *Manager) heartbeatLoop(gen int, conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.writeText(conn, []byte(heartbeatPing))
		sentAt := m.nowFunc()

		select {
		case <-stop:
			return
		case <-time.After(m.cfg.HeartbeatTimeout):
		}

		if m.LastHeartbeat().Before(sentAt) {
			m.log.Warn("heartbeat acknowledgment timed out, forcing reconnect")
			m.connectionLost(gen, errHeartbeatTimeout)
			return
		}
	}
}

// cleanClose handles a close with code 1000: straight to disconnected, no
// reconnect timer.
func (m *Manager) cleanClose(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(false)
	changed := m.toLocked(StateDisconnected)
	m.mu.Unlock()

	m.log.Info("connection closed cleanly")
	if changed {
		m.states.dispatch(StateDisconnected)
	}
}

// connectionLost is the shared failure path for read errors, dial
// failures, and heartbeat timeouts. With live subscriptions it schedules a
// bounded backoff reconnect; without them, or once the attempt budget is
// spent, it parks in disconnected.
func (m *Manager) connectionLost(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(false)

	notify := []State{}
	if m.toLocked(StateError) {
		notify = append(notify, StateError)
	}

	if m.subs.empty() {
		if m.toLocked(StateDisconnected) {
			notify = append(notify, StateDisconnected)
		}
		m.mu.Unlock()
		m.log.WithError(cause).Info("connection lost with no subscriptions")
		m.dispatchStates(notify)
		return
	}

	// The next open must resubscribe everything currently tracked.
	for _, id := range m.subs.assets() {
		m.pending[id] = struct{}{}
	}

	// A long-lived, mostly-healthy connection does not inherit a stale
	// attempt count from an old incident.
	if !m.windowStart.IsZero() && m.nowFunc().Sub(m.windowStart) >= m.cfg.StableWindow {
		m.attempt = 0
	}
	m.windowStart = time.Time{}

	m.attempt++
	if m.attempt > m.cfg.MaxReconnectAttempts {
		if m.toLocked(StateDisconnected) {
			notify = append(notify, StateDisconnected)
		}
		m.mu.Unlock()
		m.log.WithError(errReconnectBudget).
			WithField("attempts", m.cfg.MaxReconnectAttempts).
			Error("giving up, explicit Reconnect required")
		m.dispatchStates(notify)
		return
	}

	delay := m.backoff.ForAttempt(float64(m.attempt - 1))
	if m.toLocked(StateReconnecting) {
		notify = append(notify, StateReconnecting)
	}
	m.reconnectTimer = time.AfterFunc(delay, m.reconnectNow)
	hook := m.onReconnectScheduled
	attempt := m.attempt
	m.mu.Unlock()

	m.log.WithError(cause).WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Warn("connection lost, reconnect scheduled")

	if hook != nil {
		hook(attempt, delay)
	}
	m.dispatchStates(notify)
}

// reconnectNow fires when the backoff timer elapses.
func (m *Manager) reconnectNow() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return // superseded by Reconnect, Close, or unsubscribe
	}
	m.reconnectTimer = nil
	changed := m.connectLocked()
	m.mu.Unlock()

	if changed {
		m.states.dispatch(StateConnecting)
	}
}

// teardownLocked supersedes the running loops, cancels both timers, and
// closes the socket. Caller holds mu.
func (m *Manager) teardownLocked(sendClose bool) {
	m.gen++
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.conn != nil {
		if sendClose {
			deadline := m.nowFunc().Add(time.Second)
			m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		m.conn.Close()
		m.conn = nil
	}
}

// toLocked transitions to s. Caller holds mu. Returns whether the state
// actually changed.
func (m *Manager) toLocked(s State) bool {
	if m.state == s {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) dispatchStates(states []State) {
	for _, s := range states {
		m.states.dispatch(s)
	}
}

// writeConnLocked sends a control frame on the current connection. Caller
// holds mu. Sends are fire-and-forget: failures are logged, not retried.
func (m *Manager) writeConnLocked(payload []byte) {
	if m.conn == nil {
		return
	}
	m.writeText(m.conn, payload)
}

func (m *Manager) writeText(conn *websocket.Conn, payload []byte) {
	m.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()
	if err != nil {
		m.log.WithError(err).Debug("send failed")
	}
}

// dedupeIDs drops empty and duplicate ids, preserving first-seen order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
