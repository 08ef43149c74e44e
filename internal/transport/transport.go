// Package transport implements TransportManager: it owns at most one socket
// per namespace (lobby-monitor, approval, room), drives the connection
// state machine, and monitors socket health. The mutex-guarded connection
// handle, callback-setter registry, and ping/health-loop shape are adapted
// from the teacher's client-side Transport type; the wire library moves
// from WebTransport/QUIC datagrams to gorilla/websocket JSON frames to
// match the browser-reachable, named-namespace transport this engine
// actually speaks.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"jamsession/internal/protocol"
	"jamsession/internal/recovery"
)

// ConnectionState is one of the four lifecycle states of the local client.
type ConnectionState string

const (
	Disconnected ConnectionState = "Disconnected"
	Lobby        ConnectionState = "Lobby"
	Requesting   ConnectionState = "Requesting"
	InRoom       ConnectionState = "InRoom"
)

// ConnectionConfig is the currently-active (state, namespace, roomId, role).
type ConnectionConfig struct {
	State     ConnectionState
	Namespace protocol.Namespace
	RoomID    string
	Role      protocol.Role
}

const (
	connectTimeout    = 10 * time.Second
	approvalTimeout   = 30 * time.Second
	gracePeriod       = 30 * time.Second
	graceOverrun      = 5 * time.Second
	healthInterval    = 10 * time.Second
	maxGraceAttempts  = 3
	graceBaseDelay    = time.Second
	graceMaxDelay     = 10 * time.Second
	pongWait          = 15 * time.Second
	pingInterval      = 5 * time.Second
)

// Socket is the minimal duplex-messaging contract TransportManager needs
// from a connection. A real socket is backed by gorilla/websocket; tests
// substitute an in-memory fake, mirroring the teacher's Transporter
// interface-first design.
type Socket interface {
	Send(event string, data any) error
	// Reads blocks until one frame arrives or the socket is closed/errors.
	Read() (event string, data json.RawMessage, err error)
	Close() error
	Connected() bool
}

// Dialer opens a Socket to a namespace URL. The default implementation
// dials with gorilla/websocket; tests inject a fake.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Socket, error)
}

// WSDialer is the production Dialer backed by gorilla/websocket.
type WSDialer struct {
	Dialer websocket.Dialer
}

// NewWSDialer returns a Dialer configured with the connect timeout spec
// requires (10s) and both ws/wss schemes tolerated.
func NewWSDialer() *WSDialer {
	return &WSDialer{Dialer: websocket.Dialer{HandshakeTimeout: connectTimeout}}
}

// Dial opens a websocket connection and wraps it as a Socket.
func (d *WSDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("transport: invalid url %q: %w", rawURL, err)
	}
	conn, _, err := d.Dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return newWSSocket(conn), nil
}

type wsSocket struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	s := &wsSocket{conn: conn}
	s.connected.Store(true)
	return s
}

func (s *wsSocket) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env := protocol.Envelope{Event: event, Data: payload}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(env)
}

func (s *wsSocket) Read() (string, json.RawMessage, error) {
	var env protocol.Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		s.connected.Store(false)
		return "", nil, err
	}
	return env.Event, env.Data, nil
}

func (s *wsSocket) Close() error {
	s.connected.Store(false)
	return s.conn.Close()
}

func (s *wsSocket) Connected() bool { return s.connected.Load() }

// Health is the last-observed connection quality snapshot.
type Health struct {
	State               ConnectionState
	SocketConnected      bool
	LastPingRTT          time.Duration
	ReconnectionAttempts int
	InGracePeriod        bool
}

// Manager is the TransportManager component (C3).
type Manager struct {
	log        *slog.Logger
	dialer     Dialer
	baseURL    string
	recov      *recovery.Engine

	mu     sync.Mutex
	config ConnectionConfig
	sock   Socket

	approvalTimer   *time.Timer
	approvalTimeout time.Duration
	graceTimer      *time.Timer
	healthTicker    *time.Ticker
	stopHealth      chan struct{}

	graceActive   bool
	graceAttempts int
	graceRoomID   string
	graceUserID   string
	graceRole     protocol.Role
	graceUsername string

	lastPingSent time.Time
	lastRTT      time.Duration

	pendingJoin *protocol.JoinRoomPayload

	cbMu           sync.Mutex
	onStateChange  func(from, to ConnectionState)
	onError        func(recovery.ErrorContext)
	onReconnection func()
	onMessage      func(event string, data json.RawMessage)

	genSeq atomic.Uint64 // monotonic transition generation, aborts stale goroutines
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithDialer overrides the Dialer (tests inject a fake).
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

// WithRecoveryEngine wires the RecoveryEngine that inbound faults and grace
// expiry report to.
func WithRecoveryEngine(r *recovery.Engine) Option { return func(m *Manager) { m.recov = r } }

// WithApprovalTimeout overrides the 30s approval-request timeout (tests
// drive the timeout scenario directly with a short duration instead of
// waiting out the real window).
func WithApprovalTimeout(d time.Duration) Option { return func(m *Manager) { m.approvalTimeout = d } }

// New constructs a Manager bound to baseURL (the backend's socket origin).
func New(baseURL string, opts ...Option) *Manager {
	m := &Manager{
		log:             slog.Default(),
		dialer:          NewWSDialer(),
		baseURL:         baseURL,
		config:          ConnectionConfig{State: Disconnected},
		approvalTimeout: approvalTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers the state-transition callback.
func (m *Manager) OnStateChange(h func(from, to ConnectionState)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onStateChange = h
}

// OnError registers the inbound-fault callback.
func (m *Manager) OnError(h func(recovery.ErrorContext)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onError = h
}

// OnReconnection registers the grace-period-recovered callback.
func (m *Manager) OnReconnection(h func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onReconnection = h
}

// OnMessage registers the inbound-event dispatch callback (SessionFacade
// wires this to route into AudioManager/DAWCollab/RecordCoord).
func (m *Manager) OnMessage(h func(event string, data json.RawMessage)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onMessage = h
}

// ActiveSocket returns the currently held socket, or nil.
func (m *Manager) ActiveSocket() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock
}

// Config returns a copy of the current ConnectionConfig.
func (m *Manager) Config() ConnectionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// GetConnectionHealth reports the last-observed health snapshot.
func (m *Manager) GetConnectionHealth() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:                m.config.State,
		SocketConnected:      m.sock != nil && m.sock.Connected(),
		LastPingRTT:          m.lastRTT,
		ReconnectionAttempts: m.graceAttempts,
		InGracePeriod:        m.graceActive,
	}
}

// teardown implements the transition contract step (a)+(b): remove
// handlers (implicit -- callbacks are keyed by Manager, not socket), close
// the socket, drop the reference, and cancel approval/grace timers. It does
// NOT touch the health ticker; only Disconnect stops that.
func (m *Manager) teardownLocked() {
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	if m.approvalTimer != nil {
		m.approvalTimer.Stop()
		m.approvalTimer = nil
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.graceActive = false
}

func (m *Manager) setStateLocked(to ConnectionState) ConnectionState {
	from := m.config.State
	m.config.State = to
	return from
}

func (m *Manager) notifyState(from, to ConnectionState) {
	m.cbMu.Lock()
	h := m.onStateChange
	m.cbMu.Unlock()
	if h != nil && from != to {
		h(from, to)
	}
}

func (m *Manager) namespaceURL(ns protocol.Namespace, suffix string) string {
	return m.baseURL + string(ns) + suffix
}

// ConnectToLobby tears down any current socket and opens the lobby-monitor
// namespace.
func (m *Manager) ConnectToLobby(ctx context.Context) error {
	gen := m.genSeq.Add(1)
	m.mu.Lock()
	m.teardownLocked()
	from := m.setStateLocked(Lobby)
	m.config.Namespace = protocol.NamespaceLobby
	m.config.RoomID = ""
	m.mu.Unlock()
	m.notifyState(from, Lobby)

	sock, err := m.dialer.Dial(ctx, m.namespaceURL(protocol.NamespaceLobby, ""))
	if err != nil {
		m.reportConnectFailed(err, "", "")
		return err
	}
	m.mu.Lock()
	if m.genSeq.Load() != gen {
		m.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	m.sock = sock
	m.mu.Unlock()
	go m.readLoop(gen, sock)
	go m.pingLoop(gen, sock)
	m.ensureHealthMonitor()
	return nil
}

// ConnectToApproval opens the per-room approval namespace and starts the
// 30s approval timer.
func (m *Manager) ConnectToApproval(ctx context.Context, roomID, userID, username string, role protocol.Role) error {
	gen := m.genSeq.Add(1)
	m.mu.Lock()
	m.teardownLocked()
	from := m.setStateLocked(Requesting)
	m.config.Namespace = protocol.NamespaceApproval
	m.config.RoomID = roomID
	m.config.Role = role
	m.mu.Unlock()
	m.notifyState(from, Requesting)

	sock, err := m.dialer.Dial(ctx, m.namespaceURL(protocol.NamespaceApproval, "/"+roomID))
	if err != nil {
		m.reportConnectFailed(err, roomID, userID)
		return err
	}

	m.mu.Lock()
	if m.genSeq.Load() != gen {
		m.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	m.sock = sock
	m.graceRoomID, m.graceUserID, m.graceUsername, m.graceRole = roomID, userID, username, role
	m.approvalTimer = time.AfterFunc(m.approvalTimeout, func() { m.onApprovalTimeout(gen, roomID, userID) })
	m.mu.Unlock()

	go m.readLoop(gen, sock)
	go m.pingLoop(gen, sock)
	m.ensureHealthMonitor()

	_ = sock.Send(protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: roomID, Username: username, UserID: userID, Role: role})
	return nil
}

func (m *Manager) onApprovalTimeout(gen uint64, roomID, userID string) {
	m.mu.Lock()
	if m.genSeq.Load() != gen || m.config.State != Requesting {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	from := m.setStateLocked(Lobby)
	m.mu.Unlock()
	m.notifyState(from, Lobby)

	if m.recov != nil {
		m.recov.Report(recovery.ErrorContext{
			Kind:    recovery.KindApprovalTimeout,
			Message: "Approval request timed out",
			RoomID:  roomID,
			UserID:  userID,
		})
	}
}

// ConnectToRoom opens the room namespace directly (no approval step). The
// session record is always persisted on entering InRoom -- this resolves
// the spec's first Open Question conservatively, regardless of whether
// userID/username came from a fresh join or a resumed owner-created room.
func (m *Manager) ConnectToRoom(ctx context.Context, roomID string, role protocol.Role, userID, username string) error {
	gen := m.genSeq.Add(1)
	m.mu.Lock()
	m.teardownLocked()
	from := m.setStateLocked(InRoom)
	m.config.Namespace = protocol.NamespaceRoom
	m.config.RoomID = roomID
	m.config.Role = role
	m.mu.Unlock()
	m.notifyState(from, InRoom)

	join := protocol.JoinRoomPayload{RoomID: roomID, Username: username, UserID: userID, Role: role}

	sock, err := m.dialer.Dial(ctx, m.namespaceURL(protocol.NamespaceRoom, "/"+roomID))
	if err != nil {
		m.mu.Lock()
		m.pendingJoin = &join
		m.mu.Unlock()
		m.reportConnectFailed(err, roomID, userID)
		return err
	}

	m.mu.Lock()
	if m.genSeq.Load() != gen {
		m.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	m.sock = sock
	m.graceRoomID, m.graceUserID, m.graceUsername, m.graceRole = roomID, userID, username, role
	toSend := join
	if m.pendingJoin != nil {
		toSend = *m.pendingJoin
	}
	m.pendingJoin = nil
	m.mu.Unlock()

	go m.readLoop(gen, sock)
	go m.pingLoop(gen, sock)
	m.ensureHealthMonitor()

	if err := sock.Send(protocol.EventJoinRoom, toSend); err != nil {
		m.mu.Lock()
		m.pendingJoin = &toSend
		m.mu.Unlock()
	}
	return nil
}

// ApprovalGranted transitions Requesting -> InRoom on an inbound grant: it
// tears down the approval-namespace socket and dials the room namespace in
// its place, the way ConnectToRoom does, then flushes the join_room
// emission (draining any join left pending by a prior failed attempt).
func (m *Manager) ApprovalGranted(ctx context.Context) error {
	m.mu.Lock()
	if m.config.State != Requesting {
		m.mu.Unlock()
		return nil
	}
	gen := m.genSeq.Add(1)
	m.teardownLocked()
	roomID, userID, username, role := m.graceRoomID, m.graceUserID, m.graceUsername, m.graceRole
	from := m.setStateLocked(InRoom)
	m.config.Namespace = protocol.NamespaceRoom
	m.mu.Unlock()
	m.notifyState(from, InRoom)

	join := protocol.JoinRoomPayload{RoomID: roomID, Username: username, UserID: userID, Role: role}

	sock, err := m.dialer.Dial(ctx, m.namespaceURL(protocol.NamespaceRoom, "/"+roomID))
	if err != nil {
		m.mu.Lock()
		m.pendingJoin = &join
		m.mu.Unlock()
		m.reportConnectFailed(err, roomID, userID)
		return err
	}

	m.mu.Lock()
	if m.genSeq.Load() != gen {
		m.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	m.sock = sock
	toSend := join
	if m.pendingJoin != nil {
		toSend = *m.pendingJoin
	}
	m.pendingJoin = nil
	m.mu.Unlock()

	go m.readLoop(gen, sock)
	go m.pingLoop(gen, sock)
	m.ensureHealthMonitor()

	if err := sock.Send(protocol.EventJoinRoom, toSend); err != nil {
		m.mu.Lock()
		m.pendingJoin = &toSend
		m.mu.Unlock()
	}
	return nil
}

// ApprovalDeniedOrCanceled transitions Requesting -> Lobby for denial,
// cancellation, or server-initiated disconnect during approval.
func (m *Manager) ApprovalDeniedOrCanceled() {
	m.mu.Lock()
	if m.config.State != Requesting {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	from := m.setStateLocked(Lobby)
	m.mu.Unlock()
	m.notifyState(from, Lobby)
}

// CancelApprovalRequest clears the approval timer, emits a cancellation,
// then returns to Lobby.
func (m *Manager) CancelApprovalRequest() {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock != nil {
		_ = sock.Send(protocol.EventLeaveRoom, protocol.LeaveRoomPayload{IsIntendedLeave: true})
	}
	m.ApprovalDeniedOrCanceled()
}

// LeaveRoom sends an intended leave and returns to Lobby.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock != nil {
		_ = sock.Send(protocol.EventLeaveRoom, protocol.LeaveRoomPayload{IsIntendedLeave: true})
	}
	return m.ConnectToLobby(ctx)
}

// Disconnect tears down everything: sockets, all timers, and the pending
// queue is the caller's (EventPipeline's) responsibility to drop --
// TransportManager signals this via the Disconnected state.
func (m *Manager) Disconnect() {
	m.genSeq.Add(1)
	m.mu.Lock()
	m.teardownLocked()
	from := m.setStateLocked(Disconnected)
	m.mu.Unlock()
	m.notifyState(from, Disconnected)
	m.stopHealthMonitor()
}

func (m *Manager) reportConnectFailed(err error, roomID, userID string) {
	if m.recov == nil {
		return
	}
	m.recov.Report(recovery.ErrorContext{
		Kind:    recovery.KindNamespaceConnectFailed,
		Message: err.Error(),
		RoomID:  roomID,
		UserID:  userID,
	})
}

const validationSignature = "Invalid data format"

// dispatchInbound classifies and routes one inbound frame, implementing the
// §4.3 inbound error classification rules.
func (m *Manager) dispatchInbound(event string, data json.RawMessage) {
	if event == protocol.EventError {
		var payload struct {
			Message   string `json:"message"`
			RateLimit bool   `json:"rateLimit"`
		}
		_ = json.Unmarshal(data, &payload)

		if containsValidationSignature(payload.Message) {
			// Never retried, never escalated; walk back to Lobby to stop
			// looping emissions if currently InRoom.
			m.mu.Lock()
			inRoom := m.config.State == InRoom
			m.mu.Unlock()
			if inRoom {
				_ = m.ConnectToLobby(context.Background())
			}
			m.emitMessage(event, data)
			return
		}
		if payload.RateLimit {
			m.emitMessage(event, data)
			return
		}
		m.emitMessage(event, data)
		return
	}

	switch event {
	case protocol.EventApprovalGranted:
		_ = m.ApprovalGranted(context.Background())
	case protocol.EventApprovalDenied, protocol.EventApprovalTimeoutInbound:
		m.ApprovalDeniedOrCanceled()
	}
	m.emitMessage(event, data)
}

func containsValidationSignature(msg string) bool {
	return len(msg) >= len(validationSignature) && indexOf(msg, validationSignature) >= 0
}

func indexOf(haystack, needle string) int {
	n, h := len(needle), len(haystack)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= h; i++ {
		if haystack[i:i+n] == needle {
			return i
		}
	}
	return -1
}

func (m *Manager) emitMessage(event string, data json.RawMessage) {
	m.cbMu.Lock()
	h := m.onMessage
	m.cbMu.Unlock()
	if h != nil {
		h(event, data)
	}
}

// readLoop pumps inbound frames until the socket closes or errs, then
// triggers grace-period reconnection if the disconnect was unexpected.
func (m *Manager) readLoop(gen uint64, sock Socket) {
	for {
		event, data, err := sock.Read()
		if err != nil {
			m.handleSocketClosed(gen, sock)
			return
		}
		if m.genSeq.Load() != gen {
			return
		}
		if event == eventPong {
			m.recordPong()
			continue
		}
		m.dispatchInbound(event, data)
	}
}

// eventPing/eventPong are transport-internal health-check frames, not part
// of the DAW/room event vocabulary, so they live here rather than in
// internal/protocol.
const (
	eventPing = "ping"
	eventPong = "pong"
)

// pingLoop periodically sends a ping frame so GetConnectionHealth has a
// fresh RTT sample; it exits once gen is superseded or the socket closes.
func (m *Manager) pingLoop(gen uint64, sock Socket) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if m.genSeq.Load() != gen || !sock.Connected() {
			return
		}
		m.mu.Lock()
		m.lastPingSent = time.Now()
		m.mu.Unlock()
		if err := sock.Send(eventPing, struct{}{}); err != nil {
			return
		}
	}
}

func (m *Manager) recordPong() {
	m.mu.Lock()
	if !m.lastPingSent.IsZero() {
		m.lastRTT = time.Since(m.lastPingSent)
	}
	m.mu.Unlock()
}

func (m *Manager) handleSocketClosed(gen uint64, sock Socket) {
	m.mu.Lock()
	if m.genSeq.Load() != gen {
		m.mu.Unlock()
		return
	}
	state := m.config.State
	intentional := m.sock != sock // already replaced by a newer transition
	m.mu.Unlock()

	if intentional || state != InRoom {
		return
	}
	m.startGracePeriod(gen)
}

func (m *Manager) startGracePeriod(gen uint64) {
	m.mu.Lock()
	if m.graceActive {
		m.mu.Unlock()
		return
	}
	m.graceActive = true
	m.graceAttempts = 0
	roomID, userID, username, role := m.graceRoomID, m.graceUserID, m.graceUsername, m.graceRole
	m.graceTimer = time.AfterFunc(gracePeriod+graceOverrun, func() { m.onGraceExpired(gen, roomID, userID) })
	m.mu.Unlock()

	go m.runGraceAttempts(gen, roomID, userID, username, role)
}

func (m *Manager) runGraceAttempts(gen uint64, roomID, userID, username string, role protocol.Role) {
	for attempt := 1; attempt <= maxGraceAttempts; attempt++ {
		delay := graceBaseDelay * time.Duration(1<<uint(attempt-1))
		if delay > graceMaxDelay {
			delay = graceMaxDelay
		}
		time.Sleep(delay)

		m.mu.Lock()
		if m.genSeq.Load() != gen || !m.graceActive {
			m.mu.Unlock()
			return
		}
		m.graceAttempts = attempt
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := m.ConnectToRoom(ctx, roomID, role, userID, username)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.graceActive = false
			m.graceAttempts = 0
			if m.graceTimer != nil {
				m.graceTimer.Stop()
				m.graceTimer = nil
			}
			m.mu.Unlock()
			if m.recov != nil {
				m.recov.ResetRetryCount(recovery.KindNamespaceConnectFailed, roomID, userID)
			}
			m.cbMu.Lock()
			h := m.onReconnection
			m.cbMu.Unlock()
			if h != nil {
				h()
			}
			return
		}
	}
}

func (m *Manager) onGraceExpired(gen uint64, roomID, userID string) {
	m.mu.Lock()
	if m.genSeq.Load() != gen || !m.graceActive {
		m.mu.Unlock()
		return
	}
	m.graceActive = false
	from := m.setStateLocked(Lobby)
	m.mu.Unlock()
	m.notifyState(from, Lobby)

	if m.recov != nil {
		m.recov.Report(recovery.ErrorContext{
			Kind:    recovery.KindGracePeriodExpired,
			Message: "Grace period expired",
			RoomID:  roomID,
			UserID:  userID,
		})
	}
}

// ensureHealthMonitor starts the 10s health-check loop if it is not already
// running (calls while it runs are no-ops). Disconnect stops the loop, so
// the next connection starts it again.
func (m *Manager) ensureHealthMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthTicker != nil {
		return
	}
	m.healthTicker = time.NewTicker(healthInterval)
	m.stopHealth = make(chan struct{})
	ticker := m.healthTicker
	stop := m.stopHealth
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.checkHealth()
			}
		}
	}()
}

func (m *Manager) stopHealthMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthTicker != nil {
		m.healthTicker.Stop()
		close(m.stopHealth)
		m.healthTicker = nil
	}
}

func (m *Manager) checkHealth() {
	m.mu.Lock()
	state := m.config.State
	hasSocket := m.sock != nil && m.sock.Connected()
	roomID, userID := m.config.RoomID, m.graceUserID
	graceActive := m.graceActive
	m.mu.Unlock()

	// A socket-less active state is expected while a grace-period reconnect
	// is in flight; onGraceExpired (backed by its own timer) owns reporting
	// that case. Only a socket-less active state outside grace is a genuine
	// inconsistency.
	if state != Disconnected && !hasSocket && !graceActive {
		if m.recov != nil {
			m.recov.Report(recovery.ErrorContext{
				Kind:    recovery.KindStateInconsistency,
				Message: "active state without a live socket",
				RoomID:  roomID,
				UserID:  userID,
			})
		}
	}
}
