package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"jamsession/internal/protocol"
	"jamsession/internal/recovery"
)

// verifyNoLeaks snapshots running goroutines now and, once the test
// finishes, disconnects m and asserts nothing it spawned (readLoop,
// pingLoop, health ticker) outlived it.
func verifyNoLeaks(t *testing.T, m *Manager) {
	t.Helper()
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() {
		m.Disconnect()
		time.Sleep(20 * time.Millisecond)
		goleak.VerifyNone(t, opt)
	})
}

type sentFrame struct {
	event string
	data  json.RawMessage
}

type inboundFrame struct {
	event string
	data  json.RawMessage
}

// fakeSocket is an in-memory Socket double; tests push inbound frames and
// inspect sent ones instead of touching a real gorilla/websocket conn.
type fakeSocket struct {
	mu      sync.Mutex
	sent    []sentFrame
	inbound chan inboundFrame

	closeOnce sync.Once
	closed    chan struct{}
	connected atomic.Bool
}

func newFakeSocket() *fakeSocket {
	s := &fakeSocket{inbound: make(chan inboundFrame, 32), closed: make(chan struct{})}
	s.connected.Store(true)
	return s
}

func (s *fakeSocket) Send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentFrame{event: event, data: b})
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Read() (string, json.RawMessage, error) {
	select {
	case f := <-s.inbound:
		return f.event, f.data, nil
	case <-s.closed:
		return "", nil, io.EOF
	}
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		close(s.closed)
	})
	return nil
}

func (s *fakeSocket) Connected() bool { return s.connected.Load() }

func (s *fakeSocket) push(event string, data any) {
	b, _ := json.Marshal(data)
	s.inbound <- inboundFrame{event: event, data: b}
}

func (s *fakeSocket) sentFrames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeDialer lets tests script Dial's behavior per call.
type fakeDialer struct {
	mu   sync.Mutex
	next func(ctx context.Context, rawURL string) (Socket, error)
	urls []string
}

func newFakeDialer(fn func(ctx context.Context, rawURL string) (Socket, error)) *fakeDialer {
	return &fakeDialer{next: fn}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	fn := d.next
	d.mu.Unlock()
	return fn(ctx, rawURL)
}

func alwaysSucceeds() (*fakeDialer, func() *fakeSocket) {
	var mu sync.Mutex
	var last *fakeSocket
	d := newFakeDialer(func(ctx context.Context, rawURL string) (Socket, error) {
		s := newFakeSocket()
		mu.Lock()
		last = s
		mu.Unlock()
		return s, nil
	})
	return d, func() *fakeSocket {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestConnectToLobbyOpensSocket(t *testing.T) {
	d, lastSock := alwaysSucceeds()
	m := New("http://x", WithDialer(d))
	verifyNoLeaks(t, m)

	if err := m.ConnectToLobby(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Config().State != Lobby {
		t.Fatalf("expected Lobby, got %v", m.Config().State)
	}
	if m.ActiveSocket() == nil {
		t.Fatal("expected an active socket")
	}
	_ = lastSock
}

// Testable property 1: at most one socket handle per namespace; a new
// transition atomically replaces the old one.
func TestTransitionReplacesSocketAtomically(t *testing.T) {
	d, lastSock := alwaysSucceeds()
	m := New("http://x", WithDialer(d))
	verifyNoLeaks(t, m)

	if err := m.ConnectToLobby(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := lastSock()

	if err := m.ConnectToRoom(context.Background(), "R1", protocol.RoleBandMember, "U1", "alice"); err != nil {
		t.Fatal(err)
	}
	second := lastSock()

	if first == second {
		t.Fatal("expected a fresh socket on transition")
	}
	if first.Connected() {
		t.Error("old socket should have been closed on transition")
	}
	if m.ActiveSocket() != second {
		t.Error("Manager should hold exactly the new socket")
	}
}

func TestApprovalGrantedTransitionsToInRoom(t *testing.T) {
	d, lastSock := alwaysSucceeds()
	m := New("http://x", WithDialer(d))
	verifyNoLeaks(t, m)

	var transitions [][2]ConnectionState
	m.OnStateChange(func(from, to ConnectionState) {
		transitions = append(transitions, [2]ConnectionState{from, to})
	})

	if err := m.ConnectToApproval(context.Background(), "R1", "U1", "alice", protocol.RoleBandMember); err != nil {
		t.Fatal(err)
	}
	if m.Config().State != Requesting {
		t.Fatalf("expected Requesting, got %v", m.Config().State)
	}
	approvalSock := lastSock()

	if err := m.ApprovalGranted(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Config().State != InRoom {
		t.Fatalf("expected InRoom after grant, got %v", m.Config().State)
	}
	if approvalSock.Connected() {
		t.Error("expected the approval-namespace socket to be closed on grant")
	}
	roomSock := lastSock()
	if roomSock == approvalSock {
		t.Fatal("expected ApprovalGranted to dial a fresh room-namespace socket")
	}
	found := false
	for _, f := range roomSock.sentFrames() {
		if f.event == protocol.EventJoinRoom {
			found = true
		}
	}
	if !found {
		t.Error("expected a join_room frame sent on the new room socket")
	}
}

func TestApprovalDeniedReturnsToLobby(t *testing.T) {
	d, _ := alwaysSucceeds()
	m := New("http://x", WithDialer(d))
	verifyNoLeaks(t, m)

	if err := m.ConnectToApproval(context.Background(), "R1", "U1", "alice", protocol.RoleBandMember); err != nil {
		t.Fatal(err)
	}
	m.ApprovalDeniedOrCanceled()
	if m.Config().State != Lobby {
		t.Fatalf("expected Lobby after denial, got %v", m.Config().State)
	}
	if m.approvalTimer != nil {
		t.Error("approval timer should be canceled on denial")
	}
}

func TestCancelApprovalRequestSendsLeaveAndReturnsToLobby(t *testing.T) {
	d, lastSock := alwaysSucceeds()
	m := New("http://x", WithDialer(d))
	verifyNoLeaks(t, m)

	if err := m.ConnectToApproval(context.Background(), "R1", "U1", "alice", protocol.RoleBandMember); err != nil {
		t.Fatal(err)
	}
	sock := lastSock()
	m.CancelApprovalRequest()

	if m.Config().State != Lobby {
		t.Fatalf("expected Lobby, got %v", m.Config().State)
	}
	found := false
	for _, f := range sock.sentFrames() {
		if f.event == protocol.EventLeaveRoom {
			found = true
		}
	}
	if !found {
		t.Error("expected a leave_room cancellation frame before returning to Lobby")
	}
}

// Testable property 3: Disconnect cancels every timer and drops the socket.
func TestDisconnectClearsTimersAndSocket(t *testing.T) {
	d, _ := alwaysSucceeds()
	m := New("http://x", WithDialer(d))
	verifyNoLeaks(t, m)

	if err := m.ConnectToApproval(context.Background(), "R1", "U1", "alice", protocol.RoleBandMember); err != nil {
		t.Fatal(err)
	}
	if m.approvalTimer == nil {
		t.Fatal("expected approval timer to be running")
	}

	m.Disconnect()

	if m.Config().State != Disconnected {
		t.Fatalf("expected Disconnected, got %v", m.Config().State)
	}
	if m.ActiveSocket() != nil {
		t.Error("expected no active socket after Disconnect")
	}
	if m.approvalTimer != nil {
		t.Error("expected approval timer canceled")
	}
	if m.graceTimer != nil {
		t.Error("expected grace timer canceled")
	}
	if m.healthTicker != nil {
		t.Error("expected health ticker canceled")
	}
}

// §4.3: a validation-signature error is never escalated to RecoveryEngine
// and, if InRoom, walks the client back to Lobby.
func TestValidationErrorWalksBackToLobbyWithoutRecovery(t *testing.T) {
	d, lastSock := alwaysSucceeds()
	recov := recovery.New()
	reported := 0
	recov.OnRecovery(func(recovery.Action, recovery.ErrorContext) { reported++ })

	m := New("http://x", WithDialer(d), WithRecoveryEngine(recov))
	verifyNoLeaks(t, m)
	if err := m.ConnectToRoom(context.Background(), "R1", protocol.RoleBandMember, "U1", "alice"); err != nil {
		t.Fatal(err)
	}

	var raw []string
	m.OnMessage(func(event string, _ json.RawMessage) { raw = append(raw, event) })

	sock := lastSock()
	sock.push(protocol.EventError, map[string]any{"message": "Invalid data format: missing field"})

	time.Sleep(20 * time.Millisecond) // let the read-loop goroutine dispatch

	if m.Config().State != Lobby {
		t.Fatalf("expected walk-back to Lobby, got %v", m.Config().State)
	}
	if reported != 0 {
		t.Errorf("validation errors must never escalate to RecoveryEngine, got %d reports", reported)
	}
	if len(raw) == 0 {
		t.Error("expected the error event to still surface to the caller")
	}
}

// S3 — grace reconnect: an unexpected disconnect while InRoom starts a grace
// window; a successful reconnect on the first attempt clears grace, resets
// the retry count, and fires the reconnection callback exactly once.
func TestGraceReconnectSucceedsOnFirstAttempt(t *testing.T) {
	var mu sync.Mutex
	var sockets []*fakeSocket
	d := newFakeDialer(func(ctx context.Context, rawURL string) (Socket, error) {
		s := newFakeSocket()
		mu.Lock()
		sockets = append(sockets, s)
		mu.Unlock()
		return s, nil
	})
	recov := recovery.New()
	m := New("http://x", WithDialer(d), WithRecoveryEngine(recov))
	verifyNoLeaks(t, m)

	reconnected := 0
	m.OnReconnection(func() { reconnected++ })

	if err := m.ConnectToRoom(context.Background(), "R1", protocol.RoleBandMember, "U1", "alice"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	first := sockets[0]
	mu.Unlock()

	// Simulate an unexpected drop: close the read side without going through
	// Disconnect/LeaveRoom.
	_ = first.Close()

	// graceBaseDelay is 1s; give attempt 1 time to fire and succeed.
	time.Sleep(1300 * time.Millisecond)

	if reconnected != 1 {
		t.Fatalf("expected the reconnection callback to fire exactly once, got %d", reconnected)
	}
	if m.Config().State != InRoom {
		t.Fatalf("expected InRoom after successful reconnect, got %v", m.Config().State)
	}
	if m.graceActive {
		t.Error("expected grace period cleared after successful reconnect")
	}
	if got := recov.RetryCount(recovery.KindNamespaceConnectFailed, "R1", "U1"); got != 0 {
		t.Errorf("expected retry count reset to 0 after successful reconnect, got %d", got)
	}
}

// Health monitor: an active state without a live socket outside grace is a
// genuine inconsistency and must be reported.
func TestHealthMonitorDetectsInconsistency(t *testing.T) {
	d, _ := alwaysSucceeds()
	recov := recovery.New()
	var kinds []recovery.ErrorKind
	recov.OnRecovery(func(_ recovery.Action, ec recovery.ErrorContext) { kinds = append(kinds, ec.Kind) })

	m := New("http://x", WithDialer(d), WithRecoveryEngine(recov))
	verifyNoLeaks(t, m)
	if err := m.ConnectToRoom(context.Background(), "R1", protocol.RoleBandMember, "U1", "alice"); err != nil {
		t.Fatal(err)
	}

	// Force the inconsistent condition directly rather than waiting out a
	// real socket failure: active state, no socket, no grace in flight.
	m.mu.Lock()
	_ = m.sock.Close()
	m.sock = nil
	m.graceActive = false
	m.mu.Unlock()

	m.checkHealth()
	time.Sleep(5 * time.Millisecond)

	found := false
	for _, k := range kinds {
		if k == recovery.KindStateInconsistency {
			found = true
		}
	}
	if !found {
		t.Error("expected a StateInconsistency report")
	}
}

// S1 — approval timeout: Lobby -> Requesting -> Lobby with exactly one
// ApprovalTimeout report, driven directly via a short injected timeout
// instead of waiting out the real 30s window.
func TestApprovalTimeoutReturnsToLobby(t *testing.T) {
	d, _ := alwaysSucceeds()
	recov := recovery.New()
	var kinds []recovery.ErrorKind
	recov.OnRecovery(func(_ recovery.Action, ec recovery.ErrorContext) { kinds = append(kinds, ec.Kind) })

	m := New("http://x", WithDialer(d), WithRecoveryEngine(recov), WithApprovalTimeout(20*time.Millisecond))
	verifyNoLeaks(t, m)

	var transitions [][2]ConnectionState
	m.OnStateChange(func(from, to ConnectionState) {
		transitions = append(transitions, [2]ConnectionState{from, to})
	})

	if err := m.ConnectToLobby(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.ConnectToApproval(context.Background(), "R1", "U1", "alice", protocol.RoleBandMember); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)

	if m.Config().State != Lobby {
		t.Fatalf("expected Lobby after approval timeout, got %v", m.Config().State)
	}
	want := [][2]ConnectionState{{Disconnected, Lobby}, {Lobby, Requesting}, {Requesting, Lobby}}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Errorf("transition %d: expected %v, got %v", i, w, transitions[i])
		}
	}
	if len(kinds) != 1 || kinds[0] != recovery.KindApprovalTimeout {
		t.Errorf("expected exactly one ApprovalTimeout report, got %v", kinds)
	}
}

func TestConnectFailureReportsNamespaceConnectFailed(t *testing.T) {
	d := newFakeDialer(func(ctx context.Context, rawURL string) (Socket, error) {
		return nil, context.DeadlineExceeded
	})
	recov := recovery.New()
	var kinds []recovery.ErrorKind
	recov.OnRecovery(func(_ recovery.Action, ec recovery.ErrorContext) { kinds = append(kinds, ec.Kind) })

	m := New("http://x", WithDialer(d), WithRecoveryEngine(recov))
	verifyNoLeaks(t, m)
	if err := m.ConnectToLobby(context.Background()); err == nil {
		t.Fatal("expected dial error to propagate")
	}
	time.Sleep(10 * time.Millisecond)

	if len(kinds) != 1 || kinds[0] != recovery.KindNamespaceConnectFailed {
		t.Errorf("expected one NamespaceConnectFailed report, got %v", kinds)
	}
}
