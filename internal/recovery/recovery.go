// Package recovery implements RecoveryEngine: classifies reported failures,
// tracks bounded retry counts per RecoveryKey with exponential backoff, and
// emits recovery actions. At most one recovery runs per RecoveryKey at a
// time, enforced with golang.org/x/sync/singleflight the way the rest of
// the pack uses it for single-flight deduplication.
package recovery

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrorKind classifies a reported failure.
type ErrorKind string

const (
	KindNamespaceConnectFailed ErrorKind = "NamespaceConnectFailed"
	KindWebRtcFailed           ErrorKind = "WebRtcFailed"
	KindAudioInitFailed        ErrorKind = "AudioInitFailed"
	KindStateInconsistency     ErrorKind = "StateInconsistency"
	KindApprovalTimeout        ErrorKind = "ApprovalTimeout"
	KindGracePeriodExpired     ErrorKind = "GracePeriodExpired"
	KindNetwork                ErrorKind = "Network"
	KindPermissionDenied       ErrorKind = "PermissionDenied"
	KindUnknown                ErrorKind = "Unknown"
)

// Action is an action RecoveryEngine asks the caller (usually
// TransportManager) to take.
type Action string

const (
	ActionRetryConnect     Action = "RetryConnect"
	ActionFallbackDegraded Action = "FallbackDegraded"
	ActionForceReconnect   Action = "ForceReconnect"
	ActionClearState       Action = "ClearState"
	ActionReturnToLobby    Action = "ReturnToLobby"
	ActionShowUserPrompt   Action = "ShowUserPrompt"
	ActionReloadHost       Action = "ReloadHost"
	ActionNoAction         Action = "NoAction"
)

// Severity of a user-facing feedback message.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
)

// ErrorContext describes one reported failure.
type ErrorContext struct {
	Kind            ErrorKind
	Message         string
	OriginalError   error
	ConnectionState string
	RoomID          string
	UserID          string
	Timestamp       time.Time
	RetryCount      int
	Extras          map[string]any
}

// Key identifies the retry/active-recovery scope for one failure class.
type Key struct {
	Kind   ErrorKind
	RoomID string
	UserID string
}

func keyFor(ec ErrorContext) Key {
	roomID := ec.RoomID
	if roomID == "" {
		roomID = "global"
	}
	userID := ec.UserID
	if userID == "" {
		userID = "anon"
	}
	return Key{Kind: ec.Kind, RoomID: roomID, UserID: userID}
}

func (k Key) sfKey() string {
	return fmt.Sprintf("%s|%s|%s", k.Kind, k.RoomID, k.UserID)
}

// strategy is one row of the classification table in spec §4.2/§7.
type strategy struct {
	primary        Action
	maxRetries     int
	exponential    bool
	baseDelay      time.Duration
	maxDelay       time.Duration
	onExceeded     Action
	terminal       bool // no retry at all, primary fires once then done
}

var strategies = map[ErrorKind]strategy{
	KindNamespaceConnectFailed: {primary: ActionRetryConnect, maxRetries: 5, exponential: true, baseDelay: time.Second, maxDelay: 10 * time.Second, onExceeded: ActionReturnToLobby},
	KindWebRtcFailed:           {primary: ActionRetryConnect, maxRetries: 2, exponential: true, baseDelay: time.Second, maxDelay: 10 * time.Second, onExceeded: ActionNoAction},
	KindAudioInitFailed:        {primary: ActionRetryConnect, maxRetries: 2, exponential: true, baseDelay: 2 * time.Second, maxDelay: 10 * time.Second, onExceeded: ActionShowUserPrompt},
	KindStateInconsistency:     {primary: ActionForceReconnect, maxRetries: 1, onExceeded: ActionClearState},
	KindApprovalTimeout:        {primary: ActionReturnToLobby, terminal: true},
	KindGracePeriodExpired:     {primary: ActionForceReconnect, maxRetries: 1, onExceeded: ActionReturnToLobby},
	KindNetwork:                {primary: ActionRetryConnect, maxRetries: 5, exponential: true, baseDelay: time.Second, maxDelay: 10 * time.Second, onExceeded: ActionShowUserPrompt},
	KindPermissionDenied:       {primary: ActionShowUserPrompt, terminal: true},
	KindUnknown:                {primary: ActionShowUserPrompt, terminal: true},
}

const historyLimit = 50

// Engine is the RecoveryEngine component (C2).
type Engine struct {
	log *slog.Logger

	mu          sync.Mutex
	retryCounts map[Key]int
	history     []ErrorContext

	sf singleflight.Group

	onRecovery    func(Action, ErrorContext)
	onUserFeedback func(message string, severity Severity)
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New constructs a RecoveryEngine.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:         slog.Default(),
		retryCounts: make(map[Key]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnRecovery registers the callback invoked whenever an Action is decided.
func (e *Engine) OnRecovery(h func(Action, ErrorContext)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRecovery = h
}

// OnUserFeedback registers the callback invoked for user-facing messages.
func (e *Engine) OnUserFeedback(h func(message string, severity Severity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUserFeedback = h
}

// Report classifies and processes one failure. It enforces invariant 2 (at
// most one active recovery per key) via singleflight: a report for a key
// already being processed is suppressed.
func (e *Engine) Report(ec ErrorContext) {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now()
	}
	key := keyFor(ec)

	e.mu.Lock()
	e.history = append(e.history, ec)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
	e.mu.Unlock()

	// DoChan so the call never blocks the reporter; a recovery already in
	// flight for this key causes this report to be dropped (suppressed),
	// matching "repeat reports during an active recovery are suppressed".
	e.sf.DoChan(key.sfKey(), func() (any, error) {
		e.process(key, ec)
		return nil, nil
	})
}

func (e *Engine) process(key Key, ec ErrorContext) {
	strat, ok := strategies[ec.Kind]
	if !ok {
		strat = strategies[KindUnknown]
	}

	e.mu.Lock()
	count := e.retryCounts[key]
	e.mu.Unlock()
	ec.RetryCount = count

	if strat.terminal {
		e.emit(strat.primary, ec)
		e.feedback(ec.Kind, strat.primary)
		return
	}

	if count >= strat.maxRetries {
		e.emit(strat.onExceeded, ec)
		e.feedback(ec.Kind, strat.onExceeded)
		return
	}

	delay := strat.baseDelay
	if strat.exponential {
		d := strat.baseDelay
		for i := 0; i < count; i++ {
			d *= 2
			if d > strat.maxDelay {
				d = strat.maxDelay
				break
			}
		}
		delay = d
	}
	ec.Extras = mergeExtras(ec.Extras, map[string]any{"delay": delay})

	e.mu.Lock()
	e.retryCounts[key] = count + 1
	e.mu.Unlock()

	e.emit(strat.primary, ec)
}

func mergeExtras(base map[string]any, add map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

// ResetRetryCount clears the retry count for key, e.g. after a successful
// reconnect (invariant (b) in §7).
func (e *Engine) ResetRetryCount(kind ErrorKind, roomID, userID string) {
	key := keyFor(ErrorContext{Kind: kind, RoomID: roomID, UserID: userID})
	e.mu.Lock()
	delete(e.retryCounts, key)
	e.mu.Unlock()
}

// ActiveRecoveries returns the number of RecoveryKeys currently carrying a
// nonzero retry count, for SessionFacade health aggregation.
func (e *Engine) ActiveRecoveries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.retryCounts {
		if c > 0 {
			n++
		}
	}
	return n
}

// RetryCount returns the current retry count for a key, for tests and
// diagnostics.
func (e *Engine) RetryCount(kind ErrorKind, roomID, userID string) int {
	key := keyFor(ErrorContext{Kind: kind, RoomID: roomID, UserID: userID})
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCounts[key]
}

// History returns a copy of the last (up to 50) reported ErrorContexts.
func (e *Engine) History() []ErrorContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ErrorContext, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) emit(action Action, ec ErrorContext) {
	e.mu.Lock()
	h := e.onRecovery
	e.mu.Unlock()
	e.log.Info("recovery action", "kind", ec.Kind, "action", action, "roomId", ec.RoomID, "userId", ec.UserID)
	if h != nil {
		h(action, ec)
	}
}

func (e *Engine) feedback(kind ErrorKind, action Action) {
	e.mu.Lock()
	h := e.onUserFeedback
	e.mu.Unlock()
	if h == nil {
		return
	}
	msg, sev := feedbackFor(kind, action)
	if msg != "" {
		h(msg, sev)
	}
}

func feedbackFor(kind ErrorKind, action Action) (string, Severity) {
	switch kind {
	case KindApprovalTimeout:
		return "Approval request timed out", SeverityWarning
	case KindPermissionDenied:
		return "You don't have permission to do that", SeverityError
	case KindUnknown:
		return "Something went wrong", SeverityError
	}
	switch action {
	case ActionReturnToLobby:
		return "Connection lost, returning to lobby", SeverityWarning
	case ActionShowUserPrompt:
		return "Reconnection failed", SeverityError
	}
	return "", SeverityInfo
}
