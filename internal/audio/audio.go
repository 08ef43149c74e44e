// Package audio implements AudioManager (C5): tracks room membership and
// per-user instrument state, preloads/releases instruments through an
// injected InstrumentEngine, and resumes a suspended audio context on first
// user interaction. It performs no signal processing of its own -- the
// teacher's DSP chain (client/internal/{aec,agc,vad,noisegate,jitter}) is
// intentionally not reused here; raw instrument synthesis is out of scope
// per spec Non-goals. The structural shape (engine owns a per-user state
// map, lifecycle methods, fallback-on-error chain) is grounded in the
// teacher's client/audio.go AudioEngine.
package audio

import (
	"context"
	"log/slog"
	"sync"

	"jamsession/internal/recovery"
)

// ContextState mirrors a host audio context's lifecycle state.
type ContextState string

const (
	ContextSuspended ContextState = "suspended"
	ContextRunning   ContextState = "running"
	ContextClosed    ContextState = "closed"
)

// PreloadRequest is one (user, instrument, category) tuple to preload.
type PreloadRequest struct {
	UserID     string
	Instrument string
	Category   string
}

// InstrumentEngine is the external, opaque synthesis engine this package
// never implements -- only coordinates. A real engine lives in the UI
// process; tests substitute a fake.
type InstrumentEngine interface {
	EnsureMixerChannel(userID string)
	ContextState(ctx context.Context) (ContextState, error)
	ResumeContext(ctx context.Context) error
	Preload(ctx context.Context, reqs []PreloadRequest) error
	CleanupRemoteUser(userID string) error
	ApplyEffectChain(ctx context.Context, userID string, chains []EffectChain) error
}

// EffectChain is an opaque per-user effect routing description; the engine
// round-trips it without interpreting contents.
type EffectChain struct {
	ID     string
	Params map[string]any
}

// FallbackLookup resolves the next compatible instrument in a category when
// a preload fails, excluding the id that just failed.
type FallbackLookup interface {
	NextCompatible(category, excludeInstrumentID string) (instrumentID string, ok bool)
}

// User is the minimal per-user record AudioManager tracks.
type User struct {
	UserID             string
	Username           string
	InstrumentID       string
	InstrumentCategory string
	EffectChains       []EffectChain
}

type preloadedKey struct {
	userID     string
	instrument string
	category   string
}

// Manager is the AudioManager component (C5). Safe for concurrent use.
type Manager struct {
	log      *slog.Logger
	engine   InstrumentEngine
	fallback FallbackLookup
	recov    *recovery.Engine

	mu          sync.Mutex
	initialized bool
	users       map[string]User
	preloaded   map[preloadedKey]struct{}

	resumeOnce sync.Once
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithRecoveryEngine wires the RecoveryEngine that init/preload failures
// report to.
func WithRecoveryEngine(r *recovery.Engine) Option { return func(m *Manager) { m.recov = r } }

// WithFallbackLookup wires the instrument-compatibility lookup used when a
// preload fails.
func WithFallbackLookup(f FallbackLookup) Option { return func(m *Manager) { m.fallback = f } }

// New constructs a Manager bound to engine.
func New(engine InstrumentEngine, opts ...Option) *Manager {
	m := &Manager{
		log:       slog.Default(),
		engine:    engine,
		users:     make(map[string]User),
		preloaded: make(map[preloadedKey]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) reportAudioInitFailed(message string, extras map[string]any) {
	if m.recov == nil {
		return
	}
	m.recov.Report(recovery.ErrorContext{
		Kind:    recovery.KindAudioInitFailed,
		Message: message,
		Extras:  extras,
	})
}

// InitializeForRoom ensures a mixer channel per user, resumes the audio
// context if suspended, and preloads every user's set instrument. Partial
// preload failures are non-fatal and escalated via RecoveryEngine;
// initialization itself only fails if the context never reaches Running.
func (m *Manager) InitializeForRoom(ctx context.Context, users []User) error {
	for _, u := range users {
		m.engine.EnsureMixerChannel(u.UserID)
		m.mu.Lock()
		m.users[u.UserID] = u
		m.mu.Unlock()
	}

	state, err := m.engine.ContextState(ctx)
	if err != nil {
		m.reportAudioInitFailed("audio context state check failed: "+err.Error(), nil)
		return err
	}
	if state == ContextSuspended {
		if err := m.engine.ResumeContext(ctx); err != nil {
			m.reportAudioInitFailed("audio context resume failed: "+err.Error(), nil)
		}
		state, err = m.engine.ContextState(ctx)
		if err != nil {
			m.reportAudioInitFailed("audio context state recheck failed: "+err.Error(), nil)
			return err
		}
	}

	for _, u := range users {
		if u.InstrumentID == "" {
			continue
		}
		if err := m.preloadOne(ctx, u.UserID, u.Username, u.InstrumentID, u.InstrumentCategory); err != nil {
			m.log.Warn("audio: preload failed during room init", "userId", u.UserID, "instrument", u.InstrumentID, "error", err)
		}
	}

	m.mu.Lock()
	m.initialized = state == ContextRunning
	ok := m.initialized
	m.mu.Unlock()

	if !ok {
		return errContextNotRunning
	}
	return nil
}

var errContextNotRunning = contextNotRunningError{}

type contextNotRunningError struct{}

func (contextNotRunningError) Error() string { return "audio: context did not reach running state" }

// HandleUserInstrumentChange updates the tracked user record and preloads
// the new instrument if not already preloaded, falling back to the next
// compatible instrument in the category on failure.
func (m *Manager) HandleUserInstrumentChange(ctx context.Context, userID, username, instrumentID, category string) {
	m.mu.Lock()
	u := m.users[userID]
	u.UserID = userID
	u.Username = username
	u.InstrumentID = instrumentID
	u.InstrumentCategory = category
	m.users[userID] = u
	key := preloadedKey{userID: userID, instrument: instrumentID, category: category}
	already := false
	if _, ok := m.preloaded[key]; ok {
		already = true
	}
	m.mu.Unlock()

	if already {
		return
	}
	if err := m.preloadOne(ctx, userID, username, instrumentID, category); err != nil {
		m.log.Warn("audio: instrument preload failed, attempting fallback", "userId", userID, "instrument", instrumentID, "error", err)
	}
}

// preloadOne preloads (userID, instrumentID, category), falling back to the
// next compatible instrument in category on failure (spec §4.5 fallback
// chain / S6).
func (m *Manager) preloadOne(ctx context.Context, userID, username, instrumentID, category string) error {
	err := m.engine.Preload(ctx, []PreloadRequest{{UserID: userID, Instrument: instrumentID, Category: category}})
	if err == nil {
		m.mu.Lock()
		m.preloaded[preloadedKey{userID: userID, instrument: instrumentID, category: category}] = struct{}{}
		m.mu.Unlock()
		return nil
	}

	if m.fallback == nil {
		m.reportAudioInitFailed("preload failed, no fallback lookup configured", map[string]any{
			"userId": userID, "instrument": instrumentID, "category": category,
		})
		return err
	}

	fallbackID, ok := m.fallback.NextCompatible(category, instrumentID)
	if !ok {
		m.reportAudioInitFailed("preload failed and no compatible fallback instrument exists", map[string]any{
			"userId": userID, "instrument": instrumentID, "category": category,
		})
		return err
	}

	if ferr := m.engine.Preload(ctx, []PreloadRequest{{UserID: userID, Instrument: fallbackID, Category: category}}); ferr != nil {
		m.reportAudioInitFailed("fallback preload also failed", map[string]any{
			"userId": userID, "instrument": instrumentID, "fallback": fallbackID, "category": category,
		})
		return ferr
	}

	m.mu.Lock()
	m.preloaded[preloadedKey{userID: userID, instrument: fallbackID, category: category}] = struct{}{}
	m.mu.Unlock()

	m.reportAudioInitFailed("preload failed, fell back to compatible instrument", map[string]any{
		"userId": userID, "instrument": instrumentID, "fallback": fallbackID, "category": category,
	})
	return nil
}

// HandleUserLeft removes userID's record, drops every preloaded entry for
// that user, and asks the engine to release its handles.
func (m *Manager) HandleUserLeft(userID string) {
	m.mu.Lock()
	delete(m.users, userID)
	for k := range m.preloaded {
		if k.userID == userID {
			delete(m.preloaded, k)
		}
	}
	m.mu.Unlock()

	if err := m.engine.CleanupRemoteUser(userID); err != nil {
		m.log.Warn("audio: cleanup remote user failed", "userId", userID, "error", err)
	}
}

// ApplyUserEffectChainsOptions controls whether the local user's own effect
// chain is pushed into the mixer graph (it is not -- the local instrument
// engine owns its chain directly) or just tracked as metadata.
type ApplyUserEffectChainsOptions struct {
	ApplyToMixer bool
}

// ApplyUserEffectChains updates per-user effect routing. When
// ApplyToMixer is false (the local user's own chain), only metadata is
// updated and no audio-graph change is requested.
func (m *Manager) ApplyUserEffectChains(ctx context.Context, userID string, chains []EffectChain, opts ApplyUserEffectChainsOptions) error {
	if !opts.ApplyToMixer {
		m.mu.Lock()
		u := m.users[userID]
		u.UserID = userID
		u.EffectChains = chains
		m.users[userID] = u
		m.mu.Unlock()
		return nil
	}
	if err := m.engine.ApplyEffectChain(ctx, userID, chains); err != nil {
		m.reportAudioInitFailed("apply effect chain failed: "+err.Error(), map[string]any{"userId": userID})
		return err
	}
	return nil
}

// ResumeOnFirstInteraction resumes a suspended audio context exactly once
// per Manager lifetime, the first time the caller reports a user input
// event (pointer, touch, or keyboard). Safe to call repeatedly; only the
// first call after construction does any work.
func (m *Manager) ResumeOnFirstInteraction(ctx context.Context) {
	m.resumeOnce.Do(func() {
		state, err := m.engine.ContextState(ctx)
		if err != nil {
			m.log.Warn("audio: resume-on-interaction state check failed", "error", err)
			return
		}
		if state != ContextSuspended {
			return
		}
		if err := m.engine.ResumeContext(ctx); err != nil {
			m.log.Warn("audio: resume-on-interaction resume failed", "error", err)
		}
	})
}

// IsInitialized reports whether InitializeForRoom last reported success.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// User returns the tracked record for userID, if any.
func (m *Manager) User(userID string) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	return u, ok
}

// IsPreloaded reports whether (userID, instrumentID, category) has been
// successfully preloaded.
func (m *Manager) IsPreloaded(userID, instrumentID, category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.preloaded[preloadedKey{userID: userID, instrument: instrumentID, category: category}]
	return ok
}
