// Package store implements SessionStore: a durable-ish, tab-local record of
// the current room/role/user/instrument, scoped to a single key with a
// 30-minute TTL. The on-disk shape and swallow-errors-and-log discipline
// mirror internal/config, specialized for a single expiring record.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TTL is how long a persisted RoomSession remains valid after StoredAt.
const TTL = 30 * time.Minute

const fileName = "jam-band-room-session.json"

// SynthParams is an opaque bag of synth parameter values; the engine does
// not interpret them, only round-trips them.
type SynthParams map[string]any

// RoomSession is the persisted resume record for the current tab.
type RoomSession struct {
	RoomID             string      `json:"roomId"`
	Role               string      `json:"role"`
	UserID             string      `json:"userId"`
	Username           string      `json:"username"`
	InstrumentID       *string     `json:"instrumentId,omitempty"`
	InstrumentCategory *string     `json:"instrumentCategory,omitempty"`
	SynthParams        SynthParams `json:"synthParams,omitempty"`
	StoredAt           time.Time   `json:"storedAt"`
}

func (s RoomSession) expired(now time.Time) bool {
	return now.Sub(s.StoredAt) > TTL
}

// Partial carries the subset of RoomSession fields a caller wants to set;
// nil fields are left untouched by Store/Update.
type Partial struct {
	RoomID             *string
	Role               *string
	UserID             *string
	Username           *string
	InstrumentID       *string
	InstrumentCategory *string
	SynthParams        SynthParams
}

// Store is the SessionStore component (C1). It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	log  *slog.Logger
	path string
	now  func() time.Time
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithPath overrides the persisted file's location (tests use this to avoid
// touching the real user config directory).
func WithPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithClock overrides the time source (tests use this to control TTL math).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Store. If WithPath is not supplied, the path defaults to
// os.UserConfigDir()/jamsession/jam-band-room-session.json.
func New(opts ...Option) *Store {
	s := &Store{
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			s.path = filepath.Join(dir, "jamsession", fileName)
		}
	}
	return s
}

func (s *Store) readLocked() (RoomSession, bool) {
	if s.path == "" {
		return RoomSession{}, false
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return RoomSession{}, false
	}
	var rec RoomSession
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("session store: corrupt record, discarding", "error", err)
		return RoomSession{}, false
	}
	return rec, true
}

func (s *Store) writeLocked(rec RoomSession) {
	if s.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		s.log.Warn("session store: write failed", "error", err)
		return
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.log.Warn("session store: marshal failed", "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.log.Warn("session store: write failed", "error", err)
	}
}

func (s *Store) clearLocked() {
	if s.path == "" {
		return
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("session store: clear failed", "error", err)
	}
}

func applyPartial(rec RoomSession, p Partial) RoomSession {
	if p.RoomID != nil {
		rec.RoomID = *p.RoomID
	}
	if p.Role != nil {
		rec.Role = *p.Role
	}
	if p.UserID != nil {
		rec.UserID = *p.UserID
	}
	if p.Username != nil {
		rec.Username = *p.Username
	}
	if p.InstrumentID != nil {
		rec.InstrumentID = p.InstrumentID
	}
	if p.InstrumentCategory != nil {
		rec.InstrumentCategory = p.InstrumentCategory
	}
	if p.SynthParams != nil {
		rec.SynthParams = p.SynthParams
	}
	return rec
}

// Store creates or overwrites the persisted record with p applied over a
// zero-value base, stamping StoredAt to now.
func (s *Store) Store(p Partial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := applyPartial(RoomSession{}, p)
	rec.StoredAt = s.now()
	s.writeLocked(rec)
}

// Update mutates the existing record (if any, valid or not) with p applied,
// refreshing StoredAt. If no record exists yet, behaves like Store.
func (s *Store) Update(p Partial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, _ := s.readLocked()
	rec = applyPartial(rec, p)
	rec.StoredAt = s.now()
	s.writeLocked(rec)
}

// StoreInstrument updates just the instrument fields of the current record.
func (s *Store) StoreInstrument(id, category string, params SynthParams) {
	s.Update(Partial{
		InstrumentID:       &id,
		InstrumentCategory: &category,
		SynthParams:        params,
	})
}

// GetValidOrNull returns the persisted RoomSession if present and not
// expired. A stale record is deleted as a side effect and (RoomSession{},
// false) is returned -- mirrors invariant 4.
func (s *Store) GetValidOrNull() (RoomSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.readLocked()
	if !ok {
		return RoomSession{}, false
	}
	if rec.expired(s.now()) {
		s.clearLocked()
		return RoomSession{}, false
	}
	return rec, true
}

// HasValid reports whether a non-expired record exists.
func (s *Store) HasValid() bool {
	_, ok := s.GetValidOrNull()
	return ok
}

// Clear deletes the persisted record unconditionally.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}
