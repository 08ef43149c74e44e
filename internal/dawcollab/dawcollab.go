// Package dawcollab implements DAWCollab (C6): the authoritative local DAW
// snapshot (tracks, regions, notes, markers), pessimistic per-element locks,
// drag/resize streaming, split and head-resize semantics, and snapshot/patch
// reconciliation. The mutex-guarded map-of-state CRUD idiom is grounded in
// the teacher server's channel_state.go (Add/Remove/Rename/Delete on
// ChannelState); the lock/ownership map is grounded in
// RoseWrightdev-Video-Conferencing's room.go role maps, repurposed from
// participant roles to per-element exclusive edit claims.
package dawcollab

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"jamsession/internal/eventpipeline"
	"jamsession/internal/protocol"
)

// RegionType distinguishes a region's payload shape.
type RegionType string

const (
	RegionMIDI  RegionType = "midi"
	RegionAudio RegionType = "audio"
)

// MinLength is the minimum region length, in beats.
const MinLength = 0.25

// Note is a MIDI note event inside a region, relative to the region start.
type Note struct {
	ID       string
	Start    float64
	Duration float64
	Pitch    int
	Velocity int
}

// SustainEvent is a sustain-pedal edge inside a region, relative to the
// region start.
type SustainEvent struct {
	Start float64
	On    bool
}

// Track is a DAW track.
type Track struct {
	ID   string
	Name string
	Kind string
}

// Region is a time-bounded block placed on a track.
type Region struct {
	ID             string
	TrackID        string
	Start          float64
	Length         float64
	LoopEnabled    bool
	LoopIterations int
	Type           RegionType

	Notes         []Note
	SustainEvents []SustainEvent

	AudioURL       string
	TrimStart      float64
	OriginalLength float64
}

func (r Region) clone() Region {
	cp := r
	cp.Notes = append([]Note(nil), r.Notes...)
	cp.SustainEvents = append([]SustainEvent(nil), r.SustainEvents...)
	return cp
}

// Marker is a labeled point in the timeline.
type Marker struct {
	ID       string
	Position float64
	Label    string
}

// Lock is a server-granted exclusive edit claim on one DAW element.
type Lock struct {
	ElementID  string
	Kind       string
	UserID     string
	Username   string
	AcquiredAt time.Time
	TTL        time.Duration
}

func (l Lock) stale(now time.Time) bool {
	if l.TTL <= 0 {
		return false
	}
	return now.Sub(l.AcquiredAt) > l.TTL
}

const defaultLockTTL = 30 * time.Second

// TrackPartial is a selective update for Track; nil fields are unchanged.
type TrackPartial struct {
	Name *string
	Kind *string
}

// RegionPartial is a selective update for Region; nil fields are unchanged.
type RegionPartial struct {
	Start          *float64
	Length         *float64
	LoopEnabled    *bool
	LoopIterations *int
	TrimStart      *float64
}

// NotePartial is a selective update for Note; nil fields are unchanged.
type NotePartial struct {
	Start    *float64
	Duration *float64
	Pitch    *int
	Velocity *int
}

// MarkerPartial is a selective update for Marker; nil fields are unchanged.
type MarkerPartial struct {
	Position *float64
	Label    *string
}

// Snapshot is a full DAW state replacement, applied on room join.
type Snapshot struct {
	Tracks  []Track
	Regions []Region
	Markers []Marker
}

// Manager is the DAWCollab component (C6). Safe for concurrent use.
type Manager struct {
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	pipeline *eventpipeline.Pipeline

	localUserID   string
	localUsername string

	mu      sync.Mutex
	tracks  map[string]Track
	regions map[string]Region
	markers map[string]Marker
	locks   map[string]Lock

	dragLocks map[string][]string // drag session id -> element ids held

	onLockLost func(elementID string)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithClock overrides the time source (tests control lock staleness math).
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIDGenerator overrides the id generator (tests want deterministic ids).
func WithIDGenerator(gen func() string) Option { return func(m *Manager) { m.newID = gen } }

// WithLocalUser sets the identity used to stamp locks acquired locally.
func WithLocalUser(userID, username string) Option {
	return func(m *Manager) { m.localUserID, m.localUsername = userID, username }
}

// New constructs a Manager bound to pipeline for outbound emission.
func New(pipeline *eventpipeline.Pipeline, opts ...Option) *Manager {
	m := &Manager{
		log:       slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		pipeline:  pipeline,
		tracks:    make(map[string]Track),
		regions:   make(map[string]Region),
		markers:   make(map[string]Marker),
		locks:     make(map[string]Lock),
		dragLocks: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLocalUser updates the identity used to stamp locks acquired locally.
// SessionFacade calls this once the local user's id is known (join time),
// since a Manager is constructed before that identity exists.
func (m *Manager) SetLocalUser(userID, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localUserID, m.localUsername = userID, username
}

// OnLockLost registers the callback invoked when a remote lock_granted
// supersedes a lock the local user believed it held (lost a race).
func (m *Manager) OnLockLost(h func(elementID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLockLost = h
}

var errLocked = fmt.Errorf("dawcollab: element is locked by another user")

// ---- Locks ----

// AcquireLock attempts to claim elementId for the local user. It fails fast
// if another user already holds a non-stale lock; otherwise it stores an
// optimistic local lock and emits lock_acquire. The server remains the
// source of truth: a subsequent inbound lock_granted for a different user
// supersedes this optimistic claim (see HandleLockGranted).
func (m *Manager) AcquireLock(elementID, kind string) bool {
	now := m.now()
	m.mu.Lock()
	if existing, ok := m.locks[elementID]; ok && !existing.stale(now) && existing.UserID != m.localUserID {
		m.mu.Unlock()
		return false
	}
	m.locks[elementID] = Lock{
		ElementID:  elementID,
		Kind:       kind,
		UserID:     m.localUserID,
		Username:   m.localUsername,
		AcquiredAt: now,
		TTL:        defaultLockTTL,
	}
	m.mu.Unlock()

	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventLockAcquire, protocol.LockPayload{ElementID: elementID, Kind: kind})
	}
	return true
}

// ReleaseLock releases a lock the local user holds and emits lock_release.
// It is a no-op if the local user does not hold it.
func (m *Manager) ReleaseLock(elementID string) {
	m.mu.Lock()
	l, ok := m.locks[elementID]
	if !ok || l.UserID != m.localUserID {
		m.mu.Unlock()
		return
	}
	delete(m.locks, elementID)
	m.mu.Unlock()

	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventLockRelease, protocol.LockPayload{ElementID: elementID, Kind: l.Kind})
	}
}

// RefreshLock extends a locally held lock's AcquiredAt to now, keeping it
// from going stale while an editor remains open.
func (m *Manager) RefreshLock(elementID string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[elementID]
	if !ok || l.UserID != m.localUserID {
		return false
	}
	l.AcquiredAt = now
	m.locks[elementID] = l
	return true
}

// IsLocked returns the current lock on elementId, or false if unlocked or
// stale.
func (m *Manager) IsLocked(elementID string) (Lock, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[elementID]
	if !ok || l.stale(now) {
		return Lock{}, false
	}
	return l, true
}

// canMutateLocked reports whether the local user may mutate elementId: it
// must be unlocked, stale, or locked by the local user itself. Must be
// called with m.mu held.
func (m *Manager) canMutateLocked(elementID string) bool {
	l, ok := m.locks[elementID]
	if !ok {
		return true
	}
	if l.stale(m.now()) {
		return true
	}
	return l.UserID == m.localUserID
}

// HandleLockGranted applies an authoritative inbound lock_granted. If it
// names a different user than the one the local state believes holds the
// lock, the local optimistic claim is superseded and onLockLost fires.
func (m *Manager) HandleLockGranted(l Lock) {
	m.mu.Lock()
	prev, had := m.locks[l.ElementID]
	m.locks[l.ElementID] = l
	lostLocal := had && prev.UserID == m.localUserID && l.UserID != m.localUserID
	cb := m.onLockLost
	m.mu.Unlock()

	if lostLocal && cb != nil {
		cb(l.ElementID)
	}
}

// HandleLockReleased applies an authoritative inbound lock_released.
func (m *Manager) HandleLockReleased(elementID string) {
	m.mu.Lock()
	delete(m.locks, elementID)
	m.mu.Unlock()
}

// SweepStaleLocks removes locks whose TTL has elapsed and returns their
// element ids, for a caller-driven periodic sweep.
func (m *Manager) SweepStaleLocks() []string {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, l := range m.locks {
		if l.stale(now) {
			delete(m.locks, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// ---- Track CRUD ----

// AddTrack stores a new track (assigning an id if blank) and emits
// track_added.
func (m *Manager) AddTrack(t Track) Track {
	if t.ID == "" {
		t.ID = m.newID()
	}
	m.mu.Lock()
	m.tracks[t.ID] = t
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventTrackAdd, t)
	}
	return t
}

// UpdateTrack applies partial to the track named id, rejecting the mutation
// if the element is locked by another user.
func (m *Manager) UpdateTrack(id string, partial TrackPartial) error {
	m.mu.Lock()
	if !m.canMutateLocked(id) {
		m.mu.Unlock()
		return errLocked
	}
	t, ok := m.tracks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("dawcollab: unknown track %q", id)
	}
	if partial.Name != nil {
		t.Name = *partial.Name
	}
	if partial.Kind != nil {
		t.Kind = *partial.Kind
	}
	m.tracks[id] = t
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventTrackUpdate, t)
	}
	return nil
}

// DeleteTrack removes the track named id, rejecting the mutation if locked
// by another user.
func (m *Manager) DeleteTrack(id string) error {
	m.mu.Lock()
	if !m.canMutateLocked(id) {
		m.mu.Unlock()
		return errLocked
	}
	delete(m.tracks, id)
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventTrackDelete, id)
	}
	return nil
}

// HandleTrackAdded applies an authoritative inbound track_added.
func (m *Manager) HandleTrackAdded(t Track) {
	m.mu.Lock()
	m.tracks[t.ID] = t
	m.mu.Unlock()
}

// HandleTrackUpdated applies an authoritative inbound track_updated.
func (m *Manager) HandleTrackUpdated(id string, partial TrackPartial) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[id]
	if !ok {
		return
	}
	if partial.Name != nil {
		t.Name = *partial.Name
	}
	if partial.Kind != nil {
		t.Kind = *partial.Kind
	}
	m.tracks[id] = t
}

// HandleTrackDeleted applies an authoritative inbound track_deleted.
func (m *Manager) HandleTrackDeleted(id string) {
	m.mu.Lock()
	delete(m.tracks, id)
	m.mu.Unlock()
}

// Track returns the current state of track id.
func (m *Manager) Track(id string) (Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[id]
	return t, ok
}

// ---- Region CRUD ----

// AddRegion stores a new region (assigning an id if blank) and emits
// region_added.
func (m *Manager) AddRegion(r Region) Region {
	if r.ID == "" {
		r.ID = m.newID()
	}
	m.mu.Lock()
	m.regions[r.ID] = r.clone()
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventRegionAdd, r)
	}
	return r
}

func applyRegionPartial(r Region, partial RegionPartial) Region {
	if partial.Start != nil {
		r.Start = *partial.Start
	}
	if partial.Length != nil {
		r.Length = *partial.Length
	}
	if partial.LoopEnabled != nil {
		r.LoopEnabled = *partial.LoopEnabled
	}
	if partial.LoopIterations != nil {
		r.LoopIterations = *partial.LoopIterations
	}
	if partial.TrimStart != nil {
		r.TrimStart = *partial.TrimStart
	}
	return r
}

// UpdateRegion applies partial to the region named id, rejecting the
// mutation if locked by another user.
func (m *Manager) UpdateRegion(id string, partial RegionPartial) error {
	m.mu.Lock()
	if !m.canMutateLocked(id) {
		m.mu.Unlock()
		return errLocked
	}
	r, ok := m.regions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("dawcollab: unknown region %q", id)
	}
	r = applyRegionPartial(r, partial)
	m.regions[id] = r
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventRegionUpdate, r)
	}
	return nil
}

// DeleteRegion removes the region named id, rejecting the mutation if
// locked by another user.
func (m *Manager) DeleteRegion(id string) error {
	m.mu.Lock()
	if !m.canMutateLocked(id) {
		m.mu.Unlock()
		return errLocked
	}
	delete(m.regions, id)
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventRegionDelete, id)
	}
	return nil
}

// HandleRegionAdded applies an authoritative inbound region_added.
func (m *Manager) HandleRegionAdded(r Region) {
	m.mu.Lock()
	m.regions[r.ID] = r.clone()
	m.mu.Unlock()
}

// HandleRegionUpdated applies an authoritative inbound region_updated.
func (m *Manager) HandleRegionUpdated(id string, partial RegionPartial) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	if !ok {
		return
	}
	m.regions[id] = applyRegionPartial(r, partial)
}

// HandleRegionDeleted applies an authoritative inbound region_deleted.
func (m *Manager) HandleRegionDeleted(id string) {
	m.mu.Lock()
	delete(m.regions, id)
	m.mu.Unlock()
}

// Region returns the current state of region id.
func (m *Manager) Region(id string) (Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	if !ok {
		return Region{}, false
	}
	return r.clone(), true
}

// ---- Note CRUD (standalone note_added/updated/deleted events, distinct
// from the notes embedded in a MIDI region's payload) ----

// AddNote appends note to region regionId and emits note_added.
func (m *Manager) AddNote(regionID string, n Note) (Note, error) {
	if n.ID == "" {
		n.ID = m.newID()
	}
	m.mu.Lock()
	r, ok := m.regions[regionID]
	if !ok {
		m.mu.Unlock()
		return Note{}, fmt.Errorf("dawcollab: unknown region %q", regionID)
	}
	r.Notes = append(r.Notes, n)
	m.regions[regionID] = r
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventNoteAdd, map[string]any{"regionId": regionID, "note": n})
	}
	return n, nil
}

// UpdateNote applies partial to the note named id within regionId.
func (m *Manager) UpdateNote(regionID, id string, partial NotePartial) error {
	m.mu.Lock()
	r, ok := m.regions[regionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("dawcollab: unknown region %q", regionID)
	}
	idx := indexOfNote(r.Notes, id)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("dawcollab: unknown note %q", id)
	}
	n := applyNotePartial(r.Notes[idx], partial)
	r.Notes[idx] = n
	m.regions[regionID] = r
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventNoteUpdate, map[string]any{"regionId": regionID, "note": n})
	}
	return nil
}

// DeleteNote removes the note named id from regionId.
func (m *Manager) DeleteNote(regionID, id string) error {
	m.mu.Lock()
	r, ok := m.regions[regionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("dawcollab: unknown region %q", regionID)
	}
	idx := indexOfNote(r.Notes, id)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("dawcollab: unknown note %q", id)
	}
	r.Notes = append(r.Notes[:idx], r.Notes[idx+1:]...)
	m.regions[regionID] = r
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventNoteDelete, map[string]any{"regionId": regionID, "noteId": id})
	}
	return nil
}

// HandleNoteAdded applies an authoritative inbound note_added for a remote
// peer's note, as opposed to AddNote which is the local mutation path.
func (m *Manager) HandleNoteAdded(regionID string, n Note) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[regionID]
	if !ok {
		return
	}
	r.Notes = append(r.Notes, n)
	m.regions[regionID] = r
}

// HandleNoteUpdated applies an authoritative inbound note_updated, replacing
// the note matching n.ID within regionID wholesale.
func (m *Manager) HandleNoteUpdated(regionID string, n Note) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[regionID]
	if !ok {
		return
	}
	idx := indexOfNote(r.Notes, n.ID)
	if idx < 0 {
		return
	}
	r.Notes[idx] = n
	m.regions[regionID] = r
}

// HandleNoteDeleted applies an authoritative inbound note_deleted.
func (m *Manager) HandleNoteDeleted(regionID, noteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[regionID]
	if !ok {
		return
	}
	idx := indexOfNote(r.Notes, noteID)
	if idx < 0 {
		return
	}
	r.Notes = append(r.Notes[:idx], r.Notes[idx+1:]...)
	m.regions[regionID] = r
}

func indexOfNote(notes []Note, id string) int {
	for i, n := range notes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func applyNotePartial(n Note, partial NotePartial) Note {
	if partial.Start != nil {
		n.Start = *partial.Start
	}
	if partial.Duration != nil {
		n.Duration = *partial.Duration
	}
	if partial.Pitch != nil {
		n.Pitch = *partial.Pitch
	}
	if partial.Velocity != nil {
		n.Velocity = *partial.Velocity
	}
	return n
}

// ---- Marker CRUD ----

// AddMarker stores a new marker (assigning an id if blank) and emits
// marker_added.
func (m *Manager) AddMarker(mk Marker) Marker {
	if mk.ID == "" {
		mk.ID = m.newID()
	}
	m.mu.Lock()
	m.markers[mk.ID] = mk
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventMarkerAdd, mk)
	}
	return mk
}

// UpdateMarker applies partial to the marker named id, rejecting the
// mutation if locked by another user.
func (m *Manager) UpdateMarker(id string, partial MarkerPartial) error {
	m.mu.Lock()
	if !m.canMutateLocked(id) {
		m.mu.Unlock()
		return errLocked
	}
	mk, ok := m.markers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("dawcollab: unknown marker %q", id)
	}
	if partial.Position != nil {
		mk.Position = *partial.Position
	}
	if partial.Label != nil {
		mk.Label = *partial.Label
	}
	m.markers[id] = mk
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventMarkerUpdate, mk)
	}
	return nil
}

// DeleteMarker removes the marker named id, rejecting the mutation if
// locked by another user.
func (m *Manager) DeleteMarker(id string) error {
	m.mu.Lock()
	if !m.canMutateLocked(id) {
		m.mu.Unlock()
		return errLocked
	}
	delete(m.markers, id)
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventMarkerDelete, id)
	}
	return nil
}

// HandleMarkerAdded applies an authoritative inbound marker_added.
func (m *Manager) HandleMarkerAdded(mk Marker) {
	m.mu.Lock()
	m.markers[mk.ID] = mk
	m.mu.Unlock()
}

// HandleMarkerUpdated applies an authoritative inbound marker_updated.
func (m *Manager) HandleMarkerUpdated(id string, partial MarkerPartial) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.markers[id]
	if !ok {
		return
	}
	if partial.Position != nil {
		mk.Position = *partial.Position
	}
	if partial.Label != nil {
		mk.Label = *partial.Label
	}
	m.markers[id] = mk
}

// HandleMarkerDeleted applies an authoritative inbound marker_deleted.
func (m *Manager) HandleMarkerDeleted(id string) {
	m.mu.Lock()
	delete(m.markers, id)
	m.mu.Unlock()
}

// ---- Drag/resize streaming ----

// BeginRegionDrag attempts to acquire a lock on every region in regionIDs.
// If any acquisition fails, locks already taken in this call are released
// and the drag is aborted. dragID scopes EndRegionDrag/CancelRegionDrag.
func (m *Manager) BeginRegionDrag(dragID string, regionIDs []string) error {
	var acquired []string
	for _, id := range regionIDs {
		if !m.AcquireLock(id, "region") {
			for _, a := range acquired {
				m.ReleaseLock(a)
			}
			return fmt.Errorf("dawcollab: could not acquire lock for region %q, drag aborted", id)
		}
		acquired = append(acquired, id)
	}
	m.mu.Lock()
	m.dragLocks[dragID] = acquired
	m.mu.Unlock()
	return nil
}

// StreamRegionMove emits a coalesced region_drag_update for a pointer-move
// frame during an active drag.
func (m *Manager) StreamRegionMove(regionID string, newStart float64, trackID string) {
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventRegionDragUpdate, protocol.RegionDragUpdatePayload{
			RegionID: regionID, NewStart: newStart, TrackID: trackID,
		})
	}
}

// StreamRegionResize emits a coalesced region_drag_update carrying a
// resize's updated-fields subset during an active drag.
func (m *Manager) StreamRegionResize(regionID string, updates map[string]any) {
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventRegionDragUpdate, protocol.RegionDragUpdatePayload{
			RegionID: regionID, Updates: updates,
		})
	}
}

// RegionMove is one region's final canonical position/size at drag end.
// TargetTrackID is the track the caller asked to move the region onto; it
// is honored only when every region in the same EndRegionDrag call shares
// the same origin track (move-across-tracks rule), otherwise the drag
// degrades to a same-track horizontal shift and TargetTrackID is ignored.
type RegionMove struct {
	TargetTrackID string
	Partial       RegionPartial
}

// EndRegionDrag applies the final canonical positions for dragID's regions,
// honoring the move-across-tracks rule (moves across tracks are permitted
// only when every dragged region originated on the same track; otherwise
// the move degrades to a same-track horizontal shift), emits the canonical
// region_move/region_resize events followed by region_drag_end, and
// releases every lock the drag held.
func (m *Manager) EndRegionDrag(dragID string, moves map[string]RegionMove) {
	m.mu.Lock()
	originTrack := ""
	sameOrigin := true
	for id := range moves {
		r, ok := m.regions[id]
		if !ok {
			continue
		}
		if originTrack == "" {
			originTrack = r.TrackID
		} else if r.TrackID != originTrack {
			sameOrigin = false
		}
	}
	m.mu.Unlock()

	for id, mv := range moves {
		m.mu.Lock()
		r, ok := m.regions[id]
		if ok {
			r = applyRegionPartial(r, mv.Partial)
			if sameOrigin && mv.TargetTrackID != "" {
				r.TrackID = mv.TargetTrackID
			}
			m.regions[id] = r
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		event := protocol.EventRegionMove
		if mv.Partial.Length != nil || mv.Partial.TrimStart != nil {
			event = protocol.EventRegionResize
		}
		if m.pipeline != nil {
			m.pipeline.Emit(event, r)
		}
	}

	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventRegionDragEnd, map[string]any{"dragId": dragID})
	}

	m.mu.Lock()
	ids := m.dragLocks[dragID]
	delete(m.dragLocks, dragID)
	m.mu.Unlock()
	for _, id := range ids {
		m.ReleaseLock(id)
	}
}

// CancelRegionDrag releases every lock held by dragID without applying any
// change, for a client-side-aborted drag.
func (m *Manager) CancelRegionDrag(dragID string) {
	m.mu.Lock()
	ids := m.dragLocks[dragID]
	delete(m.dragLocks, dragID)
	m.mu.Unlock()
	for _, id := range ids {
		m.ReleaseLock(id)
	}
}

// ---- Split ----

// SplitRegion splits the region named id at splitBeat (region-relative
// beats, 0 < splitBeat < region.Length). The left half keeps id, Start, and
// the prefix; the right half receives a fresh id and the shifted suffix.
// Notes/sustain events outside the new bounds are dropped (split is never a
// head resize, so absolute-position preservation does not apply).
func (m *Manager) SplitRegion(id string, splitBeat float64) (left Region, right Region, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[id]
	if !ok {
		return Region{}, Region{}, fmt.Errorf("dawcollab: unknown region %q", id)
	}
	if splitBeat <= 0 || splitBeat >= r.Length {
		return Region{}, Region{}, fmt.Errorf("dawcollab: split position %.4f out of bounds (0, %.4f)", splitBeat, r.Length)
	}

	left = r.clone()
	left.Length = splitBeat
	left.Notes = filterNotes(r.Notes, 0, splitBeat)
	left.SustainEvents = filterSustain(r.SustainEvents, 0, splitBeat)

	right = r.clone()
	right.ID = m.newID()
	right.Start = r.Start + splitBeat
	right.Length = r.Length - splitBeat
	right.Notes = shiftNotes(filterNotes(r.Notes, splitBeat, r.Length), -splitBeat)
	right.SustainEvents = shiftSustain(filterSustain(r.SustainEvents, splitBeat, r.Length), -splitBeat)
	if r.Type == RegionAudio {
		right.TrimStart = r.TrimStart + splitBeat
	}

	if left.Length < MinLength || right.Length < MinLength {
		return Region{}, Region{}, fmt.Errorf("dawcollab: split would produce a region shorter than the minimum length")
	}

	m.regions[id] = left
	m.regions[right.ID] = right

	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventRegionUpdate, left)
		m.pipeline.Emit(protocol.EventRegionAdd, right)
	}
	return left, right, nil
}

func filterNotes(notes []Note, lo, hi float64) []Note {
	var out []Note
	for _, n := range notes {
		if n.Start >= lo && n.Start < hi {
			out = append(out, n)
		}
	}
	return out
}

func shiftNotes(notes []Note, delta float64) []Note {
	out := make([]Note, len(notes))
	for i, n := range notes {
		n.Start += delta
		out[i] = n
	}
	return out
}

func filterSustain(events []SustainEvent, lo, hi float64) []SustainEvent {
	var out []SustainEvent
	for _, e := range events {
		if e.Start >= lo && e.Start < hi {
			out = append(out, e)
		}
	}
	return out
}

func shiftSustain(events []SustainEvent, delta float64) []SustainEvent {
	out := make([]SustainEvent, len(events))
	for i, e := range events {
		e.Start += delta
		out[i] = e
	}
	return out
}

// ---- Head resize ----

// HeadResizeRegion adjusts region id's head by delta beats. For a MIDI
// region, Start shifts by delta and every note/sustain event shifts by
// -delta, preserving each note's absolute timeline position. For an audio
// region, TrimStart increases by delta and Length is clamped to
// [MinLength, OriginalLength-TrimStart].
func (m *Manager) HeadResizeRegion(id string, delta float64) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[id]
	if !ok {
		return Region{}, fmt.Errorf("dawcollab: unknown region %q", id)
	}

	switch r.Type {
	case RegionMIDI:
		r.Start += delta
		r.Length -= delta
		if r.Length < MinLength {
			return Region{}, fmt.Errorf("dawcollab: head resize would shrink region below minimum length")
		}
		notes := make([]Note, len(r.Notes))
		for i, n := range r.Notes {
			n.Start -= delta
			notes[i] = n
		}
		r.Notes = notes
		sustain := make([]SustainEvent, len(r.SustainEvents))
		for i, e := range r.SustainEvents {
			e.Start -= delta
			sustain[i] = e
		}
		r.SustainEvents = sustain
	case RegionAudio:
		newTrimStart := r.TrimStart + delta
		if newTrimStart < 0 {
			newTrimStart = 0
		}
		maxLength := r.OriginalLength - newTrimStart
		newLength := r.Length - delta
		if newLength > maxLength {
			newLength = maxLength
		}
		if newLength < MinLength {
			newLength = MinLength
		}
		r.Start += delta
		r.TrimStart = newTrimStart
		r.Length = newLength
	}

	m.regions[id] = r
	if m.pipeline != nil {
		m.pipeline.Emit(protocol.EventRegionResize, r)
	}
	return r, nil
}

// ---- Snapshot ----

// ApplySnapshot replaces local DAW state wholesale with an inbound
// room_joined/snapshot payload.
func (m *Manager) ApplySnapshot(s Snapshot) {
	tracks := make(map[string]Track, len(s.Tracks))
	for _, t := range s.Tracks {
		tracks[t.ID] = t
	}
	regions := make(map[string]Region, len(s.Regions))
	for _, r := range s.Regions {
		regions[r.ID] = r.clone()
	}
	markers := make(map[string]Marker, len(s.Markers))
	for _, mk := range s.Markers {
		markers[mk.ID] = mk
	}

	m.mu.Lock()
	m.tracks = tracks
	m.regions = regions
	m.markers = markers
	m.mu.Unlock()
}

// Snapshot returns a copy of the full local DAW state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Tracks:  make([]Track, 0, len(m.tracks)),
		Regions: make([]Region, 0, len(m.regions)),
		Markers: make([]Marker, 0, len(m.markers)),
	}
	for _, t := range m.tracks {
		s.Tracks = append(s.Tracks, t)
	}
	for _, r := range m.regions {
		s.Regions = append(s.Regions, r.clone())
	}
	for _, mk := range m.markers {
		s.Markers = append(s.Markers, mk)
	}
	return s
}
