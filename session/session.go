// Package session implements SessionFacade (C8): the single entry point
// exposed to UI and host audio. It wires TransportManager state
// transitions to EventPipeline and SessionStore, routes inbound socket
// frames into AudioManager/DAWCollab/RecordCoord and strongly typed callbacks, validates outgoing room
// joins before they ever reach a socket, and aggregates health across the
// subsystems it owns. Grounded in client/app.go's App struct: a multi-
// concern aggregator wiring typed callbacks in place of Wails event
// emission, with a circuit-breaker-flavored health view generalized from
// adaptBitrateLoop's periodic sampling.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jamsession/internal/audio"
	"jamsession/internal/dawcollab"
	"jamsession/internal/eventpipeline"
	"jamsession/internal/protocol"
	"jamsession/internal/recordcoord"
	"jamsession/internal/recovery"
	"jamsession/internal/store"
	"jamsession/internal/transport"
)

// Health is the aggregated health view SessionFacade exposes to UI.
type Health struct {
	IsHealthy           bool
	TotalErrors         int
	HasActiveRecoveries bool
}

// Callbacks is the full set of typed inbound notifications SessionFacade
// can deliver. Every field is optional; a nil callback is simply skipped.
type Callbacks struct {
	OnStateChange           func(from, to transport.ConnectionState)
	OnUserFeedback          func(message string, severity recovery.Severity)
	OnRoomCreated           func(roomID string)
	OnRoomJoined            func(snapshot dawcollab.Snapshot)
	OnUserJoined            func(userID, username string, role protocol.Role)
	OnUserLeft              func(userID string)
	OnKicked                func()
	OnApprovalPending       func()
	OnNoteReceived          func(userID string, payload protocol.PlayNotePayload)
	OnInstrumentChanged     func(userID, instrumentID, category string)
	OnEffectsChainChanged   func(userID string)
	OnRoomOwnerScaleChanged func(rootNote string, scale string)
	OnChatMessage           func(userID, message string)
	OnTrackAdded            func(t dawcollab.Track)
	OnTrackUpdated          func(id string)
	OnTrackDeleted          func(id string)
	OnRegionAdded           func(r dawcollab.Region)
	OnRegionUpdated         func(id string)
	OnRegionDeleted         func(id string)
	OnMarkerAdded           func(mk dawcollab.Marker)
	OnMarkerUpdated         func(id string)
	OnMarkerDeleted         func(id string)
	OnNoteAdded             func(regionID string, n dawcollab.Note)
	OnNoteUpdated           func(regionID string, n dawcollab.Note)
	OnNoteDeleted           func(regionID, noteID string)
	OnLockLost              func(elementID string)
	OnRawEvent              func(event string, data json.RawMessage)
}

// Facade is the SessionFacade component (C8). Construct with New and wire
// Callbacks before issuing any connection calls.
type Facade struct {
	log *slog.Logger

	store    *store.Store
	recov    *recovery.Engine
	transp   *transport.Manager
	pipeline *eventpipeline.Pipeline
	audioMgr *audio.Manager
	daw      *dawcollab.Manager
	rec      *recordcoord.Recorder

	cb     Callbacks
	dialer transport.Dialer

	immediateRate  rate.Limit
	immediateBurst int

	localUserID   string
	localUsername string
	localRole     protocol.Role
}

// Option configures a Facade at construction.
type Option func(*Facade)

// WithLogger overrides the default slog logger for the owned components that
// log. RecordCoord takes no logger, and a store installed by WithStorePath
// keeps the default logger.
func WithLogger(l *slog.Logger) Option { return func(f *Facade) { f.log = l } }

// WithCallbacks installs the full typed-callback set up front.
func WithCallbacks(cb Callbacks) Option { return func(f *Facade) { f.cb = cb } }

// WithStorePath overrides SessionStore's persisted-file location (tests
// avoid touching the real user config directory).
func WithStorePath(path string) Option {
	return func(f *Facade) { f.store = store.New(store.WithPath(path)) }
}

// WithDialer overrides TransportManager's Dialer (tests inject an in-memory
// fake instead of dialing a real websocket).
func WithDialer(d transport.Dialer) Option {
	return func(f *Facade) { f.dialer = d }
}

// WithImmediateRateLimit caps Immediate-classified outbound sends (play_note,
// change_instrument, lock_acquire, ...) to r events/sec with the given burst,
// guarding against a runaway local caller flooding the socket. Unset means
// unbounded.
func WithImmediateRateLimit(r rate.Limit, burst int) Option {
	return func(f *Facade) { f.immediateRate, f.immediateBurst = r, burst }
}

// New constructs a Facade bound to baseURL (the backend's socket origin)
// and engine (the host's instrument synthesis engine).
func New(baseURL string, engine audio.InstrumentEngine, opts ...Option) *Facade {
	f := &Facade{log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	if f.store == nil {
		f.store = store.New(store.WithLogger(f.log))
	}

	f.recov = recovery.New(recovery.WithLogger(f.log))
	transpOpts := []transport.Option{transport.WithLogger(f.log), transport.WithRecoveryEngine(f.recov)}
	if f.dialer != nil {
		transpOpts = append(transpOpts, transport.WithDialer(f.dialer))
	}
	f.transp = transport.New(baseURL, transpOpts...)
	pipelineOpts := []eventpipeline.Option{eventpipeline.WithLogger(f.log)}
	if f.immediateRate > 0 {
		pipelineOpts = append(pipelineOpts, eventpipeline.WithImmediateRateLimit(f.immediateRate, f.immediateBurst))
	}
	f.pipeline = eventpipeline.New(pipelineOpts...)
	f.audioMgr = audio.New(engine, audio.WithLogger(f.log), audio.WithRecoveryEngine(f.recov))
	f.daw = dawcollab.New(f.pipeline, dawcollab.WithLogger(f.log))
	f.rec = recordcoord.New()

	f.wire()
	return f
}

// SetCallbacks replaces the typed-callback set.
func (f *Facade) SetCallbacks(cb Callbacks) { f.cb = cb }

func (f *Facade) wire() {
	f.daw.OnLockLost(func(elementID string) {
		if f.cb.OnLockLost != nil {
			f.cb.OnLockLost(elementID)
		}
	})

	f.transp.OnStateChange(func(from, to transport.ConnectionState) {
		if to == transport.InRoom {
			f.pipeline.SetEmitter(socketEmitter{f.transp})
		} else {
			f.pipeline.SetEmitter(nil)
		}
		if to == transport.Disconnected {
			f.store.Clear()
		}
		if to == transport.InRoom {
			roomID := f.transp.Config().RoomID
			f.store.Update(store.Partial{
				RoomID:   &roomID,
				UserID:   &f.localUserID,
				Username: &f.localUsername,
			})
		}
		if f.cb.OnStateChange != nil {
			f.cb.OnStateChange(from, to)
		}
	})

	f.recov.OnUserFeedback(func(message string, severity recovery.Severity) {
		if f.cb.OnUserFeedback != nil {
			f.cb.OnUserFeedback(message, severity)
		}
	})

	f.rec.OnStop(func(c recordcoord.CapturedRegion) {
		region := dawcollab.Region{
			TrackID: c.TrackID,
			Start:   c.StartBeat,
			Length:  c.DurationBeats,
		}
		if c.Kind == recordcoord.KindMIDI {
			region.Type = dawcollab.RegionMIDI
			for _, n := range c.Notes {
				region.Notes = append(region.Notes, dawcollab.Note{Start: n.Start, Duration: n.Duration, Pitch: n.Pitch, Velocity: n.Velocity})
			}
		} else {
			region.Type = dawcollab.RegionAudio
			region.AudioURL = c.AudioURL
			region.OriginalLength = c.DurationBeats
		}
		f.daw.AddRegion(region)
	})

	f.transp.OnMessage(f.dispatchInbound)
}

// socketEmitter adapts the transport's active socket to
// eventpipeline.Emitter, looking the socket up at each send so it follows
// the socket the transport installs after the state change.
type socketEmitter struct{ transp *transport.Manager }

func (e socketEmitter) Send(event string, data any) error {
	sock := e.transp.ActiveSocket()
	if sock == nil {
		return fmt.Errorf("session: no active room socket")
	}
	return sock.Send(event, data)
}

func (f *Facade) dispatchInbound(event string, data json.RawMessage) {
	switch event {
	case protocol.EventRoomCreated:
		var payload struct {
			RoomID string `json:"roomId"`
		}
		_ = json.Unmarshal(data, &payload)
		if f.cb.OnRoomCreated != nil {
			f.cb.OnRoomCreated(payload.RoomID)
		}
	case protocol.EventRoomJoined:
		var payload struct {
			Snapshot dawcollab.Snapshot `json:"room"`
		}
		_ = json.Unmarshal(data, &payload)
		f.daw.ApplySnapshot(payload.Snapshot)
		if f.cb.OnRoomJoined != nil {
			f.cb.OnRoomJoined(payload.Snapshot)
		}
	case protocol.EventUserJoined:
		var payload struct {
			UserID   string        `json:"userId"`
			Username string        `json:"username"`
			Role     protocol.Role `json:"role"`
		}
		_ = json.Unmarshal(data, &payload)
		if f.cb.OnUserJoined != nil {
			f.cb.OnUserJoined(payload.UserID, payload.Username, payload.Role)
		}
	case protocol.EventUserLeft:
		var payload struct {
			UserID string `json:"userId"`
		}
		_ = json.Unmarshal(data, &payload)
		f.audioMgr.HandleUserLeft(payload.UserID)
		f.rec.ClearRemotePreviewsForUser(payload.UserID)
		if f.cb.OnUserLeft != nil {
			f.cb.OnUserLeft(payload.UserID)
		}
	case protocol.EventKicked:
		if f.cb.OnKicked != nil {
			f.cb.OnKicked()
		}
	case protocol.EventApprovalPending:
		if f.cb.OnApprovalPending != nil {
			f.cb.OnApprovalPending()
		}
	case protocol.EventPlayNote:
		var payload struct {
			UserID string `json:"userId"`
			protocol.PlayNotePayload
		}
		_ = json.Unmarshal(data, &payload)
		if f.cb.OnNoteReceived != nil {
			f.cb.OnNoteReceived(payload.UserID, payload.PlayNotePayload)
		}
	case protocol.EventInstrumentChanged:
		var payload struct {
			UserID     string `json:"userId"`
			Username   string `json:"username"`
			Instrument string `json:"instrument"`
			Category   string `json:"category"`
		}
		_ = json.Unmarshal(data, &payload)
		f.audioMgr.HandleUserInstrumentChange(context.Background(), payload.UserID, payload.Username, payload.Instrument, payload.Category)
		if f.cb.OnInstrumentChanged != nil {
			f.cb.OnInstrumentChanged(payload.UserID, payload.Instrument, payload.Category)
		}
	case protocol.EventEffectsChainChanged:
		var payload struct {
			UserID string              `json:"userId"`
			Chains []audio.EffectChain `json:"chains"`
		}
		_ = json.Unmarshal(data, &payload)
		applyToMixer := payload.UserID != f.localUserID
		_ = f.audioMgr.ApplyUserEffectChains(context.Background(), payload.UserID, payload.Chains, audio.ApplyUserEffectChainsOptions{ApplyToMixer: applyToMixer})
		if f.cb.OnEffectsChainChanged != nil {
			f.cb.OnEffectsChainChanged(payload.UserID)
		}
	case protocol.EventRoomOwnerScaleChanged:
		var payload struct {
			RootNote string `json:"rootNote"`
			Scale    string `json:"scale"`
		}
		_ = json.Unmarshal(data, &payload)
		if f.cb.OnRoomOwnerScaleChanged != nil {
			f.cb.OnRoomOwnerScaleChanged(payload.RootNote, payload.Scale)
		}
	case protocol.EventChatMessage:
		var payload struct {
			UserID  string `json:"userId"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &payload)
		if f.cb.OnChatMessage != nil {
			f.cb.OnChatMessage(payload.UserID, payload.Message)
		}
	case protocol.EventTrackAdd:
		var t dawcollab.Track
		_ = json.Unmarshal(data, &t)
		f.daw.HandleTrackAdded(t)
		if f.cb.OnTrackAdded != nil {
			f.cb.OnTrackAdded(t)
		}
	case protocol.EventTrackUpdate:
		var t dawcollab.Track
		_ = json.Unmarshal(data, &t)
		partial := dawcollab.TrackPartial{Name: &t.Name, Kind: &t.Kind}
		f.daw.HandleTrackUpdated(t.ID, partial)
		if f.cb.OnTrackUpdated != nil {
			f.cb.OnTrackUpdated(t.ID)
		}
	case protocol.EventTrackDelete:
		var id string
		_ = json.Unmarshal(data, &id)
		f.daw.HandleTrackDeleted(id)
		if f.cb.OnTrackDeleted != nil {
			f.cb.OnTrackDeleted(id)
		}
	case protocol.EventRegionAdd:
		var r dawcollab.Region
		_ = json.Unmarshal(data, &r)
		f.daw.HandleRegionAdded(r)
		if f.cb.OnRegionAdded != nil {
			f.cb.OnRegionAdded(r)
		}
	case protocol.EventRegionUpdate:
		var r dawcollab.Region
		_ = json.Unmarshal(data, &r)
		partial := dawcollab.RegionPartial{
			Start:          &r.Start,
			Length:         &r.Length,
			LoopEnabled:    &r.LoopEnabled,
			LoopIterations: &r.LoopIterations,
			TrimStart:      &r.TrimStart,
		}
		f.daw.HandleRegionUpdated(r.ID, partial)
		if f.cb.OnRegionUpdated != nil {
			f.cb.OnRegionUpdated(r.ID)
		}
	case protocol.EventRegionDelete:
		var id string
		_ = json.Unmarshal(data, &id)
		f.daw.HandleRegionDeleted(id)
		if f.cb.OnRegionDeleted != nil {
			f.cb.OnRegionDeleted(id)
		}
	case protocol.EventMarkerAdd:
		var mk dawcollab.Marker
		_ = json.Unmarshal(data, &mk)
		f.daw.HandleMarkerAdded(mk)
		if f.cb.OnMarkerAdded != nil {
			f.cb.OnMarkerAdded(mk)
		}
	case protocol.EventMarkerUpdate:
		var mk dawcollab.Marker
		_ = json.Unmarshal(data, &mk)
		partial := dawcollab.MarkerPartial{Position: &mk.Position, Label: &mk.Label}
		f.daw.HandleMarkerUpdated(mk.ID, partial)
		if f.cb.OnMarkerUpdated != nil {
			f.cb.OnMarkerUpdated(mk.ID)
		}
	case protocol.EventMarkerDelete:
		var id string
		_ = json.Unmarshal(data, &id)
		f.daw.HandleMarkerDeleted(id)
		if f.cb.OnMarkerDeleted != nil {
			f.cb.OnMarkerDeleted(id)
		}
	case protocol.EventNoteAdd:
		var payload struct {
			RegionID string         `json:"regionId"`
			Note     dawcollab.Note `json:"note"`
		}
		_ = json.Unmarshal(data, &payload)
		f.daw.HandleNoteAdded(payload.RegionID, payload.Note)
		if f.cb.OnNoteAdded != nil {
			f.cb.OnNoteAdded(payload.RegionID, payload.Note)
		}
	case protocol.EventNoteUpdate:
		var payload struct {
			RegionID string         `json:"regionId"`
			Note     dawcollab.Note `json:"note"`
		}
		_ = json.Unmarshal(data, &payload)
		f.daw.HandleNoteUpdated(payload.RegionID, payload.Note)
		if f.cb.OnNoteUpdated != nil {
			f.cb.OnNoteUpdated(payload.RegionID, payload.Note)
		}
	case protocol.EventNoteDelete:
		var payload struct {
			RegionID string `json:"regionId"`
			NoteID   string `json:"noteId"`
		}
		_ = json.Unmarshal(data, &payload)
		f.daw.HandleNoteDeleted(payload.RegionID, payload.NoteID)
		if f.cb.OnNoteDeleted != nil {
			f.cb.OnNoteDeleted(payload.RegionID, payload.NoteID)
		}
	case protocol.EventLockGranted:
		var l dawcollab.Lock
		_ = json.Unmarshal(data, &l)
		f.daw.HandleLockGranted(l)
	case protocol.EventLockReleased:
		var payload struct {
			ElementID string `json:"elementId"`
		}
		_ = json.Unmarshal(data, &payload)
		f.daw.HandleLockReleased(payload.ElementID)
	case protocol.EventRemoteRecordingPreviewSet:
		var p recordcoord.RemotePreview
		_ = json.Unmarshal(data, &p)
		f.rec.HandleRemoteRecordingPreviewSet(p)
	case protocol.EventRemoteRecordingPreviewClear:
		var payload struct {
			UserID string `json:"userId"`
		}
		_ = json.Unmarshal(data, &payload)
		f.rec.HandleRemoteRecordingPreviewClear(payload.UserID)
	}

	if f.cb.OnRawEvent != nil {
		f.cb.OnRawEvent(event, data)
	}
}

// ---- Validation ----

func validRole(role protocol.Role) bool {
	return role == protocol.RoleBandMember || role == protocol.RoleAudience
}

// ValidateJoin applies the outgoing-join validation spec requires: userId
// must be a UUID, username must be non-empty, role must be a known enum
// value. Invalid calls never reach the socket.
func ValidateJoin(roomID, username, userID string, role protocol.Role) error {
	if roomID == "" {
		return fmt.Errorf("session: roomId must not be empty")
	}
	if username == "" {
		return fmt.Errorf("session: username must not be empty")
	}
	if _, err := uuid.Parse(userID); err != nil {
		return fmt.Errorf("session: userId must be a UUID: %w", err)
	}
	if !validRole(role) {
		return fmt.Errorf("session: unknown role %q", role)
	}
	return nil
}

// ---- Connection lifecycle ----

// ConnectToLobby opens the lobby-monitor namespace.
func (f *Facade) ConnectToLobby(ctx context.Context) error {
	return f.transp.ConnectToLobby(ctx)
}

// RequestJoinRoom validates the join parameters and opens the per-room
// approval namespace, starting the 30s approval timer.
func (f *Facade) RequestJoinRoom(ctx context.Context, roomID, username, userID string, role protocol.Role) error {
	if err := ValidateJoin(roomID, username, userID, role); err != nil {
		return err
	}
	f.localUserID, f.localUsername, f.localRole = userID, username, role
	f.daw.SetLocalUser(userID, username)
	return f.transp.ConnectToApproval(ctx, roomID, userID, username, role)
}

// CreateRoom validates identity and asks the server (over the already-open
// lobby socket) to create a new room; on inbound room_created the caller's
// OnRoomCreated callback fires with the new roomId.
func (f *Facade) CreateRoom(username, userID string, isPrivate, isHidden bool) error {
	if username == "" {
		return fmt.Errorf("session: username must not be empty")
	}
	if _, err := uuid.Parse(userID); err != nil {
		return fmt.Errorf("session: userId must be a UUID: %w", err)
	}
	f.localUserID, f.localUsername = userID, username
	f.daw.SetLocalUser(userID, username)
	sock := f.transp.ActiveSocket()
	if sock == nil {
		return fmt.Errorf("session: no active lobby socket")
	}
	return sock.Send(protocol.EventCreateRoom, map[string]any{
		"username": username, "userId": userID, "isPrivate": isPrivate, "isHidden": isHidden,
	})
}

// ApproveMember approves a pending join request (room owner only; the
// server enforces the permission check).
func (f *Facade) ApproveMember(userID string) error {
	return f.pipeline.Emit(protocol.EventApproveMember, map[string]any{"userId": userID})
}

// RejectMember rejects a pending join request.
func (f *Facade) RejectMember(userID string) error {
	return f.pipeline.Emit(protocol.EventRejectMember, map[string]any{"userId": userID})
}

// CancelJoinRequest cancels an in-flight approval request and returns to
// Lobby.
func (f *Facade) CancelJoinRequest() { f.transp.CancelApprovalRequest() }

// LeaveRoom sends an intended leave and returns to Lobby.
func (f *Facade) LeaveRoom(ctx context.Context) error { return f.transp.LeaveRoom(ctx) }

// Disconnect tears down every socket, timer, and the pending queue.
func (f *Facade) Disconnect() {
	f.transp.Disconnect()
	f.pipeline.Cancel()
}

// ResumeAudioOnInteraction resumes a suspended audio context on the first
// reported user input event.
func (f *Facade) ResumeAudioOnInteraction(ctx context.Context) {
	f.audioMgr.ResumeOnFirstInteraction(ctx)
}

// ---- Outbound room actions ----

// PlayNote routes a note event through dedup and emits it.
func (f *Facade) PlayNote(payload protocol.PlayNotePayload, monophonic, isDrum bool) error {
	return f.pipeline.EmitNote(payload, monophonic, isDrum)
}

// ChangeInstrument updates the local user's instrument (preloading via
// AudioManager, falling back on failure) and notifies the room.
func (f *Facade) ChangeInstrument(ctx context.Context, instrumentID, category string) error {
	f.audioMgr.HandleUserInstrumentChange(ctx, f.localUserID, f.localUsername, instrumentID, category)
	return f.pipeline.Emit(protocol.EventChangeInstrument, map[string]any{"instrument": instrumentID, "category": category})
}

// StopAllNotes emits stop_all_notes for the given instrument/category.
func (f *Facade) StopAllNotes(instrument, category string) error {
	return f.pipeline.Emit(protocol.EventStopAllNotes, map[string]any{"instrument": instrument, "category": category})
}

// UpdateSynthParams emits a throttled synth parameter update.
func (f *Facade) UpdateSynthParams(params map[string]any) error {
	return f.pipeline.Emit(protocol.EventUpdateSynthParams, map[string]any{"params": params})
}

// UpdateEffectsChain applies the local user's effect chain (metadata only,
// per applyToMixer=false for the local user) and notifies the room.
func (f *Facade) UpdateEffectsChain(ctx context.Context, chains []audio.EffectChain) error {
	if err := f.audioMgr.ApplyUserEffectChains(ctx, f.localUserID, chains, audio.ApplyUserEffectChainsOptions{ApplyToMixer: false}); err != nil {
		return err
	}
	return f.pipeline.Emit(protocol.EventUpdateEffectsChain, map[string]any{"chains": chains})
}

// ChangeRoomOwnerScale emits a room-wide scale change (room owner only; the
// server enforces the permission check).
func (f *Facade) ChangeRoomOwnerScale(rootNote, scale string) error {
	return f.pipeline.Emit(protocol.EventRoomOwnerScale, map[string]any{"rootNote": rootNote, "scale": scale})
}

// SendChatMessage emits a chat message (batched).
func (f *Facade) SendChatMessage(roomID, message string) error {
	return f.pipeline.Emit(protocol.EventChatMessage, map[string]any{"roomId": roomID, "message": message})
}

// ---- DAW mutation methods (acquire lock, call EventPipeline, patch local
// state) ----

// RenameTrack acquires (or confirms ownership of) the track's lock, renames
// it, and releases the lock.
func (f *Facade) RenameTrack(trackID, name string) error {
	if !f.daw.AcquireLock(trackID, "track") {
		return fmt.Errorf("session: track %q is locked by another user", trackID)
	}
	defer f.daw.ReleaseLock(trackID)
	return f.daw.UpdateTrack(trackID, dawcollab.TrackPartial{Name: &name})
}

// MoveMarker acquires the marker's lock, repositions it, and releases the
// lock.
func (f *Facade) MoveMarker(markerID string, position float64) error {
	if !f.daw.AcquireLock(markerID, "marker") {
		return fmt.Errorf("session: marker %q is locked by another user", markerID)
	}
	defer f.daw.ReleaseLock(markerID)
	return f.daw.UpdateMarker(markerID, dawcollab.MarkerPartial{Position: &position})
}

// BeginRegionDrag attempts to lock every region in regionIDs for an
// in-progress drag; see dawcollab.Manager.BeginRegionDrag.
func (f *Facade) BeginRegionDrag(dragID string, regionIDs []string) error {
	return f.daw.BeginRegionDrag(dragID, regionIDs)
}

// StreamRegionMove forwards a pointer-move frame during an active drag.
func (f *Facade) StreamRegionMove(regionID string, newStart float64, trackID string) {
	f.daw.StreamRegionMove(regionID, newStart, trackID)
}

// EndRegionDrag applies the canonical drag result and releases the drag's
// locks.
func (f *Facade) EndRegionDrag(dragID string, moves map[string]dawcollab.RegionMove) {
	f.daw.EndRegionDrag(dragID, moves)
}

// SplitRegion splits a region at splitBeat; see dawcollab.Manager.SplitRegion.
func (f *Facade) SplitRegion(regionID string, splitBeat float64) (dawcollab.Region, dawcollab.Region, error) {
	return f.daw.SplitRegion(regionID, splitBeat)
}

// HeadResizeRegion adjusts a region's head by delta beats; see
// dawcollab.Manager.HeadResizeRegion.
func (f *Facade) HeadResizeRegion(regionID string, delta float64) (dawcollab.Region, error) {
	return f.daw.HeadResizeRegion(regionID, delta)
}

// ---- Recording ----

// StartRecording arms local recording.
func (f *Facade) StartRecording(kind recordcoord.Kind, trackID string, startBeat float64) error {
	return f.rec.Start(kind, trackID, startBeat)
}

// TickRecording advances the active recording's duration.
func (f *Facade) TickRecording(elapsedBeats float64) { f.rec.Tick(elapsedBeats) }

// StopRecording ends the active recording; its OnStop hook (wired in New)
// adds the captured region to the DAW.
func (f *Facade) StopRecording() (recordcoord.CapturedRegion, error) { return f.rec.Stop() }

// ---- Health ----

// GetHealth sums TransportManager and AudioManager/RecoveryEngine state
// into the {isHealthy, totalErrors, hasActiveRecoveries} view UI renders.
func (f *Facade) GetHealth() Health {
	th := f.transp.GetConnectionHealth()
	active := f.recov.ActiveRecoveries()
	healthy := active == 0 && (th.State == transport.Disconnected || th.SocketConnected)
	return Health{
		IsHealthy:           healthy,
		TotalErrors:         len(f.recov.History()),
		HasActiveRecoveries: active > 0,
	}
}

// ConnectionState returns the current TransportManager state.
func (f *Facade) ConnectionState() transport.ConnectionState { return f.transp.Config().State }

// Snapshot returns a copy of the current local DAW state.
func (f *Facade) Snapshot() dawcollab.Snapshot { return f.daw.Snapshot() }

// ResumeFromStore attempts to resume a previously persisted, non-expired
// room session, returning (session, true) if one exists.
func (f *Facade) ResumeFromStore() (store.RoomSession, bool) {
	return f.store.GetValidOrNull()
}
