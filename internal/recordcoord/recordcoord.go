// Package recordcoord implements RecordCoord (C7): the local
// recording-armed state machine and non-authoritative remote recording
// previews. Generalized from client/audio.go's capture-loop start/stop
// state tracking ("is this mic armed") to "is this track armed".
package recordcoord

import (
	"fmt"
	"sync"
)

// Kind is what a recording captures.
type Kind string

const (
	KindMIDI  Kind = "midi"
	KindAudio Kind = "audio"
)

// LocalState is the local recording-armed state.
type LocalState struct {
	IsRecording   bool
	Kind          Kind
	TrackID       string
	StartBeat     float64
	DurationBeats float64
}

// RemotePreview is a non-authoritative dashed preview block for another
// user's in-progress recording.
type RemotePreview struct {
	UserID        string
	Username      string
	TrackID       string
	StartBeat     float64
	DurationBeats float64
	Kind          Kind
}

// CapturedRegion is the payload emitted on stop: either MIDI notes or an
// audio asset reference, never both.
type CapturedRegion struct {
	TrackID       string
	StartBeat     float64
	DurationBeats float64
	Kind          Kind

	Notes []CapturedNote

	AudioURL string
}

// CapturedNote is a MIDI note captured relative to the recording start.
type CapturedNote struct {
	Start    float64
	Duration float64
	Pitch    int
	Velocity int
}

// Recorder is the RecordCoord component (C7). Safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	local    LocalState
	notes    []CapturedNote
	audioURL string

	remote map[string]RemotePreview

	onStop func(CapturedRegion)

	maxDurationBeats float64
}

// Option configures a Recorder at construction.
type Option func(*Recorder)

// WithMaxDuration caps recording duration in beats; Tick stops the
// recording automatically once reached (buffer limit). Zero means
// unbounded.
func WithMaxDuration(beats float64) Option {
	return func(r *Recorder) { r.maxDurationBeats = beats }
}

// New constructs a Recorder.
func New(opts ...Option) *Recorder {
	r := &Recorder{remote: make(map[string]RemotePreview)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStop registers the callback fired when a local recording stops,
// carrying the captured region payload to be added to the DAW (emitted by
// the caller as region_added).
func (r *Recorder) OnStop(h func(CapturedRegion)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = h
}

var errAlreadyRecording = fmt.Errorf("recordcoord: already recording")
var errNotRecording = fmt.Errorf("recordcoord: not recording")

// Start arms local recording on trackID at startBeat. It fails if a
// recording is already in progress.
func (r *Recorder) Start(kind Kind, trackID string, startBeat float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local.IsRecording {
		return errAlreadyRecording
	}
	r.local = LocalState{IsRecording: true, Kind: kind, TrackID: trackID, StartBeat: startBeat}
	r.notes = nil
	r.audioURL = ""
	return nil
}

// AppendNote records a MIDI note captured during an active MIDI recording.
func (r *Recorder) AppendNote(n CapturedNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.local.IsRecording || r.local.Kind != KindMIDI {
		return errNotRecording
	}
	r.notes = append(r.notes, n)
	return nil
}

// SetAudioURL attaches the uploaded audio asset URL for an active audio
// recording (set once the upload surface returns a reference).
func (r *Recorder) SetAudioURL(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.local.IsRecording || r.local.Kind != KindAudio {
		return errNotRecording
	}
	r.audioURL = url
	return nil
}

// Tick advances the recording's duration by an elapsed-beats delta. If a
// max duration is configured and reached, recording stops automatically
// (buffer limit).
func (r *Recorder) Tick(elapsedBeats float64) {
	r.mu.Lock()
	if !r.local.IsRecording {
		r.mu.Unlock()
		return
	}
	r.local.DurationBeats += elapsedBeats
	hitLimit := r.maxDurationBeats > 0 && r.local.DurationBeats >= r.maxDurationBeats
	r.mu.Unlock()

	if hitLimit {
		r.Stop()
	}
}

// Stop ends the local recording and fires onStop with the captured region.
// It is a no-op returning an error if nothing is recording.
func (r *Recorder) Stop() (CapturedRegion, error) {
	r.mu.Lock()
	if !r.local.IsRecording {
		r.mu.Unlock()
		return CapturedRegion{}, errNotRecording
	}
	region := CapturedRegion{
		TrackID:       r.local.TrackID,
		StartBeat:     r.local.StartBeat,
		DurationBeats: r.local.DurationBeats,
		Kind:          r.local.Kind,
		Notes:         append([]CapturedNote(nil), r.notes...),
		AudioURL:      r.audioURL,
	}
	r.local = LocalState{}
	r.notes = nil
	r.audioURL = ""
	cb := r.onStop
	r.mu.Unlock()

	if cb != nil {
		cb(region)
	}
	return region, nil
}

// Local returns the current local recording state.
func (r *Recorder) Local() LocalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

// HandleRemoteRecordingPreviewSet stores or replaces a remote user's
// recording preview.
func (r *Recorder) HandleRemoteRecordingPreviewSet(p RemotePreview) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[p.UserID] = p
}

// HandleRemoteRecordingPreviewTick mutates the duration of an existing
// remote preview; it is a no-op if no preview exists for userID.
func (r *Recorder) HandleRemoteRecordingPreviewTick(userID string, durationBeats float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.remote[userID]
	if !ok {
		return
	}
	p.DurationBeats = durationBeats
	r.remote[userID] = p
}

// HandleRemoteRecordingPreviewClear removes a remote user's preview.
func (r *Recorder) HandleRemoteRecordingPreviewClear(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.remote, userID)
}

// RemotePreviews returns a snapshot of all active remote previews.
func (r *Recorder) RemotePreviews() []RemotePreview {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemotePreview, 0, len(r.remote))
	for _, p := range r.remote {
		out = append(out, p)
	}
	return out
}

// ClearRemotePreviewsForUser removes every preview a userID holds, e.g. on
// user_left.
func (r *Recorder) ClearRemotePreviewsForUser(userID string) {
	r.HandleRemoteRecordingPreviewClear(userID)
}
