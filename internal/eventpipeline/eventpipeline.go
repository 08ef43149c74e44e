// Package eventpipeline implements EventPipeline (C4): outbound event
// classification (Immediate/Throttled/Batched), per-(eventName,userId)
// coalescing, a bounded pending queue for emits attempted while
// disconnected, and note-on dedup. The bounded, non-blocking dispatch
// discipline is grounded in the teacher server's ChannelState.Broadcast /
// trySend idiom (never let a slow or absent consumer stall the hot path),
// generalized here from fan-out-to-many to rate-shaping-to-one.
package eventpipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jamsession/internal/protocol"
)

// Classification is the outbound routing decision for one event name.
type Classification string

const (
	Immediate Classification = "Immediate"
	Throttled Classification = "Throttled"
	Batched   Classification = "Batched"
)

// Emitter is the minimal send contract the pipeline needs from an active
// socket. transport.Socket satisfies this structurally.
type Emitter interface {
	Send(event string, data any) error
}

const batchWindow = 8 * time.Millisecond

// throttleWindow returns the leading+trailing window for a throttled event
// name; unlisted throttled events default to 10ms.
func throttleWindow(event string) time.Duration {
	switch event {
	case protocol.EventUpdateEffectsChain:
		return 200 * time.Millisecond
	default:
		return 10 * time.Millisecond
	}
}

// classification is the static Immediate/Throttled table from spec §4.4 and
// §6; any event name absent from this table is Batched by default.
var classification = map[string]Classification{
	protocol.EventJoinRoom:           Immediate,
	protocol.EventLeaveRoom:          Immediate,
	protocol.EventCreateRoom:         Immediate,
	protocol.EventApproveMember:      Immediate,
	protocol.EventRejectMember:       Immediate,
	protocol.EventPlayNote:           Immediate,
	protocol.EventChangeInstrument:   Immediate,
	protocol.EventStopAllNotes:       Immediate,
	protocol.EventUpdateSynthParams:  Throttled,
	protocol.EventUpdateEffectsChain: Throttled,
	protocol.EventRegionDragUpdate:   Throttled,
	protocol.EventLockAcquire:        Immediate,
	protocol.EventLockRelease:        Immediate,
	protocol.EventRoomOwnerScale:     Immediate,
}

// Classify returns the classification for an event name; unlisted names are
// Batched, matching "Batched: everything else."
func Classify(event string) Classification {
	if c, ok := classification[event]; ok {
		return c
	}
	return Batched
}

const pendingCap = 100

type pendingEmit struct {
	event string
	data  any
}

type batchKey struct {
	event string
	key   string // payload.userId, or "global"
}

// NoteDedupKey identifies a note-on fingerprint for dedup purposes.
type NoteDedupKey struct {
	EventType  protocol.NoteEventType
	Notes      string // sorted, comma-joined
	Instrument string
	Velocity   int
}

func sortedNoteKey(notes []string) string {
	cp := append([]string(nil), notes...)
	sort.Strings(cp)
	out := ""
	for i, n := range cp {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

type dedupEntry struct {
	at time.Time
}

// Pipeline is the EventPipeline component (C4). It is safe for concurrent use.
type Pipeline struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	emitter Emitter
	pending []pendingEmit

	batch      map[batchKey]any
	batchTimer *time.Timer

	throttleLast map[string]time.Time
	throttleTail map[string]*time.Timer

	dedup map[NoteDedupKey]dedupEntry

	// immediateLimiter caps the burst rate of Immediate-classified sends
	// (e.g. a runaway local play_note loop) before they ever reach the
	// socket; nil means unbounded. Unlike the throttle/batch windows above,
	// this guards local production rate rather than coalescing payloads, so
	// it is deliberately not wired to the deterministic p.now clock tests
	// use for dedup/throttle math.
	immediateLimiter *rate.Limiter
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithClock overrides the time source (tests control dedup/throttle math).
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithImmediateRateLimit caps Immediate-classified sends to r events/sec with
// the given burst allowance, dropping (and logging) overflow instead of
// blocking the caller. Unset means unbounded, matching the teacher's
// unlimited local send path.
func WithImmediateRateLimit(r rate.Limit, burst int) Option {
	return func(p *Pipeline) { p.immediateLimiter = rate.NewLimiter(r, burst) }
}

// New constructs a Pipeline with no active emitter (events queue until
// SetEmitter is called with a live socket).
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		log:          slog.Default(),
		now:          time.Now,
		batch:        make(map[batchKey]any),
		throttleLast: make(map[string]time.Time),
		throttleTail: make(map[string]*time.Timer),
		dedup:        make(map[NoteDedupKey]dedupEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetEmitter installs the active socket (or nil on disconnect). Installing a
// non-nil emitter drains the pending queue, oldest first.
func (p *Pipeline) SetEmitter(e Emitter) {
	p.mu.Lock()
	p.emitter = e
	var drain []pendingEmit
	if e != nil && len(p.pending) > 0 {
		drain = p.pending
		p.pending = nil
	}
	p.mu.Unlock()

	for _, pe := range drain {
		if err := e.Send(pe.event, pe.data); err != nil {
			p.log.Warn("eventpipeline: drain send failed", "event", pe.event, "error", err)
		}
	}
}

// Cancel stops all pending timers (batch flush, throttle tails) and empties
// the pending queue, for facade teardown (spec §5 Cancellation).
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}
	for _, t := range p.throttleTail {
		t.Stop()
	}
	p.throttleTail = make(map[string]*time.Timer)
	p.batch = make(map[batchKey]any)
	p.pending = nil
}

func userKeyOf(data any) string {
	type hasUserID interface{ UserID() string }
	if h, ok := data.(hasUserID); ok {
		return h.UserID()
	}
	if m, ok := data.(map[string]any); ok {
		if uid, ok := m["userId"].(string); ok && uid != "" {
			return uid
		}
	}
	return "global"
}

// Emit classifies event and routes it. For Immediate events, it sends now
// (or queues it if disconnected). For Throttled events, leading+trailing
// rate-limiting applies. For everything else, it coalesces into the 8ms
// batch window by (event, userId).
func (p *Pipeline) Emit(event string, data any) error {
	switch Classify(event) {
	case Immediate:
		return p.emitImmediate(event, data)
	case Throttled:
		p.emitThrottled(event, data)
		return nil
	default:
		p.emitBatched(event, data)
		return nil
	}
}

func (p *Pipeline) emitImmediate(event string, data any) error {
	p.mu.Lock()
	if p.immediateLimiter != nil && !p.immediateLimiter.Allow() {
		p.mu.Unlock()
		p.log.Warn("eventpipeline: immediate send rate-limited locally, dropped", "event", event)
		return nil
	}
	e := p.emitter
	if e == nil {
		p.enqueuePendingLocked(event, data)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return e.Send(event, data)
}

// enqueuePendingLocked appends to the pending FIFO, dropping the oldest half
// on overflow to keep emit paths O(1).
func (p *Pipeline) enqueuePendingLocked(event string, data any) {
	p.pending = append(p.pending, pendingEmit{event: event, data: data})
	if len(p.pending) > pendingCap {
		half := len(p.pending) / 2
		p.pending = append([]pendingEmit(nil), p.pending[half:]...)
		p.log.Warn("eventpipeline: pending queue overflow, dropped oldest half", "remaining", len(p.pending))
	}
}

func (p *Pipeline) emitBatched(event string, data any) {
	key := batchKey{event: event, key: userKeyOf(data)}
	p.mu.Lock()
	p.batch[key] = data
	if p.batchTimer == nil {
		p.batchTimer = time.AfterFunc(batchWindow, p.flushBatch)
	}
	p.mu.Unlock()
}

func (p *Pipeline) flushBatch() {
	p.mu.Lock()
	batch := p.batch
	p.batch = make(map[batchKey]any)
	p.batchTimer = nil
	e := p.emitter
	p.mu.Unlock()

	for k, data := range batch {
		if e == nil {
			p.mu.Lock()
			p.enqueuePendingLocked(k.event, data)
			p.mu.Unlock()
			continue
		}
		if err := e.Send(k.event, data); err != nil {
			p.log.Warn("eventpipeline: batched send failed", "event", k.event, "error", err)
		}
	}
}

// emitThrottled implements leading+trailing: the first call in a window
// sends immediately; subsequent calls within the window are coalesced and
// the latest payload fires once at the trailing edge.
func (p *Pipeline) emitThrottled(event string, data any) {
	window := throttleWindow(event)
	now := p.now()

	p.mu.Lock()
	last, seen := p.throttleLast[event]
	if !seen || now.Sub(last) >= window {
		p.throttleLast[event] = now
		e := p.emitter
		p.mu.Unlock()
		if e != nil {
			if err := e.Send(event, data); err != nil {
				p.log.Warn("eventpipeline: throttled send failed", "event", event, "error", err)
			}
		} else {
			p.mu.Lock()
			p.enqueuePendingLocked(event, data)
			p.mu.Unlock()
		}
		return
	}

	// Within the window: remember the latest payload and (re)schedule a
	// single trailing emission for the remainder of the window.
	remaining := window - now.Sub(last)
	if t, ok := p.throttleTail[event]; ok {
		t.Stop()
	}
	p.throttleTail[event] = time.AfterFunc(remaining, func() { p.fireTrailing(event, data) })
	p.mu.Unlock()
}

func (p *Pipeline) fireTrailing(event string, data any) {
	p.mu.Lock()
	p.throttleLast[event] = p.now()
	delete(p.throttleTail, event)
	e := p.emitter
	p.mu.Unlock()

	if e == nil {
		p.mu.Lock()
		p.enqueuePendingLocked(event, data)
		p.mu.Unlock()
		return
	}
	if err := e.Send(event, data); err != nil {
		p.log.Warn("eventpipeline: throttled trailing send failed", "event", event, "error", err)
	}
}

const (
	defaultNoteWindow = 20 * time.Millisecond
	drumNoteWindow    = 10 * time.Millisecond
	dedupGCThreshold  = 200
)

// EmitNote routes a play_note payload through note dedup before Emit.
// Dedup only applies to note_on events for monophonic or drum-category
// instruments (per caller classification); polyphonic note_on and all
// note_off/sustain events always pass through. The monophonic/isDrum flags
// are supplied by the caller (SessionFacade, which holds instrument
// metadata) rather than inferred from the payload's free-text category
// field, since the spec's category vocabulary is not exhaustive.
func (p *Pipeline) EmitNote(payload protocol.PlayNotePayload, monophonic, isDrum bool) error {
	if payload.EventType != protocol.NoteEventOn || (!monophonic && !isDrum) {
		return p.Emit(protocol.EventPlayNote, payload)
	}

	window := defaultNoteWindow
	if isDrum {
		window = drumNoteWindow
	}
	key := NoteDedupKey{
		EventType:  payload.EventType,
		Notes:      sortedNoteKey(payload.Notes),
		Instrument: payload.Instrument,
		Velocity:   payload.Velocity,
	}

	now := p.now()
	p.mu.Lock()
	if entry, ok := p.dedup[key]; ok && now.Sub(entry.at) < window {
		p.mu.Unlock()
		return nil // dropped: duplicate within the dedup window
	}
	p.dedup[key] = dedupEntry{at: now}
	if len(p.dedup) > dedupGCThreshold {
		p.gcDedupLocked(now, window)
	}
	p.mu.Unlock()

	return p.Emit(protocol.EventPlayNote, payload)
}

func (p *Pipeline) gcDedupLocked(now time.Time, window time.Duration) {
	cutoff := 3 * window
	if cutoff < 3*defaultNoteWindow {
		cutoff = 3 * defaultNoteWindow
	}
	for k, e := range p.dedup {
		if now.Sub(e.at) > cutoff {
			delete(p.dedup, k)
		}
	}
}

// PendingLen returns the current pending-queue depth, for tests/diagnostics.
func (p *Pipeline) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// DedupLen returns the current note-dedup map size, for tests/diagnostics.
func (p *Pipeline) DedupLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dedup)
}

func (k NoteDedupKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%d", k.EventType, k.Notes, k.Instrument, k.Velocity)
}
