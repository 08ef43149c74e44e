package dawcollab

import (
	"math"
	"testing"
	"time"

	"jamsession/internal/eventpipeline"
)

func floatPtr(f float64) *float64 { return &f }

// S5 / invariant 8 — head resize of a MIDI region preserves each note's
// absolute timeline position.
func TestHeadResizeRegionPreservesAbsolutePosition(t *testing.T) {
	p := eventpipeline.New()
	m := New(p)

	r := m.AddRegion(Region{
		ID:      "R1",
		TrackID: "T1",
		Start:   4,
		Length:  8,
		Type:    RegionMIDI,
		Notes:   []Note{{ID: "N1", Start: 1, Duration: 2, Pitch: 60}},
	})
	_ = r

	updated, err := m.HeadResizeRegion("R1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Start != 6 {
		t.Errorf("expected start=6, got %v", updated.Start)
	}
	if updated.Length != 6 {
		t.Errorf("expected length=6, got %v", updated.Length)
	}
	if len(updated.Notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(updated.Notes))
	}
	if updated.Notes[0].Start != -1 {
		t.Errorf("expected note start=-1, got %v", updated.Notes[0].Start)
	}

	before := 4 + 1.0
	after := updated.Start + updated.Notes[0].Start
	if math.Abs(before-after) > 1e-6 {
		t.Errorf("absolute note position shifted: before=%v after=%v", before, after)
	}
}

func TestHeadResizeAudioClampsTrim(t *testing.T) {
	p := eventpipeline.New()
	m := New(p)

	m.AddRegion(Region{
		ID: "R1", TrackID: "T1", Start: 0, Length: 10,
		Type: RegionAudio, TrimStart: 0, OriginalLength: 12,
	})

	updated, err := m.HeadResizeRegion("R1", 4)
	if err != nil {
		t.Fatal(err)
	}
	if updated.TrimStart != 4 {
		t.Errorf("expected trimStart=4, got %v", updated.TrimStart)
	}
	maxAllowed := updated.OriginalLength - updated.TrimStart
	if updated.Length > maxAllowed+1e-9 {
		t.Errorf("length %v exceeds originalLength-trimStart %v", updated.Length, maxAllowed)
	}
}

// invariant 9 — split conserves total length; left keeps id; right gets a
// fresh id.
func TestSplitRegionConservesLength(t *testing.T) {
	p := eventpipeline.New()
	m := New(p)

	m.AddRegion(Region{
		ID: "R1", TrackID: "T1", Start: 0, Length: 10, Type: RegionMIDI,
		Notes: []Note{
			{ID: "N1", Start: 1, Duration: 1, Pitch: 60},
			{ID: "N2", Start: 6, Duration: 1, Pitch: 64},
		},
	})

	left, right, err := m.SplitRegion("R1", 4)
	if err != nil {
		t.Fatal(err)
	}
	if left.ID != "R1" {
		t.Errorf("expected left to keep original id, got %q", left.ID)
	}
	if right.ID == "" || right.ID == "R1" {
		t.Errorf("expected right to have a fresh id, got %q", right.ID)
	}
	if math.Abs((left.Length+right.Length)-10) > 1e-9 {
		t.Errorf("expected lengths to sum to 10, got %v+%v=%v", left.Length, right.Length, left.Length+right.Length)
	}
	if len(left.Notes) != 1 || left.Notes[0].ID != "N1" {
		t.Errorf("expected left to retain only N1, got %+v", left.Notes)
	}
	if len(right.Notes) != 1 || right.Notes[0].ID != "N2" {
		t.Errorf("expected right to retain only N2, got %+v", right.Notes)
	}
	if right.Notes[0].Start != 2 {
		t.Errorf("expected right note shifted to start=2 (6-4), got %v", right.Notes[0].Start)
	}
}

func TestSplitRegionOutOfBoundsRejected(t *testing.T) {
	p := eventpipeline.New()
	m := New(p)
	m.AddRegion(Region{ID: "R1", TrackID: "T1", Start: 0, Length: 10, Type: RegionMIDI})

	if _, _, err := m.SplitRegion("R1", 0); err == nil {
		t.Error("expected error for split at 0")
	}
	if _, _, err := m.SplitRegion("R1", 10); err == nil {
		t.Error("expected error for split at length")
	}
}

// invariant 10 — a lock_acquire followed by any mutation before
// lock_released by another user on the same elementId is rejected.
func TestLockRejectsMutationFromOtherUser(t *testing.T) {
	p := eventpipeline.New()
	m := New(p, WithLocalUser("U1", "alice"))
	m.AddTrack(Track{ID: "Tr1", Name: "Drums"})

	// Remote user U2 holds the lock (simulated via an authoritative
	// inbound lock_granted naming a user other than local).
	m.HandleLockGranted(Lock{ElementID: "Tr1", Kind: "track", UserID: "U2", Username: "bob", TTL: 0})

	name := "Bass"
	err := m.UpdateTrack("Tr1", TrackPartial{Name: &name})
	if err == nil {
		t.Fatal("expected mutation to be rejected while locked by another user")
	}
}

func TestLockAllowsMutationByOwner(t *testing.T) {
	p := eventpipeline.New()
	m := New(p, WithLocalUser("U1", "alice"))
	m.AddTrack(Track{ID: "Tr1", Name: "Drums"})

	if !m.AcquireLock("Tr1", "track") {
		t.Fatal("expected local acquire to succeed on an unlocked element")
	}
	name := "Bass"
	if err := m.UpdateTrack("Tr1", TrackPartial{Name: &name}); err != nil {
		t.Fatalf("expected mutation by lock owner to succeed, got %v", err)
	}
}

func TestAcquireLockFailsWhenHeldByOther(t *testing.T) {
	p := eventpipeline.New()
	m := New(p, WithLocalUser("U1", "alice"))
	m.HandleLockGranted(Lock{ElementID: "R1", Kind: "region", UserID: "U2", Username: "bob", TTL: 0})

	if m.AcquireLock("R1", "region") {
		t.Fatal("expected acquire to fail while held by another user")
	}
}

func TestBeginRegionDragAbortsOnPartialFailure(t *testing.T) {
	p := eventpipeline.New()
	m := New(p, WithLocalUser("U1", "alice"))
	m.AddRegion(Region{ID: "R1", TrackID: "T1", Start: 0, Length: 4, Type: RegionMIDI})
	m.AddRegion(Region{ID: "R2", TrackID: "T1", Start: 4, Length: 4, Type: RegionMIDI})
	m.HandleLockGranted(Lock{ElementID: "R2", Kind: "region", UserID: "U2", Username: "bob", TTL: 0})

	err := m.BeginRegionDrag("drag1", []string{"R1", "R2"})
	if err == nil {
		t.Fatal("expected drag to abort because R2 is locked by another user")
	}
	if _, locked := m.IsLocked("R1"); locked {
		t.Error("expected R1's speculative lock to be released after the aborted drag")
	}
}

func TestLockGrantedSupersedesLostLocalLock(t *testing.T) {
	p := eventpipeline.New()
	m := New(p, WithLocalUser("U1", "alice"))
	var lost string
	m.OnLockLost(func(elementID string) { lost = elementID })

	m.AcquireLock("R1", "region")
	m.HandleLockGranted(Lock{ElementID: "R1", Kind: "region", UserID: "U2", Username: "bob", TTL: 0})

	if lost != "R1" {
		t.Errorf("expected onLockLost to fire for R1, got %q", lost)
	}
}

func TestSweepStaleLocksRemovesExpired(t *testing.T) {
	p := eventpipeline.New()
	base := time.Now()
	now := base
	clock := func() time.Time { return now }
	m := New(p, WithClock(clock), WithLocalUser("U1", "alice"))

	m.AcquireLock("R1", "region")
	now = base.Add(31 * time.Second) // past the default 30s ttl

	removed := m.SweepStaleLocks()
	if len(removed) != 1 || removed[0] != "R1" {
		t.Errorf("expected R1 to be swept as stale, got %v", removed)
	}
	if _, locked := m.IsLocked("R1"); locked {
		t.Error("expected IsLocked to report false after sweep")
	}
}

func TestApplySnapshotReplacesState(t *testing.T) {
	p := eventpipeline.New()
	m := New(p)
	m.AddTrack(Track{ID: "Tr1", Name: "Old"})

	m.ApplySnapshot(Snapshot{
		Tracks:  []Track{{ID: "Tr2", Name: "New"}},
		Regions: []Region{{ID: "R1", TrackID: "Tr2", Length: 4}},
	})

	if _, ok := m.Track("Tr1"); ok {
		t.Error("expected old track to be replaced by the snapshot")
	}
	if _, ok := m.Track("Tr2"); !ok {
		t.Error("expected new track from the snapshot")
	}
}

func TestMoveAcrossTracksDegradesWhenOriginsDiffer(t *testing.T) {
	p := eventpipeline.New()
	m := New(p, WithLocalUser("U1", "alice"))
	m.AddRegion(Region{ID: "R1", TrackID: "T1", Start: 0, Length: 4, Type: RegionMIDI})
	m.AddRegion(Region{ID: "R2", TrackID: "T2", Start: 0, Length: 4, Type: RegionMIDI})

	if err := m.BeginRegionDrag("drag1", []string{"R1", "R2"}); err != nil {
		t.Fatal(err)
	}
	m.EndRegionDrag("drag1", map[string]RegionMove{
		"R1": {TargetTrackID: "T3", Partial: RegionPartial{Start: floatPtr(1)}},
		"R2": {TargetTrackID: "T3", Partial: RegionPartial{Start: floatPtr(1)}},
	})

	r1, _ := m.Region("R1")
	r2, _ := m.Region("R2")
	if r1.TrackID != "T1" || r2.TrackID != "T2" {
		t.Errorf("expected cross-track move to degrade to a same-track shift, got r1.Track=%q r2.Track=%q", r1.TrackID, r2.TrackID)
	}
	if r1.Start != 1 || r2.Start != 1 {
		t.Errorf("expected both regions to still move horizontally, got r1.Start=%v r2.Start=%v", r1.Start, r2.Start)
	}
}

func TestMoveAcrossTracksAppliedWhenSameOrigin(t *testing.T) {
	p := eventpipeline.New()
	m := New(p, WithLocalUser("U1", "alice"))
	m.AddRegion(Region{ID: "R1", TrackID: "T1", Start: 0, Length: 4, Type: RegionMIDI})

	if err := m.BeginRegionDrag("drag1", []string{"R1"}); err != nil {
		t.Fatal(err)
	}
	m.EndRegionDrag("drag1", map[string]RegionMove{
		"R1": {TargetTrackID: "T2", Partial: RegionPartial{Start: floatPtr(2)}},
	})

	r1, _ := m.Region("R1")
	if r1.TrackID != "T2" {
		t.Errorf("expected move to new track T2, got %q", r1.TrackID)
	}
}
