package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/midicapture/internal/audio/audiotest"
	"github.com/audiolibrelab/midicapture/internal/config"
	"github.com/audiolibrelab/midicapture/internal/smf"
)

var (
	testTiming   = smf.Timing{BPM: 100, TicksPerQuarter: 96}
	testPlayback = config.PlaybackConfig{TargetDurationSeconds: 9.6, LoopGapMs: 50}
)

// captureSink records sink calls with the fake engine time they fired at.
type captureSink struct {
	mu  sync.Mutex
	eng *audiotest.Engine
	ons []sinkCall
	off []sinkCall
}

type sinkCall struct {
	note uint8
	at   float64
}

func (c *captureSink) NoteOn(note, velocity uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ons = append(c.ons, sinkCall{note: note, at: c.eng.Now()})
}

func (c *captureSink) NoteOff(note uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.off = append(c.off, sinkCall{note: note, at: c.eng.Now()})
}

func (c *captureSink) calls() (ons, offs []sinkCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sinkCall(nil), c.ons...), append([]sinkCall(nil), c.off...)
}

func encodeEvents(t *testing.T, events []smf.NoteEvent) []byte {
	t.Helper()
	data, err := smf.Encode(events, testTiming)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func TestForcedDurationClampsSustain(t *testing.T) {
	// One note inside the window, one sustaining across the boundary,
	// one starting past it.
	data := encodeEvents(t, []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 60, Velocity: 100, Time: 0.5, NoteOn: false},
		{Note: 64, Velocity: 90, Time: 1.5, NoteOn: true},
		{Note: 64, Velocity: 90, Time: 5.0, NoteOn: false},
		{Note: 67, Velocity: 80, Time: 3.0, NoteOn: true},
		{Note: 67, Velocity: 80, Time: 3.5, NoteOn: false},
	})

	eng := audiotest.NewEngine()
	sink := &captureSink{eng: eng}
	s := New(eng, testTiming, testPlayback, sink)

	forced := 2.0
	if err := s.Load(data, forced); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	eng.Advance(10.0)

	ons, offs := sink.calls()
	if len(ons) != 2 {
		t.Fatalf("Expected 2 note-ons (note at 3.0s dropped), got %d", len(ons))
	}
	for _, on := range ons {
		if on.note == 67 {
			t.Errorf("Note starting past the forced duration must be dropped")
		}
	}
	for _, off := range offs {
		if off.at > scheduleLead+forced+1e-9 {
			t.Errorf("Note-off at %v exceeds forced duration %v", off.at, forced)
		}
	}
	if s.IsPlaying() {
		t.Error("Expected transport halted at the forced duration")
	}
}

func TestForcedDurationIndependentOfFileLength(t *testing.T) {
	// The file is much longer than the forced window; the transport
	// must halt within a scheduling epsilon of the forced duration.
	data := encodeEvents(t, []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 60, Velocity: 100, Time: 30.0, NoteOn: false},
	})

	eng := audiotest.NewEngine()
	s := New(eng, testTiming, testPlayback, nil)
	if err := s.Load(data, 0); err != nil { // 0 selects the configured 9.6s target
		t.Fatalf("Load failed: %v", err)
	}

	eng.Advance(scheduleLead + 9.6 + 0.001)
	if s.IsPlaying() {
		t.Error("Expected stop at the 9.6s target")
	}
	if eng.Pending() != 0 {
		t.Errorf("Expected all handles resolved or cancelled, got %d pending", eng.Pending())
	}
}

func TestLoadMalformedSourceFails(t *testing.T) {
	eng := audiotest.NewEngine()
	s := New(eng, testTiming, testPlayback, nil)

	if err := s.Load(nil, 0); !errors.Is(err, smf.ErrMalformedFile) {
		t.Errorf("Expected ErrMalformedFile for empty source, got %v", err)
	}
	if err := s.Load([]byte("not a midi file at all"), 0); !errors.Is(err, smf.ErrMalformedFile) {
		t.Errorf("Expected ErrMalformedFile for garbage, got %v", err)
	}
	if s.IsPlaying() {
		t.Error("Failed load must not leave the scheduler playing")
	}
	if eng.Pending() != 0 {
		t.Errorf("Failed load must not leave scheduled events, got %d", eng.Pending())
	}
}

func TestStopCancelsAndIsIdempotent(t *testing.T) {
	data := encodeEvents(t, []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 60, Velocity: 100, Time: 4.0, NoteOn: false},
	})

	eng := audiotest.NewEngine()
	sink := &captureSink{eng: eng}
	s := New(eng, testTiming, testPlayback, sink)
	if err := s.Load(data, 0); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	s.Stop()
	s.Stop()
	if s.IsPlaying() {
		t.Error("Expected stopped scheduler")
	}
	if eng.Pending() != 0 {
		t.Errorf("Expected all handles cancelled, got %d pending", eng.Pending())
	}

	eng.Advance(20.0)
	ons, _ := sink.calls()
	if len(ons) != 0 {
		t.Errorf("No trigger may fire after stop, got %d note-ons", len(ons))
	}
}

func TestLoadReplacesPreviousSchedule(t *testing.T) {
	first := encodeEvents(t, []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 60, Velocity: 100, Time: 1.0, NoteOn: false},
	})
	second := encodeEvents(t, []smf.NoteEvent{
		{Note: 72, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 72, Velocity: 100, Time: 1.0, NoteOn: false},
	})

	eng := audiotest.NewEngine()
	sink := &captureSink{eng: eng}
	s := New(eng, testTiming, testPlayback, sink)

	if err := s.Load(first, 2.0); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.Load(second, 2.0); err != nil {
		t.Fatalf("Second load failed: %v", err)
	}
	eng.Advance(10.0)

	ons, _ := sink.calls()
	for _, on := range ons {
		if on.note == 60 {
			t.Error("Replaced schedule fired a note from the first load")
		}
	}
	if len(ons) != 1 {
		t.Errorf("Expected exactly the second load's note, got %d ons", len(ons))
	}
}

func TestPauseResume(t *testing.T) {
	data := encodeEvents(t, []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 60, Velocity: 100, Time: 1.0, NoteOn: false},
	})

	eng := audiotest.NewEngine()
	s := New(eng, testTiming, testPlayback, nil)

	// Pause when idle is a no-op.
	if err := s.Pause(); err != nil {
		t.Fatalf("Idle pause failed: %v", err)
	}
	if eng.Suspended() {
		t.Error("Idle pause must not touch the transport")
	}

	if err := s.Load(data, 2.0); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if !eng.Suspended() {
		t.Error("Expected suspended transport")
	}
	if !s.IsPlaying() {
		t.Error("Pause must keep the schedule loaded")
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if eng.Suspended() {
		t.Error("Expected resumed transport")
	}
}

func TestPlayWithLoopHonorsCancellation(t *testing.T) {
	data := encodeEvents(t, []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 60, Velocity: 100, Time: 0.2, NoteOn: false},
	})

	eng := audiotest.NewEngine()
	s := New(eng, testTiming, testPlayback, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.PlayWithLoop(ctx, data, -1) }()

	// Let the first iteration complete, then cancel between loops.
	waitUntil(t, func() bool { return eng.Pending() > 0 })
	eng.Advance(scheduleLead + 9.6 + 0.001)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("PlayWithLoop did not return after cancel")
	}
	if s.IsPlaying() {
		t.Error("Expected stopped scheduler after cancellation")
	}
}

func TestPlayWithLoopFiniteCount(t *testing.T) {
	data := encodeEvents(t, []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 60, Velocity: 100, Time: 0.2, NoteOn: false},
	})

	eng := audiotest.NewEngine()
	sink := &captureSink{eng: eng}
	cfg := testPlayback
	cfg.LoopGapMs = 1
	s := New(eng, testTiming, cfg, sink)

	errCh := make(chan error, 1)
	go func() { errCh <- s.PlayWithLoop(context.Background(), data, 2) }()

	// Drive both iterations through the fake clock.
	for i := 0; i < 2; i++ {
		waitUntil(t, func() bool { return eng.Pending() > 0 })
		eng.Advance(scheduleLead + 9.6 + 0.001)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("PlayWithLoop failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("PlayWithLoop did not finish")
	}
	ons, _ := sink.calls()
	if len(ons) != 2 {
		t.Errorf("Expected the note to sound once per loop, got %d", len(ons))
	}
}

// waitUntil polls cond for a few seconds; the fake engine has no
// notion of blocking, so loop startup is the only real-time wait.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Condition not reached in time")
}
