package service

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/midicapture/internal/audio/audiotest"
	"github.com/audiolibrelab/midicapture/internal/config"
	"github.com/audiolibrelab/midicapture/internal/smf"
)

// fakeSource hands the emit callback to the test so it can play the
// role of the instrument.
type fakeSource struct {
	mu      sync.Mutex
	emit    func(note, velocity uint8, noteOn bool)
	stopped bool
}

func (s *fakeSource) Start(emit func(note, velocity uint8, noteOn bool)) (func(), error) {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	}, nil
}

func (s *fakeSource) send(note, velocity uint8, noteOn bool) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit != nil {
		emit(note, velocity, noteOn)
	}
}

func (s *fakeSource) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emit != nil
}

func (s *fakeSource) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type recordResult struct {
	path string
	err  error
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	return cfg
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestRecordFullSession(t *testing.T) {
	cfg := testConfig(t)
	// Fixed mode with a long duration keeps the auto-stop timer out of
	// the way; the test ends the session via cancellation.
	cfg.Capture.Mode = config.CaptureModeFixed
	cfg.Capture.FixedDuration = 30.0

	eng := audiotest.NewEngine()
	src := &fakeSource{}
	svc := New(cfg, WithEngine(eng), WithNoteSource(src))

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan recordResult, 1)
	go func() {
		path, err := svc.Record(ctx, "My Song!")
		results <- recordResult{path, err}
	}()

	waitUntil(t, src.ready, "note source started")
	waitUntil(t, func() bool { return eng.Pending() > 0 }, "clock scheduled")

	// Default tempo is 100 BPM with a 4 beat count-in; 2.5 seconds
	// covers the count-in and the settle delay.
	eng.Advance(2.5)
	src.send(60, 100, true)
	eng.Advance(0.4)
	src.send(60, 0, false)

	cancel()
	res := <-results
	if res.err != nil {
		t.Fatalf("Record failed: %v", res.err)
	}
	if filepath.Base(res.path) != "My_Song.mid" {
		t.Errorf("Expected file name My_Song.mid, got %s", filepath.Base(res.path))
	}

	data, err := os.ReadFile(res.path)
	if err != nil {
		t.Fatalf("Failed to read exported file: %v", err)
	}
	events, err := smf.Decode(data, svc.Timing())
	if err != nil {
		t.Fatalf("Exported file did not decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events in export, got %d", len(events))
	}
	if !events[0].NoteOn || events[0].Note != 60 {
		t.Errorf("Expected note-on 60 first, got %+v", events[0])
	}
	sustain := events[1].Time - events[0].Time
	if math.Abs(sustain-0.4) > 0.02 {
		t.Errorf("Expected roughly 0.4s sustain, got %v", sustain)
	}
	if !src.wasStopped() {
		t.Error("Expected note source to be stopped after the session")
	}
}

func TestRecordCanceledDuringCountInDiscards(t *testing.T) {
	cfg := testConfig(t)
	eng := audiotest.NewEngine()
	src := &fakeSource{}
	svc := New(cfg, WithEngine(eng), WithNoteSource(src))

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan recordResult, 1)
	go func() {
		path, err := svc.Record(ctx, "abandoned")
		results <- recordResult{path, err}
	}()

	waitUntil(t, func() bool { return eng.Pending() > 0 }, "clock scheduled")
	// First count-in beat only, nowhere near the handoff.
	eng.Advance(0.1)
	cancel()

	res := <-results
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", res.err)
	}
	entries, err := os.ReadDir(cfg.Output.Directory)
	if err != nil {
		t.Fatalf("Failed to read output directory: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no exported files, found %d", len(entries))
	}
}

func TestRecordEmptyCaptureFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Mode = config.CaptureModeFixed
	cfg.Capture.FixedDuration = 30.0

	eng := audiotest.NewEngine()
	src := &fakeSource{}
	svc := New(cfg, WithEngine(eng), WithNoteSource(src))

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan recordResult, 1)
	go func() {
		_, err := svc.Record(ctx, "silent take")
		results <- recordResult{err: err}
	}()

	waitUntil(t, func() bool { return eng.Pending() > 0 }, "clock scheduled")
	eng.Advance(2.5) // past the count-in, recording but no notes
	cancel()

	res := <-results
	if !errors.Is(res.err, smf.ErrEmptyCapture) {
		t.Fatalf("Expected ErrEmptyCapture, got %v", res.err)
	}
}

func TestPlayReturnsAfterForcedDuration(t *testing.T) {
	cfg := testConfig(t)
	eng := audiotest.NewEngine()
	svc := New(cfg, WithEngine(eng), WithNoteSource(&fakeSource{}))

	events := []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 60, Velocity: 0, Time: 0.5, NoteOn: false},
	}
	data, err := smf.Encode(events, svc.Timing())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "take.mid")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Play(context.Background(), path, 2.0, 1) }()

	waitUntil(t, func() bool { return eng.Pending() > 0 }, "playback scheduled")
	eng.Advance(5.0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after the forced duration elapsed")
	}
}

func TestFixPadsToTargetDuration(t *testing.T) {
	cfg := testConfig(t)
	svc := New(cfg, WithNoteSource(&fakeSource{}))

	events := []smf.NoteEvent{
		{Note: 64, Velocity: 90, Time: 0.0, NoteOn: true},
		{Note: 64, Velocity: 0, Time: 1.0, NoteOn: false},
	}
	data, err := smf.Encode(events, svc.Timing())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "short.mid")
	out := filepath.Join(dir, "fixed.mid")
	if err := os.WriteFile(in, data, 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	if err := svc.Fix(in, out, 0); err != nil {
		t.Fatalf("Fix failed: %v", err)
	}

	decoded, err := smf.Decode(mustRead(t, out), svc.Timing())
	if err != nil {
		t.Fatalf("Fixed file did not decode: %v", err)
	}
	last := decoded[len(decoded)-1]
	if math.Abs(last.Time-cfg.Playback.TargetDurationSeconds) > 0.01 {
		t.Errorf("Expected final event at %v, got %v",
			cfg.Playback.TargetDurationSeconds, last.Time)
	}
}

func TestInfoSummarizesFile(t *testing.T) {
	cfg := testConfig(t)
	svc := New(cfg, WithNoteSource(&fakeSource{}))

	events := []smf.NoteEvent{
		{Note: 60, Velocity: 100, Time: 0.0, NoteOn: true},
		{Note: 64, Velocity: 100, Time: 0.2, NoteOn: true},
		{Note: 60, Velocity: 0, Time: 0.8, NoteOn: false},
		{Note: 64, Velocity: 0, Time: 1.2, NoteOn: false},
	}
	data, err := smf.Encode(events, svc.Timing())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "take.mid")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	info, err := svc.Info(path)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.NoteOns != 2 {
		t.Errorf("Expected 2 note-ons, got %d", info.NoteOns)
	}
	if math.Abs(info.Duration-1.2) > 0.01 {
		t.Errorf("Expected duration 1.2, got %v", info.Duration)
	}
}

func TestCleanFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Song", "My_Song"},
		{"take/1:final?", "take1final"},
		{"  padded  ", "padded"},
		{"riff-02_v3", "riff-02_v3"},
	}
	for _, tt := range tests {
		if got := cleanFileName(tt.in); got != tt.want {
			t.Errorf("cleanFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return data
}
