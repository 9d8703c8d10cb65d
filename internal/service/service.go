// Package service wires the beat clock, the recorder, the codec and
// the playback scheduler into complete capture and replay flows. It
// owns the shared audio engine: one instance, created lazily, torn
// down in Close.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/audiolibrelab/midicapture/internal/audio"
	"github.com/audiolibrelab/midicapture/internal/beatclock"
	"github.com/audiolibrelab/midicapture/internal/config"
	"github.com/audiolibrelab/midicapture/internal/playback"
	"github.com/audiolibrelab/midicapture/internal/recorder"
	"github.com/audiolibrelab/midicapture/internal/smf"
)

// Service is the orchestration layer behind the CLI commands.
type Service struct {
	cfg *config.Config

	mu     sync.Mutex
	engine audio.Engine

	source    NoteSource
	sink      playback.NoteSink
	indicator beatclock.Indicator
}

// Option customizes a Service; used by tests to substitute the audio
// engine and the note source.
type Option func(*Service)

// WithEngine injects a pre-built audio engine instead of the lazily
// created default.
func WithEngine(e audio.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithNoteSource substitutes the live MIDI input.
func WithNoteSource(src NoteSource) Option {
	return func(s *Service) { s.source = src }
}

// WithNoteSink attaches a monitoring instrument to playback.
func WithNoteSink(sink playback.NoteSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithIndicator attaches a visual beat indicator.
func WithIndicator(ind beatclock.Indicator) Option {
	return func(s *Service) { s.indicator = ind }
}

func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.source == nil {
		s.source = newMIDISource(cfg.Input)
	}
	return s
}

// Timing returns the shared tempo domain for the codec. Everything
// that converts seconds to ticks goes through this one value.
func (s *Service) Timing() smf.Timing {
	return smf.Timing{
		BPM:             s.cfg.Tempo.BPM,
		TicksPerQuarter: s.cfg.Tempo.TicksPerQuarter,
	}
}

// ensureEngine lazily creates the shared engine on first use.
func (s *Service) ensureEngine() (audio.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return s.engine, nil
	}
	eng, err := audio.NewOtoEngine(s.cfg.Audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to start audio engine: %w", err)
	}
	s.engine = eng
	return eng, nil
}

// Close tears down the engine. Safe to call when nothing was started.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil
	}
	err := s.engine.Close()
	s.engine = nil
	return err
}

// Record runs one full capture session: count-in, capture under the
// configured stopping policy, export. It blocks until the session
// stops on its own or ctx is canceled. Cancellation during the
// count-in discards the session; cancellation while recording stops
// and exports what was captured. It returns the path of the written
// file.
func (s *Service) Record(ctx context.Context, songName string) (string, error) {
	eng, err := s.ensureEngine()
	if err != nil {
		return "", err
	}

	nowMs := func() float64 { return eng.Now() * 1000 }
	rec := recorder.New(s.cfg.Capture, nowMs)

	captured := make(chan []smf.NoteEvent, 1)
	rec.SetOnAutoStop(func(events []smf.NoteEvent) { captured <- events })

	stopSource, err := s.source.Start(func(note, velocity uint8, noteOn bool) {
		// Notes during the count-in hit an idle recorder and are
		// dropped there.
		rec.AddNote(note, velocity, nowMs(), noteOn)
	})
	if err != nil {
		return "", err
	}
	defer stopSource()

	mode := recorder.ModeSilenceTimeout
	if s.cfg.Capture.Mode == config.CaptureModeFixed {
		mode = recorder.ModeFixedDuration
	}

	clock := beatclock.New(eng, s.cfg.Tempo, s.cfg.Clock, func() {
		rec.Start(mode, s.cfg.Capture.FixedDuration)
	})
	clock.SetIndicator(s.indicator)
	if err := clock.Start(true); err != nil {
		return "", err
	}
	defer clock.Stop()

	var events []smf.NoteEvent
	select {
	case events = <-captured:
		clock.Stop()
	case <-ctx.Done():
		clock.Stop()
		if rec.State() == recorder.Recording {
			events = rec.Stop()
		} else {
			rec.Cancel()
			return "", ctx.Err()
		}
	}

	return s.export(songName, events)
}

// export encodes the capture and writes it under the output
// directory. An empty capture blocks the export entirely.
func (s *Service) export(songName string, events []smf.NoteEvent) (string, error) {
	data, err := smf.Encode(events, s.Timing())
	if err != nil {
		return "", fmt.Errorf("failed to export capture: %w", err)
	}

	if len(events) > 0 {
		last := events[0].Time
		for _, ev := range events {
			if ev.Time > last {
				last = ev.Time
			}
		}
		if last < s.cfg.Capture.MinDuration {
			slog.Warn("capture shorter than configured minimum", "duration", last,
				"min_duration", s.cfg.Capture.MinDuration)
		}
	}

	if err := os.MkdirAll(s.cfg.Output.Directory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := TakePath(s.cfg, songName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	slog.Info("capture exported", "file", path, "events", len(events))
	return path, nil
}

// Play replays a file with the forced total duration, looping
// loopCount times (-1 loops until ctx is canceled). forcedDuration
// <= 0 selects the configured target. Blocks until playback ends.
func (s *Service) Play(ctx context.Context, path string, forcedDuration float64, loopCount int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	eng, err := s.ensureEngine()
	if err != nil {
		return err
	}

	pcfg := s.cfg.Playback
	if forcedDuration > 0 {
		pcfg.TargetDurationSeconds = forcedDuration
	}
	sched := playback.New(eng, s.Timing(), pcfg, s.sink)
	defer sched.Stop()

	return sched.PlayWithLoop(ctx, data, loopCount)
}

// Fix re-encodes a capture file in the padded-duration form, so
// players that trim to the last event still observe the full target
// duration. targetSeconds <= 0 selects the configured target.
func (s *Service) Fix(inPath, outPath string, targetSeconds float64) error {
	if targetSeconds <= 0 {
		targetSeconds = s.cfg.Playback.TargetDurationSeconds
	}

	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", inPath, err)
	}
	events, err := smf.Decode(data, s.Timing())
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", inPath, err)
	}
	fixed, err := smf.EncodePadded(events, s.Timing(), targetSeconds)
	if err != nil {
		return fmt.Errorf("failed to re-encode %s: %w", inPath, err)
	}
	if err := os.WriteFile(outPath, fixed, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}

	slog.Info("padded file written", "file", outPath, "target_duration", targetSeconds)
	return nil
}

// FileInfo summarizes a decoded capture file.
type FileInfo struct {
	Events   []smf.NoteEvent
	NoteOns  int
	Duration float64
}

// Info decodes a capture file and summarizes it.
func (s *Service) Info(path string) (*FileInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	events, err := smf.Decode(data, s.Timing())
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	info := &FileInfo{Events: events}
	for _, ev := range events {
		if ev.NoteOn {
			info.NoteOns++
		}
		if ev.Time > info.Duration {
			info.Duration = ev.Time
		}
	}
	return info, nil
}

// TakePath returns where a take with the given song name is written.
func TakePath(cfg *config.Config, songName string) string {
	return filepath.Join(cfg.Output.Directory, cleanFileName(songName)+"."+cfg.Output.Format)
}

// cleanFileName strips characters that do not belong in a file name
// and replaces spaces with underscores.
func cleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}
