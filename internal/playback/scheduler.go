// Package playback replays an encoded capture with a hard total
// duration, regardless of how long the file claims to be.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/midicapture/internal/audio"
	"github.com/audiolibrelab/midicapture/internal/config"
	"github.com/audiolibrelab/midicapture/internal/smf"
)

// NoteSink receives the note triggers at their scheduled times. The
// monitoring instrument behind it is not this package's concern.
// Calls happen on the engine callback goroutine and must not block.
type NoteSink interface {
	NoteOn(note, velocity uint8)
	NoteOff(note uint8)
}

// scheduleLead is how far ahead of the current clock the first note
// of a playback is placed, leaving the engine room to enqueue it.
const scheduleLead = 0.05

// Scheduler schedules decoded notes against the audio engine clock
// and truncates playback at exactly the forced duration.
type Scheduler struct {
	engine audio.Engine
	timing smf.Timing
	cfg    config.PlaybackConfig
	sink   NoteSink

	mu         sync.Mutex
	playing    bool
	paused     bool
	generation uint64
	handles    []audio.Handle
	done       chan struct{}
}

// New builds a scheduler on the shared engine. sink may be nil when
// no monitoring instrument is attached; timing must be the same
// value the capture was encoded with.
func New(engine audio.Engine, timing smf.Timing, cfg config.PlaybackConfig, sink NoteSink) *Scheduler {
	return &Scheduler{engine: engine, timing: timing, cfg: cfg, sink: sink}
}

// Load decodes source, cancels any playback in flight, and schedules
// every note that starts before forcedDuration, clamping each note's
// sustain so start+sustain never exceeds it. Notes at or past the
// boundary are dropped. A dedicated stop event at exactly
// forcedDuration halts the transport even if note scheduling
// misbehaved. Pass forcedDuration <= 0 for the configured target.
func (s *Scheduler) Load(source []byte, forcedDuration float64) error {
	_, err := s.load(source, forcedDuration)
	return err
}

func (s *Scheduler) load(source []byte, forcedDuration float64) (<-chan struct{}, error) {
	if forcedDuration <= 0 {
		forcedDuration = s.cfg.TargetDurationSeconds
	}

	events, err := smf.Decode(source, s.timing)
	if err != nil {
		return nil, fmt.Errorf("failed to load playback source: %w", err)
	}
	notes := pairNotes(events, forcedDuration)

	if err := audio.ResumeRetry(s.engine); err != nil {
		return nil, fmt.Errorf("failed to resume audio transport: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	s.playing = true
	s.paused = false
	gen := s.generation
	done := make(chan struct{})
	s.done = done

	base := s.engine.Now() + scheduleLead
	scheduled := 0
	for _, n := range notes {
		if n.start >= forcedDuration {
			continue
		}
		sustain := n.sustain
		if n.start+sustain > forcedDuration {
			sustain = forcedDuration - n.start
		}
		note, vel := n.note, n.velocity
		s.handles = append(s.handles, s.engine.TriggerAt(base+n.start, func() {
			s.emitOn(gen, note, vel)
		}))
		s.handles = append(s.handles, s.engine.TriggerAt(base+n.start+sustain, func() {
			s.emitOff(gen, note)
		}))
		scheduled++
	}

	s.handles = append(s.handles, s.engine.TriggerAt(base+forcedDuration, func() {
		s.transportStop(gen)
	}))

	slog.Debug("playback scheduled", "notes", scheduled,
		"dropped", len(notes)-scheduled, "forced_duration", forcedDuration)
	return done, nil
}

// Stop halts playback, cancels every scheduled trigger, and is safe
// to call when nothing is playing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if !s.playing {
		return
	}
	s.playing = false
	s.paused = false
	s.generation++
	for _, h := range s.handles {
		s.engine.Cancel(h)
	}
	s.handles = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// Pause suspends the transport without clearing schedule state. Only
// meaningful while playing.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing || s.paused {
		return nil
	}
	if err := s.engine.Suspend(); err != nil {
		return err
	}
	s.paused = true
	return nil
}

// Resume continues a paused playback.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing || !s.paused {
		return nil
	}
	if err := audio.ResumeRetry(s.engine); err != nil {
		return err
	}
	s.paused = false
	return nil
}

// IsPlaying reports whether a schedule is in flight.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// PlayWithLoop plays source loopCount times (-1 repeats until the
// context is canceled) with the configured gap between iterations.
// Cancellation is checked at the top of every iteration, so an
// external stop between loops halts the sequence instead of queuing
// one more. The call blocks until the last iteration finishes or the
// context ends.
func (s *Scheduler) PlayWithLoop(ctx context.Context, source []byte, loopCount int) error {
	gap := time.Duration(s.cfg.LoopGapMs) * time.Millisecond

	for i := 0; loopCount < 0 || i < loopCount; i++ {
		if err := ctx.Err(); err != nil {
			s.Stop()
			return err
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				s.Stop()
				return ctx.Err()
			case <-time.After(gap):
			}
		}

		done, err := s.load(source, 0)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-done:
		}
	}
	return nil
}

// transportStop is the dedicated stop event at the forced duration
// boundary.
func (s *Scheduler) transportStop(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || !s.playing {
		return
	}
	s.stopLocked()
}

func (s *Scheduler) emitOn(gen uint64, note, velocity uint8) {
	s.mu.Lock()
	ok := gen == s.generation && s.playing
	sink := s.sink
	s.mu.Unlock()
	if ok && sink != nil {
		sink.NoteOn(note, velocity)
	}
}

func (s *Scheduler) emitOff(gen uint64, note uint8) {
	s.mu.Lock()
	ok := gen == s.generation && s.playing
	sink := s.sink
	s.mu.Unlock()
	if ok && sink != nil {
		sink.NoteOff(note)
	}
}

// scheduledNote is a note-on paired with its sustain.
type scheduledNote struct {
	note     uint8
	velocity uint8
	start    float64
	sustain  float64
}

// pairNotes matches each note-on with the next note-off of the same
// note number. A note left hanging sustains to the forced duration
// boundary, where the clamp releases it.
func pairNotes(events []smf.NoteEvent, fallbackEnd float64) []scheduledNote {
	var notes []scheduledNote
	open := make(map[uint8][]int) // note number -> indices into notes

	for _, ev := range events {
		if ev.NoteOn {
			open[ev.Note] = append(open[ev.Note], len(notes))
			notes = append(notes, scheduledNote{
				note:     ev.Note,
				velocity: ev.Velocity,
				start:    ev.Time,
				sustain:  fallbackEnd - ev.Time,
			})
			continue
		}
		if idxs := open[ev.Note]; len(idxs) > 0 {
			i := idxs[0]
			open[ev.Note] = idxs[1:]
			notes[i].sustain = ev.Time - notes[i].start
		}
	}
	for i := range notes {
		if notes[i].sustain < 0 {
			notes[i].sustain = 0
		}
	}
	return notes
}
