// Package recorder captures timestamped note events during a session
// bounded by a fixed duration or a rolling silence timeout.
package recorder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/midicapture/internal/config"
	"github.com/audiolibrelab/midicapture/internal/smf"
)

// Mode selects the stopping policy of a session.
type Mode int

const (
	// ModeFixedDuration stops the session after a fixed duration.
	ModeFixedDuration Mode = iota
	// ModeSilenceTimeout stops the session once no note-on has
	// arrived for the configured timeout, with a hard duration cap.
	ModeSilenceTimeout
)

// State of the session machine. Stopped is the only state from which
// the captured events may be exported.
type State int

const (
	Idle State = iota
	Recording
	Stopped
	Canceled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Recording:
		return "RECORDING"
	case Stopped:
		return "STOPPED"
	case Canceled:
		return "CANCELED"
	}
	return "UNKNOWN"
}

// Recorder is the note event capture state machine. All methods are
// safe to call from timer callbacks; wrong-state calls are silent
// no-ops, which is the expected shape of races in event-driven use.
type Recorder struct {
	cfg   config.CaptureConfig
	nowMs func() float64

	mu         sync.Mutex
	state      State
	mode       Mode
	startMs    float64
	events     []smf.NoteEvent
	generation uint64

	durationTimer *time.Timer
	silenceTimer  *time.Timer
	capTimer      *time.Timer

	onAutoStop func([]smf.NoteEvent)
}

// New builds a recorder. nowMs supplies the session clock in
// milliseconds; pass nil to use the wall clock. Feeding it from the
// audio engine clock keeps note timestamps coherent with the
// metronome.
func New(cfg config.CaptureConfig, nowMs func() float64) *Recorder {
	if nowMs == nil {
		start := time.Now()
		nowMs = func() float64 {
			return float64(time.Since(start)) / float64(time.Millisecond)
		}
	}
	return &Recorder{cfg: cfg, nowMs: nowMs}
}

// SetOnAutoStop installs a callback invoked with the captured events
// when a timer (fixed duration, silence, or the hard cap) stops the
// session. Manual Stop calls do not invoke it.
func (r *Recorder) SetOnAutoStop(fn func([]smf.NoteEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAutoStop = fn
}

// Start begins a session, unconditionally clearing any prior events
// and timers first: starting twice in a row never leaks state.
// durationSeconds bounds a ModeFixedDuration session; it is ignored
// in silence mode.
func (r *Recorder) Start(mode Mode, durationSeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearTimersLocked()
	r.generation++
	gen := r.generation

	r.state = Recording
	r.mode = mode
	r.events = nil
	r.startMs = r.nowMs()

	switch mode {
	case ModeFixedDuration:
		r.durationTimer = time.AfterFunc(secondsToDuration(durationSeconds), func() {
			r.autoStop(gen, "duration reached")
		})
	case ModeSilenceTimeout:
		r.silenceTimer = time.AfterFunc(secondsToDuration(r.cfg.SilenceTimeout), func() {
			r.autoStop(gen, "silence timeout")
		})
		r.capTimer = time.AfterFunc(secondsToDuration(r.cfg.MaxDuration), func() {
			r.autoStop(gen, "max duration cap")
		})
	}
	slog.Debug("recording started", "mode", mode, "duration", durationSeconds)
}

// AddNote stores one note event with a session-relative timestamp.
// timestampMs is on the same clock Start used. A no-op unless a
// session is active. In silence mode every note-on pushes the
// inactivity timer back.
func (r *Recorder) AddNote(note, velocity uint8, timestampMs float64, noteOn bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Recording {
		return
	}

	r.events = append(r.events, smf.NoteEvent{
		Note:     note,
		Velocity: velocity,
		Time:     (timestampMs - r.startMs) / 1000.0,
		NoteOn:   noteOn,
	})

	if noteOn && r.mode == ModeSilenceTimeout && r.silenceTimer != nil {
		r.silenceTimer.Reset(secondsToDuration(r.cfg.SilenceTimeout))
	}
}

// Stop ends the session and returns the captured events in arrival
// order. Idempotent: stopping an idle recorder is a no-op, stopping a
// stopped one returns the same events again. After Cancel it returns
// nothing.
func (r *Recorder) Stop() []smf.NoteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *Recorder) stopLocked() []smf.NoteEvent {
	switch r.state {
	case Recording:
		r.clearTimersLocked()
		r.generation++
		r.state = Stopped
		slog.Debug("recording stopped", "events", len(r.events))
		return r.events
	case Stopped:
		return r.events
	default:
		return nil
	}
}

// Cancel ends the session and discards everything captured. The
// discarded events are gone, not merely empty: any later Stop or
// export sees none of them.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Recording {
		return
	}
	r.clearTimersLocked()
	r.generation++
	r.state = Canceled
	r.events = nil
	slog.Debug("recording canceled, capture discarded")
}

// State returns the current session state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// autoStop is the shared timer body. The generation guard keeps a
// timer that fired after a cancel or restart, but before its stop was
// processed, from acting on the wrong session.
func (r *Recorder) autoStop(gen uint64, reason string) {
	r.mu.Lock()
	if gen != r.generation || r.state != Recording {
		r.mu.Unlock()
		return
	}
	events := r.stopLocked()
	cb := r.onAutoStop
	r.mu.Unlock()

	slog.Debug("recording auto-stopped", "reason", reason, "events", len(events))
	if cb != nil {
		cb(events)
	}
}

func (r *Recorder) clearTimersLocked() {
	for _, t := range []*time.Timer{r.durationTimer, r.silenceTimer, r.capTimer} {
		if t != nil {
			t.Stop()
		}
	}
	r.durationTimer, r.silenceTimer, r.capTimer = nil, nil, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
