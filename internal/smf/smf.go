// Package smf encodes captured note events as a format 0 Standard MIDI
// File and decodes such files back into discrete note events.
//
// The byte layout is fixed: one MThd chunk (format 0, one track), one
// MTrk chunk holding (variable-length delta, channel-voice event)
// pairs on channel 0, terminated by an end-of-track meta event. The
// codec assumes a single fixed tempo for the whole file; the tick rate
// is derived from the Timing it is given, never hardcoded.
package smf

import (
	"errors"
)

// Sentinel errors returned by Encode and Decode. Callers match them
// with errors.Is; the wrapped message carries the detail.
var (
	// ErrEmptyCapture is returned when encoding a capture that holds
	// no events. An empty capture has no meaningful file form, so the
	// export is blocked entirely rather than producing a header-only
	// file.
	ErrEmptyCapture = errors.New("capture contains no events")

	// ErrMalformedFile is returned when decoding data whose chunk
	// magics or declared lengths do not describe a valid file.
	ErrMalformedFile = errors.New("malformed midi file")
)

// NoteEvent is a single captured note-on or note-off.
//
// Time is in seconds relative to the start of the capture session.
// Events are appended in arrival order, which is not guaranteed to be
// time order; Encode sorts before serializing.
type NoteEvent struct {
	Note     uint8   // MIDI note number, 0-127
	Velocity uint8   // 0-127
	Time     float64 // seconds from session start, >= 0
	NoteOn   bool
}

// Timing carries the shared tempo domain. Every component that
// converts between seconds and ticks must be handed the same Timing.
type Timing struct {
	BPM             float64
	TicksPerQuarter int
}

// TicksPerSecond derives the tick rate from the tempo
// (TicksPerQuarter * BPM / 60; 160 at the 100 BPM, 96 TPQN default).
func (t Timing) TicksPerSecond() float64 {
	return float64(t.TicksPerQuarter) * t.BPM / 60.0
}

// File format constants.
const (
	headerMagic = "MThd"
	trackMagic  = "MTrk"

	formatSingleTrack = 0
	trackCount        = 1

	// Meta event framing inside a track chunk.
	metaStatus     = 0xFF
	metaEndOfTrack = 0x2F

	// Synthetic sustain note used by EncodePadded, at the top of the
	// note range where no performer plays and quiet enough to stay
	// inaudible.
	padNote     = 127
	padVelocity = 1
)
