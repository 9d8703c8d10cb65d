package smf

import (
	"encoding/binary"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2"
)

// Encode serializes events as a complete single-track file.
//
// Events are sorted by time (stable, so arrival order breaks ties)
// and normalized so the earliest event lands on tick 0: leader
// silence from the capture never reaches the file. Encoding an empty
// capture fails with ErrEmptyCapture.
func Encode(events []NoteEvent, timing Timing) ([]byte, error) {
	if len(events) == 0 {
		return nil, ErrEmptyCapture
	}

	track, _ := appendEvents(nil, events, timing, 0)
	track = appendEndOfTrack(track)
	return wrapChunks(track, timing), nil
}

// EncodePadded is Encode plus an inaudible sustain pair: a note-on at
// tick 0 and its note-off at exactly targetSeconds. Players that trim
// playback to the last event time then still observe the full target
// duration. The synthetic note is an implementation detail of the
// file; nothing downstream should surface it.
func EncodePadded(events []NoteEvent, timing Timing, targetSeconds float64) ([]byte, error) {
	if len(events) == 0 {
		return nil, ErrEmptyCapture
	}

	var track []byte
	track = appendVarLen(track, 0)
	track = append(track, midi.NoteOn(0, padNote, padVelocity)...)

	track, lastTicks := appendEvents(track, events, timing, 0)

	targetTicks := int64(math.Round(targetSeconds * timing.TicksPerSecond()))
	gap := targetTicks - lastTicks
	if gap < 0 {
		gap = 0
	}
	track = appendVarLen(track, uint32(gap))
	track = append(track, midi.NoteOffVelocity(0, padNote, padVelocity)...)

	track = appendEndOfTrack(track)
	return wrapChunks(track, timing), nil
}

// appendEvents writes the delta/event pairs for a sorted, normalized
// copy of events, starting from the absolute tick position fromTicks.
// It returns the track bytes and the absolute tick of the last event.
func appendEvents(track []byte, events []NoteEvent, timing Timing, fromTicks int64) ([]byte, int64) {
	ordered := make([]NoteEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Time < ordered[j].Time
	})
	base := ordered[0].Time

	tps := timing.TicksPerSecond()
	prev := fromTicks
	for _, ev := range ordered {
		abs := fromTicks + int64(math.Round((ev.Time-base)*tps))
		delta := abs - prev
		if delta < 0 {
			// Rounding must never produce a signed delta on the wire.
			delta = 0
		}
		prev += delta

		track = appendVarLen(track, uint32(delta))
		if ev.NoteOn {
			track = append(track, midi.NoteOn(0, ev.Note, ev.Velocity)...)
		} else {
			track = append(track, midi.NoteOffVelocity(0, ev.Note, ev.Velocity)...)
		}
	}
	return track, prev
}

func appendEndOfTrack(track []byte) []byte {
	return append(track, 0x00, metaStatus, metaEndOfTrack, 0x00)
}

// wrapChunks frames the track bytes with the fixed file header chunk
// and a track chunk carrying the exact byte length.
func wrapChunks(track []byte, timing Timing) []byte {
	out := make([]byte, 0, 14+8+len(track))

	out = append(out, headerMagic...)
	out = binary.BigEndian.AppendUint32(out, 6)
	out = binary.BigEndian.AppendUint16(out, formatSingleTrack)
	out = binary.BigEndian.AppendUint16(out, trackCount)
	out = binary.BigEndian.AppendUint16(out, uint16(timing.TicksPerQuarter))

	out = append(out, trackMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(track)))
	out = append(out, track...)

	return out
}
