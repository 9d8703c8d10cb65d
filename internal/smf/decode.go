package smf

import (
	"encoding/binary"
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// Decode parses a single-track file produced by Encode (or any
// format 0 file within this codec's event vocabulary) back into
// discrete note events. Timing supplies the tick-to-seconds
// conversion; it must match the timing the file was encoded with.
//
// Meta events other than end-of-track and sysex data are skipped.
// A wrong chunk magic, a declared length that exceeds the buffer, or
// a truncated event fails with ErrMalformedFile; decoding never
// partially succeeds into a corrupt event list.
func Decode(data []byte, timing Timing) ([]NoteEvent, error) {
	track, err := trackChunk(data)
	if err != nil {
		return nil, err
	}
	return decodeTrack(track, timing)
}

// trackChunk validates the header chunk and returns the body of the
// first track chunk, bounded by its declared length.
func trackChunk(data []byte) ([]byte, error) {
	if len(data) < 14 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a header chunk", ErrMalformedFile, len(data))
	}
	if string(data[0:4]) != headerMagic {
		return nil, fmt.Errorf("%w: bad header magic %q", ErrMalformedFile, data[0:4])
	}
	headerLen := binary.BigEndian.Uint32(data[4:8])
	if headerLen < 6 || int(8+headerLen) > len(data) {
		return nil, fmt.Errorf("%w: header chunk length %d exceeds buffer", ErrMalformedFile, headerLen)
	}

	offset := 8 + int(headerLen)
	if offset+8 > len(data) {
		return nil, fmt.Errorf("%w: no track chunk after header", ErrMalformedFile)
	}
	if string(data[offset:offset+4]) != trackMagic {
		return nil, fmt.Errorf("%w: bad track magic %q", ErrMalformedFile, data[offset:offset+4])
	}
	trackLen := binary.BigEndian.Uint32(data[offset+4 : offset+8])
	body := offset + 8
	if body+int(trackLen) > len(data) {
		return nil, fmt.Errorf("%w: track chunk length %d exceeds buffer", ErrMalformedFile, trackLen)
	}
	return data[body : body+int(trackLen)], nil
}

func decodeTrack(track []byte, timing Timing) ([]NoteEvent, error) {
	tps := timing.TicksPerSecond()

	var events []NoteEvent
	var ticks uint32
	var running byte

	pos := 0
	for pos < len(track) {
		delta, n, err := readVarLen(track[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		ticks += delta

		if pos >= len(track) {
			return nil, fmt.Errorf("%w: delta time without an event", ErrMalformedFile)
		}

		status := track[pos]
		if status < 0x80 {
			// Running status: reuse the previous channel status byte.
			if running == 0 {
				return nil, fmt.Errorf("%w: data byte 0x%02X without running status", ErrMalformedFile, status)
			}
			status = running
		} else {
			pos++
		}

		switch {
		case status == metaStatus:
			running = 0
			if pos >= len(track) {
				return nil, fmt.Errorf("%w: truncated meta event", ErrMalformedFile)
			}
			metaType := track[pos]
			pos++
			length, n, err := readVarLen(track[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			if pos+int(length) > len(track) {
				return nil, fmt.Errorf("%w: meta event length %d exceeds track", ErrMalformedFile, length)
			}
			if metaType == metaEndOfTrack {
				return events, nil
			}
			pos += int(length)

		case status == 0xF0 || status == 0xF7:
			running = 0
			length, n, err := readVarLen(track[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			if pos+int(length) > len(track) {
				return nil, fmt.Errorf("%w: sysex length %d exceeds track", ErrMalformedFile, length)
			}
			pos += int(length)

		case status >= 0x80:
			running = status
			dataLen := 2
			if status >= 0xC0 && status < 0xE0 {
				dataLen = 1
			}
			if pos+dataLen > len(track) {
				return nil, fmt.Errorf("%w: truncated channel event 0x%02X", ErrMalformedFile, status)
			}

			raw := append(midi.Message{status}, track[pos:pos+dataLen]...)
			pos += dataLen

			var ch, key, vel uint8
			switch {
			case raw.GetNoteStart(&ch, &key, &vel):
				events = append(events, NoteEvent{
					Note:     key,
					Velocity: vel,
					Time:     float64(ticks) / tps,
					NoteOn:   true,
				})
			case raw.GetNoteEnd(&ch, &key):
				// Covers both 0x8n and the 0x9n velocity-0 spelling.
				events = append(events, NoteEvent{
					Note:     key,
					Velocity: raw[2],
					Time:     float64(ticks) / tps,
					NoteOn:   false,
				})
			}
			// Other channel-voice events are outside this codec's
			// vocabulary and are skipped.

		default:
			return nil, fmt.Errorf("%w: unexpected status byte 0x%02X", ErrMalformedFile, status)
		}
	}

	return nil, fmt.Errorf("%w: track ended without end-of-track event", ErrMalformedFile)
}
