package smf

import "fmt"

// appendVarLen appends v as a variable-length quantity: big-endian
// 7-bit groups with the continuation bit (0x80) set on every byte but
// the last. v must not be negative; delta extraction clamps before
// calling.
func appendVarLen(dst []byte, v uint32) []byte {
	buf := v & 0x7F
	for v >>= 7; v > 0; v >>= 7 {
		buf = (buf << 8) | (v & 0x7F) | 0x80
	}
	for {
		dst = append(dst, byte(buf))
		if buf&0x80 == 0 {
			return dst
		}
		buf >>= 8
	}
}

// readVarLen decodes a variable-length quantity from the front of
// data, returning the value and the number of bytes consumed. A
// quantity whose continuation never terminates inside data (or inside
// the 4-byte limit the format allows) is malformed.
func readVarLen(data []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < len(data); i++ {
		if i == 4 {
			return 0, 0, fmt.Errorf("%w: variable-length quantity longer than 4 bytes", ErrMalformedFile)
		}
		b := data[i]
		v = (v << 7) | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: truncated variable-length quantity", ErrMalformedFile)
}
