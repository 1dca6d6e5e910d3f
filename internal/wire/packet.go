// Package wire implements the MySQL client/server wire protocol: packet
// framing, length-encoded primitives, and the three terminal packet types
// (OK, ERR, EOF). It owns no session state.
package wire

import (
	"errors"
	"fmt"
)

// MaxPayload is the largest payload a single frame can carry before the
// codec must split it into continuation frames (2^24 - 1).
const MaxPayload = 1<<24 - 1

// ErrNeedMore is returned by ReadPackets when fewer than a full frame's
// worth of bytes are buffered. It is not a failure: the caller should
// retry once more bytes have arrived.
var ErrNeedMore = errors.New("wire: need more bytes")

// ErrMalformedPacket indicates the buffered bytes cannot be a valid MySQL
// packet (a length-encoded field running off the end of the payload, an
// impossible header, etc).
var ErrMalformedPacket = errors.New("wire: malformed packet")

// Packet is one logical MySQL message: a (possibly reassembled) payload
// plus the sequence number of the frame it started in.
type Packet struct {
	Seq     byte
	Payload []byte
}

// ReadPackets scans buf for complete packets, reassembling any payload
// that was split across MaxPayload-sized continuation frames. It returns
// the packets found, the number of bytes of buf consumed, and
// ErrNeedMore if the trailing bytes are an incomplete frame (the caller
// should keep the unconsumed tail for the next read). ReadPackets does
// not return ErrMalformedPacket: every 4-byte header is a valid frame
// header.
func ReadPackets(buf []byte) (pkts []Packet, consumed int, err error) {
	for {
		if len(buf)-consumed < 4 {
			if consumed == len(buf) {
				return pkts, consumed, nil
			}
			return pkts, consumed, ErrNeedMore
		}

		hdr := buf[consumed : consumed+4]
		length := GetU24LE(hdr[0:3])
		seq := hdr[3]

		if len(buf)-consumed-4 < length {
			return pkts, consumed, ErrNeedMore
		}

		payload := buf[consumed+4 : consumed+4+length]
		consumed += 4 + length

		if length < MaxPayload {
			pkts = append(pkts, Packet{Seq: seq, Payload: clone(payload)})
			continue
		}

		// Continuation: keep reading frames with the same payload until one
		// is shorter than MaxPayload (including a final empty frame).
		full := append([]byte(nil), payload...)
		firstSeq := seq
		for {
			if len(buf)-consumed < 4 {
				return pkts, consumed, ErrNeedMore
			}
			hdr := buf[consumed : consumed+4]
			contLen := GetU24LE(hdr[0:3])
			if len(buf)-consumed-4 < contLen {
				return pkts, consumed, ErrNeedMore
			}
			contPayload := buf[consumed+4 : consumed+4+contLen]
			consumed += 4 + contLen
			full = append(full, contPayload...)
			if contLen < MaxPayload {
				break
			}
		}
		pkts = append(pkts, Packet{Seq: firstSeq, Payload: full})
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// EncodePacket frames payload as one or more wire frames, splitting at
// MaxPayload boundaries and resplitting transparently. seq is the
// sequence number of the first frame; it increments (mod 256) for each
// continuation frame, matching the MySQL protocol's per-frame sequencing.
func EncodePacket(seq byte, payload []byte) []byte {
	if len(payload) < MaxPayload {
		out := make([]byte, 4+len(payload))
		PutU24LE(out[0:3], len(payload))
		out[3] = seq
		copy(out[4:], payload)
		return out
	}

	var out []byte
	remaining := payload
	for {
		chunk := remaining
		if len(chunk) > MaxPayload {
			chunk = chunk[:MaxPayload]
		}
		hdr := make([]byte, 4)
		PutU24LE(hdr[0:3], len(chunk))
		hdr[3] = seq
		out = append(out, hdr...)
		out = append(out, chunk...)
		seq++
		remaining = remaining[len(chunk):]
		if len(chunk) < MaxPayload {
			return out
		}
		if len(remaining) == 0 {
			// Exact multiple of MaxPayload: emit a trailing empty frame so
			// the reassembler knows the message ended.
			hdr := make([]byte, 4)
			PutU24LE(hdr[0:3], 0)
			hdr[3] = seq
			out = append(out, hdr...)
			return out
		}
	}
}

// --- primitive readers/writers -------------------------------------------------

// PutU16LE writes v into dst[0:2] little-endian. dst must have length >= 2.
func PutU16LE(dst []byte, v uint16) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
}

// PutU24LE writes v into dst[0:3] little-endian. dst must have length >= 3.
func PutU24LE(dst []byte, v int) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

// PutU32LE writes v into dst[0:4] little-endian. dst must have length >= 4.
func PutU32LE(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

// GetU16LE reads a little-endian uint16 from src[0:2].
func GetU16LE(src []byte) uint16 {
	return uint16(src[0]) | uint16(src[1])<<8
}

// GetU24LE reads a little-endian 24-bit unsigned integer from src[0:3].
func GetU24LE(src []byte) int {
	return int(src[0]) | int(src[1])<<8 | int(src[2])<<16
}

// GetU32LE reads a little-endian uint32 from src[0:4].
func GetU32LE(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}

// PutLenEncInt appends v to dst in MySQL length-encoded-integer form.
func PutLenEncInt(dst []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(dst, byte(v))
	case v <= 0xffff:
		b := make([]byte, 2)
		PutU16LE(b, uint16(v))
		return append(append(dst, 0xfc), b...)
	case v <= 0xffffff:
		b := make([]byte, 3)
		PutU24LE(b, int(v))
		return append(append(dst, 0xfd), b...)
	default:
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		return append(append(dst, 0xfe), b...)
	}
}

// GetLenEncInt reads a length-encoded integer from src starting at pos.
// Returns the value, the position just past it, and an error if src is
// too short or carries the NULL sentinel (0xfb) where an integer was
// expected.
func GetLenEncInt(src []byte, pos int) (v uint64, next int, err error) {
	if pos >= len(src) {
		return 0, pos, fmt.Errorf("%w: length-encoded int past end", ErrMalformedPacket)
	}
	first := src[pos]
	switch {
	case first < 0xfb:
		return uint64(first), pos + 1, nil
	case first == 0xfb:
		return 0, pos + 1, fmt.Errorf("%w: length-encoded int is NULL sentinel", ErrMalformedPacket)
	case first == 0xfc:
		if pos+3 > len(src) {
			return 0, pos, fmt.Errorf("%w: truncated 2-byte length-encoded int", ErrMalformedPacket)
		}
		return uint64(GetU16LE(src[pos+1 : pos+3])), pos + 3, nil
	case first == 0xfd:
		if pos+4 > len(src) {
			return 0, pos, fmt.Errorf("%w: truncated 3-byte length-encoded int", ErrMalformedPacket)
		}
		return uint64(GetU24LE(src[pos+1 : pos+4])), pos + 4, nil
	case first == 0xfe:
		if pos+9 > len(src) {
			return 0, pos, fmt.Errorf("%w: truncated 8-byte length-encoded int", ErrMalformedPacket)
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(src[pos+1+i]) << (8 * i)
		}
		return v, pos + 9, nil
	default:
		return 0, pos, fmt.Errorf("%w: impossible length-encoded int prefix", ErrMalformedPacket)
	}
}

// PutLenEncString appends v to dst as a length-encoded string.
func PutLenEncString(dst []byte, v string) []byte {
	dst = PutLenEncInt(dst, uint64(len(v)))
	return append(dst, v...)
}

// GetLenEncString reads a length-encoded string from src starting at pos.
func GetLenEncString(src []byte, pos int) (s string, next int, err error) {
	n, next, err := GetLenEncInt(src, pos)
	if err != nil {
		return "", pos, err
	}
	if next+int(n) > len(src) {
		return "", pos, fmt.Errorf("%w: length-encoded string past end", ErrMalformedPacket)
	}
	return string(src[next : next+int(n)]), next + int(n), nil
}

// GetNulString reads a NUL-terminated string from src starting at pos.
func GetNulString(src []byte, pos int) (s string, next int, err error) {
	end := pos
	for end < len(src) && src[end] != 0 {
		end++
	}
	if end >= len(src) {
		return "", pos, fmt.Errorf("%w: unterminated string", ErrMalformedPacket)
	}
	return string(src[pos:end]), end + 1, nil
}
