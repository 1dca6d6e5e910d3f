package wire

import "fmt"

// Header bytes for the three terminal packet types.
const (
	HeaderOK  byte = 0x00
	HeaderEOF byte = 0xfe
	HeaderERR byte = 0xff
)

// Server status flags (Protocol::OK_Packet / Protocol::EOF_Packet).
const (
	StatusInTrans    uint16 = 0x0001
	StatusAutocommit uint16 = 0x0002
	StatusMoreResults uint16 = 0x0008
)

// OK is the decoded form of Protocol::OK_Packet.
type OK struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
	Message      string
}

// BuildOK encodes an OK packet payload (header byte through optional
// trailing message).
func BuildOK(ok OK) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, HeaderOK)
	buf = PutLenEncInt(buf, ok.AffectedRows)
	buf = PutLenEncInt(buf, ok.LastInsertID)
	status := make([]byte, 2)
	PutU16LE(status, ok.StatusFlags)
	buf = append(buf, status...)
	warn := make([]byte, 2)
	PutU16LE(warn, ok.Warnings)
	buf = append(buf, warn...)
	if ok.Message != "" {
		buf = append(buf, ok.Message...)
	}
	return buf
}

// DecodeOK parses an OK packet payload (header byte already checked by
// the caller via IsOK).
func DecodeOK(payload []byte) (OK, error) {
	if len(payload) < 1 || payload[0] != HeaderOK {
		return OK{}, fmt.Errorf("%w: not an OK packet", ErrMalformedPacket)
	}
	pos := 1
	affected, pos, err := GetLenEncInt(payload, pos)
	if err != nil {
		return OK{}, err
	}
	insertID, pos, err := GetLenEncInt(payload, pos)
	if err != nil {
		return OK{}, err
	}
	if pos+4 > len(payload) {
		return OK{}, fmt.Errorf("%w: truncated OK status/warnings", ErrMalformedPacket)
	}
	status := GetU16LE(payload[pos : pos+2])
	warnings := GetU16LE(payload[pos+2 : pos+4])
	pos += 4
	msg := ""
	if pos < len(payload) {
		msg = string(payload[pos:])
	}
	return OK{AffectedRows: affected, LastInsertID: insertID, StatusFlags: status, Warnings: warnings, Message: msg}, nil
}

// ERR is the decoded form of Protocol::ERR_Packet.
type ERR struct {
	Code     uint16
	SQLState string
	Message  string
}

// BuildERR encodes an ERR packet payload: 0xFF header, 2-byte errno, '#',
// 5-byte SQLSTATE, message. SQLState is padded/truncated to exactly 5
// characters.
func BuildERR(e ERR) []byte {
	buf := make([]byte, 0, 9+len(e.Message))
	buf = append(buf, HeaderERR)
	code := make([]byte, 2)
	PutU16LE(code, e.Code)
	buf = append(buf, code...)
	buf = append(buf, '#')
	state := e.SQLState
	if len(state) > 5 {
		state = state[:5]
	}
	for len(state) < 5 {
		state += "0"
	}
	buf = append(buf, state...)
	buf = append(buf, e.Message...)
	return buf
}

// DecodeERR parses an ERR packet payload.
func DecodeERR(payload []byte) (ERR, error) {
	if len(payload) < 9 || payload[0] != HeaderERR || payload[3] != '#' {
		return ERR{}, fmt.Errorf("%w: not an ERR packet", ErrMalformedPacket)
	}
	code := GetU16LE(payload[1:3])
	state := string(payload[4:9])
	msg := string(payload[9:])
	return ERR{Code: code, SQLState: state, Message: msg}, nil
}

// EOF is the decoded form of Protocol::EOF_Packet.
type EOF struct {
	Warnings    uint16
	StatusFlags uint16
}

// BuildEOF encodes an EOF packet payload.
func BuildEOF(e EOF) []byte {
	buf := make([]byte, 5)
	buf[0] = HeaderEOF
	PutU16LE(buf[1:3], e.Warnings)
	PutU16LE(buf[3:5], e.StatusFlags)
	return buf
}

// DecodeEOF parses an EOF packet payload. IsEOF should be checked first:
// a 0xFE header with a payload of 9+ bytes is a length-encoded-integer
// field in a result-set row, not an EOF packet.
func DecodeEOF(payload []byte) (EOF, error) {
	if !IsEOF(payload) {
		return EOF{}, fmt.Errorf("%w: not an EOF packet", ErrMalformedPacket)
	}
	return EOF{Warnings: GetU16LE(payload[1:3]), StatusFlags: GetU16LE(payload[3:5])}, nil
}

// IsOK reports whether payload is an OK packet.
func IsOK(payload []byte) bool {
	return len(payload) >= 1 && payload[0] == HeaderOK
}

// IsERR reports whether payload is an ERR packet.
func IsERR(payload []byte) bool {
	return len(payload) >= 1 && payload[0] == HeaderERR
}

// IsEOF reports whether payload is an EOF packet: header 0xFE and short
// enough not to be a length-encoded-integer column value (MySQL caps a
// true EOF packet at 9 bytes; deprecate_eof builds never emit one).
func IsEOF(payload []byte) bool {
	return len(payload) == 5 && payload[0] == HeaderEOF
}

// ReplyKind classifies a terminal reply packet for SCL bookkeeping.
type ReplyKind int

const (
	ReplyUnknown ReplyKind = iota
	ReplyOK
	ReplyERR
	ReplyEOF
)

// ClassifyReply returns which terminal kind payload is, or ReplyUnknown
// if it is none of OK/ERR/EOF (e.g. a result-set packet).
func ClassifyReply(payload []byte) ReplyKind {
	switch {
	case IsERR(payload):
		return ReplyERR
	case IsOK(payload):
		return ReplyOK
	case IsEOF(payload):
		return ReplyEOF
	default:
		return ReplyUnknown
	}
}
