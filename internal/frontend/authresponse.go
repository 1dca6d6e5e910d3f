package frontend

import (
	"fmt"

	"github.com/relaydb/mxgateway/internal/wire"
)

// HandshakeResponse is the parsed form of HandshakeResponse41.
type HandshakeResponse struct {
	Capabilities uint32
	Username     string
	AuthResponse []byte
	Schema       string
}

// ParseHandshakeResponse parses the fixed 32-byte header, then the
// NUL-terminated username, length-prefixed auth response token, and
// optional NUL-terminated schema (only present when
// CLIENT_CONNECT_WITH_DB was negotiated). Every length is bounds-checked
// against the remaining payload; malformed input is rejected rather than
// read past the buffer.
func ParseHandshakeResponse(payload []byte) (HandshakeResponse, error) {
	var hr HandshakeResponse
	if len(payload) < 32 {
		return hr, fmt.Errorf("%w: handshake response shorter than fixed header", wire.ErrMalformedPacket)
	}
	hr.Capabilities = wire.GetU32LE(payload[0:4])
	// payload[4:8] max-packet, payload[8] charset, payload[9:32] reserved

	pos := 32
	username, pos, err := wire.GetNulString(payload, pos)
	if err != nil {
		return hr, fmt.Errorf("username: %w", err)
	}
	hr.Username = username

	if pos >= len(payload) {
		return hr, fmt.Errorf("%w: missing auth response token length", wire.ErrMalformedPacket)
	}
	tokenLen := int(payload[pos])
	pos++
	if pos+tokenLen > len(payload) {
		return hr, fmt.Errorf("%w: auth response token runs past end", wire.ErrMalformedPacket)
	}
	hr.AuthResponse = payload[pos : pos+tokenLen]
	pos += tokenLen

	if hr.Capabilities&uint32(capConnectWithDB) != 0 && pos < len(payload) {
		schema, _, err := wire.GetNulString(payload, pos)
		if err != nil {
			return hr, fmt.Errorf("schema: %w", err)
		}
		hr.Schema = schema
	}

	return hr, nil
}
