package backendpool

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/relaydb/mxgateway/internal/auth"
	"github.com/relaydb/mxgateway/internal/wire"
)

const (
	clientLongPassword     = uint32(1)
	clientConnectWithDB    = uint32(8)
	clientProtocol41       = uint32(512)
	clientSecureConnection = uint32(32768)
	clientPluginAuth       = uint32(1 << 19)
)

// readRawPacket reads a single packet header+payload directly off conn,
// bypassing wire.ReadPackets' buffer-reassembly (there is no accumulated
// read buffer on the dial path — one packet is expected at a time).
func readRawPacket(conn net.Conn) (payload []byte, seq byte, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return nil, 0, err
	}
	length := wire.GetU24LE(hdr[:3])
	seq = hdr[3]
	if length == 0 {
		return []byte{}, seq, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return nil, seq, err
	}
	return payload, seq, nil
}

func writeRawPacket(conn net.Conn, payload []byte, seq byte) error {
	_, err := conn.Write(wire.EncodePacket(seq, payload))
	return err
}

// serverHandshake is the subset of Protocol::HandshakeV10 the dial path
// needs: the 20-byte scramble and whether the server wants plugin auth.
type serverHandshake struct {
	scramble   [auth.ScrambleLen]byte
	pluginName string
}

func parseServerHandshake(pkt []byte) (serverHandshake, error) {
	var hs serverHandshake
	if len(pkt) < 1 {
		return hs, fmt.Errorf("backendpool: empty handshake packet")
	}
	if pkt[0] == 0xff {
		return hs, fmt.Errorf("backendpool: server sent error on connect")
	}

	pos := 1 // protocol version
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++ // server version NUL
	if pos+4 > len(pkt) {
		return hs, fmt.Errorf("backendpool: handshake too short")
	}
	pos += 4 // connection id

	if pos+8 > len(pkt) {
		return hs, fmt.Errorf("backendpool: handshake too short for scramble part 1")
	}
	var scramble []byte
	scramble = append(scramble, pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return hs, fmt.Errorf("backendpool: handshake too short for capabilities")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return hs, fmt.Errorf("backendpool: handshake too short for charset/status")
	}
	pos += 3 // charset + status flags

	if pos+2 > len(pkt) {
		return hs, fmt.Errorf("backendpool: handshake too short for capabilities high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	capFlags := capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
		pos++
	}
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		scramble = append(scramble, part2...)
		pos += part2Len
	}

	hs.pluginName = "mysql_native_password"
	if capFlags&clientPluginAuth != 0 && pos < len(pkt) {
		end := pos
		for end < len(pkt) && pkt[end] != 0 {
			end++
		}
		hs.pluginName = string(pkt[pos:end])
	}

	if len(scramble) < auth.ScrambleLen {
		return hs, fmt.Errorf("backendpool: short scramble (%d bytes)", len(scramble))
	}
	copy(hs.scramble[:], scramble[:auth.ScrambleLen])
	return hs, nil
}

func buildHandshakeResponse(username, schema string, authResponse []byte) []byte {
	clientCaps := clientLongPassword | clientProtocol41 | clientSecureConnection | clientPluginAuth
	if schema != "" {
		clientCaps |= clientConnectWithDB
	}

	var resp []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, clientCaps)
	resp = append(resp, capBuf...)
	resp = append(resp, 0xff, 0xff, 0xff, 0x00) // max_packet_size
	resp = append(resp, 0x21)                   // utf8_general_ci
	resp = append(resp, make([]byte, 23)...)    // reserved
	resp = append(resp, []byte(username)...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(authResponse)))
	resp = append(resp, authResponse...)
	if schema != "" {
		resp = append(resp, []byte(schema)...)
		resp = append(resp, 0)
	}
	resp = append(resp, []byte("mysql_native_password")...)
	resp = append(resp, 0)
	return resp
}

// authenticate performs the MySQL connection-phase handshake on a fresh
// connection using mysql_native_password, replaying step2 (the
// single-SHA1 of the client's password, captured during the client's
// own authentication) as the backend credential. The plaintext password
// and the double-SHA1 digest both stay out of this path entirely: step2
// is the only credential material this gateway ever forwards.
func authenticate(conn net.Conn, username string, step2 []byte, schema string) error {
	pkt, _, err := readRawPacket(conn)
	if err != nil {
		return fmt.Errorf("backendpool: reading server handshake: %w", err)
	}
	hs, err := parseServerHandshake(pkt)
	if err != nil {
		return err
	}

	var token []byte
	if hs.pluginName == "mysql_native_password" {
		token = auth.BuildClientTokenFromStep2(hs.scramble, step2)
	}

	resp := buildHandshakeResponse(username, schema, token)
	if err := writeRawPacket(conn, resp, 1); err != nil {
		return fmt.Errorf("backendpool: sending handshake response: %w", err)
	}

	pkt, _, err = readRawPacket(conn)
	if err != nil {
		return fmt.Errorf("backendpool: reading auth result: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("backendpool: empty auth result")
	}

	switch wire.ClassifyReply(pkt) {
	case wire.ReplyOK:
		return nil
	case wire.ReplyERR:
		errPkt, err := wire.DecodeERR(pkt)
		if err != nil {
			return fmt.Errorf("backendpool: auth failed (unparsable error)")
		}
		return fmt.Errorf("backendpool: auth failed: %s", errPkt.Message)
	default:
		if pkt[0] == 0xfe {
			return authSwitch(conn, pkt, step2)
		}
		return fmt.Errorf("backendpool: unexpected auth response byte 0x%02x", pkt[0])
	}
}

// authSwitch handles an AuthSwitchRequest. Only mysql_native_password is
// supported; anything else fails the dial.
func authSwitch(conn net.Conn, pkt []byte, step2 []byte) error {
	nameEnd := 1
	for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
		nameEnd++
	}
	plugin := string(pkt[1:nameEnd])
	if plugin != "mysql_native_password" {
		return fmt.Errorf("backendpool: unsupported auth plugin switch: %s", plugin)
	}

	var scrambleBytes []byte
	if nameEnd+1 < len(pkt) {
		scrambleBytes = pkt[nameEnd+1:]
		if len(scrambleBytes) > 0 && scrambleBytes[len(scrambleBytes)-1] == 0 {
			scrambleBytes = scrambleBytes[:len(scrambleBytes)-1]
		}
	}
	if len(scrambleBytes) < auth.ScrambleLen {
		return fmt.Errorf("backendpool: short scramble in auth switch")
	}
	var scramble [auth.ScrambleLen]byte
	copy(scramble[:], scrambleBytes[:auth.ScrambleLen])

	token := auth.BuildClientTokenFromStep2(scramble, step2)
	if err := writeRawPacket(conn, token, 3); err != nil {
		return fmt.Errorf("backendpool: sending auth switch response: %w", err)
	}

	pkt, _, err := readRawPacket(conn)
	if err != nil {
		return fmt.Errorf("backendpool: reading auth switch result: %w", err)
	}
	if len(pkt) < 1 || wire.ClassifyReply(pkt) != wire.ReplyOK {
		return fmt.Errorf("backendpool: auth failed after plugin switch")
	}
	return nil
}
