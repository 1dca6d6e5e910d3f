package frontend

import (
	"github.com/relaydb/mxgateway/internal/auth"
	"github.com/relaydb/mxgateway/internal/wire"
)

// Capability flags the handshake advertises: 4.1 protocol, secure
// connection, plugin auth. Deliberately missing CLIENT_SSL and
// CLIENT_COMPRESS; this gateway speaks plaintext only.
const (
	capLongPassword     = uint32(0x00000001)
	capConnectWithDB    = uint32(0x00000008)
	capProtocol41       = uint32(0x00000200)
	capSecureConnection = uint32(0x00008000)
	capPluginAuth       = uint32(0x00080000)
)

const serverVersion = "5.7.0-mxgateway"

// BuildHandshake encodes Protocol::HandshakeV10. connID stands in for
// a real server's pid-XOR-fd connection id: extracting a raw socket fd
// from a net.Conn isn't expressible portably in Go, so the caller
// derives connID from a process-wide atomic counter instead.
func BuildHandshake(connID uint32, scramble [auth.ScrambleLen]byte) []byte {
	capLow := uint16(capLongPassword | capConnectWithDB | capProtocol41 | capSecureConnection)
	capHigh := uint16((capPluginAuth) >> 16)

	var buf []byte
	buf = append(buf, 10) // protocol version
	buf = append(buf, serverVersion...)
	buf = append(buf, 0)

	id := make([]byte, 4)
	wire.PutU32LE(id, connID)
	buf = append(buf, id...)

	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0) // filler

	lo := make([]byte, 2)
	wire.PutU16LE(lo, capLow)
	buf = append(buf, lo...)

	buf = append(buf, 0x08)       // charset: latin1_swedish_ci
	buf = append(buf, 0x02, 0x00) // status: SERVER_STATUS_AUTOCOMMIT

	hi := make([]byte, 2)
	wire.PutU16LE(hi, capHigh)
	buf = append(buf, hi...)

	buf = append(buf, byte(auth.ScrambleLen+1)) // auth-plugin-data-len
	buf = append(buf, make([]byte, 10)...)       // reserved

	buf = append(buf, scramble[8:]...)
	buf = append(buf, 0) // terminator for scramble part 2

	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}
