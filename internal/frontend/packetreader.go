package frontend

import (
	"errors"
	"net"

	"github.com/relaydb/mxgateway/internal/wire"
)

// packetReader feeds raw socket reads through wire.ReadPackets,
// buffering a partial trailing frame across calls so a short read
// never loses bytes, using Go's blocking goroutine-per-connection
// model instead of an external poller handing the handler fresh bytes.
type packetReader struct {
	conn  net.Conn
	raw   []byte
	queue []wire.Packet
}

func newPacketReader(conn net.Conn) *packetReader {
	return &packetReader{conn: conn}
}

// next returns the next complete, reassembled packet, reading more from
// the socket as needed.
func (pr *packetReader) next() (wire.Packet, error) {
	for len(pr.queue) == 0 {
		pkts, consumed, err := wire.ReadPackets(pr.raw)
		pr.raw = pr.raw[consumed:]
		if len(pkts) > 0 {
			pr.queue = pkts
			break
		}
		if err != nil && !errors.Is(err, wire.ErrNeedMore) {
			return wire.Packet{}, err
		}

		chunk := make([]byte, 4096)
		n, rerr := pr.conn.Read(chunk)
		if n > 0 {
			pr.raw = append(pr.raw, chunk[:n]...)
		}
		if rerr != nil {
			return wire.Packet{}, rerr
		}
	}
	pkt := pr.queue[0]
	pr.queue = pr.queue[1:]
	return pkt, nil
}
