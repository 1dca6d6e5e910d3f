package router

import (
	"context"
	"crypto/sha1" //nolint:gosec // mirrors the mysql_native_password algorithm's own use of SHA-1
	"net"
	"sync"
	"testing"
	"time"

	"github.com/relaydb/mxgateway/internal/auth"
	"github.com/relaydb/mxgateway/internal/backendpool"
	"github.com/relaydb/mxgateway/internal/scl"
	"github.com/relaydb/mxgateway/internal/wire"
)

// fakeBackend speaks just enough of the connection phase and command
// phase to drive a RoutingSession through Dial/replay/broadcast/
// routeSingle against a real net.Conn pair, mirroring the handshake
// fake server in internal/backendpool's own tests.
type fakeBackend struct {
	ln       net.Listener
	scramble [auth.ScrambleLen]byte
	digest   [20]byte

	// respond is called once per command packet the fake backend
	// receives after authentication; it returns the raw reply payloads
	// to write back, in order (so a single incoming command can drive a
	// multi-packet result set).
	respond func(payload []byte) [][]byte
}

func newFakeBackend(t *testing.T, respond func(payload []byte) [][]byte) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	scramble, err := auth.GenScramble()
	if err != nil {
		t.Fatalf("gen scramble: %v", err)
	}
	return &fakeBackend{
		ln:       ln,
		scramble: scramble,
		digest:   auth.DoubleSHA1([]byte("secret")),
		respond:  respond,
	}
}

func (f *fakeBackend) addr() string { return f.ln.Addr().String() }

func (f *fakeBackend) spec(id string) backendpool.Spec {
	host, port := splitHostPort(f.addr())
	return backendpool.Spec{ID: id, Host: host, Port: port, Username: "alice", Schema: "db"}
}

// step2 returns SHA1("secret"), the credential a RoutingSession would
// have captured from a client authenticating with that password, for
// driving Dial's backend replay in tests.
func (f *fakeBackend) step2() []byte {
	h := sha1.Sum([]byte("secret")) //nolint:gosec
	return h[:]
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", 0
	}
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

// serveOne accepts a single connection, completes the handshake, then
// loops reading command packets and writing back whatever respond
// returns, until the connection is closed.
func (f *fakeBackend) serveOne(t *testing.T) {
	t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	handshake := buildFakeHandshake(f.scramble)
	if err := writePacket(conn, handshake, 0); err != nil {
		return
	}
	resp, _, err := readPacket(conn)
	if err != nil {
		return
	}
	token := parseAuthToken(resp)
	ok, _ := auth.VerifyNativePassword(f.scramble, token, f.digest)
	if ok {
		writePacket(conn, wire.BuildOK(wire.OK{}), 2)
	} else {
		writePacket(conn, wire.BuildERR(wire.ERR{Code: 1045, SQLState: "28000", Message: "denied"}), 2)
		return
	}

	for {
		payload, _, err := readPacket(conn)
		if err != nil {
			return
		}
		replies := f.respond(payload)
		for _, r := range replies {
			if err := writePacket(conn, r, 1); err != nil {
				return
			}
		}
	}
}

func buildFakeHandshake(scramble [auth.ScrambleLen]byte) []byte {
	var buf []byte
	buf = append(buf, 10)
	buf = append(buf, "5.7.0-test"...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0)
	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0)
	buf = append(buf, 0xff, 0xf7)
	buf = append(buf, 0x21)
	buf = append(buf, 0x02, 0x00)
	buf = append(buf, 0x0f, 0x80)
	buf = append(buf, 21)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, scramble[8:]...)
	buf = append(buf, 0)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}

func parseAuthToken(resp []byte) []byte {
	pos := 32
	for pos < len(resp) && resp[pos] != 0 {
		pos++
	}
	pos++
	if pos >= len(resp) {
		return nil
	}
	tokenLen := int(resp[pos])
	pos++
	if pos+tokenLen > len(resp) {
		return nil
	}
	return resp[pos : pos+tokenLen]
}

func readPacket(conn net.Conn) ([]byte, byte, error) {
	hdr := make([]byte, 4)
	if _, err := readFullConn(conn, hdr); err != nil {
		return nil, 0, err
	}
	length := wire.GetU24LE(hdr[0:3])
	seq := hdr[3]
	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFullConn(conn, payload); err != nil {
			return nil, seq, err
		}
	}
	return payload, seq, nil
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func writePacket(conn net.Conn, payload []byte, seq byte) error {
	_, err := conn.Write(wire.EncodePacket(seq, payload))
	return err
}

// newTestSession builds a RoutingSession backed by a single fake
// backend, attaching it live and capturing every canonical reply the
// session forwards to the (simulated) client.
func newTestSession(t *testing.T, sem scl.Semantics, props scl.Properties, backend *fakeBackend) (*RoutingSession, *[][]byte) {
	t.Helper()
	var mu sync.Mutex
	var forwarded [][]byte

	pool := backendpool.New([]backendpool.Spec{backend.spec("b1")}, time.Second, 0)
	t.Cleanup(pool.Close)

	session := NewRoutingSession(pool, sem, props, func(seq byte, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		cp := make([]byte, len(payload))
		copy(cp, payload)
		forwarded = append(forwarded, cp)
		return nil
	}, backend.step2())

	go backend.serveOne(t)

	if err := session.AttachAll(context.Background()); err != nil {
		t.Fatalf("AttachAll: %v", err)
	}
	return session, &forwarded
}

func TestAttachAllReplaysEmptyBacklogAndAdmitsLive(t *testing.T) {
	backend := newFakeBackend(t, func(payload []byte) [][]byte {
		return [][]byte{wire.BuildOK(wire.OK{})}
	})
	session, _ := newTestSession(t, scl.DefaultSemantics(), scl.DefaultProperties(), backend)

	ids := session.LiveBackendIDs()
	if len(ids) != 1 || ids[0] != "b1" {
		t.Fatalf("expected b1 live after attach, got %v", ids)
	}
}

func TestBroadcastForwardsCanonicalReplyOnce(t *testing.T) {
	backend := newFakeBackend(t, func(payload []byte) [][]byte {
		return [][]byte{wire.BuildOK(wire.OK{})}
	})
	session, forwarded := newTestSession(t, scl.DefaultSemantics(), scl.DefaultProperties(), backend)

	if err := session.broadcast(context.Background(), []byte{0x16, 's', 'e', 't'}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if session.SCL().Len() != 1 {
		t.Fatalf("expected 1 retained command, got %d", session.SCL().Len())
	}
	if len(*forwarded) != 1 {
		t.Fatalf("expected exactly one forwarded reply, got %d", len(*forwarded))
	}
	if wire.ClassifyReply((*forwarded)[0]) != wire.ReplyOK {
		t.Fatalf("expected canonical reply to be OK")
	}
}

func TestBroadcastCleanReplyDoesNotPoison(t *testing.T) {
	backend := newFakeBackend(t, func(payload []byte) [][]byte {
		return [][]byte{wire.BuildOK(wire.OK{})}
	})
	session, _ := newTestSession(t, scl.DefaultSemantics(), scl.DefaultProperties(), backend)

	// A single backend settling OK as the lone reply never diverges,
	// regardless of on_error policy.
	if err := session.broadcast(context.Background(), []byte{0x16, 's', 'e', 't', ' ', 'a'}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if session.SCL().Poisoned() {
		t.Fatalf("session should not be poisoned after a clean OK")
	}
}

func TestRouteSingleStreamsOKTerminal(t *testing.T) {
	backend := newFakeBackend(t, func(payload []byte) [][]byte {
		return [][]byte{wire.BuildOK(wire.OK{AffectedRows: 1})}
	})
	session, forwarded := newTestSession(t, scl.DefaultSemantics(), scl.DefaultProperties(), backend)

	if err := session.routeSingle(context.Background(), []byte{0x03, 's', 'e', 'l', 'e', 'c', 't'}); err != nil {
		t.Fatalf("routeSingle: %v", err)
	}
	if len(*forwarded) != 1 {
		t.Fatalf("expected a single terminal packet forwarded, got %d", len(*forwarded))
	}
	if wire.ClassifyReply((*forwarded)[0]) != wire.ReplyOK {
		t.Fatalf("expected OK terminal reply")
	}
	// routeSingle never touches the SCL.
	if session.SCL().Len() != 0 {
		t.Fatalf("routeSingle must not append to the SCL, got len %d", session.SCL().Len())
	}
}

func TestRouteSingleStreamsResultSet(t *testing.T) {
	backend := newFakeBackend(t, func(payload []byte) [][]byte {
		colCount := wire.PutLenEncInt(nil, 1)
		col := []byte("coldef")
		eof1 := wire.BuildEOF(wire.EOF{})
		row := []byte{0x03, 'f', 'o', 'o'}
		eof2 := wire.BuildEOF(wire.EOF{})
		return [][]byte{colCount, col, eof1, row, eof2}
	})
	session, forwarded := newTestSession(t, scl.DefaultSemantics(), scl.DefaultProperties(), backend)

	if err := session.routeSingle(context.Background(), []byte{0x03, 's', 'e', 'l', 'e', 'c', 't'}); err != nil {
		t.Fatalf("routeSingle: %v", err)
	}
	if len(*forwarded) != 5 {
		t.Fatalf("expected 5 packets forwarded (header, col, eof, row, eof), got %d", len(*forwarded))
	}
}

func TestDetachRemovesBackendFromLiveRotation(t *testing.T) {
	backend := newFakeBackend(t, func(payload []byte) [][]byte {
		return [][]byte{wire.BuildOK(wire.OK{})}
	})
	session, _ := newTestSession(t, scl.DefaultSemantics(), scl.DefaultProperties(), backend)

	session.Detach("b1")

	if ids := session.LiveBackendIDs(); len(ids) != 0 {
		t.Fatalf("expected no live backends after Detach, got %v", ids)
	}
	if _, ok := session.pool.Get("b1"); ok {
		t.Fatalf("expected backend connection removed from pool after Detach")
	}
}

type recordingMetrics struct {
	mu             sync.Mutex
	replays        int
	forwardedKinds []string
}

func (r *recordingMetrics) ReplayCompleted(backend string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replays++
}

func (r *recordingMetrics) CanonicalReplyForwarded(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwardedKinds = append(r.forwardedKinds, kind)
}

func TestSetMetricsRecordsCanonicalReplyKind(t *testing.T) {
	backend := newFakeBackend(t, func(payload []byte) [][]byte {
		return [][]byte{wire.BuildOK(wire.OK{})}
	})
	session, _ := newTestSession(t, scl.DefaultSemantics(), scl.DefaultProperties(), backend)

	m := &recordingMetrics{}
	session.SetMetrics(m)

	if err := session.broadcast(context.Background(), []byte{0x16, 's', 'e', 't'}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.forwardedKinds) != 1 || m.forwardedKinds[0] != "OK" {
		t.Fatalf("expected one OK canonical reply recorded, got %v", m.forwardedKinds)
	}
}

func TestDefaultRouterDispatchesByCommandKind(t *testing.T) {
	backend := newFakeBackend(t, func(payload []byte) [][]byte {
		return [][]byte{wire.BuildOK(wire.OK{})}
	})
	session, forwarded := newTestSession(t, scl.DefaultSemantics(), scl.DefaultProperties(), backend)

	r := NewDefaultRouter()
	if err := r.RouteQuery(context.Background(), session, 1, []byte{0x16, 's', 'e', 't'}, true); err != nil {
		t.Fatalf("RouteQuery (session-modifying): %v", err)
	}
	if session.SCL().Len() != 1 {
		t.Fatalf("expected session-modifying command appended to SCL")
	}

	if err := r.RouteQuery(context.Background(), session, 1, []byte{0x03, 's', 'e', 'l'}, false); err != nil {
		t.Fatalf("RouteQuery (ordinary query): %v", err)
	}
	if session.SCL().Len() != 1 {
		t.Fatalf("ordinary query must not append to the SCL")
	}
	if len(*forwarded) != 2 {
		t.Fatalf("expected 2 forwarded replies total, got %d", len(*forwarded))
	}
}
