package transport

import (
	"net"
	"strconv"
	"time"

	"github.com/go-luadbg/luadbg/pkg/wire"
)

const dialTimeout = 1 * time.Second

// EmmySocket is the attach-protocol transporter: a TCP client connecting to
// the port derived from the target process id, trying each loopback
// candidate address in order.
type EmmySocket struct {
	*stream
	port  int
	addrs []string
}

// NewEmmySocket returns a transporter for the given target pid.
func NewEmmySocket(pid int, handler Handler) *EmmySocket {
	return &EmmySocket{
		stream: newStream(wire.EmmyCodec{}, &SeqGenerator{}, handler),
		port:   DerivePort(pid),
		addrs:  LoopbackAddrs(),
	}
}

// Port returns the derived target port.
func (t *EmmySocket) Port() int { return t.port }

// Connect tries each candidate address once; the first accepted TCP
// handshake wins. On total failure it returns a DialError carrying every
// per-address error.
func (t *EmmySocket) Connect() error {
	errs := make(map[string]error)
	for _, addr := range t.addrs {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(t.port)), dialTimeout)
		if err != nil {
			errs[addr] = err
			continue
		}
		t.log.Debugf("connected to %s", conn.RemoteAddr())
		t.start(conn)
		return nil
	}
	return &DialError{Errs: errs}
}

func (t *EmmySocket) Send(m *wire.Message) error { return t.send(m) }

func (t *EmmySocket) Request(m *wire.Message, fn func(*wire.Message)) error {
	return t.request(m, fn)
}

func (t *EmmySocket) Close() { t.close() }

// Probe performs a connect-and-close handshake against the derived port for
// diagnostic logging. Returns the address that accepted, or "" if none did.
func (t *EmmySocket) Probe() string {
	for _, addr := range t.addrs {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(t.port)), dialTimeout)
		if err != nil {
			t.log.Debugf("probe %s:%d: %v", addr, t.port, err)
			continue
		}
		conn.Close()
		return addr
	}
	return ""
}
