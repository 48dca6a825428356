package transport

import (
	"net"
	"sync/atomic"

	"github.com/go-luadbg/luadbg/pkg/wire"
)

// LuaPandaClient is the initiating LuaPanda transporter: it dials a
// debuggee that is listening on a configured host:port.
type LuaPandaClient struct {
	*stream
	addr string
}

func NewLuaPandaClient(addr string, handler Handler) *LuaPandaClient {
	return &LuaPandaClient{
		stream: newStream(wire.LuaPandaCodec{}, RandGenerator{}, handler),
		addr:   addr,
	}
}

func (t *LuaPandaClient) Connect() error {
	conn, err := net.DialTimeout("tcp", t.addr, dialTimeout)
	if err != nil {
		return err
	}
	t.log.Debugf("connected to %s", conn.RemoteAddr())
	t.start(conn)
	return nil
}

func (t *LuaPandaClient) Send(m *wire.Message) error { return t.send(m) }

func (t *LuaPandaClient) Request(m *wire.Message, fn func(*wire.Message)) error {
	return t.request(m, fn)
}

func (t *LuaPandaClient) Close() { t.close() }

// LuaPandaServer is the listening LuaPanda transporter: it binds the
// configured address and accepts exactly one debuggee per session.
type LuaPandaServer struct {
	*stream
	addr     string
	listener net.Listener
	// closing suppresses the accept error raised by closing the listener
	closing int32
}

func NewLuaPandaServer(addr string, handler Handler) *LuaPandaServer {
	return &LuaPandaServer{
		stream: newStream(wire.LuaPandaCodec{}, RandGenerator{}, handler),
		addr:   addr,
	}
}

// NewLuaPandaServerFromListener wraps an already opened listener, taking
// ownership of it.
func NewLuaPandaServerFromListener(listener net.Listener, handler Handler) *LuaPandaServer {
	return &LuaPandaServer{
		stream:   newStream(wire.LuaPandaCodec{}, RandGenerator{}, handler),
		listener: listener,
	}
}

// Connect binds the listen address and blocks until a debuggee connects.
// The listener stops accepting after the first connection.
func (t *LuaPandaServer) Connect() error {
	listener := t.listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.addr)
		if err != nil {
			return err
		}
		t.listener = listener
	}
	t.log.Debugf("listening at %s", listener.Addr())
	conn, err := listener.Accept()
	if err != nil {
		if atomic.LoadInt32(&t.closing) != 0 {
			return net.ErrClosed
		}
		listener.Close()
		return err
	}
	t.log.Debugf("debuggee connected from %s", conn.RemoteAddr())
	// one client per session
	listener.Close()
	t.start(conn)
	return nil
}

// Addr returns the bound listen address, or nil before Connect.
func (t *LuaPandaServer) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *LuaPandaServer) Send(m *wire.Message) error { return t.send(m) }

func (t *LuaPandaServer) Request(m *wire.Message, fn func(*wire.Message)) error {
	return t.request(m, fn)
}

// Close releases both the server socket and the accepted connection.
func (t *LuaPandaServer) Close() {
	atomic.StoreInt32(&t.closing, 1)
	if t.listener != nil {
		t.listener.Close()
	}
	t.close()
}
