package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-luadbg/luadbg/pkg/logflags"
	"github.com/go-luadbg/luadbg/pkg/wire"
	"github.com/sirupsen/logrus"
)

// stream is the connection machinery shared by all transporter variants:
// a write-serialized Send, a receive-loop goroutine that decodes records
// and routes them through the callback table before the general handler,
// and an idempotent teardown.
type stream struct {
	codec   wire.Codec
	handler Handler
	cbs     *Callbacks
	log     *logrus.Entry

	writeMu sync.Mutex
	conn    net.Conn

	// closed flips once, whether teardown came from Close or from a read
	// failure. OnDisconnect is raised only by the receive loop path.
	closed int32
}

func newStream(codec wire.Codec, gen IDGenerator, handler Handler) *stream {
	return &stream{
		codec:   codec,
		handler: handler,
		cbs:     NewCallbacks(gen),
		log:     logflags.TransportLogger(),
	}
}

// start attaches the established connection and spawns the receive loop.
func (s *stream) start(conn net.Conn) {
	s.conn = conn
	go s.readLoop(conn)
}

func (s *stream) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		rec, err := s.codec.ReadRecord(r)
		if err != nil {
			s.disconnect(err)
			return
		}
		m, err := s.codec.Unmarshal(rec)
		if err != nil {
			// a malformed record is dropped, the connection stays open
			s.log.Warnf("dropping malformed record: %v", err)
			continue
		}
		if logflags.Wire() {
			logflags.WireLogger().Debugf("<- %s %s", m.Cmd, m.Payload)
		}
		if s.cbs.Dispatch(m) {
			continue
		}
		s.handler.OnMessage(m)
	}
}

// disconnect runs teardown once and notifies the handler.
func (s *stream) disconnect(err error) {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	s.conn.Close()
	if n := s.cbs.AbandonAll(); n > 0 {
		s.log.Debugf("abandoning %d pending callbacks", n)
	}
	s.handler.OnDisconnect(err)
}

func (s *stream) send(m *wire.Message) error {
	rec, err := s.codec.Marshal(m)
	if err != nil {
		return err
	}
	if logflags.Wire() {
		logflags.WireLogger().Debugf("-> %s", rec)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	_, err = s.conn.Write(rec)
	return err
}

func (s *stream) request(m *wire.Message, fn func(*wire.Message)) error {
	m.CallbackID = s.cbs.Register(fn)
	return s.send(m)
}

// close releases the socket without raising OnDisconnect from this path;
// the receive loop observes the closed socket and finishes teardown.
func (s *stream) close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		if s.conn != nil {
			s.conn.Close()
		}
		s.cbs.AbandonAll()
	}
}
