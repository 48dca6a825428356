// Package session drives one debug session: it owns the transporter,
// consumes its message stream, synchronizes breakpoints on every
// (re)connection and exposes run control and evaluation to the consumer.
package session

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-luadbg/luadbg/pkg/attach"
	"github.com/go-luadbg/luadbg/pkg/logflags"
	"github.com/go-luadbg/luadbg/pkg/scripts"
	"github.com/go-luadbg/luadbg/pkg/transport"
	"github.com/go-luadbg/luadbg/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Protocol selects the transporter variant at session construction.
type Protocol int

const (
	// ProtocolEmmy attaches to an external process through the helper tool
	// and connects to the pid-derived port.
	ProtocolEmmy Protocol = iota
	// ProtocolLuaPandaClient dials a debuggee listening on a configured
	// address.
	ProtocolLuaPandaClient
	// ProtocolLuaPandaServer listens and accepts one debuggee connection.
	ProtocolLuaPandaServer
)

// State is the session's position in its lifecycle.
type State int32

const (
	Created State = iota
	Initializing
	Connecting
	Attaching
	Handshaking
	Ready
	Running
	Paused
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Connecting:
		return "connecting"
	case Attaching:
		return "attaching"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// ErrStopped is returned by blocking calls cut short by session stop.
var ErrStopped = errors.New("session stopped")

// Config carries everything needed to construct a session.
type Config struct {
	Protocol Protocol

	// Attach protocol.
	Pid         int
	ProcessName string
	WorkingDir  string
	Arch64      bool
	CaptureLog  bool
	Tool        *attach.Tool
	Registry    *attach.Registry

	// LuaPanda protocol.
	Addr        string
	Listener    net.Listener
	StopOnEntry bool

	// Collaborators.
	Breakpoints BreakpointSource
	Scripts     scripts.Provider
	Resolver    *scripts.Resolver

	// HelperScript is the logical path of the bootstrap script included in
	// the attach-protocol init payload.
	HelperScript string
	Extensions   []string

	Retries     int
	RetryDelay  time.Duration
	SettleDelay time.Duration
}

// Session is the top-level orchestrator. Its state transitions run on the
// session goroutine; transporter goroutines only enqueue into the inbox.
type Session struct {
	cfg         Config
	dialect     dialect
	transporter transport.Transporter
	sync        *synchronizer
	log         *logrus.Entry

	stateMu sync.Mutex
	state   State

	// stopping gates every retry loop and makes Stop idempotent.
	stopping int32
	stopch   chan struct{}

	inbox  chan *wire.Message
	disc   chan error
	events chan Event

	frameMu sync.Mutex
	frames  []*wire.StackFrame
	top     int

	termMu        sync.Mutex
	termListeners []func()
	termErr       error
}

// New builds a session for cfg. Call Start to begin connecting.
func New(cfg Config) *Session {
	s := &Session{
		cfg:    cfg,
		log:    logflags.SessionLogger(),
		state:  Created,
		stopch: make(chan struct{}),
		inbox:  make(chan *wire.Message, 64),
		disc:   make(chan error, 1),
		events: make(chan Event, 32),
	}
	switch cfg.Protocol {
	case ProtocolEmmy:
		s.dialect = emmyDialect{}
		s.transporter = transport.NewEmmySocket(cfg.Pid, s)
	case ProtocolLuaPandaClient:
		s.dialect = luaPandaDialect{}
		s.transporter = transport.NewLuaPandaClient(cfg.Addr, s)
	case ProtocolLuaPandaServer:
		s.dialect = luaPandaDialect{}
		if cfg.Listener != nil {
			s.transporter = transport.NewLuaPandaServerFromListener(cfg.Listener, s)
		} else {
			s.transporter = transport.NewLuaPandaServer(cfg.Addr, s)
		}
	}
	s.sync = newSynchronizer(s.dialect, s.transporter.Send)
	return s
}

// Events returns the session's event stream. Closed after EventTerminated.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()
	if prev != next {
		s.log.Debugf("session: %s -> %s", prev, next)
	}
}

// Live reports whether the connection is established and the handshake
// completed.
func (s *Session) Live() bool {
	switch s.State() {
	case Ready, Running, Paused:
		return true
	}
	return false
}

// Stopping reports whether Stop has been requested. Retry loops observe
// this flag.
func (s *Session) Stopping() bool {
	return atomic.LoadInt32(&s.stopping) != 0
}

// Start launches the session on a background goroutine; it never blocks
// the caller.
func (s *Session) Start() {
	go s.run()
}

// AddTerminateListener registers fn to run when the session reaches its
// terminal state, on any path including abnormal termination.
func (s *Session) AddTerminateListener(fn func()) {
	s.termMu.Lock()
	s.termListeners = append(s.termListeners, fn)
	s.termMu.Unlock()
}

func (s *Session) run() {
	s.setState(Initializing)
	if err := s.connect(); err != nil {
		if !s.Stopping() && !errors.Is(err, attach.ErrCancelled) {
			s.fail(err)
		}
		s.Stop()
		s.finalize()
		return
	}
	if err := s.handshake(); err != nil {
		if !s.Stopping() {
			s.fail(err)
		}
		s.Stop()
		s.finalize()
		return
	}
	s.loop()
	s.finalize()
}

func (s *Session) connect() error {
	s.setState(Connecting)
	switch s.cfg.Protocol {
	case ProtocolEmmy:
		s.setState(Attaching)
		workflow := attach.NewWorkflow(s.cfg.Tool, s.cfg.Registry, attach.Config{
			Pid:         s.cfg.Pid,
			ProcessName: s.cfg.ProcessName,
			WorkingDir:  s.cfg.WorkingDir,
			Arch64:      s.cfg.Arch64,
			CaptureLog:  s.cfg.CaptureLog,
			Retries:     s.cfg.Retries,
			RetryDelay:  s.cfg.RetryDelay,
			SettleDelay: s.cfg.SettleDelay,
		}, s.Stopping)
		rec, err := workflow.Run(s.transporter)
		if err != nil {
			return err
		}
		s.log.Infof("attached to %d (session %s)", rec.Pid, rec.SessionHandle)
		registry, pid := s.cfg.Registry, s.cfg.Pid
		s.AddTerminateListener(func() { registry.Remove(pid) })
		return nil
	default:
		return s.transporter.Connect()
	}
}

func (s *Session) handshake() error {
	s.setState(Handshaking)

	helperSource := ""
	if s.cfg.Scripts != nil && s.cfg.HelperScript != "" {
		if src, ok := s.cfg.Scripts.ScriptSource(s.cfg.HelperScript); ok {
			helperSource = src
		} else {
			s.log.Warnf("helper script %s not found, continuing without it", s.cfg.HelperScript)
		}
	}

	initMsg, ack := s.dialect.initMessage(helperSource, s.cfg.Extensions, s.cfg.StopOnEntry)
	if ack {
		reply := make(chan *wire.Message, 1)
		if err := s.transporter.Request(initMsg, func(m *wire.Message) { reply <- m }); err != nil {
			return err
		}
		select {
		case <-reply:
		case <-s.stopch:
			return ErrStopped
		}
	} else if err := s.transporter.Send(initMsg); err != nil {
		return err
	}

	if err := s.sync.ResyncAll(s.cfg.Breakpoints); err != nil {
		return err
	}
	if rm := s.dialect.readyMessage(); rm != nil {
		if err := s.transporter.Send(rm); err != nil {
			return err
		}
	}
	s.setState(Ready)
	s.emit(Event{Kind: EventConnected})
	return nil
}

func (s *Session) loop() {
	for {
		select {
		case m := <-s.inbox:
			s.handle(m)
		case err := <-s.disc:
			if s.Stopping() {
				return
			}
			s.log.Infof("peer disconnected: %v", err)
			s.Stop()
			return
		case <-s.stopch:
			return
		}
	}
}

func (s *Session) handle(m *wire.Message) {
	switch m.Cmd {
	case wire.CmdBreakNotify:
		s.onBreakNotify(m)
	case wire.CmdLog:
		s.emit(Event{Kind: EventLog, Text: s.dialect.parseLog(m.Payload)})
	case wire.CmdAttachedNotify:
		s.log.Debugf("debug hook installed in target")
	case wire.CmdStop:
		s.log.Infof("debuggee requested stop")
		s.Stop()
	case wire.CmdInit, wire.CmdReady, wire.CmdAddBreakpoint, wire.CmdRemoveBreakpoint,
		wire.CmdContinue, wire.CmdStepOver, wire.CmdStepIn, wire.CmdStepOut, wire.CmdBreak:
		// uncorrelated acknowledgements carry nothing actionable
		s.log.Debugf("ack: %s", m.Cmd)
	default:
		s.log.Debugf("dropping unhandled message %s", m.Cmd)
	}
}

func (s *Session) onBreakNotify(m *wire.Message) {
	frames, err := s.dialect.parseBreakNotify(m.Payload)
	if err != nil {
		s.log.Warnf("malformed break notification: %v", err)
		return
	}
	top := selectTopFrame(frames, s.resolvable)

	// log points are rendered client-side: print and keep running
	if len(frames) > 0 {
		if bp, ok := s.sync.BreakpointAt(frames[top].File, frames[top].Line); ok && bp.LogMessage != "" {
			s.emit(Event{Kind: EventLog, Text: fmt.Sprintf("[%s:%d] %s", filepath.Base(frames[top].File), frames[top].Line, bp.LogMessage)})
			if err := s.transporter.Send(&wire.Message{Cmd: wire.CmdContinue}); err != nil {
				s.log.Warnf("resuming after log point: %v", err)
			}
			return
		}
	}

	s.frameMu.Lock()
	s.frames, s.top = frames, top
	s.frameMu.Unlock()
	s.setState(Paused)
	s.emit(Event{Kind: EventPaused, Frames: frames, TopFrame: top})
}

func (s *Session) resolvable(file string) bool {
	if s.cfg.Resolver == nil {
		return false
	}
	_, ok := s.cfg.Resolver.Resolve(file)
	return ok
}

// Frames returns the stack of the current pause, with the selected top
// frame index.
func (s *Session) Frames() ([]*wire.StackFrame, int) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.frames, s.top
}

// emit delivers an event without deadlocking against a stopped consumer.
func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.stopch:
	}
}

func (s *Session) fail(err error) {
	s.termMu.Lock()
	if s.termErr == nil {
		s.termErr = err
	}
	s.termMu.Unlock()
	s.log.Errorf("session error: %v", err)
}

// finalize runs exactly once, on the session goroutine, after the loop or
// a failed startup.
func (s *Session) finalize() {
	s.setState(Terminated)
	s.termMu.Lock()
	listeners := s.termListeners
	err := s.termErr
	s.termMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	// direct send: stopch may already be closed and this event must not
	// be lost
	s.events <- Event{Kind: EventTerminated, Err: err}
	close(s.events)
}

// resume sends a run-control message and moves to Running.
func (s *Session) resume(cmd wire.Command) error {
	if st := s.State(); st != Paused {
		return fmt.Errorf("cannot %s: session is %s", cmd, st)
	}
	if err := s.transporter.Send(&wire.Message{Cmd: cmd}); err != nil {
		return err
	}
	s.frameMu.Lock()
	s.frames, s.top = nil, 0
	s.frameMu.Unlock()
	s.setState(Running)
	return nil
}

// Continue resumes the debuggee.
func (s *Session) Continue() error { return s.resume(wire.CmdContinue) }

// StepOver advances one line in the current frame.
func (s *Session) StepOver() error { return s.resume(wire.CmdStepOver) }

// StepIn advances into the next call.
func (s *Session) StepIn() error { return s.resume(wire.CmdStepIn) }

// StepOut runs until the current frame returns.
func (s *Session) StepOut() error { return s.resume(wire.CmdStepOut) }

// Pause asks the debuggee to break at the next opportunity.
func (s *Session) Pause() error {
	if st := s.State(); st != Running && st != Ready {
		return fmt.Errorf("cannot pause: session is %s", st)
	}
	return s.transporter.Send(&wire.Message{Cmd: wire.CmdBreak})
}

// RegisterBreakpoint registers bp with the live session, returning its
// session-local handle.
func (s *Session) RegisterBreakpoint(bp *wire.Breakpoint) (int, error) {
	return s.sync.Register(bp)
}

// UnregisterBreakpoint removes bp from the live session.
func (s *Session) UnregisterBreakpoint(bp *wire.Breakpoint) error {
	return s.sync.Unregister(bp)
}

// BreakpointCount returns the number of live breakpoint registrations.
func (s *Session) BreakpointCount() int { return s.sync.Count() }

// Eval evaluates expr in the stack frame at frameIndex. It blocks until
// the debuggee replies or the session stops; round-trips carry no timeout
// of their own.
func (s *Session) Eval(expr string, frameIndex, depth int) (*wire.Variable, error) {
	if st := s.State(); st != Paused {
		return nil, fmt.Errorf("cannot evaluate: session is %s", st)
	}
	return s.roundTrip(s.dialect.evalRequest(expr, frameIndex, depth))
}

// Children fetches the lazily-loaded children of a variable reference.
func (s *Session) Children(cacheID, frameIndex int) (*wire.Variable, error) {
	if st := s.State(); st != Paused {
		return nil, fmt.Errorf("cannot expand variable: session is %s", st)
	}
	return s.roundTrip(s.dialect.childrenRequest(cacheID, frameIndex))
}

func (s *Session) roundTrip(m *wire.Message) (*wire.Variable, error) {
	reply := make(chan *wire.Message, 1)
	if err := s.transporter.Request(m, func(r *wire.Message) { reply <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return s.dialect.parseEvalReply(r)
	case <-s.stopch:
		return nil, ErrStopped
	}
}

// Stop tears the session down. Idempotent: the second and later calls do
// nothing. The stopping flag is set first so concurrent retry loops abort;
// teardown messages are best effort; attach-protocol cleanup runs on a
// background goroutine so Stop never blocks on the target process.
func (s *Session) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopping, 0, 1) {
		return
	}
	live := s.stateForTeardown()
	s.setState(Stopping)
	if live {
		if err := s.transporter.Send(&wire.Message{Cmd: wire.CmdStop}); err != nil {
			s.log.Debugf("teardown message: %v", err)
		}
	}
	close(s.stopch)
	s.transporter.Close()
	if s.cfg.Protocol == ProtocolEmmy {
		go s.detach()
	}
}

// stateForTeardown reports whether the connection ever reached a state
// where a Stop message makes sense.
func (s *Session) stateForTeardown() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch s.state {
	case Ready, Running, Paused:
		return true
	}
	return false
}

// detach performs the attach-protocol cleanup. Failures are swallowed and
// logged; they never re-enter the stop path.
func (s *Session) detach() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("detach cleanup: %v", r)
		}
	}()
	// the injected library shuts its listener when the socket closes; all
	// that is left is diagnostic bookkeeping
	s.log.Infof("detached from %d, injected library stays resident", s.cfg.Pid)
}

// OnMessage implements transport.Handler. It runs on the transporter's
// receive goroutine and only enqueues.
func (s *Session) OnMessage(m *wire.Message) {
	select {
	case s.inbox <- m:
	case <-s.stopch:
	}
}

// OnDisconnect implements transport.Handler.
func (s *Session) OnDisconnect(err error) {
	select {
	case s.disc <- err:
	default:
	}
}
