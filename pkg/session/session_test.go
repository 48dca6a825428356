package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-luadbg/luadbg/pkg/transport"
	"github.com/go-luadbg/luadbg/pkg/wire"
)

// fakeDebuggee speaks the line-JSON protocol over the far end of a
// ListenerPipe: a reader goroutine parses incoming records into a channel
// and replies are written raw.
type fakeDebuggee struct {
	conn net.Conn
	recs chan map[string]interface{}
}

func newFakeDebuggee(conn net.Conn) *fakeDebuggee {
	d := &fakeDebuggee{conn: conn, recs: make(chan map[string]interface{}, 16)}
	go func() {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(d.recs)
				return
			}
			line = strings.TrimRight(line, "\r\n")
			line = strings.TrimSuffix(line, "|*|")
			var rec map[string]interface{}
			if json.Unmarshal([]byte(line), &rec) == nil {
				d.recs <- rec
			}
		}
	}()
	return d
}

func (d *fakeDebuggee) expect(t *testing.T, cmd string) map[string]interface{} {
	t.Helper()
	for {
		select {
		case rec, ok := <-d.recs:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", cmd)
			}
			if rec["cmd"] == cmd {
				return rec
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", cmd)
		}
	}
}

func (d *fakeDebuggee) send(t *testing.T, cmd string, info string, callbackID string) {
	t.Helper()
	if callbackID == "" {
		callbackID = "0"
	}
	rec := fmt.Sprintf(`{"cmd":%q,"info":%s,"callbackId":%q}|*|`+"\n", cmd, info, callbackID)
	if _, err := d.conn.Write([]byte(rec)); err != nil {
		t.Fatalf("debuggee write: %v", err)
	}
}

func expectEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %v", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %v", kind)
		}
	}
}

func startServerSession(t *testing.T, cfg Config) (*Session, *fakeDebuggee) {
	t.Helper()
	listener, conn := transport.ListenerPipe()
	cfg.Protocol = ProtocolLuaPandaServer
	cfg.Listener = listener
	sess := New(cfg)
	sess.Start()
	return sess, newFakeDebuggee(conn)
}

const breakAtMain10 = `{"stack":[{"file":"main.lua","line":10,"name":"work","index":0}]}`

// answerHandshake plays the debuggee half of session startup and returns
// once the session reported itself connected.
func answerHandshake(t *testing.T, sess *Session, d *fakeDebuggee) {
	t.Helper()
	init := d.expect(t, "initSuccess")
	d.send(t, "initSuccess", `{}`, init["callbackId"].(string))
	expectEvent(t, sess.Events(), EventConnected)
}

func TestSessionLifecycle(t *testing.T) {
	bps := BreakpointFunc(func() []*wire.Breakpoint {
		return []*wire.Breakpoint{{File: "main.lua", Line: 10}}
	})
	sess, d := startServerSession(t, Config{Breakpoints: bps})

	init := d.expect(t, "initSuccess")
	if init["callbackId"] == "0" {
		t.Fatal("handshake opener must expect a reply")
	}
	d.send(t, "initSuccess", `{}`, init["callbackId"].(string))
	d.expect(t, "setBreakPoint")
	expectEvent(t, sess.Events(), EventConnected)
	if st := sess.State(); st != Ready {
		t.Fatalf("state after handshake = %v, want %v", st, Ready)
	}

	d.send(t, "stopOnBreakpoint", breakAtMain10, "")
	paused := expectEvent(t, sess.Events(), EventPaused)
	if len(paused.Frames) != 1 || paused.Frames[0].Line != 10 {
		t.Fatalf("unexpected pause frames: %+v", paused.Frames)
	}
	if st := sess.State(); st != Paused {
		t.Fatalf("state after break = %v, want %v", st, Paused)
	}

	if err := sess.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	d.expect(t, "continueRun")
	if st := sess.State(); st != Running {
		t.Fatalf("state after continue = %v, want %v", st, Running)
	}

	sess.Stop()
	d.expect(t, "stopRun")
	term := expectEvent(t, sess.Events(), EventTerminated)
	if term.Err != nil {
		t.Fatalf("clean stop reported error: %v", term.Err)
	}
	if st := sess.State(); st != Terminated {
		t.Fatalf("state after stop = %v, want %v", st, Terminated)
	}
}

func TestStopFromReadySendsTeardown(t *testing.T) {
	sess, d := startServerSession(t, Config{})
	answerHandshake(t, sess, d)

	// the peer must see the stop request before the socket closes
	sess.Stop()
	d.expect(t, "stopRun")
	expectEvent(t, sess.Events(), EventTerminated)
}

func TestSessionEval(t *testing.T) {
	sess, d := startServerSession(t, Config{})
	answerHandshake(t, sess, d)

	d.send(t, "stopOnBreakpoint", breakAtMain10, "")
	expectEvent(t, sess.Events(), EventPaused)

	type result struct {
		v   *wire.Variable
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := sess.Eval("player.hp", 0, 1)
		done <- result{v, err}
	}()

	req := d.expect(t, "getWatchedVariable")
	d.send(t, "getWatchedVariable", `[{"name":"player.hp","value":"99","type":"number"}]`, req["callbackId"].(string))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Eval: %v", r.err)
		}
		if r.v.Value != "99" {
			t.Fatalf("Eval value = %q, want %q", r.v.Value, "99")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Eval did not return")
	}
	sess.Stop()
	expectEvent(t, sess.Events(), EventTerminated)
}

func TestEvalRejectedWhileRunning(t *testing.T) {
	sess, d := startServerSession(t, Config{})
	answerHandshake(t, sess, d)

	if _, err := sess.Eval("x", 0, 1); err == nil {
		t.Fatal("Eval succeeded outside a pause")
	}
	sess.Stop()
	expectEvent(t, sess.Events(), EventTerminated)
}

func TestLogPointResumesWithoutPausing(t *testing.T) {
	bps := BreakpointFunc(func() []*wire.Breakpoint {
		return []*wire.Breakpoint{{File: "main.lua", Line: 10, LogMessage: "reached work loop"}}
	})
	sess, d := startServerSession(t, Config{Breakpoints: bps})

	init := d.expect(t, "initSuccess")
	d.send(t, "initSuccess", `{}`, init["callbackId"].(string))
	d.expect(t, "setBreakPoint")
	expectEvent(t, sess.Events(), EventConnected)

	d.send(t, "stopOnBreakpoint", breakAtMain10, "")
	logged := expectEvent(t, sess.Events(), EventLog)
	if !strings.Contains(logged.Text, "reached work loop") {
		t.Fatalf("log point text = %q", logged.Text)
	}
	d.expect(t, "continueRun")
	if st := sess.State(); st == Paused {
		t.Fatal("log point must not pause the session")
	}
	sess.Stop()
	expectEvent(t, sess.Events(), EventTerminated)
}

func TestStopDuringAcceptIsIdempotent(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	// no debuggee ever connects, so the session parks in accept-wait
	sess := New(Config{Protocol: ProtocolLuaPandaServer, Listener: lis})
	fired := 0
	sess.AddTerminateListener(func() { fired++ })
	sess.Start()
	time.Sleep(20 * time.Millisecond)

	sess.Stop()
	sess.Stop()
	term := expectEvent(t, sess.Events(), EventTerminated)
	if term.Err != nil {
		t.Fatalf("cancelled startup reported error: %v", term.Err)
	}
	if fired != 1 {
		t.Fatalf("terminate listeners fired %d times, want 1", fired)
	}
}

func TestPeerDisconnectTerminates(t *testing.T) {
	sess, d := startServerSession(t, Config{})
	answerHandshake(t, sess, d)

	d.conn.Close()
	expectEvent(t, sess.Events(), EventTerminated)
	if st := sess.State(); st != Terminated {
		t.Fatalf("state after disconnect = %v, want %v", st, Terminated)
	}
}

func TestBreakpointHandlesRestartFromZero(t *testing.T) {
	var sent []*wire.Message
	sync := newSynchronizer(luaPandaDialect{}, func(m *wire.Message) error {
		sent = append(sent, m)
		return nil
	})

	bpA := &wire.Breakpoint{File: "a.lua", Line: 1}
	bpB := &wire.Breakpoint{File: "b.lua", Line: 2}
	for i, bp := range []*wire.Breakpoint{bpA, bpB} {
		handle, err := sync.Register(bp)
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if handle != i {
			t.Fatalf("handle = %d, want %d", handle, i)
		}
	}
	if err := sync.Unregister(&wire.Breakpoint{File: "absent.lua", Line: 9}); err != nil {
		t.Fatalf("removing an unknown breakpoint must be a no-op, got %v", err)
	}

	if err := sync.ResyncAll(BreakpointFunc(func() []*wire.Breakpoint {
		return []*wire.Breakpoint{bpB}
	})); err != nil {
		t.Fatalf("ResyncAll: %v", err)
	}
	handle, err := sync.Register(bpA)
	if err != nil {
		t.Fatalf("Register after resync: %v", err)
	}
	if handle != 1 {
		t.Fatalf("handle after resync = %d, want 1 (numbering restarts at 0)", handle)
	}
	if sync.Count() != 2 {
		t.Fatalf("Count = %d, want 2", sync.Count())
	}
	if len(sent) == 0 {
		t.Fatal("no wire traffic recorded")
	}
}

func TestRunControlRequiresPause(t *testing.T) {
	sess := New(Config{Protocol: ProtocolLuaPandaClient, Addr: "127.0.0.1:1"})
	for name, op := range map[string]func() error{
		"continue": sess.Continue,
		"next":     sess.StepOver,
		"step":     sess.StepIn,
		"stepout":  sess.StepOut,
	} {
		if err := op(); err == nil {
			t.Errorf("%s succeeded outside a pause", name)
		}
	}
}

func TestSelectTopFrame(t *testing.T) {
	frames := []*wire.StackFrame{
		{File: "[C]", Line: -1},
		{File: "vendor/lib.lua", Line: 3},
		{File: "main.lua", Line: 10},
	}
	resolvesMain := func(file string) bool { return file == "main.lua" }
	never := func(string) bool { return false }

	if got := selectTopFrame(frames, resolvesMain); got != 2 {
		t.Errorf("resolvable frame: got %d, want 2", got)
	}
	if got := selectTopFrame(frames, never); got != 1 {
		t.Errorf("first positive line: got %d, want 1", got)
	}
	unresolved := []*wire.StackFrame{{File: "[C]", Line: -1}, {File: "=stdin", Line: 0}}
	if got := selectTopFrame(unresolved, never); got != 0 {
		t.Errorf("fallback: got %d, want 0", got)
	}
}
