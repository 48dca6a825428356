package transport

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/go-luadbg/luadbg/pkg/wire"
)

func TestDerivePortRange(t *testing.T) {
	for pid := 1; pid <= 2000000; pid++ {
		port := DerivePort(pid)
		if port < portMin || port > portMax {
			t.Fatalf("DerivePort(%d) = %#x, outside [%#x, %#x]", pid, port, portMin, portMax)
		}
	}
}

func TestDerivePortScenarios(t *testing.T) {
	tests := []struct {
		pid  int
		port int
	}{
		{70000, 4465}, // 70000-65535=4465, above 1024, unchanged
		{300, 1324},   // below 1024, add 1024
		{1024, 1024},
		{65535, 65535},
		{65536, 1025}, // 65536-65535=1 then +1024
	}
	for _, tc := range tests {
		if got := DerivePort(tc.pid); got != tc.port {
			t.Errorf("DerivePort(%d) = %d, want %d", tc.pid, got, tc.port)
		}
	}
}

func TestDerivePortDeterministic(t *testing.T) {
	for _, pid := range []int{1, 300, 70000, 1999999} {
		port := DerivePort(pid)
		if again := DerivePort(port); again != port {
			t.Errorf("DerivePort(DerivePort(%d)) = %d, want %d", pid, again, port)
		}
	}
}

func TestSeqGeneratorIncrements(t *testing.T) {
	g := &SeqGenerator{}
	never := func(string) bool { return false }
	for want := 1; want <= 5; want++ {
		if got := g.Next(never); got != strconv.Itoa(want) {
			t.Fatalf("Next() = %q, want %q", got, strconv.Itoa(want))
		}
	}
}

func TestRandGeneratorAvoidsLiveIDs(t *testing.T) {
	taken := 0
	live := func(id string) bool {
		// report the first three candidates as taken
		taken++
		return taken <= 3
	}
	id := RandGenerator{}.Next(live)
	n, err := strconv.Atoi(id)
	if err != nil {
		t.Fatalf("non-numeric id %q", id)
	}
	if n < randIDMin || n > randIDMax {
		t.Errorf("id %d outside [%d, %d]", n, randIDMin, randIDMax)
	}
	if taken != 4 {
		t.Errorf("generator stopped after %d liveness checks, want 4", taken)
	}
}

func TestCallbacksDispatchExactlyOnce(t *testing.T) {
	cbs := NewCallbacks(&SeqGenerator{})
	calls := 0
	id := cbs.Register(func(*wire.Message) { calls++ })
	m := &wire.Message{Cmd: wire.CmdEvalResult, CallbackID: id}
	if !cbs.Dispatch(m) {
		t.Fatalf("first Dispatch did not consume the callback")
	}
	if cbs.Dispatch(m) {
		t.Fatalf("second Dispatch consumed an already removed callback")
	}
	if calls != 1 {
		t.Fatalf("continuation ran %d times, want 1", calls)
	}
}

func TestCallbacksIgnoreUncorrelated(t *testing.T) {
	cbs := NewCallbacks(&SeqGenerator{})
	cbs.Register(func(*wire.Message) { t.Fatal("continuation must not run") })
	for _, id := range []string{"", wire.NoCallback, "999"} {
		if cbs.Dispatch(&wire.Message{Cmd: wire.CmdLog, CallbackID: id}) {
			t.Errorf("Dispatch consumed a callback for id %q", id)
		}
	}
	if cbs.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", cbs.Pending())
	}
}

func TestCallbacksConcurrentSenders(t *testing.T) {
	cbs := NewCallbacks(RandGenerator{})
	const senders = 32
	var mu sync.Mutex
	delivered := make(map[string]int)

	ids := make([]string, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = cbs.Register(func(m *wire.Message) {
				mu.Lock()
				delivered[m.CallbackID]++
				mu.Unlock()
			})
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			cbs.Dispatch(&wire.Message{Cmd: wire.CmdEvalResult, CallbackID: id})
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		if delivered[id] != 1 {
			t.Errorf("callback %q delivered %d times, want 1", id, delivered[id])
		}
	}
	if cbs.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", cbs.Pending())
	}
}

func TestCallbacksAbandonAll(t *testing.T) {
	cbs := NewCallbacks(&SeqGenerator{})
	id := cbs.Register(func(*wire.Message) { t.Fatal("abandoned continuation must not run") })
	if n := cbs.AbandonAll(); n != 1 {
		t.Fatalf("AbandonAll() = %d, want 1", n)
	}
	if cbs.Dispatch(&wire.Message{Cmd: wire.CmdEvalResult, CallbackID: id}) {
		t.Fatalf("Dispatch consumed an abandoned callback")
	}
}

// recordingHandler collects messages and disconnects from a transporter.
type recordingHandler struct {
	mu          sync.Mutex
	msgs        []*wire.Message
	disconnects int
	gotMsg      chan struct{}
	gotDisc     chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		gotMsg:  make(chan struct{}, 16),
		gotDisc: make(chan struct{}, 16),
	}
}

func (h *recordingHandler) OnMessage(m *wire.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
	h.gotMsg <- struct{}{}
}

func (h *recordingHandler) OnDisconnect(err error) {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
	h.gotDisc <- struct{}{}
}

func (h *recordingHandler) messages() []*wire.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*wire.Message(nil), h.msgs...)
}

func TestLuaPandaServerSingleClient(t *testing.T) {
	handler := newRecordingHandler()
	listener, peer := ListenerPipe()
	srv := NewLuaPandaServerFromListener(listener, handler)
	defer srv.Close()

	connected := make(chan error, 1)
	go func() { connected <- srv.Connect() }()

	// the debuggee side speaks raw framed records
	go func() {
		// malformed record first: must be dropped without killing the link
		peer.Write([]byte("garbage\n"))
		peer.Write([]byte(`{"cmd":"printLog","info":{"message":"hi"},"callbackId":"0"}|*|` + "\n"))
	}()

	if err := <-connected; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-handler.gotMsg
	msgs := handler.messages()
	if len(msgs) != 1 || msgs[0].Cmd != wire.CmdLog {
		t.Fatalf("messages = %+v, want one CmdLog", msgs)
	}

	peer.Close()
	<-handler.gotDisc
	if handler.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", handler.disconnects)
	}
}

func TestLuaPandaServerReplyConsumedByCallback(t *testing.T) {
	handler := newRecordingHandler()
	listener, peer := ListenerPipe()
	srv := NewLuaPandaServerFromListener(listener, handler)
	defer srv.Close()

	connected := make(chan error, 1)
	go func() { connected <- srv.Connect() }()

	// drain the request on the peer side and echo a reply with the same id
	echoed := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		n, _ := peer.Read(buf)
		var env struct {
			CallbackID string `json:"callbackId"`
		}
		rec := buf[:n]
		rec = rec[:len(rec)-len("|*|\n")]
		json.Unmarshal(rec, &env)
		reply, _ := json.Marshal(map[string]interface{}{
			"cmd":        "setBreakPoint",
			"callbackId": env.CallbackID,
		})
		peer.Write(append(append(reply, "|*|"...), '\n'))
		close(echoed)
	}()

	if err := <-connected; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	replied := make(chan *wire.Message, 1)
	payload, _ := json.Marshal(&wire.Breakpoint{File: "a.lua", Line: 3})
	err := srv.Request(&wire.Message{Cmd: wire.CmdAddBreakpoint, Payload: payload}, func(m *wire.Message) {
		replied <- m
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	<-echoed
	m := <-replied
	if m.Cmd != wire.CmdAddBreakpoint {
		t.Errorf("reply Cmd = %s, want %s", m.Cmd, wire.CmdAddBreakpoint)
	}
	// the reply must not also reach the general handler
	if msgs := handler.messages(); len(msgs) != 0 {
		t.Errorf("reply leaked to the general handler: %+v", msgs)
	}
}

func TestServerCloseBeforeAcceptUnblocks(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewLuaPandaServerFromListener(listener, newRecordingHandler())
	connected := make(chan error, 1)
	go func() { connected <- srv.Connect() }()
	srv.Close()
	if err := <-connected; err == nil {
		t.Fatalf("Connect returned nil after Close")
	}
	// Close is idempotent
	srv.Close()
}

func TestEmmySocketTriesCandidateAddresses(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	handler := newRecordingHandler()
	sock := &EmmySocket{
		stream: newStream(wire.EmmyCodec{}, &SeqGenerator{}, handler),
		port:   port,
		// nothing listens on the first candidate, the second accepts
		addrs: []string{"127.0.0.2", "127.0.0.1"},
	}
	defer sock.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	if err := sock.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-accepted
	defer conn.Close()

	conn.Write([]byte(`{"cmd":13,"stacks":[]}` + "\n"))
	<-handler.gotMsg
	msgs := handler.messages()
	if len(msgs) != 1 || msgs[0].Cmd != wire.CmdBreakNotify {
		t.Fatalf("messages = %+v, want one CmdBreakNotify", msgs)
	}
}

func TestEmmySocketConnectFailureAggregatesAddresses(t *testing.T) {
	// a just-closed listener yields a port that refuses connections
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	sock := &EmmySocket{
		stream: newStream(wire.EmmyCodec{}, &SeqGenerator{}, newRecordingHandler()),
		port:   port,
		addrs:  []string{"127.0.0.1"},
	}
	err = sock.Connect()
	if err == nil {
		t.Fatalf("Connect to a closed port succeeded")
	}
	derr, ok := err.(*DialError)
	if !ok {
		t.Fatalf("error type = %T, want *DialError", err)
	}
	if _, ok := derr.Errs["127.0.0.1"]; !ok {
		t.Errorf("missing per-address error: %v", derr)
	}
}
