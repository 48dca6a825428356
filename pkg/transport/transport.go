// Package transport owns the physical connection to a debuggee. A
// Transporter wraps one connection with a wire codec, a dedicated receive
// loop and a table of pending correlated callbacks. Three variants exist:
// the Emmy attach socket (TCP client on a pid-derived port), and the
// LuaPanda client and server endpoints.
package transport

import (
	"fmt"
	"strings"

	"github.com/go-luadbg/luadbg/pkg/wire"
)

// Handler receives decoded messages and the disconnect notification from a
// Transporter's receive loop. OnDisconnect is raised at most once.
type Handler interface {
	OnMessage(*wire.Message)
	OnDisconnect(err error)
}

// Transporter owns one physical connection and its wire codec.
type Transporter interface {
	// Connect establishes the connection and starts the receive loop.
	Connect() error
	// Send writes one message. Safe for concurrent use.
	Send(*wire.Message) error
	// Request sends a message with a fresh correlation id; fn is invoked
	// exactly once when the matching reply arrives, or never if the
	// connection closes first.
	Request(*wire.Message, func(*wire.Message)) error
	// Close releases the connection. Idempotent.
	Close()
}

// Port bounds for the pid-derived Emmy attach port.
const (
	portMin = 0x400
	portMax = 0xFFFF
)

// DerivePort folds a process id into the valid attach port range
// [0x400, 0xFFFF].
func DerivePort(pid int) int {
	port := pid
	for port > portMax {
		port -= portMax
	}
	for port < portMin {
		port += portMin
	}
	return port
}

// LoopbackAddrs are the candidate addresses tried, in order, when
// connecting to an injected debuggee listener.
func LoopbackAddrs() []string {
	return []string{"127.0.0.1", "::1", "localhost"}
}

// DialError aggregates per-address failures of one connection attempt.
type DialError struct {
	Errs map[string]error
}

func (e *DialError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, addr := range LoopbackAddrs() {
		if err, ok := e.Errs[addr]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", addr, err))
		}
	}
	return "all addresses failed: " + strings.Join(parts, "; ")
}

// ConnectError is the terminal failure of an exhausted connect-retry loop.
type ConnectError struct {
	Attempts int
	Last     error
	Hints    []string
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("could not connect after %d attempts: %v", e.Attempts, e.Last)
	if len(e.Hints) > 0 {
		msg += "\npossible causes:\n  - " + strings.Join(e.Hints, "\n  - ")
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Last }
