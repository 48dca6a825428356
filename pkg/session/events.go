package session

import "github.com/go-luadbg/luadbg/pkg/wire"

// EventKind classifies session events delivered to the consumer.
type EventKind int

const (
	// EventConnected fires once the session reaches Ready.
	EventConnected EventKind = iota
	// EventPaused carries the stack frames of a break notification.
	EventPaused
	// EventLog carries debuggee output or a rendered log point.
	EventLog
	// EventTerminated is the session's last event.
	EventTerminated
)

// Event is what the session reports to its consumer. Events cross from the
// protocol goroutines to the consumer over a buffered channel; session
// internals are never exposed mid-transition.
type Event struct {
	Kind EventKind
	// Frames and TopFrame are set for EventPaused.
	Frames   []*wire.StackFrame
	TopFrame int
	// Text is set for EventLog.
	Text string
	// Err carries the terminal error for EventTerminated, if any.
	Err error
}

// selectTopFrame picks the frame the UI should focus: the first frame with
// a resolvable source location, else the first frame with a positive line,
// else the first frame.
func selectTopFrame(frames []*wire.StackFrame, resolvable func(string) bool) int {
	if len(frames) == 0 {
		return 0
	}
	if resolvable != nil {
		for i, f := range frames {
			if f.File != "" && resolvable(f.File) {
				return i
			}
		}
	}
	for i, f := range frames {
		if f.Line > 0 {
			return i
		}
	}
	return 0
}
