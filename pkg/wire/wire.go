// Package wire defines the typed envelope exchanged with a debuggee and the
// codecs for the two supported debug protocols: the Emmy attach protocol
// (JSON records on a pid-derived port) and the LuaPanda protocol
// (delimiter-framed JSON records over a configured TCP endpoint).
package wire

import (
	"bufio"
	"encoding/json"
)

// Command identifies a logical message independently of the protocol that
// carried it. The set is closed; codecs map unrecognized protocol commands
// to CmdUnknown.
type Command string

const (
	CmdUnknown          Command = "unknown"
	CmdInit             Command = "init"
	CmdReady            Command = "ready"
	CmdBreakNotify      Command = "breakNotify"
	CmdAttachedNotify   Command = "attachedNotify"
	CmdAddBreakpoint    Command = "addBreakpoint"
	CmdRemoveBreakpoint Command = "removeBreakpoint"
	CmdContinue         Command = "continue"
	CmdStepOver         Command = "stepOver"
	CmdStepIn           Command = "stepIn"
	CmdStepOut          Command = "stepOut"
	CmdBreak            Command = "break"
	CmdStop             Command = "stop"
	CmdEval             Command = "eval"
	CmdEvalResult       Command = "evalResult"
	CmdLog              Command = "log"
)

// NoCallback is the correlation id carried by fire-and-forget messages.
const NoCallback = "0"

// Message is the envelope exchanged over a Transporter. Payload holds the
// protocol-specific body; CallbackID is empty or NoCallback when no reply
// is expected.
type Message struct {
	Cmd        Command
	Payload    json.RawMessage
	CallbackID string
}

// Expected reports whether the message carries a live correlation id.
func (m *Message) Expected() bool {
	return m.CallbackID != "" && m.CallbackID != NoCallback
}

// Codec frames, marshals and unmarshals messages for one protocol.
type Codec interface {
	// Marshal renders a complete wire record, including framing.
	Marshal(m *Message) ([]byte, error)
	// ReadRecord reads one framed record from r, without the framing.
	ReadRecord(r *bufio.Reader) ([]byte, error)
	// Unmarshal parses a record returned by ReadRecord.
	Unmarshal(rec []byte) (*Message, error)
}

// Breakpoint is the wire form of a breakpoint descriptor. Line is 1-based.
// Condition and LogMessage both persist independently; at most one is
// meaningful for evaluation at any point of the descriptor's lifecycle.
type Breakpoint struct {
	File       string `json:"file"`
	Line       int    `json:"line"`
	Condition  string `json:"condition,omitempty"`
	LogMessage string `json:"logMessage,omitempty"`
}

// Variable is one debuggee value rendered for display. Children beyond the
// preloaded set are fetched lazily through CacheID.
type Variable struct {
	Name          string      `json:"name"`
	Value         string      `json:"value"`
	ValueTypeName string      `json:"valueTypeName"`
	CacheID       int         `json:"cacheId,omitempty"`
	Children      []*Variable `json:"children,omitempty"`
}

// StackFrame is one frame of a break notification. Immutable once decoded.
type StackFrame struct {
	File         string      `json:"file"`
	Line         int         `json:"line"`
	FunctionName string      `json:"functionName"`
	Index        int         `json:"index"`
	Locals       []*Variable `json:"localVariables,omitempty"`
	Upvalues     []*Variable `json:"upvalueVariables,omitempty"`
}

// BreakNotify is the payload of a CmdBreakNotify message.
type BreakNotify struct {
	Stacks []*StackFrame `json:"stacks"`
}

// EvalReq asks the debuggee to evaluate an expression in a stack frame, or,
// when CacheID is set, to expand a previously returned variable.
type EvalReq struct {
	Seq        int    `json:"seq"`
	Expr       string `json:"expr,omitempty"`
	StackLevel int    `json:"stackLevel"`
	Depth      int    `json:"depth"`
	CacheID    int    `json:"cacheId,omitempty"`
}

// EvalRsp is the reply to an EvalReq.
type EvalRsp struct {
	Seq     int       `json:"seq"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	Value   *Variable `json:"value,omitempty"`
}

// LogNotify is the payload of a CmdLog message.
type LogNotify struct {
	Message string `json:"message"`
}
