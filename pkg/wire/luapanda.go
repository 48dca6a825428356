package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// luaPandaSeparator terminates every LuaPanda record, before the newline.
const luaPandaSeparator = "|*|"

var lpOutbound = map[Command]string{
	CmdInit:             "initSuccess",
	CmdAddBreakpoint:    "setBreakPoint",
	CmdRemoveBreakpoint: "removeBreakPoint",
	CmdContinue:         "continueRun",
	CmdStepOver:         "stepOver",
	CmdStepIn:           "stepIn",
	CmdStepOut:          "stepOut",
	CmdBreak:            "pause",
	CmdStop:             "stopRun",
	CmdLog:              "output",
}

var lpInbound = map[string]Command{
	"initSuccess":          CmdInit,
	"setBreakPoint":        CmdAddBreakpoint,
	"removeBreakPoint":     CmdRemoveBreakpoint,
	"stopOnBreakpoint":     CmdBreakNotify,
	"stopOnCodeBreakpoint": CmdBreakNotify,
	"stopOnEntry":          CmdBreakNotify,
	"getVariable":          CmdEvalResult,
	"getWatchedVariable":   CmdEvalResult,
	"evalResult":           CmdEvalResult,
	// debuggees ack correlated run-control requests by echoing the cmd
	"continueRun":          CmdContinue,
	"stepOver":             CmdStepOver,
	"stepIn":               CmdStepIn,
	"stepOut":              CmdStepOut,
	"pause":                CmdBreak,
	"stopRun":              CmdStop,
	"printLog":             CmdLog,
	"output":               CmdLog,
}

// luaPandaRecord is the envelope of one LuaPanda record.
type luaPandaRecord struct {
	Cmd        string          `json:"cmd"`
	Info       json.RawMessage `json:"info,omitempty"`
	CallbackID string          `json:"callbackId"`
}

// LPVariable is a debuggee value in LuaPanda form.
type LPVariable struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Type   string `json:"type"`
	VarRef int    `json:"variablesReference"`
}

// Variable converts to the protocol-neutral form.
func (v *LPVariable) Variable() *Variable {
	return &Variable{
		Name:          v.Name,
		Value:         v.Value,
		ValueTypeName: v.Type,
		CacheID:       v.VarRef,
	}
}

// LPFrame is one stack frame in LuaPanda form.
type LPFrame struct {
	File     string        `json:"file"`
	Line     int           `json:"line"`
	Name     string        `json:"name"`
	Index    int           `json:"index"`
	Locals   []*LPVariable `json:"locals,omitempty"`
	Upvalues []*LPVariable `json:"upvalues,omitempty"`
}

// StackFrame converts to the protocol-neutral form.
func (f *LPFrame) StackFrame() *StackFrame {
	sf := &StackFrame{
		File:         f.File,
		Line:         f.Line,
		FunctionName: f.Name,
		Index:        f.Index,
	}
	for _, v := range f.Locals {
		sf.Locals = append(sf.Locals, v.Variable())
	}
	for _, v := range f.Upvalues {
		sf.Upvalues = append(sf.Upvalues, v.Variable())
	}
	return sf
}

// LPBreakNotify is the payload of a LuaPanda break notification.
type LPBreakNotify struct {
	Stack []*LPFrame `json:"stack"`
}

// Stacks converts to the protocol-neutral frame list.
func (n *LPBreakNotify) Stacks() []*StackFrame {
	frames := make([]*StackFrame, 0, len(n.Stack))
	for _, f := range n.Stack {
		frames = append(frames, f.StackFrame())
	}
	return frames
}

// LuaPandaCodec frames LuaPanda records: one JSON object, the literal
// separator |*|, then a newline. The command travels as a string in `cmd`,
// the body under `info`, the correlation id under `callbackId` ("0" when no
// reply is expected).
type LuaPandaCodec struct{}

func (LuaPandaCodec) Marshal(m *Message) ([]byte, error) {
	cmd, ok := lpOutbound[m.Cmd]
	if !ok {
		// getVariable expands a variable reference, getWatchedVariable
		// evaluates an expression; both are CmdEval on our side.
		if m.Cmd != CmdEval {
			return nil, fmt.Errorf("luapanda: cannot send %q", m.Cmd)
		}
		cmd = "getWatchedVariable"
		if gjson.GetBytes(m.Payload, "varRef").Exists() {
			cmd = "getVariable"
		}
	}
	rec := luaPandaRecord{Cmd: cmd, Info: m.Payload, CallbackID: m.CallbackID}
	if rec.CallbackID == "" {
		rec.CallbackID = NoCallback
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	body = append(body, luaPandaSeparator...)
	return append(body, '\n'), nil
}

// ReadRecord reads one newline-bounded record. The separator is validated
// in Unmarshal so that a malformed frame drops the record instead of the
// connection.
func (LuaPandaCodec) ReadRecord(r *bufio.Reader) ([]byte, error) {
	rec, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(rec, "\r\n"), nil
}

func (LuaPandaCodec) Unmarshal(rec []byte) (*Message, error) {
	if !bytes.HasSuffix(rec, []byte(luaPandaSeparator)) {
		return nil, fmt.Errorf("luapanda: record without separator: %q", rec)
	}
	rec = rec[:len(rec)-len(luaPandaSeparator)]
	var env luaPandaRecord
	if err := json.Unmarshal(rec, &env); err != nil {
		return nil, fmt.Errorf("luapanda: invalid record: %v", err)
	}
	if env.Cmd == "" {
		return nil, fmt.Errorf("luapanda: record without cmd: %q", rec)
	}
	cmd, ok := lpInbound[env.Cmd]
	if !ok {
		cmd = CmdUnknown
	}
	m := &Message{Cmd: cmd, Payload: env.Info}
	if env.CallbackID != "" && env.CallbackID != NoCallback {
		m.CallbackID = env.CallbackID
	}
	return m, nil
}
