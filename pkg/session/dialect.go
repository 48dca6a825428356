package session

import (
	"encoding/json"
	"fmt"

	"github.com/go-luadbg/luadbg/pkg/wire"
)

// dialect captures what differs between the two protocols above the
// transport layer: handshake payloads, breakpoint payload shape, break
// notification and eval reply parsing.
type dialect interface {
	// initMessage builds the handshake opener. ackExpected reports whether
	// the session must wait for a correlated reply before it is Ready.
	initMessage(helperSource string, extensions []string, stopOnEntry bool) (*wire.Message, bool)
	// readyMessage is sent after breakpoint sync; nil when the protocol
	// has no explicit ready signal.
	readyMessage() *wire.Message
	addBreakpoint(bp *wire.Breakpoint) *wire.Message
	removeBreakpoint(bp *wire.Breakpoint) *wire.Message
	parseBreakNotify(payload json.RawMessage) ([]*wire.StackFrame, error)
	evalRequest(expr string, frameIndex, depth int) *wire.Message
	childrenRequest(cacheID, frameIndex int) *wire.Message
	parseEvalReply(m *wire.Message) (*wire.Variable, error)
	parseLog(payload json.RawMessage) string
}

// emmyDialect implements the attach protocol semantics.
type emmyDialect struct{}

func (emmyDialect) initMessage(helperSource string, extensions []string, stopOnEntry bool) (*wire.Message, bool) {
	payload, _ := json.Marshal(&wire.EmmyInitReq{Helper: helperSource, Ext: extensions})
	// no ack: the session proceeds to breakpoint sync immediately
	return &wire.Message{Cmd: wire.CmdInit, Payload: payload}, false
}

func (emmyDialect) readyMessage() *wire.Message {
	return &wire.Message{Cmd: wire.CmdReady}
}

func (emmyDialect) addBreakpoint(bp *wire.Breakpoint) *wire.Message {
	payload, _ := json.Marshal(struct {
		Clear bool             `json:"clear"`
		BP    *wire.Breakpoint `json:"breakPoint"`
	}{false, bp})
	return &wire.Message{Cmd: wire.CmdAddBreakpoint, Payload: payload}
}

func (emmyDialect) removeBreakpoint(bp *wire.Breakpoint) *wire.Message {
	payload, _ := json.Marshal(struct {
		BP *wire.Breakpoint `json:"breakPoint"`
	}{bp})
	return &wire.Message{Cmd: wire.CmdRemoveBreakpoint, Payload: payload}
}

func (emmyDialect) parseBreakNotify(payload json.RawMessage) ([]*wire.StackFrame, error) {
	var n wire.BreakNotify
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, err
	}
	return n.Stacks, nil
}

func (emmyDialect) evalRequest(expr string, frameIndex, depth int) *wire.Message {
	payload, _ := json.Marshal(&wire.EvalReq{Expr: expr, StackLevel: frameIndex, Depth: depth})
	return &wire.Message{Cmd: wire.CmdEval, Payload: payload}
}

func (emmyDialect) childrenRequest(cacheID, frameIndex int) *wire.Message {
	payload, _ := json.Marshal(&wire.EvalReq{CacheID: cacheID, StackLevel: frameIndex, Depth: 1})
	return &wire.Message{Cmd: wire.CmdEval, Payload: payload}
}

func (emmyDialect) parseEvalReply(m *wire.Message) (*wire.Variable, error) {
	var rsp wire.EvalRsp
	if err := json.Unmarshal(m.Payload, &rsp); err != nil {
		return nil, err
	}
	if !rsp.Success {
		if rsp.Error == "" {
			rsp.Error = "evaluation failed"
		}
		return nil, fmt.Errorf("%s", rsp.Error)
	}
	return rsp.Value, nil
}

func (emmyDialect) parseLog(payload json.RawMessage) string {
	var n wire.LogNotify
	if err := json.Unmarshal(payload, &n); err != nil {
		return string(payload)
	}
	return n.Message
}

// luaPandaDialect implements the line-JSON protocol semantics.
type luaPandaDialect struct{}

// lpInitInfo mirrors the adapter-side configuration block of the LuaPanda
// handshake.
type lpInitInfo struct {
	StopOnEntry  bool     `json:"stopOnEntry"`
	UseHighSpeed bool     `json:"useHighSpeedModule"`
	Extensions   []string `json:"luaFileExtension"`
}

func (luaPandaDialect) initMessage(helperSource string, extensions []string, stopOnEntry bool) (*wire.Message, bool) {
	payload, _ := json.Marshal(&lpInitInfo{
		StopOnEntry: stopOnEntry,
		Extensions:  extensions,
	})
	// the debuggee acknowledges with the same callback id
	return &wire.Message{Cmd: wire.CmdInit, Payload: payload}, true
}

// readyMessage is nil: the session is Ready by convention once the init
// reply arrives and breakpoints are synced.
func (luaPandaDialect) readyMessage() *wire.Message { return nil }

func (luaPandaDialect) addBreakpoint(bp *wire.Breakpoint) *wire.Message {
	payload, _ := json.Marshal(bp)
	return &wire.Message{Cmd: wire.CmdAddBreakpoint, Payload: payload}
}

func (luaPandaDialect) removeBreakpoint(bp *wire.Breakpoint) *wire.Message {
	payload, _ := json.Marshal(bp)
	return &wire.Message{Cmd: wire.CmdRemoveBreakpoint, Payload: payload}
}

func (luaPandaDialect) parseBreakNotify(payload json.RawMessage) ([]*wire.StackFrame, error) {
	var n wire.LPBreakNotify
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, err
	}
	return n.Stacks(), nil
}

func (luaPandaDialect) evalRequest(expr string, frameIndex, depth int) *wire.Message {
	payload, _ := json.Marshal(struct {
		VarName string `json:"varName"`
		FrameID int    `json:"frameId"`
	}{expr, frameIndex})
	return &wire.Message{Cmd: wire.CmdEval, Payload: payload}
}

func (luaPandaDialect) childrenRequest(cacheID, frameIndex int) *wire.Message {
	payload, _ := json.Marshal(struct {
		VarRef  int `json:"varRef"`
		FrameID int `json:"frameId"`
	}{cacheID, frameIndex})
	return &wire.Message{Cmd: wire.CmdEval, Payload: payload}
}

func (luaPandaDialect) parseEvalReply(m *wire.Message) (*wire.Variable, error) {
	var vars []*wire.LPVariable
	if err := json.Unmarshal(m.Payload, &vars); err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("no value")
	}
	if len(vars) == 1 {
		return vars[0].Variable(), nil
	}
	// variable expansion: the reply is the children list
	parent := &wire.Variable{}
	for _, v := range vars {
		parent.Children = append(parent.Children, v.Variable())
	}
	return parent, nil
}

func (luaPandaDialect) parseLog(payload json.RawMessage) string {
	var n struct {
		LogInfo string `json:"logInfo"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &n); err != nil {
		return string(payload)
	}
	if n.LogInfo != "" {
		return n.LogInfo
	}
	return n.Message
}
