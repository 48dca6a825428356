package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MessageCMD is the Emmy protocol command enumeration. Req values are sent
// by the IDE side, Rsp and Notify values by the debuggee.
type MessageCMD int

const (
	emmyUnknown             MessageCMD = iota
	emmyInitReq                        // 1
	emmyInitRsp                        // 2
	emmyReadyReq                       // 3
	emmyReadyRsp                       // 4
	emmyAddBreakPointReq               // 5
	emmyAddBreakPointRsp               // 6
	emmyRemoveBreakPointReq            // 7
	emmyRemoveBreakPointRsp            // 8
	emmyActionReq                      // 9
	emmyActionRsp                      // 10
	emmyEvalReq                        // 11
	emmyEvalRsp                        // 12
	emmyBreakNotify                    // 13
	emmyAttachedNotify                 // 14
	emmyStartHookReq                   // 15
	emmyStartHookRsp                   // 16
	emmyLogNotify                      // 17
)

// DebugAction is the run-control action carried by an ActionReq.
type DebugAction int

const (
	ActionBreak DebugAction = iota
	ActionContinue
	ActionStepOver
	ActionStepIn
	ActionStepOut
	ActionStop
)

var emmyActions = map[Command]DebugAction{
	CmdBreak:    ActionBreak,
	CmdContinue: ActionContinue,
	CmdStepOver: ActionStepOver,
	CmdStepIn:   ActionStepIn,
	CmdStepOut:  ActionStepOut,
	CmdStop:     ActionStop,
}

var emmyOutbound = map[Command]MessageCMD{
	CmdInit:             emmyInitReq,
	CmdReady:            emmyReadyReq,
	CmdAddBreakpoint:    emmyAddBreakPointReq,
	CmdRemoveBreakpoint: emmyRemoveBreakPointReq,
	CmdEval:             emmyEvalReq,
}

var emmyInbound = map[MessageCMD]Command{
	emmyInitRsp:             CmdInit,
	emmyReadyRsp:            CmdReady,
	emmyAddBreakPointRsp:    CmdAddBreakpoint,
	emmyRemoveBreakPointRsp: CmdRemoveBreakpoint,
	emmyEvalRsp:             CmdEvalResult,
	emmyBreakNotify:         CmdBreakNotify,
	emmyAttachedNotify:      CmdAttachedNotify,
	emmyLogNotify:           CmdLog,
}

// EmmyInitReq is the payload of the Emmy init message. Helper carries the
// bootstrap script source, Ext the recognized source extensions.
type EmmyInitReq struct {
	Helper string   `json:"emmyHelper"`
	Ext    []string `json:"ext"`
}

// EmmyCodec frames Emmy protocol records: one JSON object per line, the
// command as an integer `cmd` field inside the object, eval correlation
// through an integer `seq` field.
type EmmyCodec struct{}

// Marshal renders m as a single-line JSON record. Run-control commands
// become an ActionReq with the action value injected into the payload.
func (EmmyCodec) Marshal(m *Message) ([]byte, error) {
	body := []byte(m.Payload)
	if len(body) == 0 {
		body = []byte("{}")
	}
	cmd, ok := emmyOutbound[m.Cmd]
	if !ok {
		action, isAction := emmyActions[m.Cmd]
		if !isAction {
			return nil, fmt.Errorf("emmy: cannot send %q", m.Cmd)
		}
		cmd = emmyActionReq
		var err error
		body, err = sjson.SetBytes(body, "action", int(action))
		if err != nil {
			return nil, err
		}
	}
	body, err := sjson.SetBytes(body, "cmd", int(cmd))
	if err != nil {
		return nil, err
	}
	if m.Expected() {
		seq, err := strconv.Atoi(m.CallbackID)
		if err != nil {
			return nil, fmt.Errorf("emmy: non-numeric callback id %q", m.CallbackID)
		}
		body, err = sjson.SetBytes(body, "seq", seq)
		if err != nil {
			return nil, err
		}
	}
	return append(body, '\n'), nil
}

// ReadRecord reads one newline-terminated record.
func (EmmyCodec) ReadRecord(r *bufio.Reader) ([]byte, error) {
	rec, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(rec, "\r\n"), nil
}

// Unmarshal parses a record. The whole object is kept as the payload so the
// consumer can decode the protocol-specific body in one step.
func (EmmyCodec) Unmarshal(rec []byte) (*Message, error) {
	if !gjson.ValidBytes(rec) {
		return nil, fmt.Errorf("emmy: invalid record: %q", rec)
	}
	cmdField := gjson.GetBytes(rec, "cmd")
	if !cmdField.Exists() {
		return nil, fmt.Errorf("emmy: record without cmd: %q", rec)
	}
	m := &Message{Payload: append([]byte(nil), rec...)}
	cmd, ok := emmyInbound[MessageCMD(cmdField.Int())]
	if !ok {
		cmd = CmdUnknown
	}
	m.Cmd = cmd
	if seq := gjson.GetBytes(rec, "seq"); seq.Exists() && seq.Int() > 0 {
		m.CallbackID = strconv.FormatInt(seq.Int(), 10)
	}
	return m, nil
}
