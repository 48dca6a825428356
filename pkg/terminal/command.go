package terminal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/go-luadbg/luadbg/pkg/session"
	"github.com/go-luadbg/luadbg/pkg/wire"
)

// ExitRequestError is returned when the user exits the console.
type ExitRequestError struct{}

func (ExitRequestError) Error() string {
	return ""
}

// BreakpointList is the editor-side list of breakpoints. It backs the
// session's resync source, so breakpoints set here survive reconnection.
type BreakpointList struct {
	mu  sync.Mutex
	bps []*wire.Breakpoint
}

// Breakpoints implements session.BreakpointSource.
func (l *BreakpointList) Breakpoints() []*wire.Breakpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*wire.Breakpoint, len(l.bps))
	copy(out, l.bps)
	return out
}

func (l *BreakpointList) add(bp *wire.Breakpoint) {
	l.mu.Lock()
	l.bps = append(l.bps, bp)
	l.mu.Unlock()
}

func (l *BreakpointList) remove(file string, line int) *wire.Breakpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, bp := range l.bps {
		if bp.File == file && bp.Line == line {
			l.bps = append(l.bps[:i], l.bps[i+1:]...)
			return bp
		}
	}
	return nil
}

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the luadbg console.
type Commands struct {
	cmds []command
	sess *session.Session
	bps  *BreakpointList

	// frame is the currently selected stack frame, -1 selects the
	// session's top frame. Reset on every resume.
	frame int
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands(sess *session.Session, bps *BreakpointList) *Commands {
	c := &Commands{sess: sess, bps: bps, frame: -1}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, cmdFn: c.breakpoint, helpMsg: `Sets a breakpoint.

	break <file>:<line> [if <condition> | log <message>]

With "if" the breakpoint only triggers when the condition evaluates to
true in the debuggee. With "log" the message is printed and execution
continues without pausing.`},
		{aliases: []string{"clear"}, cmdFn: c.clear, helpMsg: `Deletes a breakpoint.

	clear <file>:<line>`},
		{aliases: []string{"breakpoints", "bp"}, cmdFn: c.breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"continue", "c"}, cmdFn: c.cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"next", "n"}, cmdFn: c.next, helpMsg: "Step over to next source line."},
		{aliases: []string{"step", "s"}, cmdFn: c.step, helpMsg: "Single step through program."},
		{aliases: []string{"stepout", "so"}, cmdFn: c.stepout, helpMsg: "Step out of the current function."},
		{aliases: []string{"pause"}, cmdFn: c.pause, helpMsg: "Stop the running debuggee at the next executed line."},
		{aliases: []string{"stack", "bt"}, cmdFn: c.stacktrace, helpMsg: "Print stack trace of the current pause."},
		{aliases: []string{"up"}, cmdFn: c.up, helpMsg: "Select the caller of the current frame."},
		{aliases: []string{"down"}, cmdFn: c.down, helpMsg: "Select the callee of the current frame."},
		{aliases: []string{"print", "p"}, cmdFn: c.printVar, helpMsg: `Evaluate an expression.

	print <expression>

The expression is evaluated in the selected stack frame of the paused
debuggee.`},
		{aliases: []string{"locals"}, cmdFn: c.locals, helpMsg: "Print local variables of the current frame."},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: c.exitCommand, helpMsg: "Exit the debugger."},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Merge adds aliases to the commands. The command set is first reset to
// builtins, then aliases are appended, so Merge can be called again after
// a configuration reload.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// Find looks up the command named cmdstr. Returns the "help" command if
// cmdstr is empty.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		cmdstr = "help"
	}
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return nil
}

// Call takes a command and dispatches it.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	fn := c.Find(cmdname)
	if fn == nil {
		return fmt.Errorf("command not available: %s", cmdname)
	}
	return fn(t, args)
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				t.Println("", cmd.helpMsg)
				return nil
			}
		}
		return fmt.Errorf("command not available: %s", args)
	}

	t.Println("", "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	t.Println("", "Type help followed by a command for full documentation.")
	return nil
}

// parseLocation splits "file:line". The last colon wins so windows drive
// letters survive.
func parseLocation(spec string) (string, int, error) {
	idx := strings.LastIndex(spec, ":")
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed location %q, expected file:line", spec)
	}
	line, err := strconv.Atoi(spec[idx+1:])
	if err != nil || line <= 0 {
		return "", 0, fmt.Errorf("malformed line number in %q", spec)
	}
	return spec[:idx], line, nil
}

func (c *Commands) breakpoint(t *Term, args string) error {
	if args == "" {
		return errors.New("argument required, specify a location")
	}
	fields := strings.SplitN(args, " ", 3)
	file, line, err := parseLocation(fields[0])
	if err != nil {
		return err
	}
	bp := &wire.Breakpoint{File: file, Line: line}
	if len(fields) >= 2 {
		rest := ""
		if len(fields) == 3 {
			rest = fields[2]
		}
		switch fields[1] {
		case "if":
			if rest == "" {
				return errors.New("condition required after \"if\"")
			}
			bp.Condition = rest
		case "log":
			if rest == "" {
				return errors.New("message required after \"log\"")
			}
			bp.LogMessage = rest
		default:
			return fmt.Errorf("unexpected %q, expected \"if\" or \"log\"", fields[1])
		}
	}

	c.bps.add(bp)
	if !c.sess.Live() {
		t.Println("", fmt.Sprintf("Breakpoint at %s:%d will be set when the debuggee connects", bp.File, bp.Line))
		return nil
	}
	handle, err := c.sess.RegisterBreakpoint(bp)
	if err != nil {
		return err
	}
	t.Println("", fmt.Sprintf("Breakpoint %d set at %s:%d", handle, bp.File, bp.Line))
	return nil
}

func (c *Commands) clear(t *Term, args string) error {
	if args == "" {
		return errors.New("argument required, specify a location")
	}
	file, line, err := parseLocation(args)
	if err != nil {
		return err
	}
	bp := c.bps.remove(file, line)
	if bp == nil {
		return fmt.Errorf("no breakpoint at %s:%d", file, line)
	}
	if c.sess.Live() {
		if err := c.sess.UnregisterBreakpoint(bp); err != nil {
			return err
		}
	}
	t.Println("", fmt.Sprintf("Breakpoint at %s:%d cleared", file, line))
	return nil
}

func (c *Commands) breakpoints(t *Term, args string) error {
	bps := c.bps.Breakpoints()
	if len(bps) == 0 {
		t.Println("", "No breakpoints set.")
		return nil
	}
	for _, bp := range bps {
		desc := fmt.Sprintf("%s:%d", bp.File, bp.Line)
		if bp.Condition != "" {
			desc += fmt.Sprintf(" if %s", bp.Condition)
		}
		if bp.LogMessage != "" {
			desc += fmt.Sprintf(" log %q", bp.LogMessage)
		}
		t.Println("", desc)
	}
	return nil
}

func (c *Commands) cont(t *Term, args string) error    { c.frame = -1; return c.sess.Continue() }
func (c *Commands) next(t *Term, args string) error    { c.frame = -1; return c.sess.StepOver() }
func (c *Commands) step(t *Term, args string) error    { c.frame = -1; return c.sess.StepIn() }
func (c *Commands) stepout(t *Term, args string) error { c.frame = -1; return c.sess.StepOut() }
func (c *Commands) pause(t *Term, args string) error   { return c.sess.Pause() }

// currentFrame returns the selected frame index, or the session's top
// frame when no explicit selection is active.
func (c *Commands) currentFrame() int {
	frames, top := c.sess.Frames()
	if c.frame >= 0 && c.frame < len(frames) {
		return c.frame
	}
	return top
}

func (c *Commands) up(t *Term, args string) error {
	frames, _ := c.sess.Frames()
	if len(frames) == 0 {
		return errors.New("no stack trace, debuggee is not paused")
	}
	cur := c.currentFrame()
	if cur+1 >= len(frames) {
		return errors.New("already at the outermost frame")
	}
	c.frame = cur + 1
	f := frames[c.frame]
	t.Println("", fmt.Sprintf("Frame %d: %s:%d %s", c.frame, f.File, f.Line, f.FunctionName))
	return nil
}

func (c *Commands) down(t *Term, args string) error {
	frames, _ := c.sess.Frames()
	if len(frames) == 0 {
		return errors.New("no stack trace, debuggee is not paused")
	}
	cur := c.currentFrame()
	if cur == 0 {
		return errors.New("already at the innermost frame")
	}
	c.frame = cur - 1
	f := frames[c.frame]
	t.Println("", fmt.Sprintf("Frame %d: %s:%d %s", c.frame, f.File, f.Line, f.FunctionName))
	return nil
}

func (c *Commands) stacktrace(t *Term, args string) error {
	frames, _ := c.sess.Frames()
	if len(frames) == 0 {
		return errors.New("no stack trace, debuggee is not paused")
	}
	cur := c.currentFrame()
	for i, f := range frames {
		marker := "  "
		if i == cur {
			marker = "=>"
		}
		t.Println("", fmt.Sprintf("%s %d  %s:%d %s", marker, i, f.File, f.Line, f.FunctionName))
	}
	return nil
}

func (c *Commands) printVar(t *Term, args string) error {
	if args == "" {
		return errors.New("argument required, specify an expression")
	}
	v, err := c.sess.Eval(args, c.currentFrame(), 1)
	if err != nil {
		return err
	}
	printVariable(t, v, 0)
	return nil
}

func (c *Commands) locals(t *Term, args string) error {
	frames, _ := c.sess.Frames()
	if len(frames) == 0 {
		return errors.New("no locals, debuggee is not paused")
	}
	f := frames[c.currentFrame()]
	if len(f.Locals) == 0 && len(f.Upvalues) == 0 {
		t.Println("", "(no locals)")
		return nil
	}
	for _, v := range f.Locals {
		printVariable(t, v, 0)
	}
	for _, v := range f.Upvalues {
		printVariable(t, v, 0)
	}
	return nil
}

func printVariable(t *Term, v *wire.Variable, depth int) {
	indent := strings.Repeat("  ", depth)
	name := v.Name
	if name == "" {
		name = "(result)"
	}
	if v.ValueTypeName != "" {
		t.Println("", fmt.Sprintf("%s%s = %s (%s)", indent, name, v.Value, v.ValueTypeName))
	} else {
		t.Println("", fmt.Sprintf("%s%s = %s", indent, name, v.Value))
	}
	for _, child := range v.Children {
		printVariable(t, child, depth+1)
	}
}

func (c *Commands) exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
