// Package terminal implements the interactive console: it reads user
// input, dispatches to session commands and prints debuggee events.
package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/peterh/liner"

	"github.com/go-luadbg/luadbg/pkg/config"
	"github.com/go-luadbg/luadbg/pkg/session"
)

const (
	historyFile                 string = ".luadbg_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiYellow  = 33
	ansiBlue    = 34
	ansiBrBlack = 90
)

// Term represents the terminal running luadbg.
type Term struct {
	sess   *session.Session
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term wired to sess. bps is the breakpoint list shared
// with the session's sync source.
func New(sess *session.Session, conf *config.Config, bps *BreakpointList) *Term {
	cmds := DebugCommands(sess, bps)
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	return &Term{
		sess:   sess,
		conf:   conf,
		prompt: "(luadbg) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Println("received SIGINT, pausing debuggee (will not forward signal)")
		if err := t.sess.Pause(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// eventPrinter renders asynchronous session events until the session
// terminates.
func (t *Term) eventPrinter() {
	for e := range t.sess.Events() {
		switch e.Kind {
		case session.EventConnected:
			t.Println("=> ", "debuggee connected")
		case session.EventPaused:
			if len(e.Frames) > 0 {
				f := e.Frames[e.TopFrame]
				t.Println("=> ", fmt.Sprintf("hit breakpoint at %s:%d in %s", f.File, f.Line, f.FunctionName))
			} else {
				t.Println("=> ", "debuggee paused")
			}
		case session.EventLog:
			t.Println("", e.Text)
		case session.EventTerminated:
			if e.Err != nil {
				t.Println("=> ", fmt.Sprintf("session ended: %v", e.Err))
			} else {
				t.Println("=> ", "session ended")
			}
			t.quittingMutex.Lock()
			t.quitting = true
			t.quittingMutex.Unlock()
		}
	}
}

// Run begins the interactive loop. It returns the process exit status.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)
	go t.eventPrinter()

	t.line.SetCompleter(func(line string) (c []string) {
		for _, cmd := range t.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(line)) {
					c = append(c, alias)
				}
			}
		}
		return
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.\n", err)
	}
	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.\n", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed")
		}

		t.quittingMutex.Lock()
		quitting := t.quitting
		t.quittingMutex.Unlock()
		if quitting {
			return t.handleExit()
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal, coloring the prefix when the
// terminal supports it.
func (t *Term) Println(prefix, str string) {
	if !t.dumb && prefix != "" {
		prefix = fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue) + prefix + terminalResetEscapeCode
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}
	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	t.sess.Stop()
	return 0, nil
}
