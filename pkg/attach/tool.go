package attach

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cosiner/argv"

	"github.com/go-luadbg/luadbg/pkg/logflags"
	"github.com/sirupsen/logrus"
)

// ErrToolMissing marks an absent helper executable or injection library.
var ErrToolMissing = errors.New("injection helper not found")

// AttachError is the terminal failure of a helper invocation.
type AttachError struct {
	Pid      int
	ExitCode int
	Stderr   string
}

func (e *AttachError) Error() string {
	msg := fmt.Sprintf("helper tool failed to attach to %d (exit code %d)", e.Pid, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

// Process is one entry of the helper's process listing.
type Process struct {
	Pid   int
	Title string
	Path  string
}

// readerJoinTimeout bounds how long we wait for the output reader
// goroutines after the child exits, so a hung child cannot stall teardown.
const readerJoinTimeout = 5 * time.Second

// Tool wraps the external injection helper executable. The helper is an
// opaque collaborator: it injects the debug library into a target process
// and answers architecture and process-listing queries.
type Tool struct {
	// Dir is the directory holding the helper executable and the
	// injection library.
	Dir string
	// ExtraArgs are appended to every attach invocation.
	ExtraArgs []string
	log       *logrus.Entry
}

// NewTool returns a Tool rooted at dir. extraArgs is split with shell
// quoting rules.
func NewTool(dir, extraArgs string) (*Tool, error) {
	t := &Tool{Dir: dir, log: logflags.AttachLogger()}
	if extraArgs != "" {
		parsed, err := argv.Argv(extraArgs, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("parsing tool-args: %v", err)
		}
		for _, word := range parsed {
			t.ExtraArgs = append(t.ExtraArgs, word...)
		}
	}
	return t, nil
}

func (t *Tool) exePath() string {
	name := "emmy_tool"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(t.Dir, name)
}

func (t *Tool) libPath(lib string) string {
	return filepath.Join(t.Dir, lib)
}

// Validate confirms the helper executable and the injection library are
// present. Absence is terminal.
func (t *Tool) Validate(lib string) error {
	if _, err := os.Stat(t.exePath()); err != nil {
		return fmt.Errorf("%w: %s", ErrToolMissing, t.exePath())
	}
	if _, err := os.Stat(t.libPath(lib)); err != nil {
		return fmt.Errorf("%w: %s", ErrToolMissing, t.libPath(lib))
	}
	return nil
}

// Arch64 queries the target's architecture. Helper exit code 0 means
// 64-bit; any failure conservatively reports 32-bit.
func (t *Tool) Arch64(pid int) bool {
	cmd := exec.Command(t.exePath(), "arch_pid", strconv.Itoa(pid))
	if err := cmd.Run(); err != nil {
		t.log.Debugf("arch_pid %d: %v, assuming 32-bit", pid, err)
		return false
	}
	return true
}

// Attach spawns the helper in attach mode against pid. The child's stdout
// and stderr are drained on separate goroutines so the child never blocks
// on a full pipe; each reader is joined with a bounded timeout. A non-zero
// exit is returned as an AttachError carrying the captured stderr.
func (t *Tool) Attach(pid int, workDir, lib string, captureLog bool) error {
	args := []string{"attach", "-p", strconv.Itoa(pid), "-dir", workDir, "-dll", lib}
	if captureLog {
		args = append(args, "-capture-log")
	}
	args = append(args, t.ExtraArgs...)
	cmd := exec.Command(t.exePath(), args...)
	cmd.Dir = t.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	t.log.Debugf("spawned %s %s", t.exePath(), strings.Join(args, " "))

	// both pipes must be fully read before Wait, which closes them
	outCh := drain(stdout)
	errCh := drain(stderr)
	outText := join(outCh)
	errText := join(errCh)
	werr := cmd.Wait()
	if outText != "" {
		t.log.Debugf("helper stdout: %s", outText)
	}

	if werr != nil {
		code := -1
		if ee, ok := werr.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
		return &AttachError{Pid: pid, ExitCode: code, Stderr: errText}
	}
	return nil
}

// drain consumes r on its own goroutine and delivers the collected text.
func drain(r io.Reader) <-chan string {
	ch := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		ch <- buf.String()
	}()
	return ch
}

// join waits for a drain goroutine with a bounded timeout.
func join(ch <-chan string) string {
	select {
	case s := <-ch:
		return s
	case <-time.After(readerJoinTimeout):
		return ""
	}
}

// ListProcesses invokes the helper's process-listing mode. Output is a
// repeating 4-line record: pid, window title, executable path, blank.
func (t *Tool) ListProcesses() ([]Process, error) {
	cmd := exec.Command(t.exePath(), "list_processes")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list_processes: %v", err)
	}
	return parseProcessList(bytes.NewReader(out)), nil
}

func parseProcessList(r io.Reader) []Process {
	var procs []Process
	scanner := bufio.NewScanner(r)
	for {
		var lines [3]string
		i := 0
		for i < 3 && scanner.Scan() {
			lines[i] = strings.TrimRight(scanner.Text(), "\r")
			i++
		}
		if i == 0 {
			break
		}
		pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
		if err != nil || i < 3 {
			// truncated or malformed trailing record
			break
		}
		procs = append(procs, Process{Pid: pid, Title: lines[1], Path: lines[2]})
		// the blank separator line; EOF here is fine
		if !scanner.Scan() {
			break
		}
	}
	return procs
}
