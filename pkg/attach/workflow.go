package attach

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-luadbg/luadbg/pkg/logflags"
	"github.com/go-luadbg/luadbg/pkg/transport"
	"github.com/sirupsen/logrus"
)

// State is the attach workflow's position in its lifecycle.
type State int

const (
	Idle State = iota
	Validating
	Invoking
	WaitingForService
	ProbingPort
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Invoking:
		return "invoking"
	case WaitingForService:
		return "waiting-for-service"
	case ProbingPort:
		return "probing-port"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// injectionOS is the only platform the helper tool can inject on.
const injectionOS = "windows"

// cancelSlice is the granularity at which retry waits observe cancellation.
const cancelSlice = 100 * time.Millisecond

// ErrCancelled is returned when the owning session stops while the
// workflow is still connecting.
var ErrCancelled = errors.New("attach cancelled")

// Prober are transporters that can cheaply test whether the target port
// accepts a TCP handshake. Probe results are diagnostic only.
type Prober interface {
	Probe() string
}

// Config are the per-attempt parameters of an attach.
type Config struct {
	Pid         int
	ProcessName string
	// WorkingDir is passed to the helper so the injected library can
	// resolve scripts relative to the target.
	WorkingDir string
	// Library is the injection library file name.
	Library string
	// Arch64 is the user-selected architecture; the detected one wins on
	// disagreement.
	Arch64     bool
	CaptureLog bool

	Retries     int
	RetryDelay  time.Duration
	SettleDelay time.Duration

	// Platform defaults to runtime.GOOS; tests override it.
	Platform string
}

// Workflow drives one attach attempt: validate, invoke the helper, wait for
// the injected service, probe, then hand off to the transporter with a
// bounded, interruptible retry loop.
type Workflow struct {
	cfg      Config
	tool     *Tool
	registry *Registry
	// cancelled is the owning session's stopping flag. Checked in every
	// wait slice so a stop aborts promptly.
	cancelled func() bool
	log       *logrus.Entry

	mu    sync.Mutex
	state State
}

// NewWorkflow returns a workflow. The registry is injected; the workflow
// never reaches for a global.
func NewWorkflow(tool *Tool, registry *Registry, cfg Config, cancelled func() bool) *Workflow {
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if cfg.Library == "" {
		cfg.Library = "emmy_hook.dll"
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Workflow{
		cfg:       cfg,
		tool:      tool,
		registry:  registry,
		cancelled: cancelled,
		log:       logflags.AttachLogger(),
		state:     Idle,
	}
}

// State returns the workflow's current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.log.Debugf("attach %d: %s", w.cfg.Pid, s)
}

// Run executes the workflow and, on success, installs an attachment record
// and returns it. The transporter is connected when Run returns nil.
func (w *Workflow) Run(t transport.Transporter) (AttachmentRecord, error) {
	rec, err := w.run(t)
	if err != nil {
		w.setState(Failed)
		return AttachmentRecord{}, err
	}
	w.setState(Connected)
	return rec, nil
}

func (w *Workflow) run(t transport.Transporter) (AttachmentRecord, error) {
	w.setState(Validating)
	if err := w.registry.Check(w.cfg.Pid); err != nil {
		return AttachmentRecord{}, err
	}
	if w.cfg.Platform != injectionOS {
		return AttachmentRecord{}, fmt.Errorf("process injection is not available on %s", w.cfg.Platform)
	}
	if err := pidAlive(w.cfg.Pid); err != nil {
		return AttachmentRecord{}, fmt.Errorf("process %d: %v", w.cfg.Pid, err)
	}
	if err := w.tool.Validate(w.cfg.Library); err != nil {
		return AttachmentRecord{}, err
	}

	w.setState(Invoking)
	detected := w.tool.Arch64(w.cfg.Pid)
	if detected != w.cfg.Arch64 {
		w.log.Infof("detected architecture disagrees with selection, using detected (64-bit=%v)", detected)
		w.cfg.Arch64 = detected
	}
	if err := w.tool.Attach(w.cfg.Pid, w.cfg.WorkingDir, w.cfg.Library, w.cfg.CaptureLog); err != nil {
		return AttachmentRecord{}, err
	}

	// the injected library needs time to start its listener and sends no
	// readiness signal
	w.setState(WaitingForService)
	if !w.sleep(w.cfg.SettleDelay) {
		return AttachmentRecord{}, ErrCancelled
	}

	w.setState(ProbingPort)
	if p, ok := t.(Prober); ok {
		if addr := p.Probe(); addr != "" {
			w.log.Debugf("port probe accepted on %s", addr)
		} else {
			w.log.Debugf("port probe failed on all addresses, connecting anyway")
		}
	}

	w.setState(Connecting)
	if err := w.connect(t); err != nil {
		return AttachmentRecord{}, err
	}

	rec, err := w.registry.TryRegister(w.cfg.Pid, w.cfg.ProcessName)
	if err != nil {
		t.Close()
		return AttachmentRecord{}, err
	}
	go w.scanModules()
	return rec, nil
}

// connect runs the bounded retry loop. A late success after cancellation is
// discarded so a stopped session cannot be revived.
func (w *Workflow) connect(t transport.Transporter) error {
	var last error
	for attempt := 1; attempt <= w.cfg.Retries; attempt++ {
		if w.cancelled() {
			return ErrCancelled
		}
		err := t.Connect()
		if err == nil {
			if w.cancelled() {
				t.Close()
				return ErrCancelled
			}
			return nil
		}
		last = err
		w.log.Debugf("connect attempt %d/%d: %v", attempt, w.cfg.Retries, err)
		if attempt < w.cfg.Retries && !w.sleep(w.cfg.RetryDelay) {
			return ErrCancelled
		}
	}
	return &transport.ConnectError{
		Attempts: w.cfg.Retries,
		Last:     last,
		Hints: []string{
			"the target process does not host a Lua runtime",
			"the injected library was blocked before it could open its listener",
			"the derived port is in use by another service",
			"a firewall rejects loopback connections",
		},
	}
}

// sleep waits for d in small slices, returning false if cancelled.
func (w *Workflow) sleep(d time.Duration) bool {
	for waited := time.Duration(0); waited < d; waited += cancelSlice {
		if w.cancelled() {
			return false
		}
		slice := cancelSlice
		if d-waited < slice {
			slice = d - waited
		}
		time.Sleep(slice)
	}
	return !w.cancelled()
}

// scanModules classifies the target's loaded modules for diagnostics.
// Failures never affect the session.
func (w *Workflow) scanModules() {
	mods, err := loadedModules(w.cfg.Pid)
	if err != nil {
		w.log.Debugf("module scan: %v", err)
		return
	}
	if rt := classifyRuntime(mods); rt != "" {
		w.log.Infof("target %d hosts a %s runtime", w.cfg.Pid, rt)
	} else {
		w.log.Infof("no known Lua runtime module found in target %d", w.cfg.Pid)
	}
}
