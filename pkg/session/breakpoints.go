package session

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-luadbg/luadbg/pkg/wire"
)

// BreakpointSource enumerates the currently-defined breakpoints on demand.
// Consulted during every (re)sync.
type BreakpointSource interface {
	Breakpoints() []*wire.Breakpoint
}

// BreakpointFunc adapts a function to the BreakpointSource interface.
type BreakpointFunc func() []*wire.Breakpoint

func (f BreakpointFunc) Breakpoints() []*wire.Breakpoint { return f() }

// bpKey joins an IDE-side breakpoint to its wire descriptor.
func bpKey(bp *wire.Breakpoint) string {
	return fmt.Sprintf("%s:%d", bp.File, bp.Line)
}

// synchronizer owns the handle table mapping session-local breakpoint ids
// to wire descriptors. Handles are unique within a session and strictly
// increasing from 0; Reset starts the next session's numbering from 0
// again, so stale handles from a previous connection can never collide.
type synchronizer struct {
	mu       sync.Mutex
	next     int
	byHandle map[int]*wire.Breakpoint
	byKey    map[string]int

	dialect dialect
	send    func(*wire.Message) error
}

func newSynchronizer(d dialect, send func(*wire.Message) error) *synchronizer {
	s := &synchronizer{dialect: d, send: send}
	s.resetTables()
	return s
}

func (s *synchronizer) resetTables() {
	s.next = 0
	s.byHandle = make(map[int]*wire.Breakpoint)
	s.byKey = make(map[string]int)
}

// Reset clears the handle table and restarts the id counter. Called on
// every (re)connection before breakpoints are re-registered from scratch.
func (s *synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetTables()
}

// Register allocates the next handle for bp, stores the descriptor and
// sends the add-breakpoint message.
func (s *synchronizer) Register(bp *wire.Breakpoint) (int, error) {
	s.mu.Lock()
	handle := s.next
	s.next++
	s.byHandle[handle] = bp
	s.byKey[bpKey(bp)] = handle
	s.mu.Unlock()
	return handle, s.send(s.dialect.addBreakpoint(bp))
}

// Unregister removes bp's handle and sends the remove-breakpoint message.
// A breakpoint with no handle (already dropped by a disconnect) is a no-op,
// not an error.
func (s *synchronizer) Unregister(bp *wire.Breakpoint) error {
	s.mu.Lock()
	handle, ok := s.byKey[bpKey(bp)]
	if ok {
		delete(s.byKey, bpKey(bp))
		delete(s.byHandle, handle)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.send(s.dialect.removeBreakpoint(bp))
}

// ResyncAll re-registers every breakpoint of source from scratch. The table
// is reset first so each (re)connection gets a clean remap.
func (s *synchronizer) ResyncAll(source BreakpointSource) error {
	s.Reset()
	if source == nil {
		return nil
	}
	for _, bp := range source.Breakpoints() {
		if _, err := s.Register(bp); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the descriptor registered under handle.
func (s *synchronizer) Lookup(handle int) (*wire.Breakpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.byHandle[handle]
	return bp, ok
}

// BreakpointAt finds the registered breakpoint matching a reported stop
// location. Debuggees report chunk names rather than the editor-side path,
// so a base-name match at the same line is accepted when the exact key
// misses.
func (s *synchronizer) BreakpointAt(file string, line int) (*wire.Breakpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.byKey[fmt.Sprintf("%s:%d", file, line)]; ok {
		return s.byHandle[handle], true
	}
	base := filepath.Base(file)
	for _, bp := range s.byHandle {
		if bp.Line == line && filepath.Base(bp.File) == base {
			return bp, true
		}
	}
	return nil, false
}

// Count returns the number of registered breakpoints.
func (s *synchronizer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHandle)
}
