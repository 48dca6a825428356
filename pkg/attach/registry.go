package attach

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AttachmentRecord describes one live attachment. Owned exclusively by the
// Registry: created when an attach succeeds, destroyed when the owning
// session reaches its terminal state.
type AttachmentRecord struct {
	Pid           int
	ProcessName   string
	SessionHandle uuid.UUID
	AttachedAt    time.Time
}

// ErrAlreadyAttached is returned when a pid already has a live attachment.
type ErrAlreadyAttached struct {
	Record AttachmentRecord
}

func (e *ErrAlreadyAttached) Error() string {
	return fmt.Sprintf("process %d (%s) already attached since %s",
		e.Record.Pid, e.Record.ProcessName, e.Record.AttachedAt.Format(time.RFC3339))
}

// Registry is the process-wide map of attached pids. It is an explicitly
// constructed service: create one at program start, inject it into every
// attach workflow, clear it at shutdown. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	records map[int]AttachmentRecord
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[int]AttachmentRecord)}
}

// Check reports whether pid may be attached. Called before the workflow
// spawns anything, so a refused attach creates no partial state.
func (r *Registry) Check(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[pid]; ok {
		return &ErrAlreadyAttached{Record: rec}
	}
	return nil
}

// TryRegister installs a record for pid. If pid is already attached it
// returns ErrAlreadyAttached carrying the existing record and installs
// nothing.
func (r *Registry) TryRegister(pid int, processName string) (AttachmentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[pid]; ok {
		return AttachmentRecord{}, &ErrAlreadyAttached{Record: rec}
	}
	rec := AttachmentRecord{
		Pid:           pid,
		ProcessName:   processName,
		SessionHandle: uuid.New(),
		AttachedAt:    time.Now(),
	}
	r.records[pid] = rec
	return rec, nil
}

// Remove drops the record for pid. Removing an absent pid is a no-op, so
// lifecycle listeners may fire on paths that never registered.
func (r *Registry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, pid)
}

// Lookup returns the record for pid, if any.
func (r *Registry) Lookup(pid int) (AttachmentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[pid]
	return rec, ok
}

// Clear drops every record. Called at program shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[int]AttachmentRecord)
}
