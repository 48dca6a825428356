package transport

import (
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-luadbg/luadbg/pkg/wire"
)

// IDGenerator produces fresh correlation ids. live reports whether an id is
// currently pending, so generators can avoid collisions.
type IDGenerator interface {
	Next(live func(string) bool) string
}

// SeqGenerator issues incrementing integer ids starting at 1. Used by the
// Emmy protocol, whose correlation field is a sequence number.
type SeqGenerator struct {
	n int64
}

func (g *SeqGenerator) Next(live func(string) bool) string {
	return strconv.FormatInt(atomic.AddInt64(&g.n, 1), 10)
}

// Correlation ids below randIDMin are reserved for protocol-defined
// meanings ("0" marks fire-and-forget).
const (
	randIDMin = 10
	randIDMax = 999999999
)

// RandGenerator issues random integer ids in [10, 999999999], re-rolling
// while the candidate is still pending. Used by the LuaPanda protocol.
type RandGenerator struct{}

func (RandGenerator) Next(live func(string) bool) string {
	for {
		id := strconv.Itoa(randIDMin + rand.Intn(randIDMax-randIDMin+1))
		if !live(id) {
			return id
		}
	}
}

// Callbacks maps correlation ids to pending continuations. Safe for
// concurrent insertion by senders and removal by the receive loop.
type Callbacks struct {
	mu      sync.Mutex
	gen     IDGenerator
	pending map[string]func(*wire.Message)
}

func NewCallbacks(gen IDGenerator) *Callbacks {
	return &Callbacks{gen: gen, pending: make(map[string]func(*wire.Message))}
}

// Register stores fn under a fresh correlation id and returns the id.
func (c *Callbacks) Register(fn func(*wire.Message)) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.gen.Next(c.liveLocked)
	c.pending[id] = fn
	return id
}

func (c *Callbacks) liveLocked(id string) bool {
	_, ok := c.pending[id]
	return ok
}

// Dispatch consumes the callback matching m's correlation id, if any.
// Returns true if the message was consumed; the continuation runs at most
// once and an uncorrelated message never consumes a callback.
func (c *Callbacks) Dispatch(m *wire.Message) bool {
	if !m.Expected() {
		return false
	}
	c.mu.Lock()
	fn, ok := c.pending[m.CallbackID]
	if ok {
		delete(c.pending, m.CallbackID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	fn(m)
	return true
}

// AbandonAll drops every pending callback, returning how many were
// outstanding. Called when the transporter closes.
func (c *Callbacks) AbandonAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	c.pending = make(map[string]func(*wire.Message))
	return n
}

// Pending returns the number of outstanding callbacks.
func (c *Callbacks) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
