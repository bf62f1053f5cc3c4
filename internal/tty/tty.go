// Package tty is the minimal terminal layer the hypervisor core needs: a
// tty handle with pluggable ops, a registry keyed by console id, and the
// host console sink guest output is drained into.
package tty

import (
	"fmt"
	"sync"
)

// Ops are the backend operations behind a Tty. Implementations decide what
// a character write actually does.
type Ops interface {
	Open(t *Tty) error
	Close(t *Tty)
	PutChar(t *Tty, ch byte) error
	PutChars(t *Tty, data []byte) (int, error)
}

// Tty is one terminal handle.
type Tty struct {
	name string
	id   uint32

	// Data is the backend's private state, set alongside the ops.
	Data any

	mu   sync.Mutex
	open bool
	ops  Ops
}

// Alloc creates a tty handle with the given name and console id.
func Alloc(name string, id uint32) *Tty {
	return &Tty{name: name, id: id}
}

// Name returns the tty name.
func (t *Tty) Name() string { return t.name }

// ID returns the console id the tty was allocated with.
func (t *Tty) ID() uint32 { return t.id }

// SetOps installs the backend.
func (t *Tty) SetOps(ops Ops, data any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = ops
	t.Data = data
}

// Open marks the tty open and tells the backend.
func (t *Tty) Open() error {
	t.mu.Lock()
	ops := t.ops
	t.mu.Unlock()
	if ops == nil {
		return fmt.Errorf("tty %s: no ops", t.name)
	}
	if err := ops.Open(t); err != nil {
		return err
	}
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	return nil
}

// Close marks the tty closed and tells the backend.
func (t *Tty) Close() {
	t.mu.Lock()
	ops := t.ops
	t.open = false
	t.mu.Unlock()
	if ops != nil {
		ops.Close(t)
	}
}

// IsOpen reports whether the tty is open.
func (t *Tty) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// PutChar writes one character through the backend.
func (t *Tty) PutChar(ch byte) error {
	t.mu.Lock()
	ops := t.ops
	t.mu.Unlock()
	if ops == nil {
		return fmt.Errorf("tty %s: no ops", t.name)
	}
	return ops.PutChar(t, ch)
}

// PutChars writes a buffer through the backend.
func (t *Tty) PutChars(data []byte) (int, error) {
	t.mu.Lock()
	ops := t.ops
	t.mu.Unlock()
	if ops == nil {
		return 0, fmt.Errorf("tty %s: no ops", t.name)
	}
	return ops.PutChars(t, data)
}

// Registry tracks registered ttys by console id.
type Registry struct {
	mu   sync.Mutex
	ttys map[uint32]*Tty
}

// NewRegistry returns an empty tty registry.
func NewRegistry() *Registry {
	return &Registry{ttys: make(map[uint32]*Tty)}
}

// Register adds a tty. Ids are unique.
func (r *Registry) Register(t *Tty) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ttys[t.id]; exists {
		return fmt.Errorf("tty: id 0x%x already registered", t.id)
	}
	r.ttys[t.id] = t
	return nil
}

// Lookup finds a tty by console id.
func (r *Registry) Lookup(id uint32) *Tty {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttys[id]
}

// Release removes a tty from the registry.
func (r *Registry) Release(t *Tty) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ttys[t.id] == t {
		delete(r.ttys, t.id)
	}
}

// Ttys returns the registered ttys in no particular order.
func (r *Registry) Ttys() []*Tty {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tty, 0, len(r.ttys))
	for _, t := range r.ttys {
		out = append(out, t)
	}
	return out
}
