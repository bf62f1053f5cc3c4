// Package hvc dispatches hypervisor calls. Handlers claim a call-type
// range; the decoder hands every call here with its arguments already
// pulled out of the guest registers, and the single 64-bit result goes
// back the same way.
package hvc

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vkern/internal/debug"
	"github.com/tinyrange/vkern/internal/vmm"
)

// Hypercall types.
const (
	TypeDebugConsole uint32 = 0xc6
)

// Context is one in-flight hypercall. Handlers set the return value with
// Ret1.
type Context struct {
	VM   *vmm.VM
	Vcpu *vmm.Vcpu

	ret uint64
}

// Ret1 sets the call's single 64-bit result register.
func (c *Context) Ret1(v uint64) {
	c.ret = v
}

// HandlerFunc handles one hypercall id within a registered type range.
type HandlerFunc func(c *Context, id uint32, args []uint64) error

type handler struct {
	name string
	lo   uint32
	hi   uint32
	fn   HandlerFunc
}

// Mux routes hypercalls to handlers by call type.
type Mux struct {
	mu       sync.Mutex
	handlers []handler
}

// NewMux returns an empty hypercall mux.
func NewMux() *Mux {
	return &Mux{}
}

// Register claims the inclusive call-type range [lo, hi] for fn.
func (m *Mux) Register(name string, lo, hi uint32, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("hvc: handler %q is nil", name)
	}
	if lo > hi {
		return fmt.Errorf("hvc: handler %q range [0x%x, 0x%x] inverted", name, lo, hi)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		if lo <= h.hi && h.lo <= hi {
			return fmt.Errorf("hvc: handler %q overlaps %q", name, h.name)
		}
	}
	m.handlers = append(m.handlers, handler{name: name, lo: lo, hi: hi, fn: fn})
	return nil
}

// Dispatch runs the handler for the call type and returns the result
// register. Unclaimed types and handler errors both resolve to 0; a guest
// probing an absent service just reads zero.
func (m *Mux) Dispatch(c *Context, typ, id uint32, args []uint64) uint64 {
	m.mu.Lock()
	var fn HandlerFunc
	for _, h := range m.handlers {
		if typ >= h.lo && typ <= h.hi {
			fn = h.fn
			break
		}
	}
	m.mu.Unlock()

	if fn == nil {
		debug.Writef("hvc", "no handler for call type 0x%x", typ)
		return 0
	}

	c.ret = 0
	if err := fn(c, id, args); err != nil {
		debug.Writef("hvc", "handler for type 0x%x id 0x%x: %v", typ, id, err)
		return 0
	}
	return c.ret
}
