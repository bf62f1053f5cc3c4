// Package dcon is the paravirtual debug console: a shared ring page between
// host and guest, a virtual interrupt towards the guest, and a small
// hypercall surface the guest drives it with. Each native VM gets one.
package dcon

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vkern/internal/debug"
	"github.com/tinyrange/vkern/internal/fdt"
	"github.com/tinyrange/vkern/internal/hvc"
	"github.com/tinyrange/vkern/internal/tty"
	"github.com/tinyrange/vkern/internal/vmm"
)

const (
	// TtyMagic tags debug-console tty ids; the low bits carry the vmid.
	TtyMagic uint32 = 0xabcd0000

	// RingSize is the shared page: one tx ring and one rx ring
	// back-to-back.
	RingSize = 8192

	// RxRingSize is the payload size of the tx ring (host to guest).
	RxRingSize = 2048

	// TxRingSize is the payload size of the rx ring (guest to host).
	TxRingSize = 4096

	// NrDC caps how many VMs get a console.
	NrDC = 8
)

// Hypercall ids within hvc.TypeDebugConsole.
const (
	HvcDcGetStat uint32 = iota
	HvcDcGetRing
	HvcDcGetIrq
	HvcDcWrite
	HvcDcOpen
	HvcDcClose
)

// Compatible is the device-tree string a console node matches on.
const Compatible = "minos,vm_console"

// propDynamicRes asks for a host-allocated ring instead of a fixed one.
const propDynamicRes = "vc-dynamic-res"

var (
	ErrOverflow = errors.New("dcon: write buffer overflow")
	ErrClosed   = errors.New("dcon: console not open")
)

// DebugConsole is one VM's console.
type DebugConsole struct {
	vm  *vmm.VM
	tty *tty.Tty

	mu  sync.Mutex
	irq uint32

	// open is set by the guest via HVC_DC_OPEN; host writes before that
	// are dropped with ErrClosed.
	open atomic.Bool

	ringAddr uint64
	ringMem  []byte
	tx       *ring
	rx       *ring

	loggedOverflow atomic.Bool
}

// RingAddr returns the guest-physical address of the shared page.
func (d *DebugConsole) RingAddr() uint64 { return d.ringAddr }

// Irq returns the console's virtual interrupt, 0 if not yet allocated.
func (d *DebugConsole) Irq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.irq
}

// Tty returns the host-side tty handle.
func (d *DebugConsole) Tty() *tty.Tty { return d.tty }

// Set owns the per-VM consoles and their shared tty plumbing.
type Set struct {
	mu      sync.Mutex
	dcons   [NrDC]*DebugConsole
	ttys    *tty.Registry
	console *tty.Console
}

// NewSet builds the console table. Guest output drains into console.
func NewSet(ttys *tty.Registry, console *tty.Console) *Set {
	return &Set{ttys: ttys, console: console}
}

// Lookup returns the console registered for a vmid, nil if none.
func (s *Set) Lookup(vmid uint32) *DebugConsole {
	if vmid >= NrDC {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dcons[vmid]
}

// RegisterHvc claims the debug-console hypercall type on the mux.
func (s *Set) RegisterHvc(mux *hvc.Mux) error {
	return mux.Register("debug_console_hvc",
		hvc.TypeDebugConsole, hvc.TypeDebugConsole, s.hvcHandler)
}

// CreateDconsole wires a console for vm according to its device-tree node.
// Non-native VMs and vmids beyond the table get nothing, silently.
func (s *Set) CreateDconsole(vm *vmm.VM, node *fdt.Node) error {
	if !vm.IsNative() || vm.Vmid() >= NrDC {
		return nil
	}

	name := fmt.Sprintf("vm%d", vm.Vmid())
	handle := tty.Alloc(name, TtyMagic|vm.Vmid())

	dcon := &DebugConsole{vm: vm}
	ringMem := make([]byte, RingSize)

	if err := s.dconInit(vm, node, dcon, ringMem); err != nil {
		return err
	}

	dcon.tty = handle
	handle.SetOps(dconTtyOps{}, dcon)
	if err := s.ttys.Register(handle); err != nil {
		return err
	}

	s.mu.Lock()
	s.dcons[vm.Vmid()] = dcon
	s.mu.Unlock()

	debug.Writef("dcon", "vm%d console ring at 0x%x irq %d",
		vm.Vmid(), dcon.ringAddr, dcon.irq)
	return nil
}

// dconGetResource resolves the ring's guest-physical area and static irq
// from the node. Without the dynamic-res flag the node must carry both a
// big-enough fixed region and an interrupt; with it, the host picks a free
// page-aligned area and the irq is allocated lazily on first guest query.
func (s *Set) dconGetResource(vm *vmm.VM, node *fdt.Node) (vmm.Area, uint32, error) {
	if !node.PropBool(propDynamicRes) {
		base, size, err := node.RegRange()
		if err != nil {
			return vmm.Area{}, 0, err
		}
		if size < RingSize {
			return vmm.Area{}, 0, fmt.Errorf("dcon: vm console size too small")
		}

		irq, ok := node.InterruptIndex(0)
		if !ok {
			return vmm.Area{}, 0, fmt.Errorf("dcon: node %q has no interrupt", node.Name)
		}
		if err := vm.RequestVirq(irq); err != nil {
			return vmm.Area{}, 0, err
		}

		area, err := vm.Mm().Request(base, size, vmm.AreaIO|vmm.AreaMapPrivate)
		if err != nil {
			return vmm.Area{}, 0, err
		}
		return area, irq, nil
	}

	// native VMs are never released, so a dynamic area without a backing
	// physical address on record is fine
	area, err := vm.Mm().AllocFree(RingSize, vmm.AreaIO|vmm.AreaMapPrivate)
	if err != nil {
		return vmm.Area{}, 0, err
	}
	return area, 0, nil
}

func (s *Set) dconInit(vm *vmm.VM, node *fdt.Node, dcon *DebugConsole, ringMem []byte) error {
	area, irq, err := s.dconGetResource(vm, node)
	if err != nil {
		return err
	}

	dcon.irq = irq
	dcon.ringAddr = area.Base
	dcon.ringMem = ringMem
	dcon.tx = initRing(ringMem[:ringHdrSize+RxRingSize], RxRingSize)
	dcon.rx = initRing(ringMem[ringHdrSize+RxRingSize:], TxRingSize)
	return nil
}

// dconTtyOps is the host tty backend: put_char feeds the guest through the
// tx ring.
type dconTtyOps struct{}

func (dconTtyOps) Open(t *tty.Tty) error { return nil }
func (dconTtyOps) Close(t *tty.Tty)      {}

func (dconTtyOps) PutChar(t *tty.Tty, ch byte) error {
	dcon := t.Data.(*DebugConsole)
	if !dcon.open.Load() {
		return ErrClosed
	}

	tx := dcon.tx
	widx := tx.Widx()
	if widx-tx.Ridx() > tx.Size() {
		if dcon.loggedOverflow.CompareAndSwap(false, true) {
			debug.Writef("dcon", "vm%d: write buffer overflow", dcon.vm.Vmid())
		}
		return ErrOverflow
	}

	// payload first, then publish the index; the atomic store is the
	// write barrier the guest pairs with
	tx.SetByte(widx, ch)
	tx.SetWidx(widx + 1)

	dcon.vm.SendVirq(dcon.Irq())
	return nil
}

// PutChars is a no-op by contract; callers feed characters one at a time.
func (dconTtyOps) PutChars(t *tty.Tty, data []byte) (int, error) {
	return 0, nil
}

// drainToHost flushes the guest's rx ring into the physical console. A
// closed host tty still advances ridx so the guest never stalls on a full
// ring.
func (d *DebugConsole) drainToHost(console *tty.Console) {
	r := d.rx

	if !d.tty.IsOpen() {
		r.SetRidx(r.Widx())
		return
	}

	ridx := r.Ridx()
	widx := r.Widx()
	for ridx != widx {
		if console != nil {
			console.PutChar(r.Byte(ridx))
		}
		ridx++
	}
	r.SetRidx(r.Widx())
}

func (s *Set) hvcHandler(c *hvc.Context, id uint32, args []uint64) error {
	dcon := s.Lookup(c.VM.Vmid())
	if dcon == nil {
		c.Ret1(0)
		return nil
	}

	switch id {
	case HvcDcGetStat:
		c.Ret1(uint64(TtyMagic | c.VM.Vmid()))
	case HvcDcGetRing:
		c.Ret1(dcon.ringAddr)
	case HvcDcGetIrq:
		dcon.mu.Lock()
		if dcon.irq == 0 {
			dcon.irq = dcon.vm.AllocVirq()
		}
		irq := dcon.irq
		dcon.mu.Unlock()
		c.Ret1(uint64(irq))
	case HvcDcWrite:
		dcon.drainToHost(s.console)
	case HvcDcOpen:
		dcon.open.Store(true)
	case HvcDcClose:
		dcon.open.Store(false)
	}
	return nil
}

var _ tty.Ops = dconTtyOps{}
