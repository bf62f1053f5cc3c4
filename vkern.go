// Package vkern hosts the core of a small type-1 hypervisor: per-CPU
// scheduling lifecycles, vCPU placement, the per-vCPU module registry and
// the paravirtual debug console, assembled behind one Machine.
//
// A Machine boots its physical CPUs into their idle loops, then guests are
// created against it:
//
//	m, _ := vkern.New(cfg)
//	if err := m.Boot(ctx); err != nil { ... }
//	defer m.Close()
//
//	vm, _ := m.CreateVM(vkern.VMConfig{Vmid: 1, Name: "svc", Native: true, Vcpus: 2})
package vkern

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/tinyrange/vkern/internal/debug"
	"github.com/tinyrange/vkern/internal/devices/dcon"
	"github.com/tinyrange/vkern/internal/fdt"
	"github.com/tinyrange/vkern/internal/hvc"
	"github.com/tinyrange/vkern/internal/sched"
	"github.com/tinyrange/vkern/internal/tty"
	"github.com/tinyrange/vkern/internal/vmm"
)

var (
	ErrNotBooted      = errors.New("vkern: machine not booted")
	ErrAlreadyBooted  = errors.New("vkern: machine already booted")
	ErrAffinityFailed = errors.New("vkern: vcpu placement failed")
)

// Option configures a Machine beyond its Config.
type Option func(*Machine)

// WithConsoleWriter directs guest console output to w instead of stdout.
func WithConsoleWriter(w io.Writer) Option {
	return func(m *Machine) { m.consoleOut = w }
}

// WithPlatform installs the power-operation backend.
func WithPlatform(p sched.Platform) Option {
	return func(m *Machine) { m.platform = p }
}

// Machine is one hypervisor instance: the pCPU table, the module registry
// and the device plumbing guests are wired into.
type Machine struct {
	cfg        Config
	consoleOut io.Writer
	platform   sched.Platform

	table   *sched.Table
	pcpus   *vmm.PcpuSet
	modules *vmm.ModuleSet
	ttys    *tty.Registry
	console *tty.Console
	dcons   *dcon.Set
	mux     *hvc.Mux
	rt      *taskRuntime

	mu     sync.Mutex
	vms    []*vmm.VM
	booted bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Machine from the config. Nothing runs until Boot.
func New(cfg Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:        cfg,
		consoleOut: os.Stdout,
		pcpus:      vmm.NewPcpuSet(cfg.Cpus),
		modules:    &vmm.ModuleSet{},
		ttys:       tty.NewRegistry(),
		mux:        hvc.NewMux(),
		rt:         newTaskRuntime(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.console = tty.NewConsole(m.consoleOut)
	m.dcons = dcon.NewSet(m.ttys, m.console)
	if err := m.dcons.RegisterHvc(m.mux); err != nil {
		return nil, err
	}

	if err := m.modules.InitRegistered(); err != nil {
		return nil, err
	}

	table, err := sched.NewTable(sched.Config{
		NrCPUs:    cfg.Cpus,
		Factory:   m.rt,
		Scheduler: m.rt,
		Platform:  m.platform,
		OnClean:   func() { debug.Writef("vkern", "init section released") },
	})
	if err != nil {
		return nil, err
	}
	m.table = table
	return m, nil
}

// Boot brings every pCPU up through its idle loop and returns once the last
// one has passed the boot barrier.
func (m *Machine) Boot(ctx context.Context) error {
	m.mu.Lock()
	if m.booted {
		m.mu.Unlock()
		return ErrAlreadyBooted
	}
	m.booted = true

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for i := 0; i < m.table.NrCPUs(); i++ {
		m.wg.Add(1)
		go func(id int) {
			defer m.wg.Done()
			m.table.CpuIdle(runCtx, id)
		}(i)
	}
	m.mu.Unlock()

	for m.table.KernelRef() != m.table.NrCPUs() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			runtime.Gosched()
		}
	}

	debug.Writef("vkern", "%d pcpus online", m.table.NrCPUs())
	return nil
}

// Close tears the machine down: kworkers are released, the pCPU loops exit
// and any unterminated console line is mirrored into the debug log.
func (m *Machine) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	m.table.Shutdown()
	cancel()
	m.wg.Wait()
	m.console.Flush()
	return nil
}

// Table exposes the scheduler-side pCPU table.
func (m *Machine) Table() *sched.Table { return m.table }

// Modules exposes the vCPU module registry.
func (m *Machine) Modules() *vmm.ModuleSet { return m.modules }

// VMConfig describes one guest to create.
type VMConfig struct {
	Vmid   uint32 `yaml:"vmid"`
	Name   string `yaml:"name"`
	Native bool   `yaml:"native"`
	Vcpus  int    `yaml:"vcpus"`

	// Affinity is the preferred pCPU per vCPU; missing entries default to
	// the vCPU index.
	Affinity []uint32 `yaml:"affinity,omitempty"`

	// DeviceTree declares the guest's paravirt devices.
	DeviceTree []fdt.Node `yaml:"deviceTree,omitempty"`
}

// CreateVM creates a guest: vCPUs are placed onto distinct pCPUs, their
// per-module state is allocated, and matching paravirt devices are wired.
func (m *Machine) CreateVM(cfg VMConfig) (*vmm.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.booted {
		return nil, ErrNotBooted
	}
	if cfg.Vcpus <= 0 {
		return nil, fmt.Errorf("vkern: vm %q has no vcpus", cfg.Name)
	}
	for _, vm := range m.vms {
		if vm.Vmid() == cfg.Vmid {
			return nil, fmt.Errorf("vkern: vmid %d already in use", cfg.Vmid)
		}
	}

	vm := vmm.NewVM(cfg.Vmid, cfg.Name, cfg.Native)
	vm.SetVirqSink(&machineSink{m: m})

	for i := 0; i < cfg.Vcpus; i++ {
		vcpu := vmm.NewVcpu(vm, i)

		preferred := uint32(i)
		if i < len(cfg.Affinity) {
			preferred = cfg.Affinity[i]
		}
		if m.pcpus.Affinity(vcpu, preferred) == vmm.PcpuAffinityFail {
			return nil, fmt.Errorf("%w: vm%d vcpu%d", ErrAffinityFailed, cfg.Vmid, i)
		}
		m.modules.VcpuInit(vcpu)
	}

	for i := range cfg.DeviceTree {
		for _, node := range cfg.DeviceTree[i].FindCompatible(dcon.Compatible) {
			if err := m.dcons.CreateDconsole(vm, node); err != nil {
				// a bad node costs the device, not the VM
				debug.Writef("vkern", "vm%d: console node %q: %v",
					cfg.Vmid, node.Name, err)
			}
		}
	}

	m.vms = append(m.vms, vm)
	debug.Writef("vkern", "vm%d %q created with %d vcpus", cfg.Vmid, cfg.Name, cfg.Vcpus)
	return vm, nil
}

// VM returns the guest with the given vmid, nil if none.
func (m *Machine) VM(vmid uint32) *vmm.VM {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vm := range m.vms {
		if vm.Vmid() == vmid {
			return vm
		}
	}
	return nil
}

// Console returns the debug console wired to a guest, nil if it has none.
func (m *Machine) Console(vmid uint32) *dcon.DebugConsole {
	return m.dcons.Lookup(vmid)
}

// Hypercall dispatches a guest hypercall and returns the result register.
func (m *Machine) Hypercall(vm *vmm.VM, typ, id uint32, args []uint64) uint64 {
	return m.mux.Dispatch(&hvc.Context{VM: vm}, typ, id, args)
}

// ResetVM runs every vCPU's reset hooks and re-initializes module state in
// place, the warm-restart path.
func (m *Machine) ResetVM(vm *vmm.VM) {
	for _, vcpu := range vm.Vcpus() {
		m.modules.VcpuReset(vcpu)
		m.modules.VcpuInit(vcpu)
	}
}

// PauseVM runs the suspend hooks on every vCPU.
func (m *Machine) PauseVM(vm *vmm.VM) {
	for _, vcpu := range vm.Vcpus() {
		m.modules.SuspendState(vcpu)
	}
}

// UnpauseVM runs the resume hooks on every vCPU.
func (m *Machine) UnpauseVM(vm *vmm.VM) {
	for _, vcpu := range vm.Vcpus() {
		m.modules.ResumeState(vcpu)
	}
}

// DestroyVM stops and tears down a guest's vCPU state and forgets the VM.
func (m *Machine) DestroyVM(vm *vmm.VM) {
	for _, vcpu := range vm.Vcpus() {
		m.modules.StopState(vcpu)
		m.modules.VcpuDeinit(vcpu)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.vms {
		if other == vm {
			m.vms = append(m.vms[:i], m.vms[i+1:]...)
			break
		}
	}
}

// machineSink delivers virtual interrupts by waking the pCPU hosting the
// guest's boot vCPU, the closest thing an in-process guest has to an IRQ.
type machineSink struct {
	m *Machine
}

func (s *machineSink) RaiseVirq(vm *vmm.VM, virq uint32) {
	debug.Writef("vkern", "vm%d <- virq %d", vm.Vmid(), virq)
	vcpus := vm.Vcpus()
	if len(vcpus) == 0 {
		return
	}
	if target := vcpus[0].PcpuAffinity(); target != vmm.PcpuAffinityFail {
		s.m.table.Resched(int(target))
	}
}

// WaitState spins until the pCPU reaches the wanted state or the timeout
// passes, for tools that want to observe a machine settle.
func (m *Machine) WaitState(pcpu int, want sched.State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for m.table.Pcpu(pcpu).State() != want {
		if time.Now().After(deadline) {
			return false
		}
		runtime.Gosched()
	}
	return true
}
