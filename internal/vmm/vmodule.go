package vmm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vkern/internal/debug"
)

// vmoduleNameLen caps module names the way the descriptor table does.
const vmoduleNameLen = 15

// HookFn is a per-vCPU lifecycle hook. ctx is the module's state block for
// that vCPU.
type HookFn func(vcpu *Vcpu, ctx []byte)

// VModule describes one module's per-vCPU state: how big its block is and
// which lifecycle hooks it wants. A module's init callback fills these in
// at registration time.
type VModule struct {
	name string
	id   int

	// ContextSize is the state block size per vCPU. Zero means the module
	// keeps no per-vCPU state; such a module gets no block, so none of its
	// hooks are ever run.
	ContextSize int

	StateInit    HookFn
	StateDeinit  HookFn
	StateReset   HookFn
	StateSave    HookFn
	StateRestore HookFn
	StateSuspend HookFn
	StateResume  HookFn
	StateStop    HookFn
}

// Name returns the module name, truncated at registration.
func (m *VModule) Name() string { return m.name }

// ID returns the module's dense, boot-assigned id.
func (m *VModule) ID() int { return m.id }

// ModuleInitFn configures a freshly created module descriptor.
type ModuleInitFn func(*VModule)

// ModuleSet is the process-wide module registry. Registration normally
// happens at boot; walkers iterate a snapshot of the list taken under the
// lock.
type ModuleSet struct {
	mu      sync.Mutex
	modules []*VModule
}

// Register creates a module descriptor, assigns the next dense id and runs
// the init callback.
func (s *ModuleSet) Register(name string, fn ModuleInitFn) (*VModule, error) {
	if name == "" {
		return nil, fmt.Errorf("vmm: vmodule name is empty")
	}
	if len(name) > vmoduleNameLen {
		name = name[:vmoduleNameLen]
	}

	s.mu.Lock()
	m := &VModule{name: name, id: len(s.modules)}
	s.modules = append(s.modules, m)
	s.mu.Unlock()

	if fn != nil {
		fn(m)
	}
	debug.Writef("vmm", "vmodule %q registered id %d", name, m.id)
	return m, nil
}

// Count returns how many modules are registered.
func (s *ModuleSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.modules)
}

// Modules returns the registered modules in id order.
func (s *ModuleSet) Modules() []*VModule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*VModule(nil), s.modules...)
}

// ContextData returns the vCPU's state block for the given module id, nil
// if the module keeps no state.
func (s *ModuleSet) ContextData(vcpu *Vcpu, id int) []byte {
	if id < 0 || id >= len(vcpu.contexts) {
		return nil
	}
	return vcpu.contexts[id]
}

// VcpuInit allocates the vCPU's per-module state. On the reboot path a
// block that already exists is kept and zeroed in place rather than
// reallocated, so module state survives at the same address across a warm
// restart.
func (s *ModuleSet) VcpuInit(vcpu *Vcpu) {
	modules := s.Modules()
	if len(modules) == 0 {
		return
	}

	if len(vcpu.contexts) < len(modules) {
		grown := make([][]byte, len(modules))
		copy(grown, vcpu.contexts)
		vcpu.contexts = grown
	}

	for _, m := range modules {
		if m.ContextSize == 0 {
			continue
		}
		ctx := vcpu.contexts[m.id]
		if ctx == nil {
			ctx = make([]byte, m.ContextSize)
			vcpu.contexts[m.id] = ctx
		} else {
			clear(ctx)
		}
		if m.StateInit != nil {
			m.StateInit(vcpu, ctx)
		}
	}
}

// VcpuDeinit runs the deinit hooks and drops the state blocks.
func (s *ModuleSet) VcpuDeinit(vcpu *Vcpu) {
	if vcpu.contexts == nil {
		return
	}
	for _, m := range s.Modules() {
		ctx := vcpu.contexts[m.id]
		if ctx == nil {
			continue
		}
		if m.StateDeinit != nil {
			m.StateDeinit(vcpu, ctx)
		}
		vcpu.contexts[m.id] = nil
	}
}

// walk runs one hook across all modules in registration order, skipping
// modules with no state block on this vCPU.
func (s *ModuleSet) walk(vcpu *Vcpu, pick func(*VModule) HookFn) {
	for _, m := range s.Modules() {
		ctx := s.ContextData(vcpu, m.id)
		if ctx == nil {
			continue
		}
		if fn := pick(m); fn != nil {
			fn(vcpu, ctx)
		}
	}
}

// VcpuReset runs the reset hooks on guest-initiated reset.
func (s *ModuleSet) VcpuReset(vcpu *Vcpu) {
	s.walk(vcpu, func(m *VModule) HookFn { return m.StateReset })
}

// SaveState runs the save hooks when the vCPU is switched out.
func (s *ModuleSet) SaveState(vcpu *Vcpu) {
	s.walk(vcpu, func(m *VModule) HookFn { return m.StateSave })
}

// RestoreState runs the restore hooks when the vCPU is switched in.
func (s *ModuleSet) RestoreState(vcpu *Vcpu) {
	s.walk(vcpu, func(m *VModule) HookFn { return m.StateRestore })
}

// SuspendState runs the suspend hooks when the VM pauses.
func (s *ModuleSet) SuspendState(vcpu *Vcpu) {
	s.walk(vcpu, func(m *VModule) HookFn { return m.StateSuspend })
}

// ResumeState runs the resume hooks when the VM unpauses.
func (s *ModuleSet) ResumeState(vcpu *Vcpu) {
	s.walk(vcpu, func(m *VModule) HookFn { return m.StateResume })
}

// StopState runs the stop hooks on vCPU teardown.
func (s *ModuleSet) StopState(vcpu *Vcpu) {
	s.walk(vcpu, func(m *VModule) HookFn { return m.StateStop })
}

// staticModules collects modules declared at package init time, the analog
// of the linker-section descriptor table.
var (
	staticMu      sync.Mutex
	staticModules []staticModule
)

type staticModule struct {
	name string
	fn   ModuleInitFn
}

// RegisterStaticVModule declares a module to be created when a ModuleSet
// runs InitRegistered. Call from package init functions.
func RegisterStaticVModule(name string, fn ModuleInitFn) {
	staticMu.Lock()
	defer staticMu.Unlock()
	staticModules = append(staticModules, staticModule{name: name, fn: fn})
}

// InitRegistered creates every statically declared module, in declaration
// order.
func (s *ModuleSet) InitRegistered() error {
	staticMu.Lock()
	declared := append([]staticModule(nil), staticModules...)
	staticMu.Unlock()

	for _, sm := range declared {
		if _, err := s.Register(sm.name, sm.fn); err != nil {
			return err
		}
	}
	return nil
}
