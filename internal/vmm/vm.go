// Package vmm holds the hypervisor-side bookkeeping for guests: the VM and
// vCPU model, the vCPU-to-pCPU placement policy, guest-physical area
// accounting, virtual interrupt lines and the per-vCPU module registry.
package vmm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vkern/internal/debug"
)

// VM is one guest. It exclusively owns its vCPUs; everything else holds
// non-owning references back to it.
type VM struct {
	vmid   uint32
	name   string
	native bool

	vcpus []*Vcpu

	mm MemMap

	mu       sync.Mutex
	virqSink VirqSink
	virqs    map[uint32]bool
	virqNext uint32
}

// firstDynamicVirq is where lazily allocated virtual interrupt numbers
// start; lower numbers are reserved for statically described devices.
const firstDynamicVirq = 32

// NewVM creates a guest with no vCPUs.
func NewVM(vmid uint32, name string, native bool) *VM {
	return &VM{
		vmid:     vmid,
		name:     name,
		native:   native,
		virqs:    make(map[uint32]bool),
		virqNext: firstDynamicVirq,
	}
}

// Vmid returns the guest id.
func (vm *VM) Vmid() uint32 { return vm.vmid }

// Name returns the guest name.
func (vm *VM) Name() string { return vm.name }

// IsNative reports whether the guest is a trusted native VM, eligible for
// host-provided paravirt devices.
func (vm *VM) IsNative() bool { return vm.native }

// Vcpus returns the guest's vCPUs in id order.
func (vm *VM) Vcpus() []*Vcpu { return vm.vcpus }

// Mm returns the guest-physical area map.
func (vm *VM) Mm() *MemMap { return &vm.mm }

// Vcpu is one schedulable slice of guest execution.
type Vcpu struct {
	id int
	vm *VM

	// PcpuAffinity is the pCPU this vCPU was placed on, or
	// PcpuAffinityFail before placement.
	pcpuAffinity uint32

	// contexts holds one per-module state block, indexed by module id.
	contexts [][]byte
}

// NewVcpu appends a vCPU to the guest.
func NewVcpu(vm *VM, id int) *Vcpu {
	v := &Vcpu{id: id, vm: vm, pcpuAffinity: PcpuAffinityFail}
	vm.vcpus = append(vm.vcpus, v)
	return v
}

// ID returns the vCPU index within its guest.
func (v *Vcpu) ID() int { return v.id }

// VM returns the owning guest.
func (v *Vcpu) VM() *VM { return v.vm }

// PcpuAffinity returns the pCPU this vCPU is placed on, or PcpuAffinityFail.
func (v *Vcpu) PcpuAffinity() uint32 { return v.pcpuAffinity }

// VirqSink receives virtual interrupts raised towards a guest.
type VirqSink interface {
	RaiseVirq(vm *VM, virq uint32)
}

// SetVirqSink installs the delivery path for this guest's virtual
// interrupts.
func (vm *VM) SetVirqSink(sink VirqSink) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.virqSink = sink
}

// SendVirq raises the given virtual interrupt towards the guest. With no
// sink attached the interrupt is dropped and logged.
func (vm *VM) SendVirq(virq uint32) {
	vm.mu.Lock()
	sink := vm.virqSink
	vm.mu.Unlock()

	if sink == nil {
		debug.Writef("vmm", "vm%d: dropped virq %d, no sink", vm.vmid, virq)
		return
	}
	sink.RaiseVirq(vm, virq)
}

// RequestVirq reserves a statically assigned virtual interrupt number.
func (vm *VM) RequestVirq(virq uint32) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.virqs[virq] {
		return fmt.Errorf("vmm: vm%d: virq %d already requested", vm.vmid, virq)
	}
	vm.virqs[virq] = true
	return nil
}

// AllocVirq hands out the next free dynamic virtual interrupt number, or 0
// when the space is exhausted.
func (vm *VM) AllocVirq() uint32 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for virq := vm.virqNext; virq != 0; virq++ {
		if !vm.virqs[virq] {
			vm.virqs[virq] = true
			vm.virqNext = virq + 1
			return virq
		}
	}
	return 0
}
