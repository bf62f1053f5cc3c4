package vmm

import "testing"

func newGuest(vmid uint32, vcpus int) *VM {
	vm := NewVM(vmid, "guest", true)
	for i := 0; i < vcpus; i++ {
		NewVcpu(vm, i)
	}
	return vm
}

func TestAffinityPreferenceHonored(t *testing.T) {
	set := NewPcpuSet(4)
	vm := newGuest(1, 1)

	if got := set.Affinity(vm.Vcpus()[0], 2); got != 2 {
		t.Fatalf("affinity = %d, want 2", got)
	}
	if got := vm.Vcpus()[0].PcpuAffinity(); got != 2 {
		t.Fatalf("vcpu affinity = %d, want 2", got)
	}
	if on := set.VcpusOn(2); len(on) != 1 || on[0] != vm.Vcpus()[0] {
		t.Fatalf("pcpu2 vcpu list = %v", on)
	}
}

func TestAffinitySkipsSiblings(t *testing.T) {
	// three vCPUs of vmid 7 all prefer pcpu 0 on a 4-pCPU system
	set := NewPcpuSet(4)
	vm := newGuest(7, 3)

	want := []uint32{0, 1, 2}
	for i, vcpu := range vm.Vcpus() {
		if got := set.Affinity(vcpu, 0); got != want[i] {
			t.Fatalf("vcpu%d placed on %d, want %d", i, got, want[i])
		}
	}
}

func TestAffinityDistinctPcpus(t *testing.T) {
	set := NewPcpuSet(4)
	vm := newGuest(3, 4)

	seen := map[uint32]bool{}
	for i, vcpu := range vm.Vcpus() {
		got := set.Affinity(vcpu, 1)
		if got == PcpuAffinityFail {
			t.Fatalf("vcpu%d failed to place", i)
		}
		if seen[got] {
			t.Fatalf("pcpu %d hosts two vcpus of the same vm", got)
		}
		seen[got] = true
	}
}

func TestAffinityFailsWhenFull(t *testing.T) {
	set := NewPcpuSet(2)
	vm := newGuest(9, 3)

	if got := set.Affinity(vm.Vcpus()[0], 0); got != 0 {
		t.Fatalf("first placement = %d", got)
	}
	if got := set.Affinity(vm.Vcpus()[1], 0); got != 1 {
		t.Fatalf("second placement = %d", got)
	}
	if got := set.Affinity(vm.Vcpus()[2], 0); got != PcpuAffinityFail {
		t.Fatalf("third placement = %d, want fail", got)
	}
}

func TestAffinityOutOfRangePreference(t *testing.T) {
	set := NewPcpuSet(2)
	vm := newGuest(4, 1)

	if got := set.Affinity(vm.Vcpus()[0], 99); got != 0 {
		t.Fatalf("affinity = %d, want fallback to 0", got)
	}
}

func TestAffinityDifferentVMsShare(t *testing.T) {
	set := NewPcpuSet(2)
	a := newGuest(1, 1)
	b := newGuest(2, 1)

	if got := set.Affinity(a.Vcpus()[0], 0); got != 0 {
		t.Fatalf("vm1 placement = %d", got)
	}
	if got := set.Affinity(b.Vcpus()[0], 0); got != 0 {
		t.Fatalf("vm2 placement = %d, want 0 (different VM may share)", got)
	}
}
