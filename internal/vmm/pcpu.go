package vmm

import "sync"

// PcpuAffinity value meaning no pCPU could take the vCPU.
const PcpuAffinityFail = ^uint32(0)

type vmmPcpu struct {
	id    int
	vcpus []*Vcpu
}

// PcpuSet is the hypervisor's view of the physical CPUs, tracking which
// vCPUs are placed where. It is deliberately separate from the scheduler's
// pCPU table: placement bookkeeping does not belong in the run queues.
type PcpuSet struct {
	mu    sync.Mutex
	pcpus []vmmPcpu
}

// NewPcpuSet builds the placement table for n physical CPUs.
func NewPcpuSet(n int) *PcpuSet {
	s := &PcpuSet{pcpus: make([]vmmPcpu, n)}
	for i := range s.pcpus {
		s.pcpus[i].id = i
	}
	return s
}

// Len returns the number of physical CPUs tracked.
func (s *PcpuSet) Len() int { return len(s.pcpus) }

// VcpusOn returns the vCPUs placed on the given pCPU.
func (s *PcpuSet) VcpusOn(id int) []*Vcpu {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Vcpu(nil), s.pcpus[id].vcpus...)
}

// Affinity places vcpu on a physical CPU, preferring the requested index.
// No pCPU ever hosts two vCPUs of the same guest: if the preference already
// has one, the remaining pCPUs are scanned in index order. Returns the
// chosen index, or PcpuAffinityFail if every pCPU already hosts a sibling.
func (s *PcpuSet) Affinity(vcpu *Vcpu, affinity uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if affinity < uint32(len(s.pcpus)) && !s.hasSibling(int(affinity), vcpu) {
		s.place(int(affinity), vcpu)
		return affinity
	}

	for i := range s.pcpus {
		if uint32(i) == affinity {
			continue
		}
		if s.hasSibling(i, vcpu) {
			continue
		}
		s.place(i, vcpu)
		return uint32(i)
	}

	return PcpuAffinityFail
}

func (s *PcpuSet) hasSibling(id int, vcpu *Vcpu) bool {
	for _, other := range s.pcpus[id].vcpus {
		if other.vm.vmid == vcpu.vm.vmid {
			return true
		}
	}
	return false
}

func (s *PcpuSet) place(id int, vcpu *Vcpu) {
	s.pcpus[id].vcpus = append(s.pcpus[id].vcpus, vcpu)
	vcpu.pcpuAffinity = uint32(id)
}
