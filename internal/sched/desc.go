package sched

import "sync"

// TaskDesc describes a task declared statically by a subsystem. Descriptors
// registered before NewTable builds a Table are instantiated by every pCPU's
// idle-loop entry, standing in for the linker-section descriptor array.
type TaskDesc struct {
	Name      string
	Entry     TaskFunc
	Arg       any
	Prio      uint8
	StackSize int
	Flags     TaskFlags
	Affinity  Affinity
}

var (
	descMu    sync.Mutex
	taskDescs []TaskDesc
)

// RegisterTask adds a static task descriptor. Subsystem initializers call
// this before NewTable, which takes a copy of the registry; registration
// order is instantiation order.
func RegisterTask(desc TaskDesc) {
	descMu.Lock()
	defer descMu.Unlock()
	taskDescs = append(taskDescs, desc)
}

func registeredTasks() []TaskDesc {
	descMu.Lock()
	defer descMu.Unlock()
	return append([]TaskDesc(nil), taskDescs...)
}

// ResetRegisteredTasks clears the registry. Intended for tests.
func ResetRegisteredTasks() {
	descMu.Lock()
	defer descMu.Unlock()
	taskDescs = nil
}
