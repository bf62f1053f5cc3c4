// Package sched carries the per-CPU lifecycle: each physical CPU boots into
// the scheduler through its idle loop, runs tasks, hands terminated tasks to
// a per-CPU worker for recycling, and sleeps waiting for an interrupt when
// there is nothing to do.
//
// The scheduler proper and the task factory are collaborators behind the
// Factory and Scheduler interfaces; this package owns the pCPU table and the
// loop that drives them.
package sched

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vkern/internal/event"
)

// TaskFlags carries task creation flags through to the factory.
type TaskFlags uint32

const (
	TaskFlagsKernel TaskFlags = 1 << iota
)

// Affinity says where a static task descriptor is instantiated.
type Affinity int

const (
	// AffinityPerCpu instantiates the descriptor once on every pCPU.
	AffinityPerCpu Affinity = iota
	// AffinityAny instantiates the descriptor exactly once, on pCPU 0.
	AffinityAny
)

// TaskFunc is a task entry point.
type TaskFunc func(arg any)

// Task is the factory's opaque handle for a created task.
type Task interface {
	Name() string
}

// Factory creates and releases tasks. It stands in for the kernel task
// factory, which is outside this package.
type Factory interface {
	// CreateTask creates a task pinned to the given pCPU.
	CreateTask(name string, fn TaskFunc, arg any, prio uint8, pcpu int, stackSize int, flags TaskFlags) (Task, error)

	// CreateRealtimeTask creates an unpinned realtime task.
	CreateRealtimeTask(name string, fn TaskFunc, arg any, prio uint8, stackSize int, flags TaskFlags) (Task, error)

	// CreateMigratingTask creates an unpinned, load-balanceable task.
	CreateMigratingTask(name string, fn TaskFunc, arg any, prio uint8, stackSize int, flags TaskFlags) (Task, error)

	// ReleaseTask frees a terminated task's resources. Called from the
	// kworker with no pCPU lock held.
	ReleaseTask(t Task)
}

// Scheduler runs ready tasks on a pCPU until it next goes idle.
type Scheduler interface {
	Sched(pcpu int)
}

// State of a pCPU as seen from outside.
type State uint32

const (
	StateRunning State = iota
	StateIdle
)

// Flag bits the per-CPU kworker pends on.
const (
	KworkerTaskRecycle event.Flags = 1 << iota
	kworkerTaskExit

	KworkerFlagMask = KworkerTaskRecycle
)

// Pcpu is one physical CPU's scheduler-side state.
type Pcpu struct {
	id    int
	state atomic.Uint32

	mu       sync.Mutex
	stopList []Task

	kworker Task
	fg      *event.FlagGroup

	needResched atomic.Bool
	wakeup      chan struct{}
}

func newPcpu(id int) *Pcpu {
	return &Pcpu{
		id:     id,
		wakeup: make(chan struct{}, 1),
	}
}

// ID returns the pCPU index.
func (p *Pcpu) ID() int { return p.id }

// State returns running or idle.
func (p *Pcpu) State() State { return State(p.state.Load()) }

// Kworker returns the pCPU's worker task handle, nil before boot.
func (p *Pcpu) Kworker() Task { return p.kworker }

// FlagGroup returns the pCPU's flag group, nil before boot.
func (p *Pcpu) FlagGroup() *event.FlagGroup { return p.fg }

// NeedResched reports whether a reschedule has been requested.
func (p *Pcpu) NeedResched() bool { return p.needResched.Load() }

// canIdle reports whether the pCPU may enter low-power wait. Always true
// today; the hook exists so devices can pin a pCPU awake later.
func (p *Pcpu) canIdle() bool { return true }

// kick wakes the pCPU out of wait-for-interrupt. The flag is set before the
// channel send so a sleeper that re-checks after waking sees it.
func (p *Pcpu) kick() {
	p.needResched.Store(true)
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// StopListLen reports how many tasks await recycling.
func (p *Pcpu) StopListLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stopList)
}

// Config assembles a Table's collaborators.
type Config struct {
	NrCPUs    int
	Factory   Factory
	Scheduler Scheduler

	// Platform provides reboot/shutdown/suspend; may be nil.
	Platform Platform

	// Tasks are static descriptors instantiated at boot, in addition to
	// any registered through RegisterTask.
	Tasks []TaskDesc

	// OnClean reclaims init-only memory; invoked once, by pCPU 0, after
	// every pCPU has come up.
	OnClean func()
}

// Table is the fixed set of pCPUs plus the shared boot state.
type Table struct {
	pcpus []*Pcpu

	factory   Factory
	scheduler Scheduler
	platform  Platform
	tasks     []TaskDesc
	onClean   func()

	kernelRef atomic.Int32
	osRunning atomic.Bool
	cleanOnce sync.Once
}

// NewTable builds the pCPU table. The pCPUs do not run until each is handed
// to CpuIdle.
func NewTable(cfg Config) (*Table, error) {
	if cfg.NrCPUs <= 0 || cfg.NrCPUs > MaxCpuNr {
		return nil, errors.New("sched: cpu count out of range")
	}
	if cfg.Factory == nil {
		return nil, errors.New("sched: factory is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("sched: scheduler is required")
	}

	t := &Table{
		factory:   cfg.Factory,
		scheduler: cfg.Scheduler,
		platform:  cfg.Platform,
		tasks:     append(registeredTasks(), cfg.Tasks...),
		onClean:   cfg.OnClean,
	}
	for i := 0; i < cfg.NrCPUs; i++ {
		t.pcpus = append(t.pcpus, newPcpu(i))
	}
	return t, nil
}

// MaxCpuNr bounds the pCPU table size.
const MaxCpuNr = 8

// NrCPUs returns the table size.
func (t *Table) NrCPUs() int { return len(t.pcpus) }

// Pcpu returns the pCPU with the given id.
func (t *Table) Pcpu(id int) *Pcpu { return t.pcpus[id] }

// OsRunning reports whether any pCPU has finished its boot steps.
func (t *Table) OsRunning() bool { return t.osRunning.Load() }

// KernelRef returns how many pCPUs have come up.
func (t *Table) KernelRef() int { return int(t.kernelRef.Load()) }

// Resched requests a reschedule on the given pCPU, the moral equivalent of
// a resched IPI.
func (t *Table) Resched(id int) {
	t.pcpus[id].kick()
}

// StopTask transfers ownership of a terminated task to the pCPU's kworker,
// which will release it outside scheduler context.
func (t *Table) StopTask(id int, task Task) {
	p := t.pcpus[id]
	p.mu.Lock()
	p.stopList = append(p.stopList, task)
	p.mu.Unlock()

	if p.fg != nil {
		p.fg.Post(KworkerTaskRecycle)
	}
}
