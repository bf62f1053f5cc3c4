package vkern

import (
	"runtime"
	"sync"

	"github.com/tinyrange/vkern/internal/sched"
)

// taskRuntime backs kernel tasks with goroutines so a Machine is drivable
// in-process. It stands in for the real task factory and scheduler, which
// live below this layer on hardware; the sched package only ever sees the
// Factory and Scheduler interfaces.
type rtTask struct {
	name string
	prio uint8
	pcpu int // -1 when unpinned
	kind string
}

func (t *rtTask) Name() string { return t.name }

type taskRuntime struct {
	mu       sync.Mutex
	tasks    []*rtTask
	released []*rtTask
}

func newTaskRuntime() *taskRuntime {
	return &taskRuntime{}
}

func (r *taskRuntime) spawn(task *rtTask, fn sched.TaskFunc, arg any) (sched.Task, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()

	if fn != nil {
		go fn(arg)
	}
	return task, nil
}

func (r *taskRuntime) CreateTask(name string, fn sched.TaskFunc, arg any, prio uint8, pcpu int, stackSize int, flags sched.TaskFlags) (sched.Task, error) {
	return r.spawn(&rtTask{name: name, prio: prio, pcpu: pcpu, kind: "pinned"}, fn, arg)
}

func (r *taskRuntime) CreateRealtimeTask(name string, fn sched.TaskFunc, arg any, prio uint8, stackSize int, flags sched.TaskFlags) (sched.Task, error) {
	return r.spawn(&rtTask{name: name, prio: prio, pcpu: -1, kind: "realtime"}, fn, arg)
}

func (r *taskRuntime) CreateMigratingTask(name string, fn sched.TaskFunc, arg any, prio uint8, stackSize int, flags sched.TaskFlags) (sched.Task, error) {
	return r.spawn(&rtTask{name: name, prio: prio, pcpu: -1, kind: "migrating"}, fn, arg)
}

func (r *taskRuntime) ReleaseTask(t sched.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := t.(*rtTask); ok {
		r.released = append(r.released, task)
	}
}

// Sched yields to the Go scheduler; task goroutines run whenever they are
// ready, so a pass here is just the hook the idle loop turns around on.
func (r *taskRuntime) Sched(pcpu int) {
	runtime.Gosched()
}

var (
	_ sched.Factory   = (*taskRuntime)(nil)
	_ sched.Scheduler = (*taskRuntime)(nil)
)
