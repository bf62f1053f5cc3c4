package sched

import (
	"context"
	"fmt"
	"runtime"

	"github.com/tinyrange/vkern/internal/debug"
	"github.com/tinyrange/vkern/internal/event"
	"github.com/tinyrange/vkern/internal/trace"
)

const kworkerStackSize = 4096

// CpuIdle is the body of a pCPU. It performs the boot steps (static tasks,
// kworker, flag group, boot barrier) and then settles into the idle loop:
// run the scheduler until idle, sleep until an interrupt demands another
// pass. It returns only when ctx is cancelled.
//
// Every pCPU of a Table runs CpuIdle concurrently, each in its own
// goroutine.
func (t *Table) CpuIdle(ctx context.Context, id int) error {
	p := t.pcpus[id]

	t.createStaticTasks(id)

	kworker, err := t.factory.CreateTask("pcpu_kworker", t.kworkerTask, p,
		0, id, kworkerStackSize, TaskFlagsKernel)
	if err != nil {
		panic(fmt.Sprintf("sched: create kworker fail on pcpu%d: %v", id, err))
	}
	p.kworker = kworker

	p.fg = event.NewFlagGroup(0)

	t.osRunning.Store(true)
	t.kernelRef.Add(1)

	if id == 0 {
		// wait until every pCPU is up before giving back init memory
		for int(t.kernelRef.Load()) != len(t.pcpus) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			runtime.Gosched()
		}
		t.osClean()
	}

	// kick ourselves so the per-cpu tasks get their first run
	t.Resched(id)

	rec := trace.NewRecorder(id)
	for {
		for !p.needResched.Load() && p.canIdle() {
			// an interrupt can land between the check above and the
			// wait below; re-check with the wakeup token armed so
			// the kick is never lost
			if p.needResched.Load() {
				break
			}
			p.state.Store(uint32(StateIdle))
			rec.Mark(trace.KindRun)
			select {
			case <-p.wakeup:
			case <-ctx.Done():
				p.state.Store(uint32(StateRunning))
				return ctx.Err()
			}
			rec.Mark(trace.KindIdle)
			p.state.Store(uint32(StateRunning))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.needResched.Store(false)
		t.scheduler.Sched(id)
	}
}

// createStaticTasks instantiates the registered descriptors for this pCPU.
// Per-cpu descriptors run everywhere; any-affinity descriptors run once, on
// pCPU 0, realtime or migrating depending on their priority.
func (t *Table) createStaticTasks(cpu int) {
	for _, desc := range t.tasks {
		var err error
		switch {
		case desc.Affinity == AffinityPerCpu:
			_, err = t.factory.CreateTask(desc.Name, desc.Entry, desc.Arg,
				desc.Prio, cpu, desc.StackSize, desc.Flags)
		case desc.Affinity == AffinityAny && cpu == 0:
			if event.IsRealtime(desc.Prio) {
				_, err = t.factory.CreateRealtimeTask(desc.Name, desc.Entry,
					desc.Arg, desc.Prio, desc.StackSize, desc.Flags)
			} else {
				_, err = t.factory.CreateMigratingTask(desc.Name, desc.Entry,
					desc.Arg, desc.Prio, desc.StackSize, desc.Flags)
			}
		default:
			continue
		}
		if err != nil {
			debug.Writef("sched", "create task [%s] fail on cpu%d: %v",
				desc.Name, cpu, err)
		}
	}
}

// osClean runs once, after the boot barrier, to give init-only memory back.
func (t *Table) osClean() {
	t.cleanOnce.Do(func() {
		debug.Writef("sched", "releasing init memory")
		if t.onClean != nil {
			t.onClean()
		}
	})
}

// kworkerTask is the per-CPU worker body. It blocks on the pCPU's flag
// group and recycles terminated tasks when told to.
func (t *Table) kworkerTask(arg any) {
	p := arg.(*Pcpu)

	for {
		flags, err := p.fg.Pend(0, KworkerFlagMask|kworkerTaskExit,
			event.FlagWaitSetAny|event.FlagConsume, 0)
		if err != nil {
			return
		}
		if flags&KworkerTaskRecycle != 0 {
			t.releaseStoppedTasks(p)
		}
		if flags&kworkerTaskExit != 0 {
			return
		}
	}
}

// releaseStoppedTasks drains the pCPU's stop list. The lock is dropped
// around each release: the release routine may take allocator locks of its
// own.
func (t *Table) releaseStoppedTasks(p *Pcpu) {
	p.mu.Lock()
	for len(p.stopList) > 0 {
		task := p.stopList[0]
		p.stopList = p.stopList[1:]
		p.mu.Unlock()

		t.factory.ReleaseTask(task)

		p.mu.Lock()
	}
	p.mu.Unlock()
}

// Shutdown releases the kworkers. The CpuIdle loops exit via their context.
func (t *Table) Shutdown() {
	for _, p := range t.pcpus {
		if p.fg != nil {
			p.fg.Post(kworkerTaskExit)
		}
	}
}
