package event

import (
	"sync"
	"testing"
	"time"
)

// testTask records the wake verdict delivered by the event layer.
type testTask struct {
	name string
	prio uint8

	mu    sync.Mutex
	woken bool
	stat  Status
	msg   any
}

func (t *testTask) Priority() uint8 { return t.prio }

func (t *testTask) SetPending(stat Status, msg any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.woken = true
	t.stat = stat
	t.msg = msg
}

func (t *testTask) wakeState() (bool, Status, any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.woken, t.stat, t.msg
}

func newEvent(t *testing.T, typ Type) *Event {
	t.Helper()
	ev := &Event{}
	ev.Init(typ, nil)
	return ev
}

func checkBitmapInvariant(t *testing.T, ev *Event) {
	t.Helper()
	ev.mu.Lock()
	defer ev.mu.Unlock()
	for grp := 0; grp < RdyTblSize; grp++ {
		bitSet := ev.waitGrp&(1<<grp) != 0
		tblSet := ev.waitTbl[grp] != 0
		if bitSet != tblSet {
			t.Fatalf("group %d: waitGrp bit %v but waitTbl 0x%02x", grp, bitSet, ev.waitTbl[grp])
		}
	}
}

func TestRealtimeWakeOrder(t *testing.T) {
	ev := newEvent(t, TypeSem)

	prios := []uint8{5, 3, 7, 3}
	var tasks []*testTask
	for i, p := range prios {
		task := &testTask{name: string(rune('a' + i)), prio: p}
		tasks = append(tasks, task)
		ev.TaskWait(task, 0)
		checkBitmapInvariant(t, ev)
	}

	// both priority-3 waiters wake before 5 and 7, FIFO among themselves
	want := []*testTask{tasks[1], tasks[3], tasks[0], tasks[2]}
	for i, wantTask := range want {
		task := ev.HighestTaskReady(nil, StatusOK)
		if task == nil {
			t.Fatalf("wake %d: no waiter", i)
		}
		if task != wantTask {
			t.Fatalf("wake %d: got %q prio %d, want %q prio %d",
				i, task.(*testTask).name, task.Priority(), wantTask.name, wantTask.prio)
		}
		checkBitmapInvariant(t, ev)
	}
	if ev.HasWaiter() {
		t.Fatalf("event still has waiters after draining")
	}
}

func TestRealtimeWakeOrderDistinctPriorities(t *testing.T) {
	ev := newEvent(t, TypeSem)

	for _, p := range []uint8{5, 3, 7, 2} {
		ev.TaskWait(&testTask{prio: p}, 0)
	}

	for i, want := range []uint8{2, 3, 5, 7} {
		task := ev.HighestTaskReady(nil, StatusOK)
		if task == nil || task.Priority() != want {
			t.Fatalf("wake %d: got %v, want priority %d", i, task, want)
		}
	}
}

func TestNonRealtimeFIFO(t *testing.T) {
	ev := newEvent(t, TypeMbox)

	names := []string{"A", "B", "C", "D"}
	for _, n := range names {
		ev.TaskWait(&testTask{name: n, prio: LowestRealtimePrio + 1}, 0)
	}

	for _, want := range names {
		task := ev.HighestTaskReady("m", StatusOK)
		if task == nil {
			t.Fatalf("expected waiter %q, got none", want)
		}
		if got := task.(*testTask).name; got != want {
			t.Fatalf("FIFO order: got %q, want %q", got, want)
		}
	}
}

func TestRealtimeBeatsFIFO(t *testing.T) {
	ev := newEvent(t, TypeSem)

	fifo := &testTask{name: "fifo", prio: LowestRealtimePrio + 5}
	rt := &testTask{name: "rt", prio: 60}
	ev.TaskWait(fifo, 0)
	ev.TaskWait(rt, 0)

	if task := ev.HighestTaskReady(nil, StatusOK); task != rt {
		t.Fatalf("realtime waiter should win, got %v", task)
	}
	if task := ev.HighestTaskReady(nil, StatusOK); task != fifo {
		t.Fatalf("fifo waiter should follow, got %v", task)
	}
}

func TestTaskRemoveIdempotent(t *testing.T) {
	ev := newEvent(t, TypeSem)

	rt := &testTask{prio: 4}
	fifo := &testTask{prio: LowestRealtimePrio + 1}
	ev.TaskWait(rt, 0)
	ev.TaskWait(fifo, 0)

	ev.TaskRemove(rt)
	ev.TaskRemove(rt) // second removal is a no-op
	ev.TaskRemove(fifo)
	ev.TaskRemove(&testTask{prio: 9}) // never waited

	if ev.HasWaiter() {
		t.Fatalf("waiters remain after removal")
	}
	checkBitmapInvariant(t, ev)
	if task := ev.HighestTaskReady(nil, StatusOK); task != nil {
		t.Fatalf("removed task still selectable: %v", task)
	}
}

func TestWaitTimeout(t *testing.T) {
	ev := newEvent(t, TypeSem)

	task := &testTask{prio: 4}
	ev.TaskWait(task, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		if woken, stat, _ := task.wakeState(); woken {
			if stat != StatusTimeout {
				t.Fatalf("stat = %v, want StatusTimeout", stat)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout never fired")
		}
		time.Sleep(time.Millisecond)
	}

	if ev.HasWaiter() {
		t.Fatalf("timed-out task still registered")
	}
	checkBitmapInvariant(t, ev)
}

func TestWakeCancelsTimeout(t *testing.T) {
	ev := newEvent(t, TypeSem)

	task := &testTask{prio: 4}
	ev.TaskWait(task, 10*time.Millisecond)

	if got := ev.HighestTaskReady("msg", StatusOK); got != task {
		t.Fatalf("expected task to wake, got %v", got)
	}
	time.Sleep(30 * time.Millisecond)
	if _, stat, msg := task.wakeState(); stat != StatusOK || msg != "msg" {
		t.Fatalf("timeout overwrote wake: stat=%v msg=%v", stat, msg)
	}
}

func TestPostBroadcast(t *testing.T) {
	ev := newEvent(t, TypeSem)

	tasks := []*testTask{
		{prio: 10},
		{prio: 3},
		{prio: LowestRealtimePrio + 1},
	}
	for _, task := range tasks {
		ev.TaskWait(task, 0)
	}

	if err := ev.Post("all", PostOptBroadcast|PostOptNoSched); err != nil {
		t.Fatalf("broadcast post: %v", err)
	}
	if ev.HasWaiter() {
		t.Fatalf("broadcast left waiters behind")
	}
	for i, task := range tasks {
		woken, stat, msg := task.wakeState()
		if !woken || stat != StatusOK || msg != "all" {
			t.Fatalf("task %d: woken=%v stat=%v msg=%v", i, woken, stat, msg)
		}
	}
}

func TestQueuePostFront(t *testing.T) {
	ev := newEvent(t, TypeQueue)

	if err := ev.Post("first", PostOptNone); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := ev.Post("urgent", PostOptFront); err != nil {
		t.Fatalf("post front: %v", err)
	}

	for _, want := range []string{"urgent", "first"} {
		msg, ok := ev.TakeMessage()
		if !ok || msg != want {
			t.Fatalf("TakeMessage = %v %v, want %q", msg, ok, want)
		}
	}
	if _, ok := ev.TakeMessage(); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestPostNoSchedSuppressesKick(t *testing.T) {
	ev := newEvent(t, TypeSem)

	kicks := 0
	ev.SetResched(func() { kicks++ })

	ev.TaskWait(&testTask{prio: 1}, 0)
	if err := ev.Post(nil, PostOptNoSched); err != nil {
		t.Fatalf("post: %v", err)
	}
	if kicks != 0 {
		t.Fatalf("NoSched post kicked the scheduler %d times", kicks)
	}

	ev.TaskWait(&testTask{prio: 1}, 0)
	if err := ev.Post(nil, PostOptNone); err != nil {
		t.Fatalf("post: %v", err)
	}
	if kicks != 1 {
		t.Fatalf("post kicked %d times, want 1", kicks)
	}
}

func TestFlagGroupPendPost(t *testing.T) {
	g := NewFlagGroup(0)

	got := make(chan Flags, 1)
	go func() {
		bits, err := g.Pend(0, 0x3, FlagWaitSetAny|FlagConsume, time.Second)
		if err != nil {
			t.Errorf("pend: %v", err)
		}
		got <- bits
	}()

	// give the pender time to register
	for g.ev.Waiter() == nil {
		time.Sleep(time.Millisecond)
	}
	g.Post(0x2)

	select {
	case bits := <-got:
		if bits != 0x2 {
			t.Fatalf("pend returned 0x%x, want 0x2", bits)
		}
	case <-time.After(time.Second):
		t.Fatalf("pend never woke")
	}
	if g.Peek() != 0 {
		t.Fatalf("consume left bits 0x%x", g.Peek())
	}
}

func TestFlagGroupImmediateMatch(t *testing.T) {
	g := NewFlagGroup(0x5)

	bits, err := g.Pend(0, 0x4, FlagWaitSetAny|FlagConsume, 0)
	if err != nil {
		t.Fatalf("pend: %v", err)
	}
	if bits != 0x4 {
		t.Fatalf("pend = 0x%x, want 0x4", bits)
	}
	if g.Peek() != 0x1 {
		t.Fatalf("flags = 0x%x, want 0x1", g.Peek())
	}
}

func TestFlagGroupPendTimeout(t *testing.T) {
	g := NewFlagGroup(0)

	_, err := g.Pend(0, 0x1, FlagWaitSetAny, 10*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("pend err = %v, want ErrTimeout", err)
	}
	if g.ev.HasWaiter() {
		t.Fatalf("timed-out pender still registered")
	}
}

func TestFlagGroupConsumeOrder(t *testing.T) {
	g := NewFlagGroup(0)

	type result struct {
		prio uint8
		bits Flags
	}
	results := make(chan result, 2)
	start := func(prio uint8) {
		go func() {
			bits, err := g.Pend(prio, 0x1, FlagWaitSetAny|FlagConsume, time.Second)
			if err != nil {
				return
			}
			results <- result{prio: prio, bits: bits}
		}()
	}
	start(9)
	for countWaiters(g) != 1 {
		time.Sleep(time.Millisecond)
	}
	start(2)
	for countWaiters(g) != 2 {
		time.Sleep(time.Millisecond)
	}

	// one bit, two consumers: only the higher-priority pend wakes
	g.Post(0x1)

	select {
	case r := <-results:
		if r.prio != 2 {
			t.Fatalf("priority %d woke first, want 2", r.prio)
		}
	case <-time.After(time.Second):
		t.Fatalf("no pender woke")
	}
	select {
	case r := <-results:
		t.Fatalf("second pender woke with 0x%x", r.bits)
	case <-time.After(50 * time.Millisecond):
	}
}

func countWaiters(g *FlagGroup) int {
	g.ev.mu.Lock()
	defer g.ev.mu.Unlock()
	n := len(g.ev.waitList)
	for _, q := range g.ev.rt {
		n += len(q)
	}
	return n
}
