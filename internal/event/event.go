// Package event implements the unified wait/signal object that mailboxes,
// queues, semaphores, mutexes and flag groups are built from. Realtime
// waiters are indexed by an 8x8 priority bitmap so the highest-priority
// ready waiter is found in constant time; everything else queues FIFO.
package event

import (
	"math/bits"
	"sync"
	"time"
)

// Type identifies what kind of kernel object owns an Event.
type Type uint16

const (
	TypeUnused Type = iota
	TypeMbox
	TypeQueue
	TypeSem
	TypeMutex
	TypeFlag
)

func (t Type) String() string {
	switch t {
	case TypeUnused:
		return "unused"
	case TypeMbox:
		return "mbox"
	case TypeQueue:
		return "queue"
	case TypeSem:
		return "sem"
	case TypeMutex:
		return "mutex"
	case TypeFlag:
		return "flag"
	default:
		return "invalid"
	}
}

// Pend status delivered to a waiter when it is woken or removed.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusAbort
)

// Post options.
type PostOpt uint32

const (
	PostOptNone      PostOpt = 0
	PostOptBroadcast PostOpt = 1 << 0
	PostOptFront     PostOpt = 1 << 1
	PostOptNoSched   PostOpt = 1 << 2
)

const (
	// RdyTblSize is the number of priority groups in the wait bitmap.
	RdyTblSize = 8

	// LowestRealtimePrio is the largest priority value still indexed in
	// the bitmap. Tasks above it queue FIFO instead.
	LowestRealtimePrio = RdyTblSize*8 - 1
)

// Task is the scheduler-side handle for a blocked task. The event layer only
// needs its priority class and somewhere to deliver the wake verdict; making
// the task runnable again is the caller's business.
type Task interface {
	Priority() uint8

	// SetPending delivers the pend status and, for message-carrying
	// events, the posted message.
	SetPending(stat Status, msg any)
}

// IsRealtime reports whether a task of the given priority registers in the
// wait bitmap rather than the FIFO list.
func IsRealtime(prio uint8) bool {
	return prio <= LowestRealtimePrio
}

// lowestBit maps a byte to the index of its lowest set bit. Index 0 is
// never consulted.
var lowestBit [256]uint8

func init() {
	for i := 1; i < 256; i++ {
		lowestBit[i] = uint8(bits.TrailingZeros8(uint8(i)))
	}
}

type waiter struct {
	task  Task
	timer *time.Timer
}

// Event is the wait/signal object. The zero value is unusable; call Init.
type Event struct {
	mu sync.Mutex

	typ   Type
	owner int32
	count uint32
	data  any

	waitGrp uint8
	waitTbl [RdyTblSize]uint8

	// rt queues waiters per realtime priority; a priority's bit stays set
	// while its queue is non-empty, so equal priorities wake FIFO.
	rt [RdyTblSize * 8][]*waiter

	waitList []*waiter

	// queue-type events keep undelivered messages here
	msgs []any

	// resched, when set, is invoked after a wake unless the post
	// suppressed scheduling. It stands in for the resched IPI.
	resched func()
}

// Init prepares the event for use as the given type. data is the opaque
// payload carrier the embedding object wants to keep alongside the event.
func (e *Event) Init(typ Type, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typ = typ
	e.data = data
	e.count = 0
	e.waitGrp = 0
	e.waitTbl = [RdyTblSize]uint8{}
	e.rt = [RdyTblSize * 8][]*waiter{}
	e.waitList = nil
	e.msgs = nil
}

// SetResched installs the reschedule kick invoked after wakes.
func (e *Event) SetResched(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resched = fn
}

// Type returns the event type.
func (e *Event) Type() Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typ
}

// Data returns the opaque payload installed by Init.
func (e *Event) Data() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data
}

// TaskWait registers task as a waiter. Realtime tasks set their bit in the
// priority bitmap; the rest append to the FIFO list. If timeout is positive
// the task is removed and woken with StatusTimeout when it expires. The
// caller is expected to yield afterwards.
func (e *Event) TaskWait(task Task, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := &waiter{task: task}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			if e.removeWaiter(task) {
				task.SetPending(StatusTimeout, nil)
			}
		})
	}

	prio := task.Priority()
	if IsRealtime(prio) {
		grp := prio >> 3
		e.waitTbl[grp] |= 1 << (prio & 7)
		e.waitGrp |= 1 << grp
		e.rt[prio] = append(e.rt[prio], w)
		return
	}
	e.waitList = append(e.waitList, w)
}

// TaskRemove takes task out of whichever structure holds it. Removing a task
// that is not waiting is a no-op.
func (e *Event) TaskRemove(task Task) {
	e.removeWaiter(task)
}

// removeWaiter reports whether the task was actually waiting.
func (e *Event) removeWaiter(task Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	prio := task.Priority()
	if IsRealtime(prio) {
		for i, w := range e.rt[prio] {
			if w.task == task {
				e.rt[prio] = append(e.rt[prio][:i], e.rt[prio][i+1:]...)
				e.clearRTIfEmpty(prio)
				stopTimer(w)
				return true
			}
		}
		return false
	}

	for i, w := range e.waitList {
		if w.task == task {
			e.waitList = append(e.waitList[:i], e.waitList[i+1:]...)
			stopTimer(w)
			return true
		}
	}
	return false
}

// clearRTIfEmpty drops the priority's bitmap bits once its queue drains.
func (e *Event) clearRTIfEmpty(prio uint8) {
	if len(e.rt[prio]) > 0 {
		return
	}
	grp := prio >> 3
	e.waitTbl[grp] &^= 1 << (prio & 7)
	if e.waitTbl[grp] == 0 {
		e.waitGrp &^= 1 << grp
	}
}

// Waiter returns the waiter HighestTaskReady would pick next without
// dequeueing it, or nil if the event has no waiters.
func (e *Event) Waiter() Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w := e.peek(); w != nil {
		return w.task
	}
	return nil
}

func (e *Event) peek() *waiter {
	if e.waitGrp != 0 {
		grp := lowestBit[e.waitGrp]
		prio := grp<<3 | lowestBit[e.waitTbl[grp]]
		return e.rt[prio][0]
	}
	if len(e.waitList) > 0 {
		return e.waitList[0]
	}
	return nil
}

// HighestTaskReady dequeues the highest-priority waiter, delivers msg and
// pendStat to it, and returns it. Realtime waiters win over FIFO waiters;
// within a bitmap group ties break lowest-bit-first. Returns nil if nothing
// is waiting.
func (e *Event) HighestTaskReady(msg any, pendStat Status) Task {
	e.mu.Lock()

	var w *waiter
	if e.waitGrp != 0 {
		grp := lowestBit[e.waitGrp]
		prio := grp<<3 | lowestBit[e.waitTbl[grp]]
		w = e.rt[prio][0]
		e.rt[prio] = e.rt[prio][1:]
		e.clearRTIfEmpty(prio)
	} else if len(e.waitList) > 0 {
		w = e.waitList[0]
		e.waitList = e.waitList[1:]
	}

	if w == nil {
		e.mu.Unlock()
		return nil
	}
	stopTimer(w)
	e.mu.Unlock()

	w.task.SetPending(pendStat, msg)
	return w.task
}

// HasWaiter reports whether any task, realtime or not, is waiting.
func (e *Event) HasWaiter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitGrp != 0 || len(e.waitList) > 0
}

// Post wakes a waiter with msg, or for queue-type events with no waiter,
// stores the message. PostOptBroadcast wakes every waiter with the same
// message. PostOptFront prepends to the stored message list. The resched
// kick runs once per Post that wakes a waiter, unless PostOptNoSched is
// given; a Post that wakes nobody never kicks.
func (e *Event) Post(msg any, opts PostOpt) error {
	woke := false
	if opts&PostOptBroadcast != 0 {
		for e.HasWaiter() {
			if e.HighestTaskReady(msg, StatusOK) == nil {
				break
			}
			woke = true
		}
	} else if e.HighestTaskReady(msg, StatusOK) != nil {
		woke = true
	}

	if !woke {
		e.mu.Lock()
		switch e.typ {
		case TypeQueue:
			if opts&PostOptFront != 0 {
				e.msgs = append([]any{msg}, e.msgs...)
			} else {
				e.msgs = append(e.msgs, msg)
			}
		case TypeSem:
			e.count++
		}
		e.mu.Unlock()
	}

	if woke && opts&PostOptNoSched == 0 {
		e.kick()
	}
	return nil
}

// TryAcquire consumes one unit of a sem-type event's count if available.
func (e *Event) TryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.typ != TypeSem || e.count == 0 {
		return false
	}
	e.count--
	return true
}

// Owner returns the pid recorded as owning the event.
func (e *Event) Owner() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// SetOwner records the owning pid, used by mutex-type events.
func (e *Event) SetOwner(pid int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owner = pid
}

// TakeMessage pops the oldest stored message from a queue-type event.
func (e *Event) TakeMessage() (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.typ != TypeQueue || len(e.msgs) == 0 {
		return nil, false
	}
	msg := e.msgs[0]
	e.msgs = e.msgs[1:]
	return msg, true
}

func (e *Event) kick() {
	e.mu.Lock()
	fn := e.resched
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// takeFirstMatching removes and returns the highest-priority waiter whose
// task is accepted by match, or nil. Scan order is the same as
// HighestTaskReady: bitmap groups lowest-bit-first, then the FIFO list.
func (e *Event) takeFirstMatching(match func(Task) bool) *waiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	for grp := uint8(0); grp < RdyTblSize; grp++ {
		if e.waitGrp&(1<<grp) == 0 {
			continue
		}
		tbl := e.waitTbl[grp]
		for tbl != 0 {
			slot := lowestBit[tbl]
			tbl &^= 1 << slot
			prio := grp<<3 | slot
			for i, w := range e.rt[prio] {
				if match(w.task) {
					e.rt[prio] = append(e.rt[prio][:i], e.rt[prio][i+1:]...)
					e.clearRTIfEmpty(prio)
					stopTimer(w)
					return w
				}
			}
		}
	}

	for i, w := range e.waitList {
		if match(w.task) {
			e.waitList = append(e.waitList[:i], e.waitList[i+1:]...)
			stopTimer(w)
			return w
		}
	}
	return nil
}

func stopTimer(w *waiter) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
