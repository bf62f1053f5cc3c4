package event

import (
	"errors"
	"sync"
	"time"
)

// Flags is a bitmap of condition bits a task can block on.
type Flags uint32

// FlagOpt controls how a pend matches and what happens to matched bits.
type FlagOpt uint32

const (
	// FlagWaitSetAny satisfies the pend when any bit of the mask is set.
	FlagWaitSetAny FlagOpt = 1 << iota
	// FlagConsume clears the matched bits on wake.
	FlagConsume
)

var ErrTimeout = errors.New("event: pend timed out")

type flagWake struct {
	stat Status
	bits Flags
}

type flagWaiter struct {
	prio uint8
	mask Flags
	opt  FlagOpt
	ch   chan flagWake
}

func (w *flagWaiter) Priority() uint8 { return w.prio }

func (w *flagWaiter) SetPending(stat Status, msg any) {
	bits, _ := msg.(Flags)
	select {
	case w.ch <- flagWake{stat: stat, bits: bits}:
	default:
	}
}

// FlagGroup is a bitmap of condition bits with set-any/consume pend
// semantics, built on the event primitive so waiters wake in priority
// order.
type FlagGroup struct {
	mu    sync.Mutex
	ev    Event
	flags Flags
}

// NewFlagGroup returns a flag group holding the given initial bits.
func NewFlagGroup(initial Flags) *FlagGroup {
	g := &FlagGroup{flags: initial}
	g.ev.Init(TypeFlag, nil)
	return g
}

// Pend blocks until any bit of mask is set, then returns the matched bits.
// With FlagConsume the matched bits are cleared on wake. prio decides where
// the caller queues among other waiters. timeout <= 0 waits forever.
func (g *FlagGroup) Pend(prio uint8, mask Flags, opt FlagOpt, timeout time.Duration) (Flags, error) {
	g.mu.Lock()
	if got := g.flags & mask; got != 0 {
		if opt&FlagConsume != 0 {
			g.flags &^= got
		}
		g.mu.Unlock()
		return got, nil
	}

	w := &flagWaiter{prio: prio, mask: mask, opt: opt, ch: make(chan flagWake, 1)}
	g.ev.TaskWait(w, timeout)
	g.mu.Unlock()

	wake := <-w.ch
	if wake.stat == StatusTimeout {
		return 0, ErrTimeout
	}
	return wake.bits, nil
}

// Post sets bits and wakes every waiter the new value satisfies, highest
// priority first. Consuming waiters take their bits with them, so a later
// waiter only wakes if something is left for it.
func (g *FlagGroup) Post(bits Flags) {
	g.mu.Lock()
	g.flags |= bits

	var woken []flagWake
	var tasks []*flagWaiter
	for {
		w := g.ev.takeFirstMatching(func(t Task) bool {
			fw, ok := t.(*flagWaiter)
			return ok && g.flags&fw.mask != 0
		})
		if w == nil {
			break
		}
		fw := w.task.(*flagWaiter)
		got := g.flags & fw.mask
		if fw.opt&FlagConsume != 0 {
			g.flags &^= got
		}
		tasks = append(tasks, fw)
		woken = append(woken, flagWake{stat: StatusOK, bits: got})
	}
	g.mu.Unlock()

	for i, fw := range tasks {
		fw.SetPending(woken[i].stat, woken[i].bits)
	}
}

// Peek returns the current bits without blocking.
func (g *FlagGroup) Peek() Flags {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flags
}

var _ Task = (*flagWaiter)(nil)
