package sched

import (
	"runtime"

	"github.com/tinyrange/vkern/internal/debug"
)

// Platform supplies the machine-level power operations. Reboot and shutdown
// are expected not to return.
type Platform interface {
	SystemReboot(flags int, argv []string) error
	SystemShutdown() error
	SystemSuspend() error
}

// SystemReboot asks the platform to reboot. A platform that declines, or a
// missing platform, is unrecoverable.
func (t *Table) SystemReboot(flags int, argv []string) {
	if t.platform != nil {
		if err := t.platform.SystemReboot(flags, argv); err != nil {
			debug.Writef("sched", "platform reboot: %v", err)
		}
	}
	panic("sched: can not reboot system now")
}

// SystemShutdown asks the platform to power off.
func (t *Table) SystemShutdown() {
	if t.platform != nil {
		if err := t.platform.SystemShutdown(); err != nil {
			debug.Writef("sched", "platform shutdown: %v", err)
		}
	}
	panic("sched: can not shutdown system now")
}

// SystemSuspend asks the platform to suspend. Without a platform op the
// caller just yields, the closest a hosted pCPU gets to wait-for-interrupt.
func (t *Table) SystemSuspend() error {
	if t.platform != nil {
		return t.platform.SystemSuspend()
	}
	runtime.Gosched()
	return nil
}
