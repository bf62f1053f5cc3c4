package vmm

import (
	"fmt"
	"sort"
	"sync"
)

// AreaFlags describe how a guest-physical area is mapped.
type AreaFlags uint32

const (
	AreaIO AreaFlags = 1 << iota
	AreaMapPrivate
)

// PageSize is the granule dynamic allocations align to.
const PageSize = 4096

// PageMask aligns an address down to a page boundary.
const PageMask = ^uint64(PageSize - 1)

// Area is one reserved guest-physical range.
type Area struct {
	Base  uint64
	Size  uint64
	Flags AreaFlags
}

// MemMap tracks the guest-physical areas handed out to devices. The zero
// value is ready to use.
type MemMap struct {
	mu    sync.Mutex
	areas []Area
}

// dynamicAreaBase is where dynamic allocations start scanning. Statically
// described devices live below it.
const dynamicAreaBase = 0x4000_0000

// Request reserves a fixed range described by the device tree.
func (m *MemMap) Request(base, size uint64, flags AreaFlags) (Area, error) {
	if size == 0 {
		return Area{}, fmt.Errorf("vmm: zero-size area at 0x%x", base)
	}
	if base+size < base {
		return Area{}, fmt.Errorf("vmm: area at 0x%x size 0x%x overflows", base, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.areas {
		if base < a.Base+a.Size && a.Base < base+size {
			return Area{}, fmt.Errorf(
				"vmm: area 0x%x-0x%x overlaps 0x%x-0x%x",
				base, base+size-1, a.Base, a.Base+a.Size-1)
		}
	}

	area := Area{Base: base, Size: size, Flags: flags}
	m.insert(area)
	return area, nil
}

// AllocFree finds a free page-aligned range of the given size above the
// dynamic base.
func (m *MemMap) AllocFree(size uint64, flags AreaFlags) (Area, error) {
	if size == 0 {
		return Area{}, fmt.Errorf("vmm: zero-size allocation")
	}
	size = (size + PageSize - 1) & PageMask

	m.mu.Lock()
	defer m.mu.Unlock()

	base := uint64(dynamicAreaBase)
	for _, a := range m.areas {
		if a.Base+a.Size <= base {
			continue
		}
		if a.Base >= base+size {
			break
		}
		base = (a.Base + a.Size + PageSize - 1) & PageMask
	}
	if base+size < base {
		return Area{}, fmt.Errorf("vmm: guest-physical space exhausted")
	}

	area := Area{Base: base, Size: size, Flags: flags}
	m.insert(area)
	return area, nil
}

// insert keeps areas sorted by base; callers hold the lock.
func (m *MemMap) insert(area Area) {
	i := sort.Search(len(m.areas), func(i int) bool {
		return m.areas[i].Base > area.Base
	})
	m.areas = append(m.areas, Area{})
	copy(m.areas[i+1:], m.areas[i:])
	m.areas[i] = area
}

// Areas returns a snapshot of the reserved ranges in base order.
func (m *MemMap) Areas() []Area {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Area(nil), m.areas...)
}
