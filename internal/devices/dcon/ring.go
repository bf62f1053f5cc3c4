package dcon

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// ring is a view over one vm_ring in the shared page:
//
//	offset 0: ridx (u32)
//	offset 4: widx (u32)
//	offset 8: size (u32)
//	offset 12: payload[size]
//
// Indices are free-running 32-bit counters; the active offset is idx mod
// size and occupancy is widx - ridx, which wraps safely because it is
// always bounded. One side produces, the other consumes; index access goes
// through atomics so publishing an index is a release and reading it an
// acquire, the mb()/wmb() pairing the shared mapping needs. Index words are
// stored in the machine's byte order, which is little-endian on every
// architecture the hypervisor runs on.
type ring struct {
	mem []byte
}

const ringHdrSize = 12

// initRing stamps a fresh vm_ring of the given payload size into mem.
func initRing(mem []byte, size uint32) *ring {
	r := &ring{mem: mem}
	r.idxWord(0).Store(0)
	r.idxWord(4).Store(0)
	binary.LittleEndian.PutUint32(mem[8:12], size)
	return r
}

// idxWord returns the atomic view of a 4-byte-aligned index word.
func (r *ring) idxWord(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *ring) Ridx() uint32     { return r.idxWord(0).Load() }
func (r *ring) SetRidx(v uint32) { r.idxWord(0).Store(v) }

func (r *ring) Widx() uint32     { return r.idxWord(4).Load() }
func (r *ring) SetWidx(v uint32) { r.idxWord(4).Store(v) }

func (r *ring) Size() uint32 {
	return binary.LittleEndian.Uint32(r.mem[8:12])
}

// Byte reads the payload byte the free-running index refers to.
func (r *ring) Byte(idx uint32) byte {
	return r.mem[ringHdrSize+int(idx%r.Size())]
}

// SetByte writes the payload byte the free-running index refers to.
func (r *ring) SetByte(idx uint32, b byte) {
	r.mem[ringHdrSize+int(idx%r.Size())] = b
}
