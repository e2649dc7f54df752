// Package shm models coherent memory shared between the host and the modem
// firmware. A Block pairs host-visible bytes with the bus address the device
// uses to reach the same memory; translation between the two happens only
// here. Fields written by both parties go through the atomic accessors so a
// store is never torn or elided under the other side's feet.
package shm

import (
	"sync/atomic"
	"unsafe"
)

// Block is one coherent allocation. Bytes is the host mapping, Bus the
// device-visible address of byte 0. Offsets into the block are identical on
// both sides.
type Block struct {
	Bytes []byte
	Bus   uint64
}

// Allocator hands out coherent blocks. The real implementation lives in the
// bus-mapping collaborator; tests use the simulator's allocator.
type Allocator interface {
	// Alloc returns a zeroed block of at least size bytes, 8-byte aligned.
	Alloc(size int) (*Block, error)

	// Free releases a block obtained from Alloc.
	Free(b *Block) error
}

// MaskSetter is optionally implemented by allocators that must be told the
// device's DMA addressing width before any allocation is handed to it.
type MaskSetter interface {
	SetDMAMask(bits uint8) error
}

// Size returns the usable length of the block in bytes.
func (b *Block) Size() int { return len(b.Bytes) }

// BusAt returns the bus address of the byte at off.
func (b *Block) BusAt(off int) uint64 { return b.Bus + uint64(off) }

func (b *Block) ptr32(off int) *uint32 {
	if off&3 != 0 {
		panic("shm: misaligned 32-bit access")
	}
	return (*uint32)(unsafe.Pointer(&b.Bytes[off]))
}

func (b *Block) ptr64(off int) *uint64 {
	if off&7 != 0 {
		panic("shm: misaligned 64-bit access")
	}
	return (*uint64)(unsafe.Pointer(&b.Bytes[off]))
}

// Load32 atomically reads the 32-bit word at off. Used for every field the
// firmware may write concurrently (ring pointers, status words, flags).
func (b *Block) Load32(off int) uint32 {
	return atomic.LoadUint32(b.ptr32(off))
}

// Store32 atomically writes the 32-bit word at off. The atomic store is also
// what gives pointer publishes their release ordering: all plain stores into
// the slot happen-before the pointer store that exposes it.
func (b *Block) Store32(off int, val uint32) {
	atomic.StoreUint32(b.ptr32(off), val)
}

// Load64 atomically reads the 64-bit word at off.
func (b *Block) Load64(off int) uint64 {
	return atomic.LoadUint64(b.ptr64(off))
}

// Store64 atomically writes the 64-bit word at off.
func (b *Block) Store64(off int, val uint64) {
	atomic.StoreUint64(b.ptr64(off), val)
}

// Put16 writes a 16-bit field. Only valid for slot fields owned by exactly
// one side during the current protocol phase; visibility to the other side
// is ordered by the next Store32 pointer publish.
func (b *Block) Put16(off int, val uint16) {
	b.Bytes[off] = byte(val)
	b.Bytes[off+1] = byte(val >> 8)
}

// Get16 reads a 16-bit field owned by one side in the current phase.
func (b *Block) Get16(off int) uint16 {
	return uint16(b.Bytes[off]) | uint16(b.Bytes[off+1])<<8
}

// Put8 writes a single byte field under the same ownership rules as Put16.
func (b *Block) Put8(off int, val uint8) { b.Bytes[off] = val }

// Get8 reads a single byte field.
func (b *Block) Get8(off int) uint8 { return b.Bytes[off] }

// aligned64 backs test and simulator allocations with 8-byte alignment.
func aligned64(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// NewBlock builds an aligned block at a caller-chosen bus address. Intended
// for allocator implementations, not for driver code.
func NewBlock(size int, bus uint64) *Block {
	return &Block{Bytes: aligned64(size), Bus: bus}
}
