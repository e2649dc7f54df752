// Package proto defines the shared-memory wire layout the XMM7360 firmware
// expects: the control page, command-ring entries, and transfer descriptors.
// Layouts are fixed-offset little-endian records; every offset here is part
// of the device contract. The control-page header carries bus addresses so
// the firmware can locate each region on its own.
package proto

import (
	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/shm"
)

// Command opcodes. RingOpen/RingClose/Wakeup are interpreted; the firmware
// configuration pair is opaque and forwarded as-is during bring-up.
const (
	CmdRingOpen  = 1
	CmdRingClose = 3
	CmdWakeup    = 4

	CmdFirmwareConfig  = 0xf0
	FirmwareConfigParm = 0x80
	RingOpenConfigWord = 0x60
)

// Command entry flags. Ready is host→device ("process me"), Done is
// device→host ("finished").
const (
	CmdFlagDone  = 1
	CmdFlagReady = 2
)

// TDFlagComplete is set by the firmware in a descriptor's flags word once the
// transfer for that slot finished.
const TDFlagComplete = 0x200

// Control-page byte offsets. The header (bus-address directory) comes first,
// then the device-written status record, the per-ring pointer arrays, the
// command-ring pointers, and finally the command ring itself.
const (
	ctlStatusOff   = 0  // u64 bus address of the status record
	ctlSWptrOff    = 8  // u64 bus address of the slave write-pointer array
	ctlSRptrOff    = 16 // u64 bus address of the slave read-pointer array
	ctlCWptrOff    = 24 // u64 bus address of the command write pointer
	ctlCRptrOff    = 32 // u64 bus address of the command read pointer
	ctlCRingOff    = 40 // u64 bus address of the command ring
	ctlRingSizeOff = 48 // u16 command ring capacity

	statusCodeOff   = 56
	statusModeOff   = 60
	statusAsleepOff = 64

	sWptrOff = 72  // 16 × u32
	sRptrOff = 136 // 16 × u32

	cWptrOff = 200
	cRptrOff = 204
	cRingOff = 208
)

// CmdEntrySize is the size of one command-ring entry.
const CmdEntrySize = 24

// Command entry field offsets within a slot.
const (
	cmdPtrOff   = 0  // u64 payload bus address
	cmdLenOff   = 8  // u16
	cmdParmOff  = 10 // u8
	cmdOpOff    = 11 // u8
	cmdExtraOff = 12 // u32
	cmdUnkOff   = 16 // u32, always zero
	cmdFlagsOff = 20 // u32
)

// ControlPageBytes is the full size of the control page allocation.
const ControlPageBytes = cRingOff + constants.CommandRingSize*CmdEntrySize

// TDSize is the size of one transfer descriptor.
const TDSize = 16

// Transfer descriptor field offsets within a slot.
const (
	tdAddrOff  = 0  // u64 buffer bus address
	tdLenOff   = 8  // u16
	tdFlagsOff = 10 // u16
	tdUnkOff   = 12 // u32, always zero
)

// CommandEntry is the host-side view of one command-ring slot.
type CommandEntry struct {
	Ptr   uint64
	Len   uint16
	Parm  uint8
	Op    uint8
	Extra uint32
}

// TD is the host-side view of one transfer descriptor.
type TD struct {
	Addr  uint64
	Len   uint16
	Flags uint16
}

// ControlPage wraps the coherent control block with typed accessors. All
// fields the firmware writes concurrently are read through atomic loads.
type ControlPage struct {
	blk *shm.Block
}

// NewControlPage wraps an allocation of at least ControlPageBytes.
func NewControlPage(blk *shm.Block) *ControlPage {
	if blk.Size() < ControlPageBytes {
		panic("proto: control page allocation too small")
	}
	return &ControlPage{blk: blk}
}

// Block returns the underlying allocation.
func (p *ControlPage) Block() *shm.Block { return p.blk }

// Bus returns the bus address of the page, as published to the device.
func (p *ControlPage) Bus() uint64 { return p.blk.Bus }

// PublishAddresses writes the bus-address directory into the page header.
// Called exactly once, before the page address is handed to the device; the
// directory never changes afterwards.
func (p *ControlPage) PublishAddresses() {
	p.blk.Store64(ctlStatusOff, p.blk.BusAt(statusCodeOff))
	p.blk.Store64(ctlSWptrOff, p.blk.BusAt(sWptrOff))
	p.blk.Store64(ctlSRptrOff, p.blk.BusAt(sRptrOff))
	p.blk.Store64(ctlCWptrOff, p.blk.BusAt(cWptrOff))
	p.blk.Store64(ctlCRptrOff, p.blk.BusAt(cRptrOff))
	p.blk.Store64(ctlCRingOff, p.blk.BusAt(cRingOff))
	p.blk.Put16(ctlRingSizeOff, constants.CommandRingSize)
}

// StatusCode returns the device-written status code word.
func (p *ControlPage) StatusCode() uint32 { return p.blk.Load32(statusCodeOff) }

// StatusMode returns the device-written mode word.
func (p *ControlPage) StatusMode() uint32 { return p.blk.Load32(statusModeOff) }

// Asleep reports whether the device marked itself asleep. An asleep device
// ignores doorbells until the wake register is written.
func (p *ControlPage) Asleep() bool { return p.blk.Load32(statusAsleepOff) != 0 }

// SetStatusCode writes the status code word. Device-side only.
func (p *ControlPage) SetStatusCode(v uint32) { p.blk.Store32(statusCodeOff, v) }

// SetStatusMode writes the status mode word. Device-side only.
func (p *ControlPage) SetStatusMode(v uint32) { p.blk.Store32(statusModeOff, v) }

// SetAsleep toggles the asleep flag. Device-side only.
func (p *ControlPage) SetAsleep(asleep bool) {
	var v uint32
	if asleep {
		v = 1
	}
	p.blk.Store32(statusAsleepOff, v)
}

// CommandWritePtr returns the host-owned command write pointer.
func (p *ControlPage) CommandWritePtr() uint32 { return p.blk.Load32(cWptrOff) }

// SetCommandWritePtr publishes a new command write pointer. This is the
// release store that exposes previously written entry fields to the device.
func (p *ControlPage) SetCommandWritePtr(v uint32) { p.blk.Store32(cWptrOff, v) }

// CommandReadPtr returns the device-owned command read pointer.
func (p *ControlPage) CommandReadPtr() uint32 { return p.blk.Load32(cRptrOff) }

// SetCommandReadPtr advances the command read pointer. Only the device side
// (or its simulator) writes this.
func (p *ControlPage) SetCommandReadPtr(v uint32) { p.blk.Store32(cRptrOff, v) }

// RingWritePtr returns the write pointer of TD ring id.
func (p *ControlPage) RingWritePtr(id int) uint32 {
	return p.blk.Load32(sWptrOff + 4*id)
}

// SetRingWritePtr publishes the write pointer of TD ring id.
func (p *ControlPage) SetRingWritePtr(id int, v uint32) {
	p.blk.Store32(sWptrOff+4*id, v)
}

// RingReadPtr returns the read pointer of TD ring id.
func (p *ControlPage) RingReadPtr(id int) uint32 {
	return p.blk.Load32(sRptrOff + 4*id)
}

// SetRingReadPtr advances the read pointer of TD ring id. Device-side only.
func (p *ControlPage) SetRingReadPtr(id int, v uint32) {
	p.blk.Store32(sRptrOff+4*id, v)
}

// ResetRingPtrs zeroes both pointers of TD ring id, done when the ring is
// registered with the device.
func (p *ControlPage) ResetRingPtrs(id int) {
	p.SetRingReadPtr(id, 0)
	p.SetRingWritePtr(id, 0)
}

// SetCommandEntry populates the command slot's payload fields and then marks
// it Ready. The Ready store is atomic so the flag write is ordered after the
// field writes; the slot only becomes visible once SetCommandWritePtr runs.
func (p *ControlPage) SetCommandEntry(slot int, e CommandEntry) {
	base := cRingOff + slot*CmdEntrySize
	p.blk.Store64(base+cmdPtrOff, e.Ptr)
	p.blk.Put16(base+cmdLenOff, e.Len)
	p.blk.Put8(base+cmdParmOff, e.Parm)
	p.blk.Put8(base+cmdOpOff, e.Op)
	p.blk.Store32(base+cmdExtraOff, e.Extra)
	p.blk.Store32(base+cmdUnkOff, 0)
	p.blk.Store32(base+cmdFlagsOff, CmdFlagReady)
}

// CommandEntryAt reads back the command slot. Used by the device simulator
// and by tests asserting submission order.
func (p *ControlPage) CommandEntryAt(slot int) CommandEntry {
	base := cRingOff + slot*CmdEntrySize
	return CommandEntry{
		Ptr:   p.blk.Load64(base + cmdPtrOff),
		Len:   p.blk.Get16(base + cmdLenOff),
		Parm:  p.blk.Get8(base + cmdParmOff),
		Op:    p.blk.Get8(base + cmdOpOff),
		Extra: p.blk.Load32(base + cmdExtraOff),
	}
}

// CommandFlags returns the flags word of a command slot.
func (p *ControlPage) CommandFlags(slot int) uint32 {
	return p.blk.Load32(cRingOff + slot*CmdEntrySize + cmdFlagsOff)
}

// SetCommandFlags overwrites the flags word of a command slot. Device-side
// only, used to mark entries Done.
func (p *ControlPage) SetCommandFlags(slot int, flags uint32) {
	p.blk.Store32(cRingOff+slot*CmdEntrySize+cmdFlagsOff, flags)
}

// PutTD writes descriptor idx of a TD array block. The caller publishes it
// afterwards by advancing the ring's write pointer.
func PutTD(blk *shm.Block, idx int, td TD) {
	base := idx * TDSize
	blk.Store64(base+tdAddrOff, td.Addr)
	blk.Put16(base+tdLenOff, td.Len)
	blk.Put16(base+tdFlagsOff, td.Flags)
	blk.Store32(base+tdUnkOff, 0)
}

// TDAt reads descriptor idx of a TD array block.
func TDAt(blk *shm.Block, idx int) TD {
	base := idx * TDSize
	return TD{
		Addr:  blk.Load64(base + tdAddrOff),
		Len:   blk.Get16(base + tdLenOff),
		Flags: blk.Get16(base + tdFlagsOff),
	}
}

// SetTDLen updates only the length field of descriptor idx. Device-side,
// used when the firmware reports how many bytes landed in a receive buffer.
func SetTDLen(blk *shm.Block, idx int, n uint16) {
	blk.Put16(idx*TDSize+tdLenOff, n)
}

// SetTDFlags updates only the flags field of descriptor idx.
func SetTDFlags(blk *shm.Block, idx int, flags uint16) {
	blk.Put16(idx*TDSize+tdFlagsOff, flags)
}
