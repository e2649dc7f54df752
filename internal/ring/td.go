package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/proto"
	"github.com/behrlich/go-xmm/internal/regs"
	"github.com/behrlich/go-xmm/internal/shm"
)

// TDRing is the host side of one transfer-descriptor ring. Even ids are
// send rings, odd ids receive rings. Every slot is permanently bound to one
// page-sized buffer allocated at create time; only length and flags are
// refreshed per transfer. The write pointer never advances onto the read
// pointer, so true capacity is capacity-1.
type TDRing struct {
	id       int
	capacity uint32
	pageSize int

	// lastHandled is the host's receive cursor: the next slot to hand to a
	// reader once the device's read pointer moves past it. Advanced under
	// the pair lock but read locklessly by wait predicates, hence atomic.
	lastHandled atomic.Uint32

	tds   *shm.Block
	pages []*shm.Block
}

// ID returns the ring id (0..15).
func (r *TDRing) ID() int { return r.id }

// Capacity returns the slot count.
func (r *TDRing) Capacity() int { return int(r.capacity) }

// PageSize returns the fixed per-slot buffer size.
func (r *TDRing) PageSize() int { return r.pageSize }

// LastHandled returns the host receive cursor.
func (r *TDRing) LastHandled() uint32 { return r.lastHandled.Load() }

// AdvanceLastHandled moves the receive cursor one slot forward.
func (r *TDRing) AdvanceLastHandled() {
	r.lastHandled.Store((r.lastHandled.Load() + 1) & (r.capacity - 1))
}

// Page returns the buffer bound to slot idx.
func (r *TDRing) Page(idx int) *shm.Block { return r.pages[idx] }

// TD returns the descriptor at slot idx.
func (r *TDRing) TD(idx int) proto.TD { return proto.TDAt(r.tds, idx) }

// IsSend reports the ring direction.
func (r *TDRing) IsSend() bool { return r.id&1 == 0 }

// Ring returns the TD ring with the given id, or nil if it is not open.
func (e *Engine) Ring(id int) *TDRing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rings[id]
}

// CreateRing allocates a TD ring and registers it with the device via a
// RingOpen command followed by a command doorbell. Capacity must be a power
// of two and the ring must not already exist; violations are driver bugs
// and panic.
func (e *Engine) CreateRing(id int, capacity int) error {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("ring: capacity %d not a power of two", capacity))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rings[id] != nil {
		panic(fmt.Sprintf("ring: ring %d already exists", id))
	}

	r := &TDRing{
		id:       id,
		capacity: uint32(capacity),
		pageSize: constants.PageSize,
		pages:    make([]*shm.Block, capacity),
	}

	tds, err := e.alloc.Alloc(capacity * proto.TDSize)
	if err != nil {
		return fmt.Errorf("alloc TD array for ring %d: %w", id, err)
	}
	r.tds = tds

	for i := 0; i < capacity; i++ {
		page, err := e.alloc.Alloc(r.pageSize)
		if err != nil {
			e.freeRing(r)
			return fmt.Errorf("alloc page %d for ring %d: %w", i, id, err)
		}
		r.pages[i] = page
		proto.PutTD(r.tds, i, proto.TD{Addr: page.Bus})
	}

	e.cp.ResetRingPtrs(id)
	if err := e.Submit(proto.CmdRingOpen, uint8(id), uint16(capacity), r.tds.Bus, proto.RingOpenConfigWord); err != nil {
		e.freeRing(r)
		return fmt.Errorf("register ring %d: %w", id, err)
	}
	e.Doorbell(regs.DoorbellCmd)

	e.rings[id] = r
	e.obs.RingCreated(id)
	e.log.WithRing(id).Debug("ring created", "capacity", capacity)
	return nil
}

// DestroyRing deregisters the ring with a RingClose command and frees its
// buffers. Destroying a ring that was never created is a logic error,
// reported as ErrRingNotOpen.
func (e *Engine) DestroyRing(id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.rings[id]
	if r == nil {
		e.log.WithRing(id).Error("destroy of ring that was never created")
		return ErrRingNotOpen
	}

	if err := e.Submit(proto.CmdRingClose, uint8(id), 0, 0, 0); err != nil {
		return fmt.Errorf("deregister ring %d: %w", id, err)
	}
	e.Doorbell(regs.DoorbellCmd)

	e.freeRing(r)
	e.rings[id] = nil
	e.obs.RingDestroyed(id)
	e.log.WithRing(id).Debug("ring destroyed")
	return nil
}

func (e *Engine) freeRing(r *TDRing) {
	for _, p := range r.pages {
		if p != nil {
			e.alloc.Free(p)
		}
	}
	if r.tds != nil {
		e.alloc.Free(r.tds)
	}
}

// IsFull reports whether the ring has capacity-1 entries outstanding, i.e.
// whether one more publish would land the write pointer on the read pointer.
func (e *Engine) IsFull(id int) bool {
	r := e.Ring(id)
	if r == nil {
		panic(fmt.Sprintf("ring: IsFull on ring %d which is not open", id))
	}
	wptr := (e.cp.RingWritePtr(id) + 1) & (r.capacity - 1)
	return wptr == e.cp.RingReadPtr(id)
}

// WriteSend copies data into the current write slot of a send ring and
// publishes it. Preconditions (ring open, send direction, data fits a page,
// ring not full) are driver invariants; violating them panics.
func (e *Engine) WriteSend(id int, data []byte) {
	r := e.Ring(id)
	switch {
	case r == nil:
		panic(fmt.Sprintf("ring: write on ring %d which is not open", id))
	case !r.IsSend():
		panic(fmt.Sprintf("ring: write on receive ring %d", id))
	case len(data) > r.pageSize:
		panic(fmt.Sprintf("ring: write of %d bytes exceeds page size %d", len(data), r.pageSize))
	}

	wptr := e.cp.RingWritePtr(id)
	copy(r.pages[wptr].Bytes, data)
	proto.PutTD(r.tds, int(wptr), proto.TD{
		Addr: r.pages[wptr].Bus,
		Len:  uint16(len(data)),
	})

	wptr = (wptr + 1) & (r.capacity - 1)
	if wptr == e.cp.RingReadPtr(id) {
		panic(fmt.Sprintf("ring: write pointer caught read pointer on ring %d", id))
	}
	e.cp.SetRingWritePtr(id, wptr)
}

// PostReceiveSlot donates the buffer at the current write slot of a receive
// ring to the device: the descriptor is republished with full page capacity
// and cleared flags, then the write pointer advances. Calling it on a full
// ring is a driver bug and panics; posting to a missing or send-direction
// ring is reported, matching how the original driver warns on these.
func (e *Engine) PostReceiveSlot(id int) error {
	r := e.Ring(id)
	if r == nil {
		e.log.WithRing(id).Error("receive post on ring that is not open")
		return ErrRingNotOpen
	}
	if r.IsSend() {
		e.log.WithRing(id).Error("receive post on send ring")
		return ErrWrongDirection
	}

	wptr := e.cp.RingWritePtr(id)
	proto.PutTD(r.tds, int(wptr), proto.TD{
		Addr: r.pages[wptr].Bus,
		Len:  uint16(r.pageSize),
	})

	wptr = (wptr + 1) & (r.capacity - 1)
	if wptr == e.cp.RingReadPtr(id) {
		panic(fmt.Sprintf("ring: receive post on full ring %d", id))
	}
	e.cp.SetRingWritePtr(id, wptr)
	e.obs.ReceiveSlotPosted(id)
	return nil
}

// ReceiveReady reports whether the device has produced data the host has not
// yet handled on a receive ring.
func (e *Engine) ReceiveReady(id int) bool {
	r := e.Ring(id)
	if r == nil {
		return false
	}
	return e.cp.RingReadPtr(id) != r.LastHandled()
}
