// Package devsim is a software model of the XMM7360 firmware used by tests
// and by the public test double. It stands on the device side of the entire
// contract: it serves both register windows, acts as the coherent-memory
// allocator (so it can resolve the bus addresses the host publishes),
// executes the enable handshake, consumes command-ring entries, drains send
// rings, fills donated receive buffers, and raises interrupt line 0 on
// progress.
package devsim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/proto"
	"github.com/behrlich/go-xmm/internal/regs"
	"github.com/behrlich/go-xmm/internal/shm"
)

// ErrNoReceiveSlot is returned by Deliver when the host has not donated any
// buffer on the target receive ring.
var ErrNoReceiveSlot = errors.New("devsim: no donated receive slot")

const busBase = 0x1000_0000

// simRing is the device's view of one registered TD ring.
type simRing struct {
	capacity uint32
	tds      *shm.Block
}

// Sim is a simulated modem. The zero value is not usable; call New.
type Sim struct {
	mu sync.Mutex

	// Fake bus address space. Every allocation the host makes goes through
	// the sim, so any bus address it later publishes resolves here.
	blocks  map[uint64]*shm.Block
	nextBus uint64

	bootStatus uint32
	modeAck    uint32
	deaf       bool // ignore mode writes, for handshake-timeout tests
	holdCmd    bool // stop consuming the command ring
	holdData   bool // stop draining send rings

	pageBus uint64
	cp      *proto.ControlPage

	rings [constants.NumTDRings]*simRing
	sent  [constants.NumTDRings][][]byte

	// OnInterrupt is invoked outside the sim lock for each raised line.
	OnInterrupt func(line int)

	interrupts int
}

// New returns a sim whose modem core has already booted successfully.
func New() *Sim {
	return &Sim{
		blocks:     make(map[uint64]*shm.Block),
		nextBus:    busBase,
		bootStatus: regs.StatusReady,
	}
}

// SetBootStatus overrides the boot-status register, e.g. with
// regs.StatusCrashDump or a still-booting value.
func (s *Sim) SetBootStatus(v uint32) {
	s.mu.Lock()
	s.bootStatus = v
	s.mu.Unlock()
}

// SetDeaf makes the sim ignore enable-mode writes so the control-page
// handshake never gets acknowledged.
func (s *Sim) SetDeaf(deaf bool) {
	s.mu.Lock()
	s.deaf = deaf
	s.mu.Unlock()
}

// HoldCommands stops command-ring consumption until ReleaseCommands.
func (s *Sim) HoldCommands() {
	s.mu.Lock()
	s.holdCmd = true
	s.mu.Unlock()
}

// ReleaseCommands resumes command-ring consumption and processes whatever
// is pending.
func (s *Sim) ReleaseCommands() {
	s.mu.Lock()
	s.holdCmd = false
	irq := s.processCommands()
	s.mu.Unlock()
	s.raise(irq)
}

// HoldData stops send-ring draining until ReleaseData.
func (s *Sim) HoldData() {
	s.mu.Lock()
	s.holdData = true
	s.mu.Unlock()
}

// ReleaseData resumes send-ring draining.
func (s *Sim) ReleaseData() {
	s.mu.Lock()
	s.holdData = false
	irq := s.processSendRings()
	s.mu.Unlock()
	s.raise(irq)
}

// SetAsleep marks the device asleep in the control page. Doorbells written
// while asleep are dropped unless preceded by a wake register write.
func (s *Sim) SetAsleep(asleep bool) {
	s.mu.Lock()
	if s.cp != nil {
		s.cp.SetAsleep(asleep)
	}
	s.mu.Unlock()
}

// Interrupts returns how many interrupt lines the sim has raised.
func (s *Sim) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Sent returns the payloads drained so far from send ring id.
func (s *Sim) Sent(id int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent[id]))
	copy(out, s.sent[id])
	return out
}

// OutstandingAllocs returns how many coherent blocks the host currently
// holds. Zero after a failed attach or a full detach.
func (s *Sim) OutstandingAllocs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// RingRegistered reports whether the device currently has ring id open.
func (s *Sim) RingRegistered(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rings[id] != nil
}

// Alloc implements shm.Allocator over the fake bus space.
func (s *Sim) Alloc(size int) (*shm.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk := shm.NewBlock(size, s.nextBus)
	s.blocks[s.nextBus] = blk
	s.nextBus += uint64((size + 0xfff) &^ 0xfff)
	return blk, nil
}

// Free implements shm.Allocator.
func (s *Sim) Free(b *shm.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[b.Bus]; !ok {
		return fmt.Errorf("devsim: free of unknown bus address %#x", b.Bus)
	}
	delete(s.blocks, b.Bus)
	return nil
}

func (s *Sim) resolve(bus uint64) *shm.Block {
	blk, ok := s.blocks[bus]
	if !ok {
		panic(fmt.Sprintf("devsim: host published unknown bus address %#x", bus))
	}
	return blk
}

// Bar0 returns the mode/doorbell/wakeup register window.
func (s *Sim) Bar0() regs.Window { return bar0{s} }

// Bar2 returns the status/control-address register window.
func (s *Sim) Bar2() regs.Window { return bar2{s} }

type bar0 struct{ s *Sim }

func (w bar0) Read32(reg uint32) uint32 { return 0 }

func (w bar0) Write32(reg uint32, val uint32) {
	s := w.s
	s.mu.Lock()
	var irq bool
	switch reg {
	case regs.Bar0Mode:
		if !s.deaf {
			s.writeMode(val)
		}
	case regs.Bar0Wakeup:
		if s.cp != nil {
			s.cp.SetAsleep(false)
		}
	case regs.Bar0Doorbell:
		irq = s.doorbell(val)
	}
	s.mu.Unlock()
	s.raise(irq)
}

type bar2 struct{ s *Sim }

func (w bar2) Read32(reg uint32) uint32 {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch reg {
	case regs.Bar2BootStatus:
		return s.bootStatus
	case regs.Bar2Mode:
		return s.modeAck
	}
	return 0
}

func (w bar2) Write32(reg uint32, val uint32) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch reg {
	case regs.Bar2Control:
		s.pageBus = s.pageBus&^uint64(0xffffffff) | uint64(val)
	case regs.Bar2ControlH:
		s.pageBus = s.pageBus&uint64(0xffffffff) | uint64(val)<<32
	}
}

// writeMode handles the two-stage enable handshake. Stage one attaches the
// published control page and acknowledges with a nonzero mode; stage two
// echoes the interrupt-enable mode.
func (s *Sim) writeMode(val uint32) {
	switch val {
	case regs.ModeEnabled:
		s.cp = proto.NewControlPage(s.resolve(s.pageBus))
		s.cp.SetStatusCode(s.bootStatus)
		s.cp.SetStatusMode(regs.ModeEnabled)
		s.cp.SetAsleep(false)
		s.modeAck = regs.ModeEnabled
	case regs.ModeInterrupts:
		s.cp.SetStatusMode(regs.ModeInterrupts)
		s.modeAck = regs.ModeInterrupts
	case regs.ModeOff:
		s.modeAck = 0
		s.cp = nil
	}
}

// doorbell reacts to a doorbell register write. An asleep device ignores
// the line entirely; the host must hit the wake register first.
func (s *Sim) doorbell(channel uint32) bool {
	if s.cp == nil || s.cp.Asleep() {
		return false
	}
	switch channel {
	case regs.DoorbellCmd:
		return s.processCommands()
	case regs.DoorbellTD:
		return s.processSendRings()
	}
	return false
}

// processCommands consumes command-ring entries in FIFO order, marking each
// Done and advancing the device read pointer. Returns whether progress was
// made (and an interrupt should be raised).
func (s *Sim) processCommands() bool {
	if s.cp == nil || s.holdCmd {
		return false
	}
	progress := false
	for {
		rptr := s.cp.CommandReadPtr()
		if rptr == s.cp.CommandWritePtr() {
			break
		}
		entry := s.cp.CommandEntryAt(int(rptr))
		if s.cp.CommandFlags(int(rptr))&proto.CmdFlagReady == 0 {
			panic(fmt.Sprintf("devsim: command slot %d published without ready flag", rptr))
		}
		s.execute(entry)
		s.cp.SetCommandFlags(int(rptr), proto.CmdFlagDone)
		s.cp.SetCommandReadPtr((rptr + 1) % constants.CommandRingSize)
		progress = true
	}
	return progress
}

func (s *Sim) execute(e proto.CommandEntry) {
	switch e.Op {
	case proto.CmdRingOpen:
		s.rings[e.Parm] = &simRing{
			capacity: uint32(e.Len),
			tds:      s.resolve(e.Ptr),
		}
	case proto.CmdRingClose:
		s.rings[e.Parm] = nil
	case proto.CmdWakeup, proto.CmdFirmwareConfig:
		// Accepted and completed; nothing to model.
	}
}

// processSendRings drains every registered send ring, recording payloads
// and stamping descriptors complete.
func (s *Sim) processSendRings() bool {
	if s.holdData {
		return false
	}
	progress := false
	for id := 0; id < constants.NumTDRings; id += 2 {
		r := s.rings[id]
		if r == nil {
			continue
		}
		for {
			rptr := s.cp.RingReadPtr(id)
			if rptr == s.cp.RingWritePtr(id) {
				break
			}
			td := proto.TDAt(r.tds, int(rptr))
			buf := s.resolve(td.Addr)
			payload := make([]byte, td.Len)
			copy(payload, buf.Bytes[:td.Len])
			s.sent[id] = append(s.sent[id], payload)

			proto.SetTDFlags(r.tds, int(rptr), proto.TDFlagComplete)
			s.cp.SetRingReadPtr(id, (rptr+1)&(r.capacity-1))
			progress = true
		}
	}
	return progress
}

// Deliver places inbound data into the next donated buffer of receive ring
// id, stamps the descriptor with the delivered length, advances the device
// read pointer and raises interrupt 0. Fails when the host has not donated
// a slot.
func (s *Sim) Deliver(id int, data []byte) error {
	s.mu.Lock()
	r := s.rings[id]
	if r == nil || id&1 == 0 {
		s.mu.Unlock()
		return fmt.Errorf("devsim: deliver to ring %d which is not a registered receive ring", id)
	}
	rptr := s.cp.RingReadPtr(id)
	if rptr == s.cp.RingWritePtr(id) {
		s.mu.Unlock()
		return ErrNoReceiveSlot
	}

	td := proto.TDAt(r.tds, int(rptr))
	if len(data) > int(td.Len) {
		s.mu.Unlock()
		return fmt.Errorf("devsim: delivery of %d bytes exceeds donated buffer of %d", len(data), td.Len)
	}
	buf := s.resolve(td.Addr)
	copy(buf.Bytes, data)
	proto.SetTDLen(r.tds, int(rptr), uint16(len(data)))
	proto.SetTDFlags(r.tds, int(rptr), proto.TDFlagComplete)
	s.cp.SetRingReadPtr(id, (rptr+1)&(r.capacity-1))
	s.mu.Unlock()

	s.raise(true)
	return nil
}

// raise fires interrupt line 0. The callback runs on its own goroutine:
// real interrupts are asynchronous to the host context that rang the
// doorbell, and a synchronous callback could re-enter locks the caller
// still holds.
func (s *Sim) raise(irq bool) {
	if !irq {
		return
	}
	s.mu.Lock()
	s.interrupts++
	cb := s.OnInterrupt
	s.mu.Unlock()
	if cb != nil {
		go cb(0)
	}
}

var _ shm.Allocator = (*Sim)(nil)
