// Package queue implements the queue-pair lifecycle state machine. A pair
// owns one send TD ring (2n) and one receive TD ring (2n+1) and mediates
// open/close and read/write against them. Pairs exist for the lifetime of
// the device; only their open state toggles per session.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/logging"
	"github.com/behrlich/go-xmm/internal/notify"
	"github.com/behrlich/go-xmm/internal/regs"
	"github.com/behrlich/go-xmm/internal/ring"
)

// ErrAlreadyOpen is returned by Open on a pair that is already open. The
// device is not touched.
var ErrAlreadyOpen = errors.New("queue pair already open")

// ErrNotOpen is returned by Close, Write and Read on a pair that is not
// open.
var ErrNotOpen = errors.New("queue pair not open")

// ErrSendFull is returned by Write when the send ring has no free slot.
// Transient; callers retry after the device drains an entry.
var ErrSendFull = errors.New("send ring full")

// Pair is one bidirectional logical channel.
type Pair struct {
	num int
	eng *ring.Engine
	log *logging.Logger

	// mu serializes host-side open/close/write bookkeeping. Read parks on
	// rx without holding mu so a blocked reader never starves the other
	// operations.
	mu   sync.Mutex
	open bool
	rx   *notify.Beacon
}

// NewPair creates the pair in the Closed state.
func NewPair(num int, eng *ring.Engine, log *logging.Logger) *Pair {
	if log == nil {
		log = logging.Default()
	}
	return &Pair{
		num: num,
		eng: eng,
		log: log.WithQueuePair(num),
		rx:  notify.NewBeacon(),
	}
}

// Num returns the pair index (0..7).
func (p *Pair) Num() int { return p.num }

func (p *Pair) sendRing() int    { return p.num * 2 }
func (p *Pair) receiveRing() int { return p.num*2 + 1 }

// IsOpen reports the pair's state.
func (p *Pair) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// NotifyReceive wakes any reader parked on this pair. Called from the
// interrupt dispatch path; readers re-check the ring pointers themselves.
func (p *Pair) NotifyReceive() {
	p.rx.Broadcast()
}

// Open creates and registers both TD rings, then pre-arms the receive ring
// by posting buffers until it is full, so the device can deliver inbound
// data immediately.
func (p *Pair) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open {
		return ErrAlreadyOpen
	}

	p.log.Info("opening queue pair")
	if err := p.eng.CreateRing(p.sendRing(), constants.QueuePairRingSize); err != nil {
		return err
	}
	if err := p.eng.CreateRing(p.receiveRing(), constants.QueuePairRingSize); err != nil {
		p.eng.DestroyRing(p.sendRing())
		return err
	}
	p.eng.Doorbell(regs.DoorbellCmd)

	for !p.eng.IsFull(p.receiveRing()) {
		p.eng.PostReceiveSlot(p.receiveRing())
	}
	p.eng.Doorbell(regs.DoorbellTD)

	p.open = true
	return nil
}

// Close deregisters and frees both TD rings.
func (p *Pair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return ErrNotOpen
	}
	p.open = false

	p.eng.DestroyRing(p.sendRing())
	p.eng.DestroyRing(p.receiveRing())
	p.log.Info("closed queue pair")

	// Wake any reader still parked; it will observe the closed state.
	p.rx.Broadcast()
	return nil
}

// Write queues data on the send ring and rings the data doorbell. It never
// blocks: a full send ring returns ErrSendFull and the caller decides when
// to retry.
func (p *Pair) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return ErrNotOpen
	}
	if p.eng.IsFull(p.sendRing()) {
		return ErrSendFull
	}
	p.eng.WriteSend(p.sendRing(), data)
	p.eng.Doorbell(regs.DoorbellTD)
	return nil
}

// Read blocks until the device delivers inbound data or ctx is cancelled,
// then copies up to len(buf) bytes out of the slot at the receive cursor.
// A delivery longer than buf is truncated and the excess discarded; the
// slot is immediately re-posted to the device either way.
func (p *Pair) Read(ctx context.Context, buf []byte) (int, error) {
	rid := p.receiveRing()

	for {
		err := p.rx.Wait(ctx, func() bool {
			return !p.IsOpen() || p.eng.ReceiveReady(rid)
		})
		if err != nil {
			return 0, err
		}

		p.mu.Lock()
		if !p.open {
			p.mu.Unlock()
			return 0, ErrNotOpen
		}
		if p.eng.ReceiveReady(rid) {
			break
		}
		// Another reader consumed the delivery between the wakeup and the
		// lock; park again.
		p.mu.Unlock()
	}
	defer p.mu.Unlock()

	r := p.eng.Ring(rid)
	idx := int(r.LastHandled())
	nread := int(r.TD(idx).Len)
	if nread > len(buf) {
		nread = len(buf)
	}
	copy(buf, r.Page(idx).Bytes[:nread])

	p.eng.PostReceiveSlot(rid)
	p.eng.Doorbell(regs.DoorbellTD)
	r.AdvanceLastHandled()

	p.log.Debug("read delivery", "slot", idx, "bytes", nread)
	return nread, nil
}
