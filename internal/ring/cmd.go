package ring

import (
	"context"

	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/proto"
)

// Submit queues one command-ring entry. If advancing the write pointer would
// land it on the read pointer the ring is full and ErrFull is returned
// without touching any slot; unread entries are never overwritten.
//
// The entry's fields (including the Ready flag) are stored before the write
// pointer is published, so the device can never observe a half-written slot.
func (e *Engine) Submit(op, parm uint8, length uint16, ptr uint64, extra uint32) error {
	wptr := e.cp.CommandWritePtr()
	next := (wptr + 1) % constants.CommandRingSize
	if next == e.cp.CommandReadPtr() {
		e.obs.CommandRejected()
		return ErrFull
	}

	e.log.WithCommand(op, parm).Debug("submitting command",
		"len", length, "ptr", ptr, "extra", extra, "slot", wptr)

	e.cp.SetCommandEntry(int(wptr), proto.CommandEntry{
		Ptr:   ptr,
		Len:   length,
		Parm:  parm,
		Op:    op,
		Extra: extra,
	})
	e.cp.SetCommandWritePtr(next)
	e.obs.CommandSubmitted(op)
	return nil
}

// WaitDrain blocks until the device has consumed every submitted command
// (read pointer caught up with write pointer) or ctx is cancelled. Wakeups
// come from NotifyProgress; the predicate is re-checked on each one.
func (e *Engine) WaitDrain(ctx context.Context) error {
	return e.cmdDone.Wait(ctx, func() bool {
		return e.cp.CommandReadPtr() == e.cp.CommandWritePtr()
	})
}
