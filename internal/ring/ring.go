// Package ring implements the two-party shared-memory ring protocol spoken
// with the XMM7360 firmware: the command ring used to configure the device
// and the 16 transfer-descriptor rings carrying bulk data. The engine owns
// the host side of every ring; the firmware is an autonomous agent that
// consumes entries and advances read pointers on its own schedule.
//
// The single load-bearing ordering rule is publish-after-populate: a slot's
// contents are fully stored before the write-pointer store that exposes the
// slot to the device. Both pointer words live in the control page and are
// accessed atomically.
package ring

import (
	"errors"
	"sync"

	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/logging"
	"github.com/behrlich/go-xmm/internal/notify"
	"github.com/behrlich/go-xmm/internal/proto"
	"github.com/behrlich/go-xmm/internal/regs"
	"github.com/behrlich/go-xmm/internal/shm"
)

// ErrFull is returned by Submit when the command ring has no free slot.
// Transient; the caller decides whether to retry.
var ErrFull = errors.New("command ring full")

// ErrRingNotOpen is returned when an operation names a TD ring that was
// never created. A driver logic error, reported rather than ignored.
var ErrRingNotOpen = errors.New("ring not open")

// ErrWrongDirection is returned when a receive-only operation is applied to
// a send ring.
var ErrWrongDirection = errors.New("wrong ring direction")

// Observer receives protocol events for metrics collection. All methods may
// be called concurrently and must not block.
type Observer interface {
	CommandSubmitted(op uint8)
	CommandRejected()
	DoorbellRung(channel uint32)
	RingCreated(id int)
	RingDestroyed(id int)
	ReceiveSlotPosted(id int)
}

// NoOpObserver discards all events.
type NoOpObserver struct{}

func (NoOpObserver) CommandSubmitted(uint8) {}
func (NoOpObserver) CommandRejected()       {}
func (NoOpObserver) DoorbellRung(uint32)    {}
func (NoOpObserver) RingCreated(int)        {}
func (NoOpObserver) RingDestroyed(int)      {}
func (NoOpObserver) ReceiveSlotPosted(int)  {}

// Engine drives the command ring and the TD ring table against one device.
type Engine struct {
	bar0  regs.Window
	cp    *proto.ControlPage
	alloc shm.Allocator
	log   *logging.Logger
	obs   Observer

	// cmdDone is broadcast on every device-progress interrupt; WaitDrain
	// re-checks the pointer predicate after each wakeup.
	cmdDone *notify.Beacon

	mu    sync.Mutex // guards the ring table on create/destroy
	rings [constants.NumTDRings]*TDRing
}

// Config carries the engine's collaborators.
type Config struct {
	Bar0     regs.Window
	Page     *proto.ControlPage
	Alloc    shm.Allocator
	Logger   *logging.Logger
	Observer Observer
}

// NewEngine wires an engine to an already-handshaken control page.
func NewEngine(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NoOpObserver{}
	}
	return &Engine{
		bar0:    cfg.Bar0,
		cp:      cfg.Page,
		alloc:   cfg.Alloc,
		log:     log,
		obs:     obs,
		cmdDone: notify.NewBeacon(),
	}
}

// Page returns the control page the engine operates on.
func (e *Engine) Page() *proto.ControlPage { return e.cp }

// Doorbell notifies the device that ring state changed on the given channel
// (regs.DoorbellTD or regs.DoorbellCmd). An asleep device ignores the
// doorbell line, so it is first woken through the wake register.
func (e *Engine) Doorbell(channel uint32) {
	if e.cp.Asleep() {
		e.bar0.Write32(regs.Bar0Wakeup, 1)
	}
	e.bar0.Write32(regs.Bar0Doorbell, channel)
	e.obs.DoorbellRung(channel)
}

// NotifyProgress is called from the interrupt path when the device reports
// generic progress. It wakes every command-drain waiter; queue-pair waiters
// are woken separately by the device layer.
func (e *Engine) NotifyProgress() {
	e.cmdDone.Broadcast()
}

// Dump logs the device-visible protocol state at debug level.
func (e *Engine) Dump() {
	e.log.Debug("protocol state",
		"status", e.cp.StatusCode(),
		"asleep", e.cp.Asleep(),
		"cmd_rptr", e.cp.CommandReadPtr(),
		"cmd_wptr", e.cp.CommandWritePtr(),
		"r2", []uint32{e.cp.RingReadPtr(2), e.cp.RingWritePtr(2)},
		"r3", []uint32{e.cp.RingReadPtr(3), e.cp.RingWritePtr(3)})
}
