// Package xmm implements the host side of the Intel XMM7360 modem's
// shared-memory ring protocol: the command channel used to configure the
// device, the transfer-descriptor rings carrying bulk data, and the queue
// pairs exposing those rings as paired read/write byte streams.
//
// The package owns the protocol only. Mapping the device's register windows
// and allocating coherent memory is the job of a bus collaborator (the
// pcibus package on real hardware, SimModem in tests), handed in through
// Config.
package xmm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/logging"
	"github.com/behrlich/go-xmm/internal/proto"
	"github.com/behrlich/go-xmm/internal/queue"
	"github.com/behrlich/go-xmm/internal/regs"
	"github.com/behrlich/go-xmm/internal/ring"
	"github.com/behrlich/go-xmm/internal/shm"
)

// RegisterWindow is one mapped BAR exposed as 32-bit registers, provided by
// the bus collaborator. Offsets are word indices.
type RegisterWindow interface {
	Read32(reg uint32) uint32
	Write32(reg uint32, val uint32)
}

// Block is a coherent shared-memory allocation (host bytes + bus address).
type Block = shm.Block

// Allocator hands out coherent blocks reachable by the device.
type Allocator = shm.Allocator

// NumInterruptLines is the number of interrupt vectors the device uses.
// Only line 0 carries protocol progress; the rest are diagnostic.
const NumInterruptLines = 4

// Config carries the collaborators needed to attach a device.
type Config struct {
	// Bar0 is the mode/doorbell/wakeup register window.
	Bar0 RegisterWindow

	// Bar2 is the boot-status/control-address register window.
	Bar2 RegisterWindow

	// Alloc provides coherent memory. If it implements a
	// SetDMAMask(bits uint8) error method it is told the addressing
	// width before the first allocation.
	Alloc Allocator

	// Interrupts, if set, is invoked once at the start of Attach with the
	// device's dispatch function, before any blocking wait. The bus
	// collaborator starts delivering interrupt lines into dispatch from
	// then on. Bring-up relies on line 0 to wake its drain wait, so with
	// a device that completes commands asynchronously Attach never
	// returns unless interrupts are wired here.
	Interrupts func(dispatch func(line int))
}

// Device is one attached modem. A Device is created by Attach and holds the
// control page, the ring engine and the 8 queue pairs until Close.
type Device struct {
	bar0 regs.Window
	bar2 regs.Window

	alloc   shm.Allocator
	pageBlk *shm.Block
	page    *proto.ControlPage

	// eng is published once mid-attach, after the pairs are built.
	// Interrupt dispatch may run concurrently with the handshake and
	// observes it nil until then; the atomic store is also what makes the
	// pairs table safe to read from the interrupt path.
	eng     atomic.Pointer[ring.Engine]
	pairs   [constants.NumQueuePairs]*queue.Pair
	qps     [constants.NumQueuePairs]*QueuePair
	metrics *Metrics
	log     *logging.Logger

	closed atomic.Bool
}

// Attach brings up the device: boot-status wait, DMA mask, control-page
// handshake, initial wake and firmware-configuration commands, then a drain
// wait. Any failure unwinds everything acquired so far and is fatal; the
// device stays unusable. ctx cancels the blocking waits.
func Attach(ctx context.Context, cfg Config) (*Device, error) {
	log := logging.Default()
	metrics := NewMetrics()

	d := &Device{
		bar0:    cfg.Bar0,
		bar2:    cfg.Bar2,
		alloc:   cfg.Alloc,
		metrics: metrics,
		log:     log,
	}

	// Interrupts are wired before any blocking wait: the drain wait at the
	// end of bring-up depends on line-0 wakeups from a device that
	// completes commands on its own schedule.
	if cfg.Interrupts != nil {
		cfg.Interrupts(d.Interrupt)
	}

	if err := d.waitBootReady(ctx); err != nil {
		return nil, err
	}

	if ms, ok := cfg.Alloc.(shm.MaskSetter); ok {
		if err := ms.SetDMAMask(64); err != nil {
			return nil, &Error{Op: "attach", QP: -1, Ring: -1, Code: ErrCodeBus,
				Msg: "cannot set DMA mask", Inner: err}
		}
	}

	if err := d.initCommandChannel(ctx); err != nil {
		d.teardown()
		return nil, err
	}

	metrics.AttachTime.Store(time.Now().UnixNano())
	log.Info("device attached")
	return d, nil
}

// waitBootReady polls the boot-status register until the modem core reports
// ready. The crash-dump sentinel fails fast; every other unexpected value
// runs out the retry budget and reports a timeout. That asymmetry matches
// the device contract and is deliberate.
func (d *Device) waitBootReady(ctx context.Context) error {
	var status uint32
	for i := 0; i < constants.BootPollAttempts; i++ {
		status = d.bar2.Read32(regs.Bar2BootStatus)
		if status == regs.StatusReady {
			return nil
		}
		if status == regs.StatusCrashDump {
			d.log.Error("modem is in crash dump state, aborting attach")
			return NewError("attach", ErrCodeCrashDump, "modem is in crash dump state")
		}
		select {
		case <-ctx.Done():
			return WrapError("attach", -1, ctx.Err())
		case <-time.After(constants.BootPollInterval):
		}
	}
	d.log.Error("modem never reached ready status", "status", fmt.Sprintf("%#08x", status))
	return NewError("attach", ErrCodeTimeout,
		fmt.Sprintf("modem status %#08x after boot wait", status))
}

// initCommandChannel performs the control-page handshake of the command
// channel: allocate the page, publish its internal bus addresses, hand its
// address to the device, then drive the two-stage enable (mode 1, then mode
// 2 with interrupts) with bounded polls. Afterwards the wake and firmware
// configuration commands are queued and drained.
func (d *Device) initCommandChannel(ctx context.Context) error {
	blk, err := d.alloc.Alloc(proto.ControlPageBytes)
	if err != nil {
		return &Error{Op: "attach", QP: -1, Ring: -1, Code: ErrCodeBus,
			Msg: "cannot allocate control page", Inner: err}
	}
	d.pageBlk = blk
	d.page = proto.NewControlPage(blk)
	d.page.PublishAddresses()

	d.bar2.Write32(regs.Bar2Control, uint32(blk.Bus))
	d.bar2.Write32(regs.Bar2ControlH, uint32(blk.Bus>>32))

	d.bar0.Write32(regs.Bar0Mode, regs.ModeEnabled)
	if err := d.pollMode(ctx, func(v uint32) bool { return v != 0 }); err != nil {
		return err
	}

	d.bar2.Write32(regs.Bar2Blank0, 0)
	d.bar2.Write32(regs.Bar2Blank1, 0)
	d.bar2.Write32(regs.Bar2Blank2, 0)
	d.bar2.Write32(regs.Bar2Blank3, 0)

	d.bar0.Write32(regs.Bar0Mode, regs.ModeInterrupts)
	if err := d.pollMode(ctx, func(v uint32) bool { return v == regs.ModeInterrupts }); err != nil {
		return err
	}

	eng := ring.NewEngine(ring.Config{
		Bar0:     d.bar0,
		Page:     d.page,
		Alloc:    d.alloc,
		Logger:   d.log,
		Observer: d.metrics,
	})
	for i := range d.pairs {
		d.pairs[i] = queue.NewPair(i, eng, d.log)
		d.qps[i] = &QueuePair{dev: d, p: d.pairs[i]}
	}
	// Publishes the pairs table to the interrupt path as a side effect.
	d.eng.Store(eng)

	if err := eng.Submit(proto.CmdWakeup, 0, 1, 0, 0); err != nil {
		return WrapError("attach", -1, err)
	}
	if err := eng.Submit(proto.CmdFirmwareConfig, proto.FirmwareConfigParm, 0, 0, 0); err != nil {
		return WrapError("attach", -1, err)
	}

	eng.Dump()
	eng.Doorbell(regs.DoorbellCmd)

	if err := eng.WaitDrain(ctx); err != nil {
		return WrapError("attach", -1, err)
	}
	eng.Dump()
	return nil
}

// pollMode waits for the device to acknowledge an enable-mode write in the
// BAR2 mode register, with the fixed 10ms x 100 budget.
func (d *Device) pollMode(ctx context.Context, ok func(uint32) bool) error {
	for i := 0; i < constants.HandshakePollAttempts; i++ {
		if ok(d.bar2.Read32(regs.Bar2Mode)) {
			return nil
		}
		select {
		case <-ctx.Done():
			return WrapError("attach", -1, ctx.Err())
		case <-time.After(constants.HandshakePollInterval):
		}
	}
	return NewError("attach", ErrCodeTimeout, "control page enable handshake not acknowledged")
}

// teardown unwinds attach in reverse order.
func (d *Device) teardown() {
	if d.bar0 != nil {
		d.bar0.Write32(regs.Bar0Mode, regs.ModeOff)
	}
	if d.pageBlk != nil {
		d.alloc.Free(d.pageBlk)
		d.pageBlk = nil
		d.page = nil
	}
}

// Close shuts the device down: open queue pairs are closed, the device is
// disabled, and the control page is released. The Device must not be used
// afterwards.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return NewError("close", ErrCodeDeviceOffline, "device already closed")
	}

	for _, p := range d.pairs {
		if p != nil && p.IsOpen() {
			p.Close()
		}
	}
	d.teardown()
	d.metrics.DetachTime.Store(time.Now().UnixNano())
	d.log.Info("device detached")
	return nil
}

// Interrupt dispatches one interrupt line. Line 0 means "device made
// progress" generically: the command-drain waiters and every open queue
// pair's receive waiters are woken unconditionally and re-check their own
// predicates. Lines 1-3 are diagnostic only.
func (d *Device) Interrupt(line int) {
	if line != 0 {
		d.metrics.DiagnosticIRQs.Add(1)
		d.log.Debug("diagnostic interrupt", "line", line)
		return
	}

	d.metrics.ProgressWakeups.Add(1)
	eng := d.eng.Load()
	if eng == nil {
		// Handshake still running; nothing waits on the beacons yet.
		return
	}
	eng.Dump()
	eng.NotifyProgress()
	for _, p := range d.pairs {
		if p.IsOpen() {
			p.NotifyReceive()
		}
	}
}

// QueuePair returns the stream handle for pair n (0..7). Pairs exist for
// the device's lifetime; their open state toggles per session.
func (d *Device) QueuePair(n int) (*QueuePair, error) {
	if n < 0 || n >= constants.NumQueuePairs {
		return nil, NewError("queue_pair", ErrCodeProtocol,
			fmt.Sprintf("queue pair %d out of range", n))
	}
	return d.qps[n], nil
}

// Metrics returns the device's counters.
func (d *Device) Metrics() *Metrics { return d.metrics }

// WaitCommandsDrained blocks until the device has consumed all submitted
// commands, or ctx is cancelled.
func (d *Device) WaitCommandsDrained(ctx context.Context) error {
	if err := d.eng.Load().WaitDrain(ctx); err != nil {
		return WrapError("wait_drain", -1, err)
	}
	return nil
}

// ConfigureLogging replaces the package-wide logger. level is one of
// "debug", "info", "warn", "error"; format is "text" or "json".
func ConfigureLogging(level, format string) {
	cfg := logging.DefaultConfig()
	switch level {
	case "debug":
		cfg.Level = logging.LevelDebug
	case "warn":
		cfg.Level = logging.LevelWarn
	case "error":
		cfg.Level = logging.LevelError
	default:
		cfg.Level = logging.LevelInfo
	}
	cfg.Format = format
	logging.SetDefault(logging.NewLogger(cfg))
}
