package xmm

import (
	"github.com/behrlich/go-xmm/internal/devsim"
)

// SimModem is a software model of the modem firmware for testing code built
// on this package without hardware. It serves both register windows, acts
// as the coherent-memory allocator, executes the bring-up handshake,
// consumes commands and send-ring data, and delivers inbound payloads.
type SimModem struct {
	sim *devsim.Sim
}

// NewSimModem creates a simulated modem whose core has already booted.
func NewSimModem() *SimModem {
	return &SimModem{sim: devsim.New()}
}

// Config returns an attach configuration wired to the simulator, interrupt
// delivery included: Attach registers its dispatch before the first
// blocking wait, the way the bus collaborator registers real vectors.
func (m *SimModem) Config() Config {
	return Config{
		Bar0:  m.sim.Bar0(),
		Bar2:  m.sim.Bar2(),
		Alloc: m.sim,
		Interrupts: func(dispatch func(line int)) {
			m.sim.OnInterrupt = dispatch
		},
	}
}

// Deliver places inbound data into the next donated receive buffer of queue
// pair qp and raises the progress interrupt. Fails when the pair has no
// donated slot (receive ring empty of credit).
func (m *SimModem) Deliver(qp int, data []byte) error {
	return m.sim.Deliver(qp*2+1, data)
}

// Sent returns the payloads the firmware has drained from queue pair qp's
// send ring, in FIFO order.
func (m *SimModem) Sent(qp int) [][]byte {
	return m.sim.Sent(qp * 2)
}

// RingRegistered reports whether the firmware currently has TD ring id
// open, as observed from RingOpen/RingClose commands.
func (m *SimModem) RingRegistered(id int) bool {
	return m.sim.RingRegistered(id)
}

// SetBootStatus overrides the boot-status register before Attach, e.g. with
// BootStatusCrashDump to exercise the fail-fast path or any other value to
// exercise the boot timeout.
func (m *SimModem) SetBootStatus(v uint32) { m.sim.SetBootStatus(v) }

// SetHandshakeDeaf makes the simulator ignore enable-mode writes so the
// control-page handshake times out.
func (m *SimModem) SetHandshakeDeaf(deaf bool) { m.sim.SetDeaf(deaf) }

// SetAsleep marks the simulated device asleep; a doorbell without a prior
// wake register write is then dropped.
func (m *SimModem) SetAsleep(asleep bool) { m.sim.SetAsleep(asleep) }

// HoldCommands pauses command consumption, leaving submitted entries
// pending; ReleaseCommands resumes and processes the backlog.
func (m *SimModem) HoldCommands()    { m.sim.HoldCommands() }
func (m *SimModem) ReleaseCommands() { m.sim.ReleaseCommands() }

// HoldData pauses send-ring draining; ReleaseData resumes it.
func (m *SimModem) HoldData()    { m.sim.HoldData() }
func (m *SimModem) ReleaseData() { m.sim.ReleaseData() }

// Interrupts returns how many interrupts the simulator has raised.
func (m *SimModem) Interrupts() int { return m.sim.Interrupts() }

// OutstandingAllocs returns how many coherent blocks the host side still
// holds. Useful for asserting that failure paths release everything.
func (m *SimModem) OutstandingAllocs() int { return m.sim.OutstandingAllocs() }

// ErrNoReceiveSlot is returned by Deliver when the host has not donated a
// receive buffer on the pair.
var ErrNoReceiveSlot = devsim.ErrNoReceiveSlot

// Boot-status sentinels, re-exported for tests using SetBootStatus.
const (
	BootStatusReady     = 0x600df00d
	BootStatusCrashDump = 0xbadc0ded
)
