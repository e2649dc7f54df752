package xmm

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-xmm/internal/proto"
	"github.com/behrlich/go-xmm/internal/regs"
)

// Metrics tracks protocol and transfer statistics for one device. All
// counters are atomic; Metrics doubles as the default Observer.
type Metrics struct {
	// Command channel
	CommandsSubmitted atomic.Uint64 // entries queued on the command ring
	CommandRingFull   atomic.Uint64 // submissions rejected with ring-full
	WakeCommands      atomic.Uint64 // wake opcodes among submissions

	// Doorbells
	CmdDoorbells  atomic.Uint64
	DataDoorbells atomic.Uint64

	// TD rings
	RingsCreated       atomic.Uint64
	RingsDestroyed     atomic.Uint64
	ReceiveSlotsPosted atomic.Uint64

	// Transfers
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64

	// Queue pairs
	PairOpens  atomic.Uint64
	PairCloses atomic.Uint64

	// Interrupts
	ProgressWakeups atomic.Uint64 // line-0 interrupts dispatched
	DiagnosticIRQs  atomic.Uint64 // lines 1-3, logged only
	AttachTime      atomic.Int64  // UnixNano of successful attach
	DetachTime      atomic.Int64  // UnixNano of Close
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Observer methods, called from the ring engine.

func (m *Metrics) CommandSubmitted(op uint8) {
	m.CommandsSubmitted.Add(1)
	if op == proto.CmdWakeup {
		m.WakeCommands.Add(1)
	}
}

func (m *Metrics) CommandRejected() { m.CommandRingFull.Add(1) }

func (m *Metrics) DoorbellRung(channel uint32) {
	if channel == regs.DoorbellCmd {
		m.CmdDoorbells.Add(1)
	} else {
		m.DataDoorbells.Add(1)
	}
}

func (m *Metrics) RingCreated(id int)       { m.RingsCreated.Add(1) }
func (m *Metrics) RingDestroyed(id int)     { m.RingsDestroyed.Add(1) }
func (m *Metrics) ReceiveSlotPosted(id int) { m.ReceiveSlotsPosted.Add(1) }

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	CommandsSubmitted  uint64 `json:"commands_submitted"`
	CommandRingFull    uint64 `json:"command_ring_full"`
	WakeCommands       uint64 `json:"wake_commands"`
	CmdDoorbells       uint64 `json:"cmd_doorbells"`
	DataDoorbells      uint64 `json:"data_doorbells"`
	RingsCreated       uint64 `json:"rings_created"`
	RingsDestroyed     uint64 `json:"rings_destroyed"`
	ReceiveSlotsPosted uint64 `json:"receive_slots_posted"`
	BytesSent          uint64 `json:"bytes_sent"`
	BytesReceived      uint64 `json:"bytes_received"`
	PairOpens          uint64 `json:"pair_opens"`
	PairCloses         uint64 `json:"pair_closes"`
	ProgressWakeups    uint64 `json:"progress_wakeups"`
	DiagnosticIRQs     uint64 `json:"diagnostic_irqs"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
}

// Snapshot returns a consistent-enough copy for reporting.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		CommandsSubmitted:  m.CommandsSubmitted.Load(),
		CommandRingFull:    m.CommandRingFull.Load(),
		WakeCommands:       m.WakeCommands.Load(),
		CmdDoorbells:       m.CmdDoorbells.Load(),
		DataDoorbells:      m.DataDoorbells.Load(),
		RingsCreated:       m.RingsCreated.Load(),
		RingsDestroyed:     m.RingsDestroyed.Load(),
		ReceiveSlotsPosted: m.ReceiveSlotsPosted.Load(),
		BytesSent:          m.BytesSent.Load(),
		BytesReceived:      m.BytesReceived.Load(),
		PairOpens:          m.PairOpens.Load(),
		PairCloses:         m.PairCloses.Load(),
		ProgressWakeups:    m.ProgressWakeups.Load(),
		DiagnosticIRQs:     m.DiagnosticIRQs.Load(),
	}
	if at := m.AttachTime.Load(); at != 0 {
		end := m.DetachTime.Load()
		if end == 0 {
			end = time.Now().UnixNano()
		}
		s.UptimeSeconds = (end - at) / int64(time.Second)
	}
	return s
}
