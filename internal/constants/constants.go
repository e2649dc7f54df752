package constants

import "time"

// Fixed topology of the XMM7360 transport: 8 queue pairs, each owning a
// send ring (2n) and a receive ring (2n+1).
const (
	// NumQueuePairs is the number of queue pairs exposed by the modem
	NumQueuePairs = 8

	// NumTDRings is the number of transfer-descriptor rings (send+receive per pair)
	NumTDRings = 2 * NumQueuePairs

	// CommandRingSize is the fixed capacity of the command ring
	CommandRingSize = 0x80

	// QueuePairRingSize is the TD ring capacity used for queue pairs
	QueuePairRingSize = 8

	// PageSize is the fixed buffer size bound to each TD slot
	PageSize = 0x1000
)

// Timing constants for device bring-up. Both polls are bounded; exhausting
// the budget is an observable timeout, not a retry.
const (
	// BootPollAttempts is the number of boot-status polls (~20s total)
	BootPollAttempts = 100

	// BootPollInterval is the delay between boot-status polls
	BootPollInterval = 200 * time.Millisecond

	// HandshakePollAttempts is the number of mode-acknowledgment polls (~1s total)
	HandshakePollAttempts = 100

	// HandshakePollInterval is the delay between mode-acknowledgment polls
	HandshakePollInterval = 10 * time.Millisecond
)
