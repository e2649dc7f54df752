package xmm

import (
	"github.com/behrlich/go-xmm/internal/constants"
	"github.com/behrlich/go-xmm/internal/proto"
)

// Re-export constants for public API
const (
	NumQueuePairs     = constants.NumQueuePairs
	NumTDRings        = constants.NumTDRings
	CommandRingSize   = constants.CommandRingSize
	QueuePairRingSize = constants.QueuePairRingSize
	PageSize          = constants.PageSize
)

// Command opcodes, part of the device contract. RingOpen and RingClose
// manage TD rings; Wakeup nudges an asleep device; the firmware
// configuration opcode is opaque and never interpreted.
const (
	CmdRingOpen       = proto.CmdRingOpen
	CmdRingClose      = proto.CmdRingClose
	CmdWakeup         = proto.CmdWakeup
	CmdFirmwareConfig = proto.CmdFirmwareConfig
)
