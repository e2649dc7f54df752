// Package regs defines the XMM7360 register-window contract shared with the
// bus-mapping collaborator. Offsets are 32-bit word indices into the mapped
// BAR, matching how the device documents them; they are part of the device
// contract and must stay bit-exact.
package regs

// Window is one mapped BAR exposed as an array of 32-bit registers.
// Implementations must perform the access exactly once per call; the device
// side observes every write.
type Window interface {
	// Read32 reads the register at the given word index.
	Read32(reg uint32) uint32

	// Write32 writes the register at the given word index.
	Write32(reg uint32, val uint32)
}

// BAR0 registers: mode control, doorbell, wakeup.
const (
	Bar0Doorbell = 0x04
	Bar0Mode     = 0x0c
	Bar0Wakeup   = 0x14
)

// BAR2 registers: boot status, handshake mode, control-page address.
const (
	Bar2BootStatus = 0x00
	Bar2Mode       = 0x18
	Bar2Control    = 0x19
	Bar2ControlH   = 0x1a

	Bar2Blank0 = 0x1b
	Bar2Blank1 = 0x1c
	Bar2Blank2 = 0x1d
	Bar2Blank3 = 0x1e
)

// Doorbell channel ids written to Bar0Doorbell.
const (
	DoorbellTD  = 0
	DoorbellCmd = 1
)

// Boot-status sentinels. StatusReady means the modem core finished booting;
// StatusCrashDump means it is holding a crash dump and will not come up.
// Any other value means it is still booting.
const (
	StatusReady     = 0x600df00d
	StatusCrashDump = 0xbadc0ded
)

// Control-page enable handshake modes written to Bar0Mode. ModeEnabled is
// acknowledged in Bar2Mode with any nonzero value; ModeInterrupts is
// acknowledged by echoing the value itself.
const (
	ModeOff        = 0
	ModeEnabled    = 1
	ModeInterrupts = 2
)
