// Package pcie gives the ring engine access to the device registers behind
// the PCI base address registers.
package pcie

// Bar selects a base address register window.
type Bar int

const (
	BAR0 Bar = 0
	BAR2 Bar = 2
)

// Registers is 32 bit register access to the device. Implementations must
// not reorder accesses.
type Registers interface {
	Read32(bar Bar, off uint32) uint32
	Write32(bar Bar, off uint32, v uint32)
}

// BAR0 registers
const (
	Bar0FWDoorbell = 0x140
	Bar0RTIControl = 0x144
	Bar0Doorbell   = 0x174
)

// BAR2 registers
const (
	Bar2ContextAddrHi = 0x200450
	Bar2Bootstage     = 0x200454
	Bar2RTIStatus     = 0x20045c
	Bar2ContextAddrLo = 0x20048c
	Bar2RTIWindowLo   = 0x200494
	Bar2RTIWindowHi   = 0x200498
	Bar2RTIWindowSize = 0x20049c
)

// DMAMask is the addressable window handed to the device during bring-up.
const DMAMask uint32 = 0xfffffe00

// RTI phases written to Bar0RTIControl and reflected in Bar2RTIStatus.
const (
	RTIStart uint32 = 1
	RTIReady uint32 = 2
)
