package cipc

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/slackhq/cipc/dma"
	"github.com/slackhq/cipc/wire"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var hostLittleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// StateBlock is the shared block of 16 bit head and tail counters for every
// ring. Each counter has exactly one writer: the host owns transfer heads
// and completion tails, the device owns transfer tails and completion heads.
//
// Counters are little-endian 16 bit values packed two to a 32 bit word. Go
// has no 16 bit atomics, so every access loads or compare-and-swaps the
// containing aligned word and leaves the neighbouring counter untouched.
// Loads have acquire semantics and stores have release semantics.
type StateBlock struct {
	region *dma.Region
}

func newStateBlock(r *dma.Region) (*StateBlock, error) {
	if r.Len() < wire.RingStateLen {
		return nil, fmt.Errorf("%w: ring state needs %d bytes, have %d", ErrInvalidConfig, wire.RingStateLen, r.Len())
	}
	if uintptr(unsafe.Pointer(&r.Mem[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: ring state is not 4 byte aligned", ErrInvalidConfig)
	}
	r.Zero()
	return &StateBlock{region: r}, nil
}

// Addr returns the bus address of the block.
func (s *StateBlock) Addr() uint64 {
	return s.region.Addr
}

func (s *StateBlock) word(off int) (*atomicbitops.Uint32, uint) {
	w := (*atomicbitops.Uint32)(unsafe.Pointer(&s.region.Mem[off&^3]))
	if hostLittleEndian {
		return w, uint(8 * (off & 3))
	}
	return w, uint(16 - 8*(off&3))
}

func (s *StateBlock) load(off int) uint16 {
	w, shift := s.word(off)
	v := uint16(w.Load() >> shift)
	if !hostLittleEndian {
		v = bits.ReverseBytes16(v)
	}
	return v
}

func (s *StateBlock) store(off int, v uint16) {
	if !hostLittleEndian {
		v = bits.ReverseBytes16(v)
	}
	w, shift := s.word(off)
	for {
		old := w.Load()
		nv := old&^(0xffff<<shift) | uint32(v)<<shift
		if w.CompareAndSwap(old, nv) {
			return
		}
	}
}

func transferHeadOffset(id TransferRingID) int {
	return wire.TransferHeadsOffset + 2*int(id)
}

func transferTailOffset(id TransferRingID) int {
	return wire.TransferTailsOffset + 2*int(id)
}

func completionHeadOffset(id CompletionRingID) int {
	return wire.CompletionHeadsOffset + 2*int(id)
}

func completionTailOffset(id CompletionRingID) int {
	return wire.CompletionTailsOffset + 2*int(id)
}

// TransferHead returns the host-owned head of a transfer ring.
func (s *StateBlock) TransferHead(id TransferRingID) uint16 {
	return s.load(transferHeadOffset(id))
}

// PublishTransferHead makes everything written to the ring before the call
// visible to the device together with the new head.
func (s *StateBlock) PublishTransferHead(id TransferRingID, v uint16) {
	s.store(transferHeadOffset(id), v)
}

// TransferTail returns the device-owned tail of a transfer ring.
func (s *StateBlock) TransferTail(id TransferRingID) uint16 {
	return s.load(transferTailOffset(id))
}

// CompletionHead returns the device-owned head of a completion ring. Entries
// before the returned head are safe to read after the call.
func (s *StateBlock) CompletionHead(id CompletionRingID) uint16 {
	return s.load(completionHeadOffset(id))
}

// CompletionTail returns the host-owned tail of a completion ring.
func (s *StateBlock) CompletionTail(id CompletionRingID) uint16 {
	return s.load(completionTailOffset(id))
}

// PublishCompletionTail hands consumed completion entries back to the device.
func (s *StateBlock) PublishCompletionTail(id CompletionRingID, v uint16) {
	s.store(completionTailOffset(id), v)
}

// resetTransfer zeroes both counters of a transfer ring. Only valid while the
// device is not using the ring.
func (s *StateBlock) resetTransfer(id TransferRingID) {
	s.store(transferHeadOffset(id), 0)
	s.store(transferTailOffset(id), 0)
}

// resetCompletion zeroes both counters of a completion ring. Only valid while
// the device is not using the ring.
func (s *StateBlock) resetCompletion(id CompletionRingID) {
	s.store(completionHeadOffset(id), 0)
	s.store(completionTailOffset(id), 0)
}

// setTransferTail and setCompletionHead are the device side of the block.
func (s *StateBlock) setTransferTail(id TransferRingID, v uint16) {
	s.store(transferTailOffset(id), v)
}

func (s *StateBlock) setCompletionHead(id CompletionRingID, v uint16) {
	s.store(completionHeadOffset(id), v)
}
