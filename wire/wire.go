// Package wire encodes and decodes the fixed-layout records shared with the
// Converged IPC firmware. Every multi-byte field is little-endian and every
// record is read and written through explicit offsets; nothing here relies on
// Go memory layout.
package wire

import (
	"encoding/binary"
	"errors"
)

var le = binary.LittleEndian

var (
	ErrTooShort       = errors.New("record is too short")
	ErrUnknownType    = errors.New("unknown control message type")
	ErrRingIDMismatch = errors.New("repeated ring id does not match")
)

// MsgID packs a ring generation and a slot index into the 16 bit message id
// carried by transfer and completion descriptors.
type MsgID uint16

func NewMsgID(generation uint8, slot uint8) MsgID {
	return MsgID(uint16(generation)<<8 | uint16(slot))
}

func (m MsgID) Generation() uint8 {
	return uint8(m >> 8)
}

func (m MsgID) Slot() uint8 {
	return uint8(m)
}

// AlignUp rounds n up to the next multiple of 4, the unit the firmware uses
// for header and footer sizes.
func AlignUp(n int) int {
	return (n + 3) &^ 3
}
