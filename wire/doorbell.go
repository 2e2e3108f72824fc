package wire

// Doorbell register value:
//
//	31..16 new head or tail value
//	15..8  doorbell index
//	5      ring strobe
const doorbellRing = 1 << 5

// Doorbell encodes the value written to the doorbell register to tell the
// device that the ring behind doorbell db advanced to value.
func Doorbell(db uint8, value uint16) uint32 {
	return uint32(value)<<16 | uint32(db)<<8 | doorbellRing
}

// ParseDoorbell is the reverse of Doorbell. ok is false when the ring strobe
// is not set.
func ParseDoorbell(v uint32) (db uint8, value uint16, ok bool) {
	return uint8(v >> 8), uint16(v >> 16), v&doorbellRing != 0
}
