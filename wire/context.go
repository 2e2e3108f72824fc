package wire

// ContextLen is the size of the Converged IPC context block.
const ContextLen = 0x68

const (
	ContextVersion     = 1
	ContextEnabledCaps = 2
)

// Context describes every ring to the firmware. The device learns its bus
// address through the context address registers during bring-up.
//
//	0  version (uint16)            2  size (uint16)
//	4  enabled caps (uint32)
//	8  peripheral info address (uint64)
//	16 completion ring heads address (uint64)
//	24 transfer ring tails address (uint64)
//	32 completion ring tails address (uint64)
//	40 transfer ring heads address (uint64)
//	48 completion ring count (uint16)  50 transfer ring count (uint16)
//	52 control completion ring address (uint64)
//	60 control transfer ring address (uint64)
//	68 control transfer entries (uint16)   70 control completion entries (uint16)
//	72 control transfer doorbell (uint16)  74 control completion doorbell (uint16)
//	76 control transfer msi (uint16)       78 control completion msi (uint16)
//	80 control transfer header/footer size (uint8 each)
//	82 control completion header/footer size (uint8 each)
//	84 reserved (2x uint16)
//	88 scratch pad address (uint64)        96 scratch pad size (uint32)
//	100 reserved (uint32)
type Context struct {
	PeripheralInfoAddr uint64

	CompletionHeadsAddr uint64
	TransferTailsAddr   uint64
	CompletionTailsAddr uint64
	TransferHeadsAddr   uint64
	CompletionRings     uint16
	TransferRings       uint16

	ControlCompletionAddr     uint64
	ControlTransferAddr       uint64
	ControlTransferEntries    uint16
	ControlCompletionEntries  uint16
	ControlTransferDoorbell   uint16
	ControlCompletionDoorbell uint16
	ControlTransferMSI        uint16
	ControlCompletionMSI      uint16
	ControlTransferHeader     uint8
	ControlTransferFooter     uint8
	ControlCompletionHeader   uint8
	ControlCompletionFooter   uint8

	ScratchPadAddr uint64
	ScratchPadSize uint32
}

// Encode writes the context into b, which must be at least ContextLen long.
func (c *Context) Encode(b []byte) []byte {
	b = b[:ContextLen]
	clear(b)
	le.PutUint16(b[0:2], ContextVersion)
	le.PutUint16(b[2:4], ContextLen)
	le.PutUint32(b[4:8], ContextEnabledCaps)
	le.PutUint64(b[8:16], c.PeripheralInfoAddr)
	le.PutUint64(b[16:24], c.CompletionHeadsAddr)
	le.PutUint64(b[24:32], c.TransferTailsAddr)
	le.PutUint64(b[32:40], c.CompletionTailsAddr)
	le.PutUint64(b[40:48], c.TransferHeadsAddr)
	le.PutUint16(b[48:50], c.CompletionRings)
	le.PutUint16(b[50:52], c.TransferRings)
	le.PutUint64(b[52:60], c.ControlCompletionAddr)
	le.PutUint64(b[60:68], c.ControlTransferAddr)
	le.PutUint16(b[68:70], c.ControlTransferEntries)
	le.PutUint16(b[70:72], c.ControlCompletionEntries)
	le.PutUint16(b[72:74], c.ControlTransferDoorbell)
	le.PutUint16(b[74:76], c.ControlCompletionDoorbell)
	le.PutUint16(b[76:78], c.ControlTransferMSI)
	le.PutUint16(b[78:80], c.ControlCompletionMSI)
	b[80] = c.ControlTransferHeader
	b[81] = c.ControlTransferFooter
	b[82] = c.ControlCompletionHeader
	b[83] = c.ControlCompletionFooter
	le.PutUint64(b[88:96], c.ScratchPadAddr)
	le.PutUint32(b[96:100], c.ScratchPadSize)
	return b
}

// Parse decodes a context block, the reverse of Encode. Version and size
// are not validated.
func (c *Context) Parse(b []byte) error {
	if len(b) < ContextLen {
		return ErrTooShort
	}
	c.PeripheralInfoAddr = le.Uint64(b[8:16])
	c.CompletionHeadsAddr = le.Uint64(b[16:24])
	c.TransferTailsAddr = le.Uint64(b[24:32])
	c.CompletionTailsAddr = le.Uint64(b[32:40])
	c.TransferHeadsAddr = le.Uint64(b[40:48])
	c.CompletionRings = le.Uint16(b[48:50])
	c.TransferRings = le.Uint16(b[50:52])
	c.ControlCompletionAddr = le.Uint64(b[52:60])
	c.ControlTransferAddr = le.Uint64(b[60:68])
	c.ControlTransferEntries = le.Uint16(b[68:70])
	c.ControlCompletionEntries = le.Uint16(b[70:72])
	c.ControlTransferDoorbell = le.Uint16(b[72:74])
	c.ControlCompletionDoorbell = le.Uint16(b[74:76])
	c.ControlTransferMSI = le.Uint16(b[76:78])
	c.ControlCompletionMSI = le.Uint16(b[78:80])
	c.ControlTransferHeader = b[80]
	c.ControlTransferFooter = b[81]
	c.ControlCompletionHeader = b[82]
	c.ControlCompletionFooter = b[83]
	c.ScratchPadAddr = le.Uint64(b[88:96])
	c.ScratchPadSize = le.Uint32(b[96:100])
	return nil
}

// Ring state block, shared head and tail counters for every ring:
//
//	0  completion ring heads [6]uint16   (device writes)
//	12 completion ring tails [6]uint16   (host writes)
//	24 transfer ring heads   [9]uint16   (host writes)
//	42 transfer ring tails   [9]uint16   (device writes)
const (
	NumCompletionRings = 6
	NumTransferRings   = 9

	CompletionHeadsOffset = 0
	CompletionTailsOffset = CompletionHeadsOffset + 2*NumCompletionRings
	TransferHeadsOffset   = CompletionTailsOffset + 2*NumCompletionRings
	TransferTailsOffset   = TransferHeadsOffset + 2*NumTransferRings
	RingStateLen          = TransferTailsOffset + 2*NumTransferRings
)

// PeripheralInfoLen is the size of the buffer the firmware fills with
// peripheral information. The contents are not interpreted.
const PeripheralInfoLen = 0x20
