package wire

// Transfer ring entry:
// 0                                                                       31
// |-----------------------------------------------------------------------|
// |  Flags (uint8)  |          Length (uint16)          | Reserved (uint8) | 32
// |-----------------------------------------------------------------------|
// |                      Payload bus address (uint64)                     | 64
// |                                                                       | 96
// |-----------------------------------------------------------------------|
// |     Message id (uint16)           |         Reserved (uint16)         | 128
// |-----------------------------------------------------------------------|
// |                     in-line payload (footer)...                       |

const TransferEntryLen = 16

type TransferFlag uint8

const (
	// TransferFlagPayloadMapped means the payload lives out-of-line at
	// PayloadAddr.
	TransferFlagPayloadMapped TransferFlag = 1 << 0
	// TransferFlagPayloadInFooter means the payload follows the entry.
	TransferFlagPayloadInFooter TransferFlag = 1 << 1
)

// TransferEntry is a decoded transfer ring descriptor.
type TransferEntry struct {
	Flags       TransferFlag
	Len         uint16
	PayloadAddr uint64
	ID          MsgID
}

// Encode writes the entry into b, zeroing the reserved bytes. b must be at
// least TransferEntryLen long.
func (e *TransferEntry) Encode(b []byte) {
	b = b[:TransferEntryLen]
	b[0] = byte(e.Flags)
	le.PutUint16(b[1:3], e.Len)
	b[3] = 0
	le.PutUint64(b[4:12], e.PayloadAddr)
	le.PutUint16(b[12:14], uint16(e.ID))
	b[14] = 0
	b[15] = 0
}

// Parse reads an entry from b.
func (e *TransferEntry) Parse(b []byte) error {
	if len(b) < TransferEntryLen {
		return ErrTooShort
	}
	e.Flags = TransferFlag(b[0])
	e.Len = le.Uint16(b[1:3])
	e.PayloadAddr = le.Uint64(b[4:12])
	e.ID = MsgID(le.Uint16(b[12:14]))
	return nil
}
