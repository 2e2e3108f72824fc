package wire

// Completion ring entry:
// 0                                                                       31
// |-----------------------------------------------------------------------|
// |  Flags (uint8)  | Reserved (uint8) |   Transfer ring id (uint16)       | 32
// |-----------------------------------------------------------------------|
// |     Message id (uint16)           |          Length (uint32)...       | 64
// |-----------------------------------------------------------------------|
// |      ...Length                    |          Reserved (6 bytes)...    | 96
// |-----------------------------------------------------------------------|
// |                          ...Reserved                                  | 128
// |-----------------------------------------------------------------------|
// |                     in-line payload (footer)...                       |

const CompletionEntryLen = 16

// CompletionEntry is a decoded completion ring descriptor. Flags carries the
// same bits as TransferFlag.
type CompletionEntry struct {
	Flags  TransferFlag
	RingID uint16
	MsgID  MsgID
	Len    uint32
}

func (e *CompletionEntry) Encode(b []byte) {
	b = b[:CompletionEntryLen]
	clear(b)
	b[0] = byte(e.Flags)
	le.PutUint16(b[2:4], e.RingID)
	le.PutUint16(b[4:6], uint16(e.MsgID))
	le.PutUint32(b[6:10], e.Len)
}

func (e *CompletionEntry) Parse(b []byte) error {
	if len(b) < CompletionEntryLen {
		return ErrTooShort
	}
	e.Flags = TransferFlag(b[0])
	e.RingID = le.Uint16(b[2:4])
	e.MsgID = MsgID(le.Uint16(b[4:6]))
	e.Len = le.Uint32(b[6:10])
	return nil
}
