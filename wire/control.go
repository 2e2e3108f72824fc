package wire

import "fmt"

// ControlMsgLen is the size of every control message. Messages travel in the
// in-line footer of the control transfer ring.
const ControlMsgLen = 0x34

type ControlType uint8

const (
	ControlCreateTransferRing    ControlType = 1
	ControlCreateCompletionRing  ControlType = 2
	ControlDestroyTransferRing   ControlType = 3
	ControlDestroyCompletionRing ControlType = 4
)

var controlTypeMap = map[ControlType]string{
	ControlCreateTransferRing:    "createTransferRing",
	ControlCreateCompletionRing:  "createCompletionRing",
	ControlDestroyTransferRing:   "destroyTransferRing",
	ControlDestroyCompletionRing: "destroyCompletionRing",
}

func (t ControlType) String() string {
	if n, ok := controlTypeMap[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// TransferRingFlag is the flags field of a create transfer ring message.
type TransferRingFlag uint16

const (
	TransferRingVirtual TransferRingFlag = 1 << 7
	TransferRingSync    TransferRingFlag = 1 << 8
)

// CreateTransferRing layout:
//
//	0  type (uint8)        1  header size (uint8)   2  footer size (uint8)
//	4  ring id (uint16)    6  ring id again (uint16)
//	8  ring address (uint64)
//	24 entries (uint16)    26 completion ring (uint16)
//	28 doorbell (uint16)   30 flags (uint16)
//
// Header and footer sizes are in 4 byte units. Unlisted bytes are zero.
type CreateTransferRing struct {
	RingID         uint16
	RingAddr       uint64
	Entries        uint16
	CompletionRing uint16
	Doorbell       uint16
	Flags          TransferRingFlag
	HeaderSize     uint8
	FooterSize     uint8
}

// Encode uses the provided byte array to encode the message into.
// Byte array must be capped at least ControlMsgLen or this will panic.
func (m *CreateTransferRing) Encode(b []byte) []byte {
	b = b[:ControlMsgLen]
	clear(b)
	b[0] = byte(ControlCreateTransferRing)
	b[1] = m.HeaderSize
	b[2] = m.FooterSize
	le.PutUint16(b[4:6], m.RingID)
	le.PutUint16(b[6:8], m.RingID)
	le.PutUint64(b[8:16], m.RingAddr)
	le.PutUint16(b[24:26], m.Entries)
	le.PutUint16(b[26:28], m.CompletionRing)
	le.PutUint16(b[28:30], m.Doorbell)
	le.PutUint16(b[30:32], uint16(m.Flags))
	return b
}

func (m *CreateTransferRing) parse(b []byte) error {
	m.HeaderSize = b[1]
	m.FooterSize = b[2]
	m.RingID = le.Uint16(b[4:6])
	if le.Uint16(b[6:8]) != m.RingID {
		return ErrRingIDMismatch
	}
	m.RingAddr = le.Uint64(b[8:16])
	m.Entries = le.Uint16(b[24:26])
	m.CompletionRing = le.Uint16(b[26:28])
	m.Doorbell = le.Uint16(b[28:30])
	m.Flags = TransferRingFlag(le.Uint16(b[30:32]))
	return nil
}

// CreateCompletionRing layout:
//
//	0  type (uint8)        1  header size (uint8)   2  footer size (uint8)
//	4  ring id (uint16)    6  ring id again (uint16)
//	8  ring address (uint64)
//	16 entries (uint16)    18 0xffffffff (uint32)
//	28 msi (uint16)        30 interrupt moderation delay (uint16)
//	32 interrupt moderation bytes (uint32)
//	36 accumulation delay (uint16)  38 accumulation bytes (uint32)
type CreateCompletionRing struct {
	RingID      uint16
	RingAddr    uint64
	Entries     uint16
	MSI         uint16
	IntmodDelay uint16
	IntmodBytes uint32
	AccumDelay  uint16
	AccumBytes  uint32
	HeaderSize  uint8
	FooterSize  uint8
}

func (m *CreateCompletionRing) Encode(b []byte) []byte {
	b = b[:ControlMsgLen]
	clear(b)
	b[0] = byte(ControlCreateCompletionRing)
	b[1] = m.HeaderSize
	b[2] = m.FooterSize
	le.PutUint16(b[4:6], m.RingID)
	le.PutUint16(b[6:8], m.RingID)
	le.PutUint64(b[8:16], m.RingAddr)
	le.PutUint16(b[16:18], m.Entries)
	le.PutUint32(b[18:22], 0xffffffff)
	le.PutUint16(b[28:30], m.MSI)
	le.PutUint16(b[30:32], m.IntmodDelay)
	le.PutUint32(b[32:36], m.IntmodBytes)
	le.PutUint16(b[36:38], m.AccumDelay)
	le.PutUint32(b[38:42], m.AccumBytes)
	return b
}

func (m *CreateCompletionRing) parse(b []byte) error {
	m.HeaderSize = b[1]
	m.FooterSize = b[2]
	m.RingID = le.Uint16(b[4:6])
	if le.Uint16(b[6:8]) != m.RingID {
		return ErrRingIDMismatch
	}
	m.RingAddr = le.Uint64(b[8:16])
	m.Entries = le.Uint16(b[16:18])
	m.MSI = le.Uint16(b[28:30])
	m.IntmodDelay = le.Uint16(b[30:32])
	m.IntmodBytes = le.Uint32(b[32:36])
	m.AccumDelay = le.Uint16(b[36:38])
	m.AccumBytes = le.Uint32(b[38:42])
	return nil
}

// DestroyRing is both destroy messages; Type selects which ring family.
//
//	0 type (uint8)   2 ring id (uint16)
type DestroyRing struct {
	Type   ControlType
	RingID uint16
}

func (m *DestroyRing) Encode(b []byte) []byte {
	b = b[:ControlMsgLen]
	clear(b)
	b[0] = byte(m.Type)
	le.PutUint16(b[2:4], m.RingID)
	return b
}

// ParseControl decodes a control message. The result is one of
// *CreateTransferRing, *CreateCompletionRing or *DestroyRing.
func ParseControl(b []byte) (any, error) {
	if len(b) < ControlMsgLen {
		return nil, ErrTooShort
	}

	switch t := ControlType(b[0]); t {
	case ControlCreateTransferRing:
		m := &CreateTransferRing{}
		return m, m.parse(b)
	case ControlCreateCompletionRing:
		m := &CreateCompletionRing{}
		return m, m.parse(b)
	case ControlDestroyTransferRing, ControlDestroyCompletionRing:
		return &DestroyRing{Type: t, RingID: le.Uint16(b[2:4])}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
}
