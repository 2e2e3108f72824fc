package cipc

import (
	"fmt"

	"github.com/slackhq/cipc/config"
	"github.com/slackhq/cipc/wire"
)

// TransferRingID routes a transfer ring in descriptors and in the ring state
// block.
type TransferRingID uint8

const (
	RingControl TransferRingID = 0
	RingHCIH2D  TransferRingID = 1
	RingHCID2H  TransferRingID = 2
	RingSCOH2D  TransferRingID = 3
	RingSCOD2H  TransferRingID = 4
	RingACLH2D  TransferRingID = 5
	RingACLD2H  TransferRingID = 6

	numTransferRings = 7
)

var transferRingNames = map[TransferRingID]string{
	RingControl: "control",
	RingHCIH2D:  "hci_h2d",
	RingHCID2H:  "hci_d2h",
	RingSCOH2D:  "sco_h2d",
	RingSCOD2H:  "sco_d2h",
	RingACLH2D:  "acl_h2d",
	RingACLD2H:  "acl_d2h",
}

func (id TransferRingID) String() string {
	if n, ok := transferRingNames[id]; ok {
		return n
	}
	return fmt.Sprintf("transfer(%d)", uint8(id))
}

type CompletionRingID uint8

const (
	CompletionControlAck  CompletionRingID = 0
	CompletionHCIACLAck   CompletionRingID = 1
	CompletionHCIACLEvent CompletionRingID = 2
	CompletionSCOAck      CompletionRingID = 3
	CompletionSCOEvent    CompletionRingID = 4

	numCompletionRings = 5
)

var completionRingNames = map[CompletionRingID]string{
	CompletionControlAck:  "control_ack",
	CompletionHCIACLAck:   "hci_acl_ack",
	CompletionHCIACLEvent: "hci_acl_event",
	CompletionSCOAck:      "sco_ack",
	CompletionSCOEvent:    "sco_event",
}

func (id CompletionRingID) String() string {
	if n, ok := completionRingNames[id]; ok {
		return n
	}
	return fmt.Sprintf("completion(%d)", uint8(id))
}

// Doorbell indexes written to the doorbell register. The SCO rings share one.
const (
	DoorbellControl uint8 = 0
	DoorbellHCIH2D  uint8 = 1
	DoorbellHCID2H  uint8 = 2
	DoorbellACLH2D  uint8 = 3
	DoorbellACLD2H  uint8 = 4
	DoorbellSCO     uint8 = 6
)

// PacketKind is the HCI packet type indicator of a frame.
type PacketKind uint8

const (
	PacketCommand PacketKind = 0x01
	PacketACL     PacketKind = 0x02
	PacketSCO     PacketKind = 0x03
	PacketEvent   PacketKind = 0x04
)

var packetKindNames = map[PacketKind]string{
	PacketCommand: "command",
	PacketACL:     "acl",
	PacketSCO:     "sco",
	PacketEvent:   "event",
}

func (k PacketKind) String() string {
	if n, ok := packetKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

const (
	maxRingEntries       = 256
	maxInlinePayload     = 4 * 0xff
	primeHead            = 0xf
	hciMaxEventSize      = 260
	hciMaxSCOSize        = 255
	hciMaxFrameSize      = 1024 + 4
	aclMappedPayloadSize = hciMaxFrameSize + 4
)

// TransferRingSpec is the static description of a transfer ring.
type TransferRingSpec struct {
	ID             TransferRingID
	Doorbell       uint8
	CompletionRing CompletionRingID
	Entries        int
	// PayloadSize is the in-line footer capacity of every entry.
	PayloadSize int
	// MappedPayloadSize is the size of the per message out-of-line buffer.
	MappedPayloadSize int
	// Kind is the packet kind delivered upward for device-originated
	// messages.
	Kind PacketKind

	// Sync rings are serviced by the device on its own schedule and are
	// never doorbelled on enqueue.
	Sync bool
	// Virtual rings have no host memory. The device produces messages for
	// them directly into their completion ring.
	Virtual bool
	// ReceiveBuffersOnly rings only hold empty host buffers the device fills
	// with large incoming messages.
	ReceiveBuffersOnly bool
	// AllowWait rings let callers block until the device acknowledges.
	AllowWait bool
}

// DeviceToHost reports whether the device originates messages on this ring.
func (s TransferRingSpec) DeviceToHost() bool {
	return s.Virtual || s.ReceiveBuffersOnly
}

// EntrySize is the size of one descriptor with its in-line footer.
func (s TransferRingSpec) EntrySize() int {
	return wire.TransferEntryLen + s.PayloadSize
}

func (s TransferRingSpec) flags() wire.TransferRingFlag {
	var f wire.TransferRingFlag
	if s.Virtual {
		f |= wire.TransferRingVirtual
	}
	if s.Sync {
		f |= wire.TransferRingSync
	}
	return f
}

// normalize aligns payload sizes and validates the combination of flags.
func (s *TransferRingSpec) normalize() error {
	s.PayloadSize = wire.AlignUp(s.PayloadSize)
	s.MappedPayloadSize = wire.AlignUp(s.MappedPayloadSize)

	switch {
	case s.Entries < 2 || s.Entries > maxRingEntries:
		return fmt.Errorf("%w: ring %s has %d entries, must be between 2 and %d", ErrInvalidConfig, s.ID, s.Entries, maxRingEntries)
	case s.PayloadSize > maxInlinePayload:
		return fmt.Errorf("%w: ring %s in-line payload %d is larger than %d", ErrInvalidConfig, s.ID, s.PayloadSize, maxInlinePayload)
	case s.Virtual && s.AllowWait:
		return fmt.Errorf("%w: virtual ring %s can not be waited on", ErrInvalidConfig, s.ID)
	}

	if s.ReceiveBuffersOnly {
		switch {
		case s.Virtual:
			return fmt.Errorf("%w: receive buffer ring %s can not be virtual", ErrInvalidConfig, s.ID)
		case s.PayloadSize != 0:
			return fmt.Errorf("%w: receive buffer ring %s can not have an in-line payload", ErrInvalidConfig, s.ID)
		case s.MappedPayloadSize == 0:
			return fmt.Errorf("%w: receive buffer ring %s needs mapped buffers", ErrInvalidConfig, s.ID)
		}
	}

	return nil
}

// CompletionRingSpec is the static description of a completion ring.
type CompletionRingSpec struct {
	ID      CompletionRingID
	Entries int
	// PayloadSize is the in-line footer capacity of every entry.
	PayloadSize int
	// Delay is the interrupt moderation delay handed to the device.
	Delay uint16
	// Transfers are the transfer rings allowed to complete into this ring.
	Transfers []TransferRingID
}

func (s CompletionRingSpec) EntrySize() int {
	return wire.CompletionEntryLen + s.PayloadSize
}

func (s CompletionRingSpec) mask() uint16 {
	var m uint16
	for _, t := range s.Transfers {
		m |= 1 << t
	}
	return m
}

func (s *CompletionRingSpec) normalize() error {
	s.PayloadSize = wire.AlignUp(s.PayloadSize)
	switch {
	case s.Entries < 2 || s.Entries > maxRingEntries:
		return fmt.Errorf("%w: ring %s has %d entries, must be between 2 and %d", ErrInvalidConfig, s.ID, s.Entries, maxRingEntries)
	case s.PayloadSize > maxInlinePayload:
		return fmt.Errorf("%w: ring %s in-line payload %d is larger than %d", ErrInvalidConfig, s.ID, s.PayloadSize, maxInlinePayload)
	}
	for _, t := range s.Transfers {
		if t >= numTransferRings {
			return fmt.Errorf("%w: ring %s routes unknown transfer ring %d", ErrInvalidConfig, s.ID, t)
		}
	}
	return nil
}

// RingTable describes every ring of a ring set.
type RingTable struct {
	Transfer   [numTransferRings]TransferRingSpec
	Completion [numCompletionRings]CompletionRingSpec
}

// DefaultRingTable returns the layout the firmware expects. Most of it is
// fixed in firmware: doorbells, ring ids and the transfer to completion ring
// routing can not be changed from the host.
func DefaultRingTable() RingTable {
	return RingTable{
		Completion: [numCompletionRings]CompletionRingSpec{
			CompletionControlAck: {
				ID:        CompletionControlAck,
				Entries:   32,
				Transfers: []TransferRingID{RingControl},
			},
			CompletionHCIACLAck: {
				ID:        CompletionHCIACLAck,
				Entries:   256,
				Delay:     1000,
				Transfers: []TransferRingID{RingHCIH2D, RingACLH2D},
			},
			CompletionHCIACLEvent: {
				ID: CompletionHCIACLEvent,
				// Large ACL frames arrive through acl_d2h buffers instead.
				PayloadSize: hciMaxEventSize,
				Entries:     256,
				Delay:       1000,
				Transfers:   []TransferRingID{RingHCID2H, RingACLD2H},
			},
			CompletionSCOAck: {
				ID:        CompletionSCOAck,
				Entries:   128,
				Transfers: []TransferRingID{RingSCOH2D},
			},
			CompletionSCOEvent: {
				ID:          CompletionSCOEvent,
				PayloadSize: hciMaxSCOSize,
				Entries:     128,
				Transfers:   []TransferRingID{RingSCOD2H},
			},
		},
		Transfer: [numTransferRings]TransferRingSpec{
			RingControl: {
				ID:             RingControl,
				Doorbell:       DoorbellControl,
				CompletionRing: CompletionControlAck,
				Entries:        128,
				PayloadSize:    wire.ControlMsgLen,
				AllowWait:      true,
			},
			RingHCIH2D: {
				ID:             RingHCIH2D,
				Doorbell:       DoorbellHCIH2D,
				CompletionRing: CompletionHCIACLAck,
				Entries:        128,
				PayloadSize:    hciMaxEventSize,
				Kind:           PacketCommand,
				AllowWait:      true,
			},
			RingHCID2H: {
				ID:             RingHCID2H,
				Doorbell:       DoorbellHCID2H,
				CompletionRing: CompletionHCIACLEvent,
				Entries:        128,
				Kind:           PacketEvent,
				Virtual:        true,
			},
			RingSCOH2D: {
				ID:             RingSCOH2D,
				Doorbell:       DoorbellSCO,
				CompletionRing: CompletionSCOAck,
				Entries:        128,
				PayloadSize:    hciMaxSCOSize,
				Kind:           PacketSCO,
				Sync:           true,
			},
			RingSCOD2H: {
				ID:             RingSCOD2H,
				Doorbell:       DoorbellSCO,
				CompletionRing: CompletionSCOEvent,
				Entries:        128,
				Kind:           PacketSCO,
				Virtual:        true,
				Sync:           true,
			},
			RingACLH2D: {
				ID:             RingACLH2D,
				Doorbell:       DoorbellACLH2D,
				CompletionRing: CompletionHCIACLAck,
				Entries:        128,
				// The largest ACL frame does not fit in the largest footer.
				MappedPayloadSize: aclMappedPayloadSize,
				Kind:              PacketACL,
			},
			RingACLD2H: {
				ID:                 RingACLD2H,
				Doorbell:           DoorbellACLD2H,
				CompletionRing:     CompletionHCIACLEvent,
				Entries:            128,
				MappedPayloadSize:  aclMappedPayloadSize,
				Kind:               PacketACL,
				ReceiveBuffersOnly: true,
			},
		},
	}
}

// Validate normalizes and checks every ring of the table.
func (t *RingTable) Validate() error {
	for i := range t.Completion {
		if err := t.Completion[i].normalize(); err != nil {
			return err
		}
	}
	for i := range t.Transfer {
		s := &t.Transfer[i]
		if err := s.normalize(); err != nil {
			return err
		}
		if s.CompletionRing >= numCompletionRings {
			return fmt.Errorf("%w: ring %s completes into unknown ring %d", ErrInvalidConfig, s.ID, s.CompletionRing)
		}
		if t.Completion[s.CompletionRing].mask()&(1<<s.ID) == 0 {
			return fmt.Errorf("%w: ring %s is not routed by completion ring %s", ErrInvalidConfig, s.ID, s.CompletionRing)
		}
	}
	return nil
}

// NewRingTableFromConfig applies the rings.<name>.entries overrides to the
// default table.
func NewRingTableFromConfig(c *config.C) (RingTable, error) {
	t := DefaultRingTable()
	for i := range t.Transfer {
		s := &t.Transfer[i]
		s.Entries = c.GetInt(fmt.Sprintf("rings.%s.entries", s.ID), s.Entries)
	}
	for i := range t.Completion {
		s := &t.Completion[i]
		s.Entries = c.GetInt(fmt.Sprintf("rings.%s.entries", s.ID), s.Entries)
	}
	return t, t.Validate()
}
