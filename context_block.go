package cipc

import (
	"github.com/slackhq/cipc/wire"
)

// controlCompletionDoorbell tells the device the control completion ring has
// no doorbell.
const controlCompletionDoorbell = 0xffff

// buildContext describes the ring set to the device. The control rings are
// the only ones the device learns about from the context; every other ring is
// created through control messages.
func (rs *RingSet) buildContext() wire.Context {
	stateAddr := rs.state.Addr()
	ack := rs.completion[CompletionControlAck]
	ctrl := rs.transfer[RingControl]

	return wire.Context{
		PeripheralInfoAddr: rs.peripheralInfo.Addr,

		CompletionHeadsAddr: stateAddr + wire.CompletionHeadsOffset,
		TransferTailsAddr:   stateAddr + wire.TransferTailsOffset,
		CompletionTailsAddr: stateAddr + wire.CompletionTailsOffset,
		TransferHeadsAddr:   stateAddr + wire.TransferHeadsOffset,
		CompletionRings:     wire.NumCompletionRings,
		TransferRings:       wire.NumTransferRings,

		ControlCompletionAddr:     ack.Addr(),
		ControlCompletionEntries:  uint16(ack.spec.Entries),
		ControlCompletionDoorbell: controlCompletionDoorbell,
		ControlCompletionFooter:   uint8(ack.spec.PayloadSize / 4),

		ControlTransferAddr:     ctrl.Addr(),
		ControlTransferEntries:  uint16(ctrl.spec.Entries),
		ControlTransferDoorbell: uint16(ctrl.spec.Doorbell),
		ControlTransferFooter:   uint8(ctrl.spec.PayloadSize / 4),
	}
}

// writeContext encodes the context into its device-visible block.
func (rs *RingSet) writeContext() {
	c := rs.buildContext()
	c.Encode(rs.context.Mem)
}
