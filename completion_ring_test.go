package cipc

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/cipc/test"
	"github.com/slackhq/cipc/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completionFixture struct {
	*ringFixture
	routes [numTransferRings]*TransferRing
}

func newCompletionFixture(t *testing.T) *completionFixture {
	return &completionFixture{ringFixture: newRingFixture(t)}
}

func (f *completionFixture) completionRing(t *testing.T, spec CompletionRingSpec) *CompletionRing {
	c, err := newCompletionRing(test.NewLogger(), spec, f.state, f.alloc)
	require.NoError(t, err)
	c.routes = &f.routes
	c.enable()
	return c
}

// produce writes e at the device head and publishes it.
func (f *completionFixture) produce(c *CompletionRing, e wire.CompletionEntry, footer []byte) {
	head := f.state.CompletionHead(c.ID())
	size := c.spec.EntrySize()
	b := c.ring.Mem[int(head)*size : (int(head)+1)*size]
	e.Encode(b)
	copy(b[wire.CompletionEntryLen:], footer)
	f.state.setCompletionHead(c.ID(), (head+1)%uint16(c.spec.Entries))
}

func ackSpec() CompletionRingSpec {
	return CompletionRingSpec{
		ID:        CompletionHCIACLAck,
		Entries:   8,
		Transfers: []TransferRingID{RingHCIH2D, RingACLH2D},
	}
}

func TestCompletionRing_DispatchesAcks(t *testing.T) {
	f := newCompletionFixture(t)
	hci := f.transferRing(t, commandSpec(4), time.Second)
	f.routes[RingHCIH2D] = hci
	c := f.completionRing(t, ackSpec())
	rec := newRecorder()

	require.NoError(t, hci.Enqueue(context.Background(), []byte{3, 0x0c, 0}, false))
	require.NoError(t, hci.Enqueue(context.Background(), []byte{3, 0x0c, 0}, false))
	f.state.setTransferTail(RingHCIH2D, 2)

	f.produce(c, wire.CompletionEntry{RingID: uint16(RingHCIH2D), MsgID: wire.NewMsgID(1, 1)}, nil)
	f.produce(c, wire.CompletionEntry{RingID: uint16(RingHCIH2D), MsgID: wire.NewMsgID(1, 0)}, nil)

	assert.Equal(t, 2, c.Poll(rec))
	assert.Equal(t, 0, hci.Snapshot().InFlight)
	assert.Equal(t, uint16(2), f.state.CompletionTail(CompletionHCIACLAck))
	rec.none(t)
}

func TestCompletionRing_PollIsIdempotent(t *testing.T) {
	f := newCompletionFixture(t)
	hci := f.transferRing(t, commandSpec(4), time.Second)
	f.routes[RingHCIH2D] = hci
	c := f.completionRing(t, ackSpec())
	rec := newRecorder()

	require.NoError(t, hci.Enqueue(context.Background(), []byte{1}, false))
	f.produce(c, wire.CompletionEntry{RingID: uint16(RingHCIH2D), MsgID: wire.NewMsgID(1, 0)}, nil)

	assert.Equal(t, 1, c.Poll(rec))
	before := c.Snapshot()
	transfer := hci.Snapshot()

	assert.Equal(t, 0, c.Poll(rec))
	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, transfer, hci.Snapshot())
}

func TestCompletionRing_UnroutedEntriesAreSkipped(t *testing.T) {
	f := newCompletionFixture(t)
	hci := f.transferRing(t, commandSpec(4), time.Second)
	f.routes[RingHCIH2D] = hci
	sco := f.transferRing(t, TransferRingSpec{
		ID:             RingSCOH2D,
		Doorbell:       DoorbellSCO,
		CompletionRing: CompletionSCOAck,
		Entries:        4,
		PayloadSize:    16,
		Kind:           PacketSCO,
	}, time.Second)
	f.routes[RingSCOH2D] = sco
	c := f.completionRing(t, ackSpec())

	require.NoError(t, sco.Enqueue(context.Background(), []byte{1}, false))

	// sco_h2d exists but does not complete into this ring.
	f.produce(c, wire.CompletionEntry{RingID: uint16(RingSCOH2D), MsgID: wire.NewMsgID(1, 0)}, nil)
	f.produce(c, wire.CompletionEntry{RingID: 42, MsgID: wire.NewMsgID(1, 0)}, nil)
	// Routed, but acl_h2d was never built.
	f.produce(c, wire.CompletionEntry{RingID: uint16(RingACLH2D), MsgID: wire.NewMsgID(1, 0)}, nil)

	assert.Equal(t, 3, c.Poll(newRecorder()))
	assert.Equal(t, uint16(3), f.state.CompletionTail(CompletionHCIACLAck))
	assert.Equal(t, 1, sco.Snapshot().InFlight, "misrouted ack is not applied")
}

func TestCompletionRing_BadAcksAreConsumed(t *testing.T) {
	f := newCompletionFixture(t)
	hci := f.transferRing(t, commandSpec(4), time.Second)
	f.routes[RingHCIH2D] = hci
	c := f.completionRing(t, ackSpec())

	require.NoError(t, hci.Enqueue(context.Background(), []byte{1}, false))
	f.produce(c, wire.CompletionEntry{RingID: uint16(RingHCIH2D), MsgID: wire.NewMsgID(0, 0)}, nil)
	f.produce(c, wire.CompletionEntry{RingID: uint16(RingHCIH2D), MsgID: wire.NewMsgID(1, 3)}, nil)

	assert.Equal(t, 2, c.Poll(newRecorder()))
	assert.Equal(t, 1, hci.Snapshot().InFlight)
}

func TestCompletionRing_HeadOutsideRing(t *testing.T) {
	f := newCompletionFixture(t)
	c := f.completionRing(t, ackSpec())

	f.state.setCompletionHead(CompletionHCIACLAck, 100)
	assert.Equal(t, 0, c.Poll(newRecorder()))
	assert.Equal(t, uint16(0), f.state.CompletionTail(CompletionHCIACLAck))
}

func TestCompletionRing_Disabled(t *testing.T) {
	f := newCompletionFixture(t)
	c := f.completionRing(t, ackSpec())
	c.enabled.Store(false)

	f.produce(c, wire.CompletionEntry{RingID: uint16(RingHCIH2D)}, nil)
	assert.Equal(t, 0, c.Poll(newRecorder()))
	assert.Equal(t, uint16(0), f.state.CompletionTail(CompletionHCIACLAck))
}

func TestCompletionRing_Wraps(t *testing.T) {
	f := newCompletionFixture(t)
	hci := f.transferRing(t, commandSpec(16), time.Second)
	f.routes[RingHCIH2D] = hci
	c := f.completionRing(t, ackSpec())

	for i := 0; i < 12; i++ {
		require.NoError(t, hci.Enqueue(context.Background(), []byte{byte(i)}, false))
		f.state.setTransferTail(RingHCIH2D, hci.Snapshot().Head)
		f.produce(c, wire.CompletionEntry{RingID: uint16(RingHCIH2D), MsgID: wire.NewMsgID(1, 0)}, nil)
		assert.Equal(t, 1, c.Poll(newRecorder()))
	}

	assert.Equal(t, uint16(12%8), f.state.CompletionTail(CompletionHCIACLAck))
	assert.Equal(t, 0, hci.Snapshot().InFlight)
}

func TestCompletionRing_RoutesEvents(t *testing.T) {
	f := newCompletionFixture(t)
	virt := f.transferRing(t, TransferRingSpec{
		ID:             RingHCID2H,
		Doorbell:       DoorbellHCID2H,
		CompletionRing: CompletionHCIACLEvent,
		Entries:        8,
		Kind:           PacketEvent,
		Virtual:        true,
	}, time.Second)
	rx := f.transferRing(t, rxSpec(4, 16), time.Second)
	f.routes[RingHCID2H] = virt
	f.routes[RingACLD2H] = rx

	c := f.completionRing(t, CompletionRingSpec{
		ID:          CompletionHCIACLEvent,
		Entries:     8,
		PayloadSize: hciMaxEventSize,
		Transfers:   []TransferRingID{RingHCID2H, RingACLD2H},
	})
	rec := newRecorder()

	ev := []byte{0x0e, 4, 1, 3, 0x0c, 0}
	f.produce(c, wire.CompletionEntry{
		Flags:  wire.TransferFlagPayloadInFooter,
		RingID: uint16(RingHCID2H),
		MsgID:  wire.NewMsgID(0, 1),
		Len:    uint32(len(ev)),
	}, ev)

	acl := []byte{1, 0, 4, 0, 0xde, 0xad, 0xbe, 0xef}
	copy(rx.payloads.Mem[16:], acl)
	f.produce(c, wire.CompletionEntry{
		Flags:  wire.TransferFlagPayloadMapped,
		RingID: uint16(RingACLD2H),
		MsgID:  wire.NewMsgID(1, 1),
		Len:    uint32(len(acl)),
	}, nil)

	assert.Equal(t, 2, c.Poll(rec))

	fr := rec.next(t)
	assert.Equal(t, PacketEvent, fr.kind)
	assert.Equal(t, ev, fr.b)

	fr = rec.next(t)
	assert.Equal(t, PacketACL, fr.kind)
	assert.Equal(t, acl, fr.b)

	assert.Equal(t, []uint16{1}, f.regs.doorbells(DoorbellHCID2H))
	assert.Equal(t, []uint16{1}, f.regs.doorbells(DoorbellACLD2H))
}
