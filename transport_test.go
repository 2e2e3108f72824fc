package cipc

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_CommandRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.open()

	// HCI Reset
	require.NoError(t, h.tr.Submit(context.Background(), PacketCommand, []byte{0x03, 0x0c, 0x00}, true))

	fr := h.rec.next(t)
	assert.Equal(t, PacketEvent, fr.kind)
	assert.Equal(t, []byte{0x0e, 4, 1, 0x03, 0x0c, 0}, fr.b)
	assert.Zero(t, h.rs.Transfer(RingHCIH2D).Snapshot().InFlight)
}

func TestTransport_ACLLoopback(t *testing.T) {
	h := newHarness(t)
	h.open()

	small := []byte{0x01, 0x20, 0x04, 0x00, 1, 2, 3, 4}
	large := append([]byte{0x01, 0x20, 0x00, 0x04}, bytes.Repeat([]byte{0x5a}, 1024)...)

	require.NoError(t, h.tr.Submit(context.Background(), PacketACL, small, false))
	fr := h.rec.next(t)
	assert.Equal(t, PacketACL, fr.kind)
	assert.Equal(t, small, fr.b)

	require.NoError(t, h.tr.Submit(context.Background(), PacketACL, large, false))
	fr = h.rec.next(t)
	assert.Equal(t, PacketACL, fr.kind)
	assert.Equal(t, large, fr.b)

	// Every consumed receive buffer was handed back.
	assert.Equal(t, uint16(primeHead+2), h.rs.state.TransferHead(RingACLD2H))
}

func TestTransport_SCOLoopback(t *testing.T) {
	h := newHarness(t)
	h.open()

	sco := []byte{0x01, 0x00, 0x03, 9, 8, 7}
	require.NoError(t, h.tr.Submit(context.Background(), PacketSCO, sco, false))

	// sco_h2d is not doorbelled, the device finds it on its next pass.
	h.dev.kick()

	fr := h.rec.next(t)
	assert.Equal(t, PacketSCO, fr.kind)
	assert.Equal(t, sco, fr.b)
}

func TestTransport_Events(t *testing.T) {
	h := newHarness(t)
	h.open()

	for i := byte(0); i < 40; i++ {
		require.True(t, h.dev.Event([]byte{0x3e, 1, i}))
		fr := h.rec.next(t)
		assert.Equal(t, PacketEvent, fr.kind)
		assert.Equal(t, []byte{0x3e, 1, i}, fr.b)
	}
	h.rec.none(t)
}

func TestTransport_SubmitErrors(t *testing.T) {
	h := newHarness(t)
	h.open()
	ctx := context.Background()

	err := h.tr.Submit(ctx, PacketEvent, []byte{1}, false)
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, PacketEvent, tErr.Kind)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	assert.False(t, tErr.Temporary())
	assert.EqualError(t, err, "submit event: packet kind can not be submitted")

	err = h.tr.Submit(ctx, PacketACL, []byte{1}, true)
	assert.ErrorIs(t, err, ErrInvalidRing)

	err = h.tr.Submit(ctx, PacketCommand, make([]byte, 300), false)
	require.ErrorAs(t, err, &tErr)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.False(t, tErr.Temporary())
}

func TestTransport_RingFullIsTemporary(t *testing.T) {
	h := newHarness(t,
		withTable(func(t *RingTable) {
			t.Transfer[RingACLH2D].Entries = 4
		}),
		withDevice(func(d *fakeDevice) {
			d.dropAcks[RingACLH2D] = true
			d.respond = nil
		}),
	)
	h.open()

	var err error
	sent := 0
	for ; sent < 5; sent++ {
		if err = h.tr.Submit(context.Background(), PacketACL, []byte{1, 2, 3, 4}, false); err != nil {
			break
		}
	}

	assert.LessOrEqual(t, sent, 4)
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.ErrorIs(t, err, ErrRingFull)
	assert.True(t, tErr.Temporary())
}

func TestTransport_DropsWithoutDeliverer(t *testing.T) {
	h := newHarness(t)
	h.open()
	h.tr.SetDeliverer(nil)

	before := h.tr.metrics.rxDropped.Count()
	require.True(t, h.dev.Event([]byte{0x0e, 1, 1}))

	assert.Eventually(t, func() bool {
		return h.tr.metrics.rxDropped.Count() == before+1
	}, testWait, testTick)

	h.tr.SetDeliverer(h.rec)
	require.True(t, h.dev.Event([]byte{0x0e, 1, 2}))
	assert.Equal(t, []byte{0x0e, 1, 2}, h.rec.next(t).b)
}
