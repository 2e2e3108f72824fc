package cipc

import (
	"context"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/cipc/dma"
	"github.com/slackhq/cipc/pcie"
	"github.com/slackhq/cipc/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControl(t *testing.T, devOpts ...func(d *fakeDevice)) (*Control, *fakeDevice) {
	l := test.NewLogger()
	alloc := dma.NewAllocator(nil)
	dev := newFakeDevice(t, alloc)
	for _, o := range devOpts {
		o(dev)
	}

	ctrl, err := NewControl(l, dev, alloc, dev, RingSetConfig{
		Table:          DefaultRingTable(),
		Timeout:        250 * time.Millisecond,
		BringUpTimeout: 250 * time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctrl.Stop()
		dev.stop()
	})
	return ctrl, dev
}

func TestControl_StartStop(t *testing.T) {
	ctrl, dev := newTestControl(t)
	rec := newRecorder()
	ctrl.Transport().SetDeliverer(rec)

	require.NoError(t, ctrl.Start())

	st := ctrl.Snapshot()
	assert.Equal(t, uint32(2), st.Bootstage)
	assert.Equal(t, pcie.RTIReady, st.RTIStatus)
	for _, r := range st.Rings.Transfer {
		assert.True(t, r.Enabled, "%s", r.ID)
	}
	for _, r := range st.Rings.Completion {
		assert.True(t, r.Enabled, "%s", r.ID)
	}

	require.NoError(t, ctrl.Transport().Submit(context.Background(), PacketCommand, []byte{0x03, 0x0c, 0x00}, true))
	assert.Equal(t, PacketEvent, rec.next(t).kind)

	ctrl.Stop()
	for id := RingHCIH2D; id < numTransferRings; id++ {
		assert.False(t, dev.TransferCreated(id), "%s", id)
	}
	for id := CompletionHCIACLAck; id < numCompletionRings; id++ {
		assert.False(t, dev.CompletionCreated(id), "%s", id)
	}

	// Stopping twice is harmless.
	ctrl.Stop()
}

func TestControl_StartFailure(t *testing.T) {
	ctrl, _ := newTestControl(t, func(d *fakeDevice) {
		d.failPhase = pcie.RTIReady
	})

	err := ctrl.Start()
	assert.ErrorIs(t, err, ErrBringUpFailed)

	var bErr *BringUpError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, 2, bErr.Phase)
}

func TestControl_OpenFailure(t *testing.T) {
	ctrl, dev := newTestControl(t, func(d *fakeDevice) {
		d.refuse[RingSCOD2H] = true
	})

	assert.ErrorIs(t, ctrl.Start(), ErrTimeout)
	for id := RingHCIH2D; id < numTransferRings; id++ {
		assert.False(t, dev.TransferCreated(id), "%s", id)
	}
}

func TestControl_StopWithoutStart(t *testing.T) {
	ctrl, _ := newTestControl(t)
	ctrl.Stop()
}

func TestControl_RingGauges(t *testing.T) {
	ctrl, _ := newTestControl(t, func(d *fakeDevice) {
		d.dropAcks[RingACLH2D] = true
		d.respond = nil
	})
	require.NoError(t, ctrl.Start())

	inFlight, ok := metrics.Get("ring.acl_h2d.in_flight").(metrics.Gauge)
	require.True(t, ok)
	assert.Zero(t, inFlight.Value())

	require.NoError(t, ctrl.Transport().Submit(context.Background(), PacketACL, []byte{1, 2, 3, 4}, false))
	assert.Equal(t, int64(1), inFlight.Value())

	pending, ok := metrics.Get("ring.hci_acl_ack.pending").(metrics.Gauge)
	require.True(t, ok)
	assert.Zero(t, pending.Value())

	ctrl.Stop()
	assert.Nil(t, metrics.Get("ring.acl_h2d.in_flight"))
	assert.Nil(t, metrics.Get("ring.sco_event.pending"))
}
