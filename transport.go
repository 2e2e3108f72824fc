package cipc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// TransportError is returned by Submit when a frame could not be handed to
// the device.
type TransportError struct {
	Kind PacketKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying later may succeed.
func (e *TransportError) Temporary() bool {
	return errors.Is(e.Err, ErrRingFull)
}

type delivererHolder struct {
	d Deliverer
}

// Transport maps HCI packets onto the rings of a ring set. It is the
// Deliverer of the dispatcher and forwards device frames to the one
// registered with SetDeliverer.
type Transport struct {
	l         *logrus.Logger
	rs        *RingSet
	deliverer atomic.Pointer[delivererHolder]
	metrics   *PacketMetrics
}

func NewTransport(l *logrus.Logger, rs *RingSet) *Transport {
	return &Transport{
		l:       l,
		rs:      rs,
		metrics: newPacketMetrics(),
	}
}

// SetDeliverer registers where device frames go. nil drops them.
func (t *Transport) SetDeliverer(d Deliverer) {
	if d == nil {
		t.deliverer.Store(nil)
		return
	}
	t.deliverer.Store(&delivererHolder{d: d})
}

func (t *Transport) ringFor(kind PacketKind) (*TransferRing, bool) {
	switch kind {
	case PacketCommand:
		return t.rs.Transfer(RingHCIH2D), true
	case PacketACL:
		return t.rs.Transfer(RingACLH2D), true
	case PacketSCO:
		return t.rs.Transfer(RingSCOH2D), true
	default:
		return nil, false
	}
}

// Submit hands one frame to the device. With wait set it blocks until the
// device acknowledged the frame, which only command rings support.
func (t *Transport) Submit(ctx context.Context, kind PacketKind, b []byte, wait bool) error {
	r, ok := t.ringFor(kind)
	if !ok {
		t.metrics.TxError(kind)
		return &TransportError{Kind: kind, Err: ErrUnsupportedKind}
	}

	if err := r.Enqueue(ctx, b, wait); err != nil {
		t.metrics.TxError(kind)
		if t.l.Level >= logrus.DebugLevel {
			t.l.WithField("kind", kind).WithField("len", len(b)).WithError(err).Debug("Failed to submit frame")
		}
		return &TransportError{Kind: kind, Err: err}
	}

	t.metrics.Tx(kind, len(b))
	return nil
}

func (t *Transport) Deliver(kind PacketKind, b []byte) {
	h := t.deliverer.Load()
	if h == nil {
		t.metrics.Dropped()
		if t.l.Level >= logrus.DebugLevel {
			t.l.WithField("kind", kind).WithField("len", len(b)).Debug("Dropped frame, no deliverer")
		}
		return
	}

	t.metrics.Rx(kind, len(b))
	h.d.Deliver(kind, b)
}
