package cipc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/dma"
	"github.com/slackhq/cipc/wire"
)

// CompletionRing is where the device reports acknowledgements of host
// messages and delivers its own messages. It is only ever polled from the
// dispatcher, so apart from the enabled flag it needs no locking.
type CompletionRing struct {
	l       *logrus.Logger
	spec    CompletionRingSpec
	mask    uint16
	state   *StateBlock
	ring    *dma.Region
	metrics *ringMetrics

	// routes maps transfer ring ids to rings. Built once by the ring set.
	routes  *[numTransferRings]*TransferRing
	enabled atomic.Bool
}

func newCompletionRing(l *logrus.Logger, spec CompletionRingSpec, state *StateBlock, alloc dma.Allocator) (*CompletionRing, error) {
	if err := spec.normalize(); err != nil {
		return nil, err
	}

	r, err := alloc.Alloc(spec.Entries * spec.EntrySize())
	if err != nil {
		return nil, fmt.Errorf("allocate ring %s: %w", spec.ID, err)
	}

	return &CompletionRing{
		l:       l,
		spec:    spec,
		mask:    spec.mask(),
		state:   state,
		ring:    r,
		metrics: newRingMetrics(spec.ID.String()),
	}, nil
}

func (c *CompletionRing) free(alloc dma.Allocator) error {
	if c.ring == nil {
		return nil
	}
	err := alloc.Free(c.ring)
	c.ring = nil
	return err
}

func (c *CompletionRing) ID() CompletionRingID {
	return c.spec.ID
}

func (c *CompletionRing) Spec() CompletionRingSpec {
	return c.spec
}

func (c *CompletionRing) Addr() uint64 {
	return c.ring.Addr
}

func (c *CompletionRing) Enabled() bool {
	return c.enabled.Load()
}

func (c *CompletionRing) enable() {
	c.enabled.Store(true)
}

func (c *CompletionRing) logger() *logrus.Entry {
	return c.l.WithField("completionRing", c.spec.ID)
}

// Create asks the device to set up the ring through the control ring.
func (c *CompletionRing) Create(ctx context.Context, control *TransferRing) error {
	if c.enabled.Load() {
		c.logger().Warn("Completion ring is already enabled")
		return nil
	}

	c.ring.Zero()
	c.state.resetCompletion(c.spec.ID)

	msg := wire.CreateCompletionRing{
		RingID:      uint16(c.spec.ID),
		RingAddr:    c.ring.Addr,
		Entries:     uint16(c.spec.Entries),
		IntmodDelay: c.spec.Delay,
		IntmodBytes: 0xffffffff,
		FooterSize:  uint8(c.spec.PayloadSize / 4),
	}
	if err := control.Enqueue(ctx, msg.Encode(make([]byte, wire.ControlMsgLen)), true); err != nil {
		c.logger().WithError(err).Error("Failed to create completion ring")
		return fmt.Errorf("create completion ring %s: %w", c.spec.ID, err)
	}

	c.enabled.Store(true)
	c.logger().Info("Completion ring created")
	return nil
}

// Destroy asks the device to tear the ring down. The ring is disabled even
// if the device does not acknowledge.
func (c *CompletionRing) Destroy(ctx context.Context, control *TransferRing) error {
	msg := wire.DestroyRing{Type: wire.ControlDestroyCompletionRing, RingID: uint16(c.spec.ID)}
	err := control.Enqueue(ctx, msg.Encode(make([]byte, wire.ControlMsgLen)), true)
	c.enabled.Store(false)

	if err != nil {
		c.logger().WithError(err).Warn("Failed to destroy completion ring")
		return fmt.Errorf("destroy completion ring %s: %w", c.spec.ID, err)
	}
	c.logger().Debug("Completion ring destroyed")
	return nil
}

// Poll consumes every entry the device produced and returns how many it
// consumed. Broken entries are logged and skipped.
func (c *CompletionRing) Poll(d Deliverer) int {
	if !c.enabled.Load() {
		return 0
	}

	entries := uint16(c.spec.Entries)
	tail := c.state.CompletionTail(c.spec.ID)
	n := 0

	for {
		// Entries before head are only safe to read after this load.
		head := c.state.CompletionHead(c.spec.ID)
		if head == tail {
			break
		}

		if head >= entries {
			c.metrics.violations.Inc(1)
			c.logger().WithField("head", head).WithField("tail", tail).
				Warn("Completion ring head is outside the ring")
			break
		}

		c.handle(tail, d)

		tail = (tail + 1) % entries
		c.state.PublishCompletionTail(c.spec.ID, tail)
		n++
	}

	return n
}

func (c *CompletionRing) handle(pos uint16, d Deliverer) {
	size := c.spec.EntrySize()
	b := c.ring.Mem[int(pos)*size : (int(pos)+1)*size]

	var e wire.CompletionEntry
	if err := e.Parse(b); err != nil {
		// Entries are sized by us, this can not happen.
		c.logger().WithError(err).Error("Failed to parse completion entry")
		return
	}

	if c.l.Level >= logrus.DebugLevel {
		c.logger().WithField("ring", e.RingID).
			WithField("msgId", uint16(e.MsgID)).
			WithField("pos", pos).
			Debug("Completion entry")
	}

	var t *TransferRing
	if c.routes != nil && e.RingID < numTransferRings && c.mask&(1<<e.RingID) != 0 {
		t = c.routes[e.RingID]
	}
	if t == nil {
		c.metrics.violations.Inc(1)
		c.logger().WithField("ring", e.RingID).
			WithField("msgId", uint16(e.MsgID)).
			WithField("pos", pos).
			WithError(ErrProtocolViolation).
			Warn("Completion entry names a transfer ring outside this ring")
		return
	}

	var err error
	if t.spec.DeviceToHost() {
		err = t.HandleEvent(e.MsgID, e.Flags, b[wire.CompletionEntryLen:], e.Len, d)
	} else {
		err = t.HandleAck(e.MsgID)
	}

	if err != nil {
		c.metrics.violations.Inc(1)
		c.logger().WithField("ring", t.spec.ID).
			WithField("msgId", uint16(e.MsgID)).
			WithField("generation", e.MsgID.Generation()).
			WithError(err).
			Warn("Dropped completion entry")
	}
}

// CompletionRingState is a point in time view of a completion ring.
type CompletionRingState struct {
	ID      CompletionRingID `json:"id"`
	Enabled bool             `json:"enabled"`
	Head    uint16           `json:"head"`
	Tail    uint16           `json:"tail"`
}

func (c *CompletionRing) Snapshot() CompletionRingState {
	return CompletionRingState{
		ID:      c.spec.ID,
		Enabled: c.enabled.Load(),
		Head:    c.state.CompletionHead(c.spec.ID),
		Tail:    c.state.CompletionTail(c.spec.ID),
	}
}
