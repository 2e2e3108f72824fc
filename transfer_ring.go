package cipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/dma"
	"github.com/slackhq/cipc/pcie"
	"github.com/slackhq/cipc/wire"
)

// Deliverer receives device-originated frames. The frame is owned by the
// callee.
type Deliverer interface {
	Deliver(kind PacketKind, b []byte)
}

// TransferRing is a queue of messages between host and device. Host to device
// rings carry messages the device acknowledges through the completion ring.
// Device to host rings are either virtual or hold empty receive buffers, and
// their messages arrive through the completion ring as events.
type TransferRing struct {
	l       *logrus.Logger
	spec    TransferRingSpec
	state   *StateBlock
	regs    pcie.Registers
	timeout time.Duration
	metrics *ringMetrics

	// ring holds the descriptors and their in-line footers, nil for virtual
	// rings.
	ring *dma.Region
	// payloads holds one out-of-line buffer per message id, nil when the ring
	// has no mapped payload.
	payloads *dma.Region

	mu         sync.Mutex
	enabled    bool
	generation uint8
	msgIDs     msgIDSet
	// waiters is indexed by message id, nil unless the ring allows waiting.
	waiters []chan struct{}
}

func newTransferRing(l *logrus.Logger, spec TransferRingSpec, state *StateBlock, regs pcie.Registers, alloc dma.Allocator, timeout time.Duration) (_ *TransferRing, err error) {
	if err := spec.normalize(); err != nil {
		return nil, err
	}

	r := &TransferRing{
		l:       l,
		spec:    spec,
		state:   state,
		regs:    regs,
		timeout: timeout,
		metrics: newRingMetrics(spec.ID.String()),
		msgIDs:  newMsgIDSet(spec.Entries),
	}

	// Clean up a partially allocated ring when something fails.
	defer func() {
		if err != nil {
			_ = r.free(alloc)
		}
	}()

	if spec.Virtual {
		return r, nil
	}

	r.ring, err = alloc.Alloc(spec.Entries * spec.EntrySize())
	if err != nil {
		return nil, fmt.Errorf("allocate ring %s: %w", spec.ID, err)
	}

	if spec.AllowWait {
		r.waiters = make([]chan struct{}, spec.Entries)
	}

	if spec.MappedPayloadSize > 0 {
		r.payloads, err = alloc.Alloc(spec.Entries * spec.MappedPayloadSize)
		if err != nil {
			return nil, fmt.Errorf("allocate payload buffers for ring %s: %w", spec.ID, err)
		}
	}

	return r, nil
}

func (r *TransferRing) free(alloc dma.Allocator) error {
	var errs []error
	for _, reg := range []*dma.Region{r.ring, r.payloads} {
		if reg == nil {
			continue
		}
		if err := alloc.Free(reg); err != nil {
			errs = append(errs, err)
		}
	}
	r.ring = nil
	r.payloads = nil
	return errors.Join(errs...)
}

func (r *TransferRing) ID() TransferRingID {
	return r.spec.ID
}

func (r *TransferRing) Spec() TransferRingSpec {
	return r.spec
}

// Addr returns the bus address of the descriptors, 0 for virtual rings.
func (r *TransferRing) Addr() uint64 {
	if r.ring == nil {
		return 0
	}
	return r.ring.Addr
}

func (r *TransferRing) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *TransferRing) Generation() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// enable marks a ring usable that the device set up on its own, which is
// only the case for the control ring.
func (r *TransferRing) enable() {
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
}

func (r *TransferRing) logger() *logrus.Entry {
	return r.l.WithField("ring", r.spec.ID)
}

func (r *TransferRing) ringDoorbell(v uint16) {
	db := wire.Doorbell(r.spec.Doorbell, v)
	if r.l.Level >= logrus.DebugLevel {
		r.logger().WithField("doorbell", r.spec.Doorbell).
			WithField("value", v).
			Debugf("Ringing doorbell 0x%08x", db)
	}
	r.regs.Write32(pcie.BAR0, pcie.Bar0Doorbell, db)
}

func (r *TransferRing) createMessage() wire.CreateTransferRing {
	return wire.CreateTransferRing{
		RingID:         uint16(r.spec.ID),
		RingAddr:       r.Addr(),
		Entries:        uint16(r.spec.Entries),
		CompletionRing: uint16(r.spec.CompletionRing),
		Doorbell:       uint16(r.spec.Doorbell),
		Flags:          r.spec.flags(),
		FooterSize:     uint8(r.spec.PayloadSize / 4),
	}
}

// Create asks the device to set up the ring through the control ring. The
// ring restarts empty with a new generation so acknowledgements for messages
// of a previous incarnation are recognized as stale.
func (r *TransferRing) Create(ctx context.Context, control *TransferRing) error {
	msg := r.createMessage()

	r.mu.Lock()
	r.state.resetTransfer(r.spec.ID)
	r.generation++
	r.msgIDs.reset()
	clear(r.waiters)
	r.mu.Unlock()

	if err := control.Enqueue(ctx, msg.Encode(make([]byte, wire.ControlMsgLen)), true); err != nil {
		r.logger().WithError(err).Error("Failed to create transfer ring")
		return fmt.Errorf("create transfer ring %s: %w", r.spec.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.spec.ReceiveBuffersOnly {
		// Every slot permanently owns the receive buffer of its message id.
		for i := 0; i < r.spec.Entries; i++ {
			e := wire.TransferEntry{
				Flags:       wire.TransferFlagPayloadMapped,
				Len:         uint16(r.spec.MappedPayloadSize),
				PayloadAddr: r.payloads.Addr + uint64(i*r.spec.MappedPayloadSize),
				ID:          wire.NewMsgID(r.generation, uint8(i)),
			}
			e.Encode(r.ring.Mem[i*r.spec.EntrySize():])
		}
	}

	if r.spec.DeviceToHost() {
		// Hand the device the slots it may fill.
		head := uint16(min(primeHead, r.spec.Entries-1))
		r.state.PublishTransferHead(r.spec.ID, head)
		r.ringDoorbell(head)
	}

	r.enabled = true
	r.logger().WithField("generation", r.generation).Info("Transfer ring created")
	return nil
}

// Destroy asks the device to tear the ring down. The ring is disabled even
// if the device does not acknowledge.
func (r *TransferRing) Destroy(ctx context.Context, control *TransferRing) error {
	msg := wire.DestroyRing{Type: wire.ControlDestroyTransferRing, RingID: uint16(r.spec.ID)}
	err := control.Enqueue(ctx, msg.Encode(make([]byte, wire.ControlMsgLen)), true)

	r.mu.Lock()
	r.enabled = false
	r.mu.Unlock()

	if err != nil {
		r.logger().WithError(err).Warn("Failed to destroy transfer ring")
		return fmt.Errorf("destroy transfer ring %s: %w", r.spec.ID, err)
	}
	r.logger().Debug("Transfer ring destroyed")
	return nil
}

// Enqueue hands payload to the device. With wait set it blocks until the
// device acknowledged the message, the ring timeout passed or ctx is done.
// A message that timed out keeps its id until a late acknowledgement or the
// ring is created again.
func (r *TransferRing) Enqueue(ctx context.Context, payload []byte, wait bool) error {
	if len(payload) > r.spec.PayloadSize && len(payload) > r.spec.MappedPayloadSize {
		return fmt.Errorf("%w: %d bytes for ring %s, max is %d in-line or %d mapped",
			ErrPayloadTooLarge, len(payload), r.spec.ID, r.spec.PayloadSize, r.spec.MappedPayloadSize)
	}
	if r.spec.DeviceToHost() {
		return fmt.Errorf("%w: ring %s only carries device messages", ErrInvalidRing, r.spec.ID)
	}
	if wait && !r.spec.AllowWait {
		return fmt.Errorf("%w: ring %s does not support waiting", ErrInvalidRing, r.spec.ID)
	}

	var done chan struct{}

	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return fmt.Errorf("%w: %w: %s", ErrInvalidRing, ErrRingDisabled, r.spec.ID)
	}

	entries := uint16(r.spec.Entries)
	head := r.state.TransferHead(r.spec.ID)
	tail := r.state.TransferTail(r.spec.ID)
	newHead := (head + 1) % entries
	if newHead == tail {
		r.mu.Unlock()
		r.metrics.full.Inc(1)
		r.logger().WithField("head", head).WithField("tail", tail).Warn("Can not send message, ring is full")
		return fmt.Errorf("%w: %s", ErrRingFull, r.spec.ID)
	}

	slot, ok := r.msgIDs.acquire()
	if !ok {
		r.mu.Unlock()
		r.metrics.full.Inc(1)
		r.logger().Warn("Can not send message, no free message id")
		return fmt.Errorf("%w: no free message id on %s", ErrRingFull, r.spec.ID)
	}

	id := wire.NewMsgID(r.generation, slot)
	entrySize := r.spec.EntrySize()
	entry := r.ring.Mem[int(head)*entrySize : (int(head)+1)*entrySize]
	e := wire.TransferEntry{Len: uint16(len(payload)), ID: id}

	if len(payload) <= r.spec.PayloadSize {
		e.Flags = wire.TransferFlagPayloadInFooter
		copy(entry[wire.TransferEntryLen:], payload)
	} else {
		off := int(slot) * r.spec.MappedPayloadSize
		e.Flags = wire.TransferFlagPayloadMapped
		e.PayloadAddr = r.payloads.Addr + uint64(off)
		copy(r.payloads.Mem[off:off+r.spec.MappedPayloadSize], payload)
	}
	e.Encode(entry)

	if wait {
		done = make(chan struct{}, 1)
		r.waiters[slot] = done
	}

	r.state.PublishTransferHead(r.spec.ID, newHead)
	if !r.spec.Sync {
		r.ringDoorbell(newHead)
	}
	r.mu.Unlock()

	r.metrics.enqueued.Inc(1)
	if r.l.Level >= logrus.DebugLevel {
		r.logger().WithField("msgId", uint16(id)).
			WithField("head", newHead).
			WithField("len", len(payload)).
			Debug("Enqueued message")
	}

	if !wait {
		return nil
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.mu.Lock()
	if err != nil {
		// The acknowledgement may have raced the timeout.
		select {
		case <-done:
			err = nil
		default:
		}
	}
	if r.waiters[slot] == done {
		r.waiters[slot] = nil
	}
	r.mu.Unlock()

	if err != nil {
		r.metrics.leakedIDs.Inc(1)
		r.logger().WithField("msgId", uint16(id)).WithError(err).Warn("Gave up waiting for acknowledgement")
		return fmt.Errorf("ring %s message 0x%04x: %w", r.spec.ID, uint16(id), err)
	}
	return nil
}

// extractMsgID validates the generation and range of a message id from the
// device. Must be called with the ring lock held.
func (r *TransferRing) extractMsgID(raw wire.MsgID) (uint8, error) {
	if raw.Generation() != r.generation {
		return 0, fmt.Errorf("%w: generation %d, ring is at %d", ErrStaleGeneration, raw.Generation(), r.generation)
	}
	if int(raw.Slot()) >= r.spec.Entries {
		return 0, fmt.Errorf("%w: %d, ring has %d entries", ErrInvalidID, raw.Slot(), r.spec.Entries)
	}
	return raw.Slot(), nil
}

// HandleAck processes the device acknowledgement of a host message. It wakes
// a waiting sender and frees the message id.
func (r *TransferRing) HandleAck(raw wire.MsgID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.extractMsgID(raw)
	if err != nil {
		return err
	}

	if !r.msgIDs.test(slot) {
		return fmt.Errorf("%w: %d", ErrUnusedID, slot)
	}

	if r.waiters != nil && r.waiters[slot] != nil {
		select {
		case r.waiters[slot] <- struct{}{}:
		default:
		}
		r.waiters[slot] = nil
	}

	r.msgIDs.release(slot)
	r.metrics.acks.Inc(1)
	return nil
}

// HandleEvent processes a device-originated message. footer is the in-line
// payload of the completion entry and n the length the device reported.
// The slot is handed back to the device whether or not the message was
// valid, and a valid message is delivered after the ring lock is released.
func (r *TransferRing) HandleEvent(raw wire.MsgID, flags wire.TransferFlag, footer []byte, n uint32, d Deliverer) error {
	var (
		frame []byte
		err   error
	)

	r.mu.Lock()
	switch {
	case !r.enabled:
		err = fmt.Errorf("%w: event for %s", ErrRingDisabled, r.spec.ID)

	case r.spec.ReceiveBuffersOnly && flags&wire.TransferFlagPayloadMapped != 0:
		var slot uint8
		slot, err = r.extractMsgID(raw)
		if err != nil {
			break
		}
		if n > uint32(r.spec.MappedPayloadSize) {
			err = fmt.Errorf("%w: event length %d, buffer holds %d", ErrProtocolViolation, n, r.spec.MappedPayloadSize)
			break
		}
		off := int(slot) * r.spec.MappedPayloadSize
		frame = make([]byte, n)
		copy(frame, r.payloads.Mem[off:])

	case n > uint32(len(footer)):
		err = fmt.Errorf("%w: event length %d, footer holds %d", ErrProtocolViolation, n, len(footer))

	default:
		frame = make([]byte, n)
		copy(frame, footer)
	}

	head := (r.state.TransferHead(r.spec.ID) + 1) % uint16(r.spec.Entries)
	r.state.PublishTransferHead(r.spec.ID, head)
	r.ringDoorbell(head)
	r.mu.Unlock()

	if err != nil {
		r.metrics.dropped.Inc(1)
		return err
	}

	r.metrics.events.Inc(1)
	if d != nil {
		d.Deliver(r.spec.Kind, frame)
	}
	return nil
}

// TransferRingState is a point in time view of a transfer ring.
type TransferRingState struct {
	ID         TransferRingID `json:"id"`
	Enabled    bool           `json:"enabled"`
	Generation uint8          `json:"generation"`
	Head       uint16         `json:"head"`
	Tail       uint16         `json:"tail"`
	InFlight   int            `json:"inFlight"`
}

func (r *TransferRing) Snapshot() TransferRingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return TransferRingState{
		ID:         r.spec.ID,
		Enabled:    r.enabled,
		Generation: r.generation,
		Head:       r.state.TransferHead(r.spec.ID),
		Tail:       r.state.TransferTail(r.spec.ID),
		InFlight:   r.msgIDs.count(),
	}
}
