package cipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/config"
	"github.com/slackhq/cipc/dma"
	"github.com/slackhq/cipc/pcie"
	"github.com/slackhq/cipc/wire"
)

const (
	DefaultTimeout        = time.Second
	DefaultBringUpTimeout = time.Second
)

type RingSetConfig struct {
	Table RingTable
	// Timeout bounds every wait for a device acknowledgement.
	Timeout time.Duration
	// BringUpTimeout bounds every handshake phase.
	BringUpTimeout time.Duration
}

// NewRingSetConfigFromConfig reads the transport.* and rings.* settings.
func NewRingSetConfigFromConfig(c *config.C) (RingSetConfig, error) {
	t, err := NewRingTableFromConfig(c)
	if err != nil {
		return RingSetConfig{}, err
	}

	return RingSetConfig{
		Table:          t,
		Timeout:        c.GetDuration("transport.timeout", DefaultTimeout),
		BringUpTimeout: c.GetDuration("transport.bringup_timeout", DefaultBringUpTimeout),
	}, nil
}

// ringLifecycle is implemented by both ring families.
type ringLifecycle interface {
	Create(ctx context.Context, control *TransferRing) error
	Destroy(ctx context.Context, control *TransferRing) error
	Enabled() bool
}

// RingSet owns every ring, the shared ring state block and the context block
// that describes them to the device.
type RingSet struct {
	l     *logrus.Logger
	regs  pcie.Registers
	alloc dma.Allocator
	cfg   RingSetConfig

	state          *StateBlock
	stateRegion    *dma.Region
	context        *dma.Region
	peripheralInfo *dma.Region

	transfer   [numTransferRings]*TransferRing
	completion [numCompletionRings]*CompletionRing

	// event is signalled by the dispatcher when the device changes its
	// bootstage or RTI status.
	event chan struct{}
}

// NewRingSet allocates the memory of every ring. Nothing is handed to the
// device until BringUp.
func NewRingSet(l *logrus.Logger, regs pcie.Registers, alloc dma.Allocator, cfg RingSetConfig) (_ *RingSet, err error) {
	if err := cfg.Table.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BringUpTimeout <= 0 {
		cfg.BringUpTimeout = DefaultBringUpTimeout
	}

	rs := &RingSet{
		l:     l,
		regs:  regs,
		alloc: alloc,
		cfg:   cfg,
		event: make(chan struct{}, 1),
	}

	// The first failed allocation aborts, releasing everything allocated so
	// far.
	defer func() {
		if err != nil {
			if ferr := rs.Free(); ferr != nil {
				l.WithError(ferr).Error("Failed to release ring memory")
			}
		}
	}()

	if rs.stateRegion, err = alloc.Alloc(wire.RingStateLen); err != nil {
		return nil, fmt.Errorf("allocate ring state: %w", err)
	}
	if rs.state, err = newStateBlock(rs.stateRegion); err != nil {
		return nil, err
	}
	if rs.context, err = alloc.Alloc(wire.ContextLen); err != nil {
		return nil, fmt.Errorf("allocate context: %w", err)
	}
	if rs.peripheralInfo, err = alloc.Alloc(wire.PeripheralInfoLen); err != nil {
		return nil, fmt.Errorf("allocate peripheral info: %w", err)
	}

	for i, spec := range cfg.Table.Completion {
		if rs.completion[i], err = newCompletionRing(l, spec, rs.state, alloc); err != nil {
			return nil, err
		}
	}

	for i, spec := range cfg.Table.Transfer {
		if rs.transfer[i], err = newTransferRing(l, spec, rs.state, regs, alloc, cfg.Timeout); err != nil {
			return nil, err
		}
	}

	for _, c := range rs.completion {
		c.routes = &rs.transfer
	}

	rs.writeContext()
	return rs, nil
}

// Free releases the memory of every ring. The device must no longer be
// using it.
func (rs *RingSet) Free() error {
	var errs []error
	for _, t := range rs.transfer {
		if t != nil {
			errs = append(errs, t.free(rs.alloc))
		}
	}
	for _, c := range rs.completion {
		if c != nil {
			errs = append(errs, c.free(rs.alloc))
		}
	}
	for _, r := range []**dma.Region{&rs.peripheralInfo, &rs.context, &rs.stateRegion} {
		if *r != nil {
			errs = append(errs, rs.alloc.Free(*r))
			*r = nil
		}
	}
	return errors.Join(errs...)
}

func (rs *RingSet) Transfer(id TransferRingID) *TransferRing {
	if id >= numTransferRings {
		return nil
	}
	return rs.transfer[id]
}

func (rs *RingSet) Completion(id CompletionRingID) *CompletionRing {
	if id >= numCompletionRings {
		return nil
	}
	return rs.completion[id]
}

// ContextAddr returns the bus address of the context block.
func (rs *RingSet) ContextAddr() uint64 {
	return rs.context.Addr
}

func (rs *RingSet) signalEvent() {
	select {
	case rs.event <- struct{}{}:
	default:
	}
}

func (rs *RingSet) waitEvent(ctx context.Context) error {
	timer := time.NewTimer(rs.cfg.BringUpTimeout)
	defer timer.Stop()

	select {
	case <-rs.event:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rs *RingSet) rtiPhase(ctx context.Context, phase uint32) error {
	rs.regs.Write32(pcie.BAR0, pcie.Bar0RTIControl, phase)

	if err := rs.waitEvent(ctx); err != nil {
		return &BringUpError{Phase: int(phase), Err: err}
	}

	if st := rs.regs.Read32(pcie.BAR2, pcie.Bar2RTIStatus); st != phase {
		return &BringUpError{Phase: int(phase), Err: fmt.Errorf("device reports rti status %d", st)}
	}

	rs.l.WithField("phase", phase).Debug("RTI phase acknowledged")
	return nil
}

// BringUp hands the context block to the device and walks it through the
// RTI handshake. The dispatcher must be running, it delivers the status
// change events. Afterwards only the control rings are usable.
func (rs *RingSet) BringUp(ctx context.Context) error {
	// Forget status changes from before the handshake.
	select {
	case <-rs.event:
	default:
	}

	if err := rs.rtiPhase(ctx, pcie.RTIStart); err != nil {
		return err
	}

	// Let the device reach the whole DMA window again.
	rs.regs.Write32(pcie.BAR2, pcie.Bar2RTIWindowLo, 0)
	rs.regs.Write32(pcie.BAR2, pcie.Bar2RTIWindowHi, 0)
	rs.regs.Write32(pcie.BAR2, pcie.Bar2RTIWindowSize, pcie.DMAMask)

	addr := rs.context.Addr
	rs.regs.Write32(pcie.BAR2, pcie.Bar2ContextAddrLo, uint32(addr))
	rs.regs.Write32(pcie.BAR2, pcie.Bar2ContextAddrHi, uint32(addr>>32))

	if err := rs.rtiPhase(ctx, pcie.RTIReady); err != nil {
		return err
	}

	rs.completion[CompletionControlAck].enable()
	rs.transfer[RingControl].enable()

	rs.l.WithField("context", fmt.Sprintf("0x%x", addr)).Info("Device is ready, control ring is up")
	return nil
}

// openOrder lists the rings in the order they are created. Completion rings
// come first so no transfer ring references a missing completion ring.
func (rs *RingSet) openOrder() []ringLifecycle {
	return []ringLifecycle{
		rs.completion[CompletionHCIACLAck],
		rs.completion[CompletionHCIACLEvent],
		rs.completion[CompletionSCOAck],
		rs.completion[CompletionSCOEvent],
		rs.transfer[RingHCIH2D],
		rs.transfer[RingHCID2H],
		rs.transfer[RingSCOH2D],
		rs.transfer[RingSCOD2H],
		rs.transfer[RingACLH2D],
		rs.transfer[RingACLD2H],
	}
}

// Open creates every ring besides the control rings. On failure the rings
// created so far are destroyed again.
func (rs *RingSet) Open(ctx context.Context) error {
	control := rs.transfer[RingControl]
	order := rs.openOrder()

	for i, r := range order {
		err := r.Create(ctx, control)
		if err == nil {
			continue
		}

		// Unwind even if ctx is what failed us.
		uctx := context.WithoutCancel(ctx)
		for j := i - 1; j >= 0; j-- {
			_ = order[j].Destroy(uctx, control)
		}
		return fmt.Errorf("open rings: %w", err)
	}

	rs.l.Info("All rings are open")
	return nil
}

// Close destroys every enabled ring in the reverse order of Open.
func (rs *RingSet) Close(ctx context.Context) error {
	control := rs.transfer[RingControl]
	order := rs.openOrder()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if !order[i].Enabled() {
			continue
		}
		if err := order[i].Destroy(ctx, control); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close rings: %w", err)
	}
	rs.l.Info("All rings are closed")
	return nil
}

// RingSetState is a point in time view of every ring.
type RingSetState struct {
	Transfer   []TransferRingState   `json:"transfer"`
	Completion []CompletionRingState `json:"completion"`
}

func (rs *RingSet) Snapshot() RingSetState {
	s := RingSetState{
		Transfer:   make([]TransferRingState, 0, numTransferRings),
		Completion: make([]CompletionRingState, 0, numCompletionRings),
	}
	for _, t := range rs.transfer {
		s.Transfer = append(s.Transfer, t.Snapshot())
	}
	for _, c := range rs.completion {
		s.Completion = append(s.Completion, c.Snapshot())
	}
	return s
}
