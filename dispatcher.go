package cipc

import (
	"context"
	"errors"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/pcie"
)

// pollOrder is the order completion rings are drained on an interrupt.
// Control acks go first so ring creation never waits behind traffic.
var pollOrder = [numCompletionRings]CompletionRingID{
	CompletionControlAck,
	CompletionHCIACLEvent,
	CompletionHCIACLAck,
	CompletionSCOAck,
	CompletionSCOEvent,
}

// InterruptSource blocks until the device raised an interrupt.
type InterruptSource interface {
	Wait(ctx context.Context) error
}

// Dispatcher turns device interrupts into status change events and
// completion ring polls. Only one goroutine may call HandleInterrupt at a
// time, it is the single consumer of every completion ring.
type Dispatcher struct {
	l  *logrus.Logger
	rs *RingSet
	d  Deliverer

	mu         sync.Mutex
	bootstage  uint32
	rtiStatus  uint32
	interrupts metrics.Counter
}

func NewDispatcher(l *logrus.Logger, rs *RingSet, d Deliverer) *Dispatcher {
	return &Dispatcher{
		l:          l,
		rs:         rs,
		d:          d,
		bootstage:  rs.regs.Read32(pcie.BAR2, pcie.Bar2Bootstage),
		rtiStatus:  rs.regs.Read32(pcie.BAR2, pcie.Bar2RTIStatus),
		interrupts: metrics.GetOrRegisterCounter("interrupts", nil),
	}
}

// HandleInterrupt services one interrupt and returns the number of
// completion entries consumed.
func (d *Dispatcher) HandleInterrupt() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.interrupts.Inc(1)

	bootstage := d.rs.regs.Read32(pcie.BAR2, pcie.Bar2Bootstage)
	rtiStatus := d.rs.regs.Read32(pcie.BAR2, pcie.Bar2RTIStatus)

	if bootstage != d.bootstage || rtiStatus != d.rtiStatus {
		d.l.WithField("bootstage", bootstage).
			WithField("rtiStatus", rtiStatus).
			WithField("previousBootstage", d.bootstage).
			WithField("previousRtiStatus", d.rtiStatus).
			Debug("Device status changed")

		d.bootstage = bootstage
		d.rtiStatus = rtiStatus
		d.rs.signalEvent()
	}

	n := 0
	for _, id := range pollOrder {
		n += d.rs.completion[id].Poll(d.d)
	}
	return n
}

// Status returns the bootstage and RTI status seen on the last interrupt.
func (d *Dispatcher) Status() (bootstage, rtiStatus uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootstage, d.rtiStatus
}

// Run services interrupts from src until ctx is done or src fails.
func (d *Dispatcher) Run(ctx context.Context, src InterruptSource) error {
	for {
		if err := src.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			d.l.WithError(err).Error("Interrupt source failed")
			return err
		}
		d.HandleInterrupt()
	}
}
