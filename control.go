package cipc

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/dma"
	"github.com/slackhq/cipc/pcie"
	"golang.org/x/sync/errgroup"
)

// Control owns a running transport: the ring set, the dispatcher serving it
// and everything they were built on.
type Control struct {
	l          *logrus.Logger
	rs         *RingSet
	dispatcher *Dispatcher
	transport  *Transport
	src        InterruptSource

	// closers are released in order once the rings are gone.
	closers    []io.Closer
	statsStart func()
	infoStart  func()
	reloadFn   func(ctx context.Context)

	ctx      context.Context
	cancel   context.CancelFunc
	eg       *errgroup.Group
	stopOnce sync.Once
}

// ControlState is a point in time view of the transport.
type ControlState struct {
	Bootstage uint32       `json:"bootstage"`
	RTIStatus uint32       `json:"rtiStatus"`
	Rings     RingSetState `json:"rings"`
}

// NewControl builds a transport on top of already opened registers and
// allocator. The allocator is closed with the Control.
func NewControl(l *logrus.Logger, regs pcie.Registers, alloc dma.Allocator, src InterruptSource, cfg RingSetConfig) (*Control, error) {
	rs, err := NewRingSet(l, regs, alloc, cfg)
	if err != nil {
		return nil, err
	}

	t := NewTransport(l, rs)
	ctrl := &Control{
		l:          l,
		rs:         rs,
		transport:  t,
		dispatcher: NewDispatcher(l, rs, t),
		src:        src,
	}
	registerRingGauges(rs)
	if c, ok := src.(io.Closer); ok {
		ctrl.closers = append(ctrl.closers, c)
	}
	if c, ok := alloc.(io.Closer); ok {
		ctrl.closers = append(ctrl.closers, c)
	}
	return ctrl, nil
}

// Start runs the dispatcher, brings the device up and opens every ring. On
// failure everything is torn down again, the Control can not be restarted.
func (c *Control) Start() error {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.eg = new(errgroup.Group)

	c.eg.Go(func() error {
		return c.dispatcher.Run(c.ctx, c.src)
	})

	if c.statsStart != nil {
		go c.statsStart()
	}
	if c.infoStart != nil {
		go c.infoStart()
	}
	if c.reloadFn != nil {
		c.reloadFn(c.ctx)
	}

	if err := c.rs.BringUp(c.ctx); err != nil {
		c.l.WithError(err).Error("Device bring-up failed")
		c.Stop()
		return err
	}

	if err := c.rs.Open(c.ctx); err != nil {
		c.l.WithError(err).Error("Failed to open rings")
		c.Stop()
		return err
	}

	return nil
}

// Stop destroys every ring and releases all memory, returns after the
// shutdown is complete.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			// The dispatcher has to keep running to see the device acknowledge.
			ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			if err := c.rs.Close(ctx); err != nil {
				c.l.WithError(err).Error("Failed to close rings")
			}
			cancel()

			c.cancel()
			if err := c.eg.Wait(); err != nil {
				c.l.WithError(err).Error("Dispatcher stopped with an error")
			}
		}

		var errs []error
		if c.rs != nil {
			unregisterRingGauges()
			errs = append(errs, c.rs.Free())
		}
		for _, closer := range c.closers {
			errs = append(errs, closer.Close())
		}
		if err := errors.Join(errs...); err != nil {
			c.l.WithError(err).Error("Failed to release resources")
		}

		c.l.Info("Goodbye")
	})
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Transport returns the packet interface of the running device.
func (c *Control) Transport() *Transport {
	return c.transport
}

func (c *Control) Snapshot() ControlState {
	bootstage, rti := c.dispatcher.Status()
	return ControlState{
		Bootstage: bootstage,
		RTIStatus: rti,
		Rings:     c.rs.Snapshot(),
	}
}
