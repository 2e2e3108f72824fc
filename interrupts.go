package cipc

import (
	"context"
	"fmt"
	"time"
)

const DefaultPollInterval = 10 * time.Millisecond

// PollSource fires on a fixed interval, for devices whose interrupt line is
// not reachable from userspace.
type PollSource struct {
	t *time.Ticker
}

func NewPollSource(interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollSource{t: time.NewTicker(interval)}
}

func (p *PollSource) Wait(ctx context.Context) error {
	select {
	case <-p.t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PollSource) Close() error {
	p.t.Stop()
	return nil
}

type interruptSource interface {
	InterruptSource
	Close() error
}

// newInterruptSource picks the interrupt source named by device.interrupts.
func newInterruptSource(mode string, fd int, interval time.Duration) (interruptSource, error) {
	switch mode {
	case "", "poll":
		return NewPollSource(interval), nil
	case "eventfd":
		return newEventFDSource(fd)
	default:
		return nil, fmt.Errorf("%w: unknown interrupt source %q", ErrInvalidConfig, mode)
	}
}
