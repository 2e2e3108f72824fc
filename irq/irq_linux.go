//go:build linux

// Package irq turns an eventfd the kernel signals on device interrupts into a
// context aware wait.
package irq

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 2),
	}, nil
}

func (ep *Epoll) Add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Block waits until at least one registered fd is readable and returns the
// readable fds.
func (ep *Epoll) Block() ([]int, error) {
	for {
		n, err := unix.EpollWait(ep.fd, ep.events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}

		fds := make([]int, n)
		for i := 0; i < n; i++ {
			fds[i] = int(ep.events[i].Fd)
		}
		return fds, nil
	}
}

func (ep *Epoll) Close() error {
	if ep.fd > 0 {
		err := unix.Close(ep.fd)
		ep.fd = -1
		return err
	}
	return nil
}

// Source waits on an interrupt eventfd. A second, private eventfd lets a
// cancelled context interrupt the wait.
type Source struct {
	irq  eventfd.Eventfd
	wake eventfd.Eventfd
	ep   *Epoll
}

// NewSource creates the interrupt eventfd. Hand Source.FD to whatever signals
// interrupts, for vfio that is VFIO_DEVICE_SET_IRQS.
func NewSource() (_ *Source, err error) {
	irq, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("create interrupt eventfd: %w", err)
	}
	return wrapSource(irq)
}

// WrapSource waits on an existing interrupt eventfd. The Source takes
// ownership of it.
func WrapSource(fd int) (*Source, error) {
	return wrapSource(eventfd.Wrap(fd))
}

func wrapSource(irq eventfd.Eventfd) (_ *Source, err error) {
	s := &Source{irq: irq}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.wake, err = eventfd.Create(); err != nil {
		return nil, fmt.Errorf("create wake eventfd: %w", err)
	}
	if s.ep, err = NewEpoll(); err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	if err = s.ep.Add(s.irq.FD()); err != nil {
		return nil, fmt.Errorf("watch interrupt eventfd: %w", err)
	}
	if err = s.ep.Add(s.wake.FD()); err != nil {
		return nil, fmt.Errorf("watch wake eventfd: %w", err)
	}
	return s, nil
}

func (s *Source) FD() int {
	return s.irq.FD()
}

// Wait blocks until an interrupt arrived or ctx is done. Interrupts that
// arrived while nobody waited are coalesced into one.
func (s *Source) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.wake.Notify()
	})
	defer stop()

	for {
		fds, err := s.ep.Block()
		if err != nil {
			return err
		}

		fired := false
		for _, fd := range fds {
			switch fd {
			case s.irq.FD():
				if _, err := s.irq.Read(); err != nil {
					return fmt.Errorf("read interrupt eventfd: %w", err)
				}
				fired = true
			case s.wake.FD():
				if _, err := s.wake.Read(); err != nil {
					return fmt.Errorf("read wake eventfd: %w", err)
				}
			}
		}

		if fired {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Source) Close() error {
	var errs []error
	if s.ep != nil {
		errs = append(errs, s.ep.Close())
	}
	if s.wake.FD() > 0 {
		errs = append(errs, s.wake.Close())
	}
	if s.irq.FD() > 0 {
		errs = append(errs, s.irq.Close())
	}
	return errors.Join(errs...)
}
