//go:build linux

package cipc

import (
	"github.com/slackhq/cipc/irq"
)

func newEventFDSource(fd int) (interruptSource, error) {
	var (
		s   *irq.Source
		err error
	)
	if fd > 0 {
		s, err = irq.WrapSource(fd)
	} else {
		s, err = irq.NewSource()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
