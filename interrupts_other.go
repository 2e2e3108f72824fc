//go:build !linux

package cipc

import "fmt"

func newEventFDSource(int) (interruptSource, error) {
	return nil, fmt.Errorf("%w: eventfd interrupts are only supported on linux", ErrInvalidConfig)
}
