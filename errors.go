package cipc

import (
	"errors"
	"fmt"
)

var (
	ErrRingFull          = errors.New("ring is full")
	ErrPayloadTooLarge   = errors.New("payload is too large for ring")
	ErrInvalidRing       = errors.New("operation is not valid for ring")
	ErrRingDisabled      = errors.New("ring is disabled")
	ErrTimeout           = errors.New("timed out waiting for device acknowledgement")
	ErrStaleGeneration   = errors.New("message id is from an older ring generation")
	ErrInvalidID         = errors.New("message id is out of range")
	ErrUnusedID          = errors.New("message id is not in flight")
	ErrBringUpFailed     = errors.New("device bring-up failed")
	ErrProtocolViolation = errors.New("device violated the ring protocol")
	ErrUnsupportedKind   = errors.New("packet kind can not be submitted")
	ErrInvalidConfig     = errors.New("invalid ring configuration")
)

// BringUpError reports the handshake phase that failed.
type BringUpError struct {
	Phase int
	Err   error
}

func (e *BringUpError) Error() string {
	return fmt.Sprintf("%s in phase %d: %v", ErrBringUpFailed, e.Phase, e.Err)
}

func (e *BringUpError) Is(target error) bool {
	return target == ErrBringUpFailed
}

func (e *BringUpError) Unwrap() error {
	return e.Err
}
