package services

import "errors"

// Typed engine errors. Handlers map these onto response payloads that tell
// retryable conditions apart from terminal ones.
var (
	// Retryable: the caller may re-read state and try again.
	ErrVersionConflict = errors.New("packet version conflict, retry against current state")
	ErrVRFDelayed      = errors.New("randomness fulfillment delayed, packet still pending")
	ErrRollbackPending = errors.New("reorg rollback in progress for this packet")

	// Terminal: the packet can no longer accept the operation.
	ErrPacketFullyClaimed = errors.New("packet already fully claimed")
	ErrPacketExpired      = errors.New("packet expired")
	ErrPacketRefunded     = errors.New("packet refunded")
	ErrPacketNotFound     = errors.New("packet not found")
)

// Retryable reports whether the caller may safely retry after re-reading state.
func Retryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrVRFDelayed) ||
		errors.Is(err, ErrRollbackPending)
}
