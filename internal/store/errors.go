package store

import "errors"

var (
	ErrNotFound                = errors.New("ticket not found")
	ErrDuplicateSequenceLabel  = errors.New("duplicate sequence label")
	ErrInvalidReference        = errors.New("invalid catalog reference")
	ErrInvalidTransition       = errors.New("invalid ticket transition")
	ErrRescheduleLimitExceeded = errors.New("reschedule limit exceeded")
	ErrEmptyQueue              = errors.New("queue is empty")
	ErrNotHeadOfQueue          = errors.New("ticket is not at the head of its queue")
	ErrInvalidSchedule         = errors.New("scheduled time must be in the future")
	ErrInvariantViolation      = errors.New("queue invariant violation")
	ErrAuditChainBroken        = errors.New("ticket audit chain broken")
)
