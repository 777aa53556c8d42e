package consensus

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBlock      = errors.New("invalid block")
	ErrInvalidQuorumCert = errors.New("invalid quorum certificate")
	ErrUnknownBlock      = errors.New("unknown block")
	ErrUnsafeVote        = errors.New("unsafe vote")
	// ErrProposalSuperseded is the cancellation cause of an in-flight
	// proposal abandoned for a higher round.
	ErrProposalSuperseded = errors.New("proposal superseded by a higher round")
)

// OldRoundError is returned when the requested round does not exceed the
// round of the highest certified block. The caller should drive a later round.
type OldRoundError struct {
	Round          Round
	CertifiedRound Round
}

func (e OldRoundError) Error() string {
	return fmt.Sprintf("round %d is not above highest certified round %d", e.Round, e.CertifiedRound)
}

func IsOldRoundError(err error) bool {
	var e OldRoundError
	return errors.As(err, &e)
}

// DuplicateRoundError is returned when this replica already proposed for a
// round greater than or equal to the requested one.
type DuplicateRoundError struct {
	Round             Round
	LastProposedRound Round
}

func (e DuplicateRoundError) Error() string {
	return fmt.Sprintf("already proposed in round %d, requested round %d", e.LastProposedRound, e.Round)
}

func IsDuplicateRoundError(err error) bool {
	var e DuplicateRoundError
	return errors.As(err, &e)
}

// UnknownParentError indicates a block whose parent is not in the tree. The
// caller has to fetch the missing ancestor first.
type UnknownParentError struct {
	ParentID Hash
	Round    Round
}

func (e UnknownParentError) Error() string {
	return fmt.Sprintf("unknown parent %s for block at round %d", e.ParentID.Short(), e.Round)
}

func IsUnknownParentError(err error) bool {
	var e UnknownParentError
	return errors.As(err, &e)
}
