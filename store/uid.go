package store

import (
	"fmt"
	"math"
)

// UIDSequencer assigns UIDs for messages added to a mailbox. Messages must be
// presented in the order they should be numbered, UIDs are assigned in
// increasing order without gaps.
type UIDSequencer struct {
	next UID
}

// NewUIDSequencer returns a sequencer starting at a mailbox's UIDNext.
func NewUIDSequencer(uidNext UID) *UIDSequencer {
	if uidNext == 0 {
		uidNext = 1
	}
	return &UIDSequencer{next: uidNext}
}

// Assign returns the UID for the next message.
func (s *UIDSequencer) Assign() (UID, error) {
	if s.next == math.MaxUint32 {
		return 0, fmt.Errorf("%w: uidnext %d", ErrUIDSpaceExhaust, s.next)
	}
	uid := s.next
	s.next++
	return uid, nil
}

// Next returns the UIDNext to store on the mailbox after all assignments.
func (s *UIDSequencer) Next() UID {
	return s.next
}
