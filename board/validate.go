package board

import (
	"errors"
	"fmt"
)

// Validation errors. Staleness (ErrStaleRev, ErrStalePhase) and authorship
// mismatches are expected under concurrent editing and are dropped silently
// by callers; malformed ops indicate a broken or hostile peer.
var (
	ErrMalformedOp      = errors.New("malformed operation")
	ErrStaleRev         = errors.New("stale revision")
	ErrStalePhase       = errors.New("stale phase")
	ErrAuthorMismatch   = errors.New("author does not match sender")
	ErrRevNotSequential = errors.New("local revision must increment by one")
	ErrPhaseMismatch    = errors.New("operation phase does not match board phase")
	ErrBoardLocked      = errors.New("board is in the reviewing phase")
)

// Stale reports whether err is an expected concurrent-editing signal rather
// than a real fault.
func Stale(err error) bool {
	return errors.Is(err, ErrStaleRev) || errors.Is(err, ErrStalePhase) || errors.Is(err, ErrAuthorMismatch)
}

func (op CardOp) wellFormed() error {
	switch {
	case op.OpID == "":
		return fmt.Errorf("%w: missing opId", ErrMalformedOp)
	case op.CardID == "":
		return fmt.Errorf("%w: missing cardId", ErrMalformedOp)
	case op.AuthorID == "":
		return fmt.Errorf("%w: missing authorId", ErrMalformedOp)
	case !op.Action.Valid():
		return fmt.Errorf("%w: unknown card action %q", ErrMalformedOp, op.Action)
	case !op.Phase.Valid():
		return fmt.Errorf("%w: unknown phase %q", ErrMalformedOp, op.Phase)
	case op.Rev < 1:
		return fmt.Errorf("%w: rev must be >= 1", ErrMalformedOp)
	}
	if op.Action != CardDelete && !op.Column.Valid() {
		return fmt.Errorf("%w: unknown column %q", ErrMalformedOp, op.Column)
	}
	return nil
}

func (op VoteOp) wellFormed() error {
	switch {
	case op.OpID == "":
		return fmt.Errorf("%w: missing opId", ErrMalformedOp)
	case op.CardID == "":
		return fmt.Errorf("%w: missing cardId", ErrMalformedOp)
	case op.VoterID == "":
		return fmt.Errorf("%w: missing voterId", ErrMalformedOp)
	case !op.Action.Valid():
		return fmt.Errorf("%w: unknown vote action %q", ErrMalformedOp, op.Action)
	case !op.Phase.Valid():
		return fmt.Errorf("%w: unknown phase %q", ErrMalformedOp, op.Phase)
	case op.Rev < 1:
		return fmt.Errorf("%w: rev must be >= 1", ErrMalformedOp)
	}
	return nil
}

// ValidateIncomingCardOp guards a card op received from a peer. A rev
// strictly below the stored one is a definite staleness signal and never
// reaches the merge; equal or higher revs pass through so the merge rule can
// do the authoritative tie-break. senderID is the relay-tagged identity of
// the sending connection.
func (s *State) ValidateIncomingCardOp(op CardOp, senderID string) error {
	if err := op.wellFormed(); err != nil {
		return err
	}
	if op.Phase == PhaseForming && s.Phase == PhaseReviewing {
		return ErrStalePhase
	}
	if senderID != "" && op.AuthorID != senderID {
		return fmt.Errorf("%w: author %q, sender %q", ErrAuthorMismatch, op.AuthorID, senderID)
	}
	if existing, ok := s.Cards[op.CardID]; ok && op.Rev < existing.Rev {
		return fmt.Errorf("%w: op rev %d below stored rev %d", ErrStaleRev, op.Rev, existing.Rev)
	}
	return nil
}

// ValidateIncomingVoteOp is the vote counterpart of ValidateIncomingCardOp.
func (s *State) ValidateIncomingVoteOp(op VoteOp, senderID string) error {
	if err := op.wellFormed(); err != nil {
		return err
	}
	if op.Phase == PhaseForming && s.Phase == PhaseReviewing {
		return ErrStalePhase
	}
	if senderID != "" && op.VoterID != senderID {
		return fmt.Errorf("%w: voter %q, sender %q", ErrAuthorMismatch, op.VoterID, senderID)
	}
	if existing, ok := s.Votes[VoteID(op.CardID, op.VoterID)]; ok && op.Rev < existing.Rev {
		return fmt.Errorf("%w: op rev %d below stored rev %d", ErrStaleRev, op.Rev, existing.Rev)
	}
	return nil
}

// ValidateLocalCardOp guards a card op originated by this replica before it
// is applied or broadcast. Local ops must increment the stored rev by
// exactly one; a client never skips or replays its own counter.
func (s *State) ValidateLocalCardOp(op CardOp, selfID string) error {
	if err := op.wellFormed(); err != nil {
		return err
	}
	if op.AuthorID != selfID {
		return fmt.Errorf("%w: author %q, acting identity %q", ErrAuthorMismatch, op.AuthorID, selfID)
	}
	if op.Phase != s.Phase {
		return fmt.Errorf("%w: op phase %q, board phase %q", ErrPhaseMismatch, op.Phase, s.Phase)
	}
	var stored uint64
	if existing, ok := s.Cards[op.CardID]; ok {
		stored = existing.Rev
	}
	if op.Rev != stored+1 {
		return fmt.Errorf("%w: stored rev %d, op rev %d", ErrRevNotSequential, stored, op.Rev)
	}
	return nil
}

// ValidateLocalVoteOp is the vote counterpart of ValidateLocalCardOp.
func (s *State) ValidateLocalVoteOp(op VoteOp, selfID string) error {
	if err := op.wellFormed(); err != nil {
		return err
	}
	if op.VoterID != selfID {
		return fmt.Errorf("%w: voter %q, acting identity %q", ErrAuthorMismatch, op.VoterID, selfID)
	}
	if op.Phase != s.Phase {
		return fmt.Errorf("%w: op phase %q, board phase %q", ErrPhaseMismatch, op.Phase, s.Phase)
	}
	var stored uint64
	if existing, ok := s.Votes[VoteID(op.CardID, op.VoterID)]; ok {
		stored = existing.Rev
	}
	if op.Rev != stored+1 {
		return fmt.Errorf("%w: stored rev %d, op rev %d", ErrRevNotSequential, stored, op.Rev)
	}
	return nil
}
