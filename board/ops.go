package board

// CardAction is the kind of card operation.
type CardAction string

const (
	CardCreate CardAction = "create"
	CardEdit   CardAction = "edit"
	CardDelete CardAction = "delete"
)

// Valid reports whether a is a known card action.
func (a CardAction) Valid() bool {
	return a == CardCreate || a == CardEdit || a == CardDelete
}

// VoteAction is the kind of vote operation.
type VoteAction string

const (
	VoteAdd    VoteAction = "add"
	VoteRemove VoteAction = "remove"
)

// Valid reports whether a is a known vote action.
func (a VoteAction) Valid() bool {
	return a == VoteAdd || a == VoteRemove
}

// CardOp is one card mutation, delivered at-least-once and deduplicated by
// OpID. Column and Text are only meaningful for create/edit.
type CardOp struct {
	OpID     string     `json:"opId"`
	Phase    Phase      `json:"phase"`
	Action   CardAction `json:"action"`
	CardID   string     `json:"cardId"`
	Rev      uint64     `json:"rev"`
	AuthorID string     `json:"authorId"`
	Column   Column     `json:"column,omitempty"`
	Text     string     `json:"text,omitempty"`
}

// VoteOp is one vote mutation.
type VoteOp struct {
	OpID    string     `json:"opId"`
	Phase   Phase      `json:"phase"`
	Action  VoteAction `json:"action"`
	CardID  string     `json:"cardId"`
	VoterID string     `json:"voterId"`
	Rev     uint64     `json:"rev"`
}

// card materializes the op as the card version it asserts. A delete keeps
// whatever column/text the replica already holds; the tombstone flag and rev
// are what matter.
func (op CardOp) card(existing Card, haveExisting bool) Card {
	c := Card{
		ID:       op.CardID,
		Column:   op.Column,
		Text:     op.Text,
		AuthorID: op.AuthorID,
		Rev:      op.Rev,
	}
	if op.Action == CardDelete {
		c.IsDeleted = true
		if haveExisting {
			c.Column = existing.Column
			c.Text = existing.Text
		}
	}
	return c
}

// vote materializes the op as the vote version it asserts.
func (op VoteOp) vote() Vote {
	return Vote{
		ID:        VoteID(op.CardID, op.VoterID),
		CardID:    op.CardID,
		VoterID:   op.VoterID,
		Rev:       op.Rev,
		IsDeleted: op.Action == VoteRemove,
	}
}

// ApplyCardOp merges the card version asserted by op into s and reports
// whether the stored card changed. Callers validate first; apply itself is
// pure merge, so replaying an op is harmless.
func (s *State) ApplyCardOp(op CardOp) bool {
	existing, ok := s.Cards[op.CardID]
	next := op.card(existing, ok)
	if !ok {
		s.Cards[op.CardID] = next
		return true
	}
	win := MergeCard(existing, next)
	if win == existing {
		return false
	}
	s.Cards[op.CardID] = win
	return true
}

// ApplyVoteOp merges the vote version asserted by op into s and reports
// whether the stored vote changed.
func (s *State) ApplyVoteOp(op VoteOp) bool {
	next := op.vote()
	existing, ok := s.Votes[next.ID]
	if !ok {
		s.Votes[next.ID] = next
		return true
	}
	win := MergeVote(existing, next)
	if win == existing {
		return false
	}
	s.Votes[next.ID] = win
	return true
}
