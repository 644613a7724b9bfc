// Package board holds the replicated board model: cards, votes, phase, and
// the last-writer-wins merge rules that keep every replica convergent. The
// relay never imports the merge logic; it lives here so clients (and tests)
// share one implementation.
package board

// Column is one of the two board columns.
type Column string

const (
	ColumnWell  Column = "well"
	ColumnDelta Column = "delta"
)

// Valid reports whether c is a known column.
func (c Column) Valid() bool {
	return c == ColumnWell || c == ColumnDelta
}

// Phase is the board lifecycle phase. It only ever moves forward, from
// forming to reviewing, within one board lifetime.
type Phase string

const (
	PhaseForming   Phase = "forming"
	PhaseReviewing Phase = "reviewing"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseForming || p == PhaseReviewing
}

// Card is a single board entry. Identity is ID; the copy with the highest
// (Rev, AuthorID) pair wins a merge. Deleted cards stay around as tombstones
// so a merge cannot resurrect them.
type Card struct {
	ID        string `json:"id"`
	Column    Column `json:"column"`
	Text      string `json:"text"`
	AuthorID  string `json:"authorId"`
	Rev       uint64 `json:"rev"`
	IsDeleted bool   `json:"isDeleted,omitempty"`
}

// Vote is one participant's vote on one card. At most one live vote exists
// per (card, voter) pair; its identity is CardID + ":" + VoterID.
type Vote struct {
	ID        string `json:"id"`
	CardID    string `json:"cardId"`
	VoterID   string `json:"voterId"`
	Rev       uint64 `json:"rev"`
	IsDeleted bool   `json:"isDeleted,omitempty"`
}

// VoteID builds the composite vote identity.
func VoteID(cardID, voterID string) string {
	return cardID + ":" + voterID
}

// StateVersion is the serialization version stamped into persisted states.
const StateVersion = 1

// State is one replica's view of a board. No replica is authoritative; all
// of them converge through Merge.
type State struct {
	Version int             `json:"version"`
	Phase   Phase           `json:"phase"`
	Cards   map[string]Card `json:"cards"`
	Votes   map[string]Vote `json:"votes"`
}

// NewState returns an empty board in the forming phase.
func NewState() *State {
	return &State{
		Version: StateVersion,
		Phase:   PhaseForming,
		Cards:   make(map[string]Card),
		Votes:   make(map[string]Vote),
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	out := &State{
		Version: s.Version,
		Phase:   s.Phase,
		Cards:   make(map[string]Card, len(s.Cards)),
		Votes:   make(map[string]Vote, len(s.Votes)),
	}
	for id, c := range s.Cards {
		out.Cards[id] = c
	}
	for id, v := range s.Votes {
		out.Votes[id] = v
	}
	return out
}

// CardList returns the cards as a slice, for snapshot frames.
func (s *State) CardList() []Card {
	out := make([]Card, 0, len(s.Cards))
	for _, c := range s.Cards {
		out = append(out, c)
	}
	return out
}

// VoteList returns the votes as a slice, for snapshot frames.
func (s *State) VoteList() []Vote {
	out := make([]Vote, 0, len(s.Votes))
	for _, v := range s.Votes {
		out = append(out, v)
	}
	return out
}

// LiveVotesFor counts non-tombstoned votes on one card.
func (s *State) LiveVotesFor(cardID string) int {
	n := 0
	for _, v := range s.Votes {
		if v.CardID == cardID && !v.IsDeleted {
			n++
		}
	}
	return n
}
