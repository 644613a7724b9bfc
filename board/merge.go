package board

// MergeCard implements last-writer-wins for a single card:
// - Higher Rev wins.
// - If Rev ties, higher AuthorID (lexicographically) wins, for determinism.
// - If both tie, the tombstone wins, so a replayed create/edit at the same
//   rev and author can never undelete.
func MergeCard(local, remote Card) Card {
	if remote.Rev != local.Rev {
		if remote.Rev > local.Rev {
			return remote
		}
		return local
	}
	if remote.AuthorID != local.AuthorID {
		if remote.AuthorID > local.AuthorID {
			return remote
		}
		return local
	}
	if remote.IsDeleted && !local.IsDeleted {
		return remote
	}
	return local
}

// MergeVote is the same order as MergeCard, keyed on VoterID.
func MergeVote(local, remote Vote) Vote {
	if remote.Rev != local.Rev {
		if remote.Rev > local.Rev {
			return remote
		}
		return local
	}
	if remote.VoterID != local.VoterID {
		if remote.VoterID > local.VoterID {
			return remote
		}
		return local
	}
	if remote.IsDeleted && !local.IsDeleted {
		return remote
	}
	return local
}

// MergePhase is a one-way OR: reviewing dominates forming unconditionally.
func MergePhase(local, remote Phase) Phase {
	if local == PhaseReviewing || remote == PhaseReviewing {
		return PhaseReviewing
	}
	return PhaseForming
}

// MergeState unions both maps by identity, applies the per-entity rule to
// each shared key, and reports whether the result differs from local. The
// inputs are not mutated. Merging a state with itself is a no-op, and the
// operation commutes: MergeState(a, b) and MergeState(b, a) produce the same
// state.
func MergeState(local, remote *State) (*State, bool) {
	out := local.Clone()
	changed := false

	if p := MergePhase(local.Phase, remote.Phase); p != out.Phase {
		out.Phase = p
		changed = true
	}

	for id, rc := range remote.Cards {
		lc, ok := out.Cards[id]
		if !ok {
			out.Cards[id] = rc
			changed = true
			continue
		}
		if win := MergeCard(lc, rc); win != lc {
			out.Cards[id] = win
			changed = true
		}
	}

	for id, rv := range remote.Votes {
		lv, ok := out.Votes[id]
		if !ok {
			out.Votes[id] = rv
			changed = true
			continue
		}
		if win := MergeVote(lv, rv); win != lv {
			out.Votes[id] = win
			changed = true
		}
	}

	return out, changed
}
