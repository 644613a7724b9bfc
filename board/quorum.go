package board

import "math"

// ReadyQuorum is the minimum ready-participant count required before any
// client may trigger the forming→reviewing transition. With one or two
// participants everyone must be ready; beyond that, 60% rounded up.
func ReadyQuorum(participants int) int {
	if participants <= 2 {
		return participants
	}
	return int(math.Ceil(0.6 * float64(participants)))
}

// QuorumReached reports whether readyCount satisfies the quorum for
// participants. An empty board never reaches quorum.
func QuorumReached(participants, readyCount int) bool {
	return participants > 0 && readyCount >= ReadyQuorum(participants)
}
