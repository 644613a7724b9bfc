package board

import "testing"

func TestSeenOps(t *testing.T) {
	seen := NewSeenOps()

	if seen.IsDuplicate("op-1") {
		t.Error("first sight flagged as duplicate")
	}
	if !seen.IsDuplicate("op-1") {
		t.Error("second sight not flagged")
	}

	seen.MarkSeen("op-2")
	if !seen.IsDuplicate("op-2") {
		t.Error("locally marked op not flagged on echo")
	}

	if seen.Len() != 2 {
		t.Errorf("expected 2 recorded ops, got %d", seen.Len())
	}
}

func TestReadyQuorum(t *testing.T) {
	cases := []struct {
		participants int
		want         int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},  // ceil(1.8)
		{5, 3},  // ceil(3.0)
		{6, 4},  // ceil(3.6)
		{10, 6},
		{20, 12},
	}

	for _, tc := range cases {
		if got := ReadyQuorum(tc.participants); got != tc.want {
			t.Errorf("ReadyQuorum(%d) = %d, want %d", tc.participants, got, tc.want)
		}
	}

	if QuorumReached(0, 0) {
		t.Error("empty board reached quorum")
	}
	if QuorumReached(5, 2) {
		t.Error("2 of 5 should not reach quorum")
	}
	if !QuorumReached(5, 3) {
		t.Error("3 of 5 should reach quorum")
	}
}
