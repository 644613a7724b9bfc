package protocol

import (
	"encoding/json"
	"testing"

	"github.com/retroboard/retroboard/board"
)

func TestTagSender(t *testing.T) {
	raw := []byte(`{"type":"cardOp","opId":"op-1","cardId":"c1","rev":3,"text":"hello"}`)

	tagged, err := TagSender(raw, "alice")
	if err != nil {
		t.Fatalf("TagSender: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(tagged, &fields); err != nil {
		t.Fatalf("unmarshal tagged frame: %v", err)
	}
	if fields["senderId"] != "alice" {
		t.Errorf("senderId not stamped: %v", fields)
	}
	// The original payload must pass through untouched.
	if fields["opId"] != "op-1" || fields["rev"] != float64(3) || fields["text"] != "hello" {
		t.Errorf("payload altered: %v", fields)
	}
}

func TestTagSenderOverwritesSpoofedValue(t *testing.T) {
	raw := []byte(`{"type":"cardOp","senderId":"mallory"}`)

	tagged, err := TagSender(raw, "alice")
	if err != nil {
		t.Fatalf("TagSender: %v", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(tagged, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["senderId"] != "alice" {
		t.Errorf("spoofed senderId survived: %v", fields)
	}
}

func TestTagSenderRejectsNonObject(t *testing.T) {
	if _, err := TagSender([]byte(`[1,2,3]`), "alice"); err == nil {
		t.Error("array frame accepted")
	}
	if _, err := TagSender([]byte(`{{`), "alice"); err == nil {
		t.Error("malformed frame accepted")
	}
}

func TestSnapshotRebuild(t *testing.T) {
	st := board.NewState()
	st.Phase = board.PhaseReviewing
	st.Cards["c1"] = board.Card{ID: "c1", Column: board.ColumnWell, Text: "kept", AuthorID: "a", Rev: 2}
	st.Cards["c2"] = board.Card{ID: "c2", Column: board.ColumnDelta, AuthorID: "a", Rev: 3, IsDeleted: true}
	st.Votes["c1:b"] = board.Vote{ID: "c1:b", CardID: "c1", VoterID: "b", Rev: 1}

	snap := Snapshot(st, "joiner")
	if snap.Type != TypeSyncState || snap.TargetClientID != "joiner" {
		t.Fatalf("snapshot header: %+v", snap)
	}
	// Tombstones ride along; receivers need them for merge stickiness.
	if len(snap.Cards) != 2 || len(snap.Votes) != 1 {
		t.Fatalf("snapshot payload: %d cards, %d votes", len(snap.Cards), len(snap.Votes))
	}

	rebuilt := snap.State()
	if rebuilt.Phase != board.PhaseReviewing {
		t.Errorf("phase lost: %s", rebuilt.Phase)
	}
	if rebuilt.Cards["c1"] != st.Cards["c1"] || rebuilt.Cards["c2"] != st.Cards["c2"] {
		t.Errorf("cards lost: %+v", rebuilt.Cards)
	}
	if rebuilt.Votes["c1:b"] != st.Votes["c1:b"] {
		t.Errorf("votes lost: %+v", rebuilt.Votes)
	}
}
