// Package protocol defines the JSON frames exchanged over a board
// WebSocket. One connection per board, path /board/{boardId}/ws; frames are
// delivered in send order within a connection, with no ordering guarantee
// across peers.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/retroboard/retroboard/board"
)

// Frame type discriminators.
const (
	TypeHello              = "hello"
	TypeWelcome            = "welcome"
	TypeParticipantsUpdate = "participantsUpdate"
	TypeSetReady           = "setReady"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeCardOp             = "cardOp"
	TypeVote               = "vote"
	TypeSyncState          = "syncState"
	TypePhaseChanged       = "phaseChanged"
	TypeError              = "error"
)

// Error codes carried in error frames. Policy errors are terminal: clients
// must not reconnect after receiving one.
const (
	CodeBoardFull         = "board_full"
	CodeDuplicateIdentity = "duplicate_identity"
	CodeProtocolError     = "protocol_error"
)

// WebSocket close codes used by the relay. Policy-violation and
// protocol-error closes are terminal on the client side.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseProtocolError   = websocket.CloseProtocolError
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// Envelope is the minimal probe decoded from every inbound frame before
// dispatch; full decoding happens per type.
type Envelope struct {
	Type           string `json:"type"`
	ClientID       string `json:"clientId,omitempty"`
	IsReady        bool   `json:"isReady,omitempty"`
	TargetClientID string `json:"targetClientId,omitempty"`
}

// Hello is the first frame a client must send after connecting.
type Hello struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// Welcome acknowledges a successful handshake. It is the only way the new
// joiner learns the current counts; its own join is not echoed back.
type Welcome struct {
	Type             string `json:"type"`
	ParticipantCount int    `json:"participantCount"`
	ReadyCount       int    `json:"readyCount"`
}

// ParticipantsUpdate is broadcast to every other session whenever presence
// or readiness changes. On a join, SyncForClientID names the new joiner so
// existing peers know whom to target a syncState at.
type ParticipantsUpdate struct {
	Type             string `json:"type"`
	ParticipantCount int    `json:"participantCount"`
	ReadyCount       int    `json:"readyCount"`
	SyncForClientID  string `json:"syncForClientId,omitempty"`
}

// SetReady toggles the sender's readiness flag.
type SetReady struct {
	Type    string `json:"type"`
	IsReady bool   `json:"isReady"`
}

// Ping and Pong keep a connection alive; the relay answers every ping.
type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

// CardOp carries one card mutation. SenderID is stamped by the relay on
// fanout so receivers can validate authorship; clients never set it.
type CardOp struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId,omitempty"`
	board.CardOp
}

// VoteFrame carries one vote mutation.
type VoteFrame struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId,omitempty"`
	board.VoteOp
}

// SyncState is a full-state snapshot. With TargetClientID set the relay
// routes it to that session only; otherwise it fans out to everyone except
// the sender.
type SyncState struct {
	Type           string       `json:"type"`
	SenderID       string       `json:"senderId,omitempty"`
	TargetClientID string       `json:"targetClientId,omitempty"`
	Phase          board.Phase  `json:"phase"`
	Cards          []board.Card `json:"cards"`
	Votes          []board.Vote `json:"votes"`
}

// State rebuilds a board.State from the snapshot.
func (s *SyncState) State() *board.State {
	st := board.NewState()
	st.Phase = s.Phase
	for _, c := range s.Cards {
		st.Cards[c.ID] = c
	}
	for _, v := range s.Votes {
		st.Votes[v.ID] = v
	}
	return st
}

// Snapshot builds a syncState frame from a board state.
func Snapshot(st *board.State, targetClientID string) SyncState {
	return SyncState{
		Type:           TypeSyncState,
		TargetClientID: targetClientID,
		Phase:          st.Phase,
		Cards:          st.CardList(),
		Votes:          st.VoteList(),
	}
}

// PhaseChanged announces the one-way forming→reviewing transition. The
// relay treats it as opaque payload; every client applies the monotonic
// phase merge.
type PhaseChanged struct {
	Type     string      `json:"type"`
	SenderID string      `json:"senderId,omitempty"`
	OpID     string      `json:"opId"`
	Phase    board.Phase `json:"phase"`
}

// ErrorFrame reports a policy or protocol error to one client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TagSender stamps senderId into a raw frame without disturbing its other
// fields, so the relay can forward operations unmodified apart from the
// identity tag.
func TagSender(raw []byte, senderID string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("tag sender: %w", err)
	}
	id, err := json.Marshal(senderID)
	if err != nil {
		return nil, fmt.Errorf("tag sender: %w", err)
	}
	fields["senderId"] = id
	return json.Marshal(fields)
}
