package client

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/retroboard/retroboard/board"
	"github.com/retroboard/retroboard/protocol"
)

// The local operation path: validate, apply, persist, render, broadcast.
// Every op carries a fresh opId so at-least-once delivery stays idempotent,
// and is marked seen locally so the relay echoing it back is a no-op.
// Delivery is fire-and-forget: a lost broadcast is repaired by the next
// sync, not by retries.

// CreateCard adds a card authored by this client and broadcasts the op.
func (c *Client) CreateCard(column board.Column, text string) (board.Card, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == board.PhaseReviewing {
		return board.Card{}, ErrBoardLocked
	}

	op := board.CardOp{
		OpID:     uuid.NewString(),
		Phase:    c.state.Phase,
		Action:   board.CardCreate,
		CardID:   uuid.NewString(),
		Rev:      1,
		AuthorID: c.opts.ClientID,
		Column:   column,
		Text:     text,
	}
	return c.commitCardLocked(op)
}

// EditCard replaces the text of a card this client authored.
func (c *Client) EditCard(cardID, text string) (board.Card, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == board.PhaseReviewing {
		return board.Card{}, ErrBoardLocked
	}
	existing, ok := c.state.Cards[cardID]
	if !ok || existing.IsDeleted {
		return board.Card{}, fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
	}
	if existing.AuthorID != c.opts.ClientID {
		return board.Card{}, fmt.Errorf("%w: %s", ErrNotAuthor, cardID)
	}

	op := board.CardOp{
		OpID:     uuid.NewString(),
		Phase:    c.state.Phase,
		Action:   board.CardEdit,
		CardID:   cardID,
		Rev:      existing.Rev + 1,
		AuthorID: c.opts.ClientID,
		Column:   existing.Column,
		Text:     text,
	}
	return c.commitCardLocked(op)
}

// DeleteCard tombstones a card this client authored. The record is kept
// with a higher rev so merges cannot resurrect it.
func (c *Client) DeleteCard(cardID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == board.PhaseReviewing {
		return ErrBoardLocked
	}
	existing, ok := c.state.Cards[cardID]
	if !ok || existing.IsDeleted {
		return fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
	}
	if existing.AuthorID != c.opts.ClientID {
		return fmt.Errorf("%w: %s", ErrNotAuthor, cardID)
	}

	op := board.CardOp{
		OpID:     uuid.NewString(),
		Phase:    c.state.Phase,
		Action:   board.CardDelete,
		CardID:   cardID,
		Rev:      existing.Rev + 1,
		AuthorID: c.opts.ClientID,
	}
	_, err := c.commitCardLocked(op)
	return err
}

func (c *Client) commitCardLocked(op board.CardOp) (board.Card, error) {
	if err := c.state.ValidateLocalCardOp(op, c.opts.ClientID); err != nil {
		return board.Card{}, err
	}
	c.state.ApplyCardOp(op)
	c.seen.MarkSeen(op.OpID)
	c.persistAndRenderLocked()

	frame := protocol.CardOp{Type: protocol.TypeCardOp, CardOp: op}
	if err := c.sendLocked(frame); err != nil {
		c.log.Debug().Err(err).Str("card", op.CardID).Msg("broadcast failed, op applied locally")
	}
	return c.state.Cards[op.CardID], nil
}

// AddVote records this client's vote on a card. A second add for the same
// card bumps the rev but stays a single live vote.
func (c *Client) AddVote(cardID string) error {
	return c.voteOp(cardID, board.VoteAdd)
}

// RemoveVote tombstones this client's vote on a card.
func (c *Client) RemoveVote(cardID string) error {
	return c.voteOp(cardID, board.VoteRemove)
}

func (c *Client) voteOp(cardID string, action board.VoteAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == board.PhaseReviewing {
		return ErrBoardLocked
	}
	if card, ok := c.state.Cards[cardID]; !ok || card.IsDeleted {
		return fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
	}

	var stored uint64
	if existing, ok := c.state.Votes[board.VoteID(cardID, c.opts.ClientID)]; ok {
		stored = existing.Rev
	}

	op := board.VoteOp{
		OpID:    uuid.NewString(),
		Phase:   c.state.Phase,
		Action:  action,
		CardID:  cardID,
		VoterID: c.opts.ClientID,
		Rev:     stored + 1,
	}
	if err := c.state.ValidateLocalVoteOp(op, c.opts.ClientID); err != nil {
		return err
	}
	c.state.ApplyVoteOp(op)
	c.seen.MarkSeen(op.OpID)
	c.persistAndRenderLocked()

	frame := protocol.VoteFrame{Type: protocol.TypeVote, VoteOp: op}
	if err := c.sendLocked(frame); err != nil {
		c.log.Debug().Err(err).Str("card", cardID).Msg("broadcast failed, vote applied locally")
	}
	return nil
}

// SetReady reports this participant's readiness to the relay. Readiness is
// session state, not board content; it resets on reconnect.
func (c *Client) SetReady(ready bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sendLocked(protocol.SetReady{Type: protocol.TypeSetReady, IsReady: ready})
}

// StartReview triggers the one-way forming→reviewing transition. Any client
// may call it once the ready quorum is met; the relay never arbitrates, so
// concurrent triggers are harmless thanks to the monotonic phase merge.
func (c *Client) StartReview() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == board.PhaseReviewing {
		return nil
	}
	if !board.QuorumReached(c.participants, c.ready) {
		return fmt.Errorf("%w: %d of %d ready, quorum %d",
			ErrNoQuorum, c.ready, c.participants, board.ReadyQuorum(c.participants))
	}

	op := protocol.PhaseChanged{
		Type:  protocol.TypePhaseChanged,
		OpID:  uuid.NewString(),
		Phase: board.PhaseReviewing,
	}
	c.state.Phase = board.PhaseReviewing
	c.seen.MarkSeen(op.OpID)
	c.persistAndRenderLocked()

	if err := c.sendLocked(op); err != nil {
		c.log.Debug().Err(err).Msg("broadcast failed, phase changed locally")
	}
	return nil
}
