package client

import (
	"encoding/json"

	"github.com/retroboard/retroboard/board"
	"github.com/retroboard/retroboard/protocol"
)

// handleFrame dispatches one inbound frame. Everything runs under the state
// lock; the frame handlers are the only writers besides the local op path.
func (c *Client) handleFrame(gen uint64, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	switch env.Type {
	case protocol.TypeWelcome:
		var frame protocol.Welcome
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		c.handleWelcome(gen, frame)

	case protocol.TypeParticipantsUpdate:
		var frame protocol.ParticipantsUpdate
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		c.handleParticipantsUpdate(gen, frame)

	case protocol.TypePong:
		c.mu.Lock()
		c.pongPending = false
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		c.mu.Unlock()

	case protocol.TypeCardOp:
		var frame protocol.CardOp
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed cardOp")
			return
		}
		c.handleCardOp(gen, frame)

	case protocol.TypeVote:
		var frame protocol.VoteFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed vote")
			return
		}
		c.handleVoteOp(gen, frame)

	case protocol.TypeSyncState:
		var frame protocol.SyncState
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed syncState")
			return
		}
		c.handleSyncState(gen, frame)

	case protocol.TypePhaseChanged:
		var frame protocol.PhaseChanged
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		c.handlePhaseChanged(gen, frame)

	case protocol.TypeError:
		var frame protocol.ErrorFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		c.mu.Lock()
		c.closeReason = frame.Message
		if frame.Code == protocol.CodeBoardFull || frame.Code == protocol.CodeDuplicateIdentity {
			c.terminal = true
		}
		c.mu.Unlock()

	default:
		c.log.Debug().Str("frame", env.Type).Msg("dropping unknown frame type")
	}
}

// handleWelcome completes the handshake and opens the sync window: for the
// next SyncWindow, peer snapshots are collected and concurrent operations
// buffered instead of applied.
func (c *Client) handleWelcome(gen uint64, frame protocol.Welcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	c.setStatusLocked(StatusReady, "")
	c.attempts = 0
	c.participants = frame.ParticipantCount
	c.ready = frame.ReadyCount

	c.startHeartbeatLocked(gen)

	c.syncing = true
	c.snapshots = nil
	c.buffered = nil
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	c.syncTimer = c.clock.AfterFunc(c.opts.SyncWindow, func() {
		c.finishSync(gen)
	})

	c.log.Debug().Int("participants", frame.ParticipantCount).Msg("joined board, sync window open")
}

// SyncInProgress reports whether the join window is still collecting.
func (c *Client) SyncInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// handleParticipantsUpdate tracks counts; when the update names a fresh
// joiner, this replica answers with a snapshot targeted at them.
func (c *Client) handleParticipantsUpdate(gen uint64, frame protocol.ParticipantsUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	c.participants = frame.ParticipantCount
	c.ready = frame.ReadyCount

	if frame.SyncForClientID != "" && frame.SyncForClientID != c.opts.ClientID {
		snap := protocol.Snapshot(c.state, frame.SyncForClientID)
		if err := c.sendLocked(snap); err != nil {
			c.log.Debug().Err(err).Msg("failed to send targeted snapshot")
		}
	}
}

func (c *Client) handleCardOp(gen uint64, frame protocol.CardOp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.seen.IsDuplicate(frame.OpID) {
		return
	}
	if c.syncing {
		op := frame.CardOp
		c.buffered = append(c.buffered, bufferedOp{card: &op, sender: frame.SenderID})
		return
	}
	c.applyIncomingCardLocked(frame.CardOp, frame.SenderID)
}

func (c *Client) handleVoteOp(gen uint64, frame protocol.VoteFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.seen.IsDuplicate(frame.OpID) {
		return
	}
	if c.syncing {
		op := frame.VoteOp
		c.buffered = append(c.buffered, bufferedOp{vote: &op, sender: frame.SenderID})
		return
	}
	c.applyIncomingVoteLocked(frame.VoteOp, frame.SenderID)
}

func (c *Client) applyIncomingCardLocked(op board.CardOp, sender string) {
	if err := c.state.ValidateIncomingCardOp(op, sender); err != nil {
		if board.Stale(err) {
			c.log.Debug().Err(err).Str("card", op.CardID).Msg("dropping stale cardOp")
		} else {
			c.log.Warn().Err(err).Str("card", op.CardID).Msg("dropping invalid cardOp")
		}
		return
	}
	if c.state.ApplyCardOp(op) {
		c.persistAndRenderLocked()
	}
}

func (c *Client) applyIncomingVoteLocked(op board.VoteOp, sender string) {
	if err := c.state.ValidateIncomingVoteOp(op, sender); err != nil {
		if board.Stale(err) {
			c.log.Debug().Err(err).Str("card", op.CardID).Msg("dropping stale vote")
		} else {
			c.log.Warn().Err(err).Str("card", op.CardID).Msg("dropping invalid vote")
		}
		return
	}
	if c.state.ApplyVoteOp(op) {
		c.persistAndRenderLocked()
	}
}

// handleSyncState collects snapshots while the window is open; a late
// snapshot outside any window is merged immediately.
func (c *Client) handleSyncState(gen uint64, frame protocol.SyncState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	snap := frame.State()
	if c.syncing {
		c.snapshots = append(c.snapshots, snap)
		return
	}
	merged, changed := board.MergeState(c.state, snap)
	if changed {
		c.state = merged
		c.persistAndRenderLocked()
	}
}

// finishSync closes the window: fold every collected snapshot into the
// local state, re-broadcast the merged result exactly once if any fold
// changed anything (so peers converge even when the joiner held the newest
// data), then replay the buffered operations through the normal apply path.
func (c *Client) finishSync(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || !c.syncing {
		return
	}
	c.syncing = false
	c.syncTimer = nil

	anyChanged := false
	for _, snap := range c.snapshots {
		merged, changed := board.MergeState(c.state, snap)
		c.state = merged
		anyChanged = anyChanged || changed
	}
	c.snapshots = nil

	if anyChanged {
		if err := c.sendLocked(protocol.Snapshot(c.state, "")); err != nil {
			c.log.Debug().Err(err).Msg("failed to re-broadcast merged state")
		}
		c.persistAndRenderLocked()
	}

	buffered := c.buffered
	c.buffered = nil
	for _, op := range buffered {
		switch {
		case op.card != nil:
			c.applyIncomingCardLocked(*op.card, op.sender)
		case op.vote != nil:
			c.applyIncomingVoteLocked(*op.vote, op.sender)
		}
	}

	c.log.Debug().Int("ops_replayed", len(buffered)).Bool("rebroadcast", anyChanged).Msg("sync window closed")
}

func (c *Client) handlePhaseChanged(gen uint64, frame protocol.PhaseChanged) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.seen.IsDuplicate(frame.OpID) {
		return
	}
	if !frame.Phase.Valid() {
		return
	}
	if next := board.MergePhase(c.state.Phase, frame.Phase); next != c.state.Phase {
		c.state.Phase = next
		c.log.Info().Str("phase", string(next)).Msg("phase changed")
		c.persistAndRenderLocked()
	}
}

// persistAndRenderLocked saves a snapshot and triggers a re-render. Hooks
// receive a private clone and run under the state lock; they must not call
// back into the Client.
func (c *Client) persistAndRenderLocked() {
	snap := c.state.Clone()
	if err := c.opts.Store.Save(c.opts.BoardID, snap); err != nil {
		c.log.Error().Err(err).Msg("failed to persist board state")
	}
	if c.opts.Render != nil {
		c.opts.Render(snap)
	}
}
