package race

import (
	"context"
	"time"

	"github.com/park285/typerace-coordinator/internal/domain"
	"github.com/park285/typerace-coordinator/internal/obslog"
	"github.com/park285/typerace-coordinator/internal/protocol"
	"go.uber.org/zap"
)

// checkQuorum starts the countdown once enough connected participants are
// ready. It is re-run after every join and every ready change and always
// re-reads the store, so arrival order does not matter.
func (c *Coordinator) checkQuorum(ctx context.Context, roomID string) {
	if c.phaseOf(roomID) != phaseWaiting {
		return
	}
	room, err := c.gw.GetRoom(ctx, roomID)
	if err != nil {
		c.log.Warn("race_quorum_room_error", obslog.RoomID(roomID), zap.Error(err))
		return
	}
	if room.Status != domain.RoomWaiting {
		c.syncPhase(roomID, room.Status)
		return
	}
	ready, err := c.readyConnected(ctx, roomID)
	if err != nil {
		c.log.Warn("race_quorum_list_error", obslog.RoomID(roomID), zap.Error(err))
		return
	}
	if ready < c.cfg.MinReady {
		return
	}

	rs := c.state(roomID)
	rs.mu.Lock()
	if rs.phase != phaseWaiting {
		rs.mu.Unlock()
		return
	}
	rs.phase = phaseCountdown
	rs.mu.Unlock()

	c.log.Info("race_countdown_start", obslog.RoomID(roomID), zap.Int("ready", ready))
	c.wg.Add(1)
	go c.runCountdown(roomID, rs)
}

// readyConnected counts ready participants that have a live connection in
// the room.
func (c *Coordinator) readyConnected(ctx context.Context, roomID string) (int, error) {
	parts, err := c.gw.ListParticipants(ctx, roomID)
	if err != nil {
		return 0, err
	}
	connected := c.hub.ConnectedUsers(roomID)
	ready := 0
	for _, p := range parts {
		if _, ok := connected[p.UserID]; ok && p.IsReady {
			ready++
		}
	}
	return ready, nil
}

// syncPhase aligns memory with a status another process already advanced.
func (c *Coordinator) syncPhase(roomID string, status domain.RoomStatus) {
	rs := c.state(roomID)
	rs.mu.Lock()
	switch status {
	case domain.RoomActive:
		if rs.phase < phaseRacing {
			rs.phase = phaseRacing
		}
	case domain.RoomCompleted:
		rs.phase = phaseFinished
	}
	rs.mu.Unlock()
}

func (c *Coordinator) setPhase(rs *roomState, p phase) {
	rs.mu.Lock()
	rs.phase = p
	rs.mu.Unlock()
}

func (c *Coordinator) runCountdown(roomID string, rs *roomState) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for left := c.cfg.CountdownTicks; left > 0; left-- {
		c.broadcast(roomID, protocol.Countdown{Type: protocol.EvCountdown, RoomID: roomID, Seconds: left}, "")
		select {
		case <-ticker.C:
		case <-c.done:
			c.setPhase(rs, phaseWaiting)
			return
		}
	}

	ctx, cancel := c.storeCtx()
	defer cancel()
	// readiness may have changed while counting down
	ready, err := c.readyConnected(ctx, roomID)
	if err != nil || ready < c.cfg.MinReady {
		c.log.Info("race_countdown_cancelled", obslog.RoomID(roomID), zap.Int("ready", ready), zap.Error(err))
		c.setPhase(rs, phaseWaiting)
		c.broadcast(roomID, protocol.CountdownCancelled{
			Type:   protocol.EvCountdownCancelled,
			RoomID: roomID,
			Ready:  ready,
			Needed: c.cfg.MinReady,
		}, "")
		c.forget(roomID)
		return
	}
	c.startRace(ctx, roomID, rs)
}

// startRace pins the snippet and announces the race. The store's guarded
// waiting→active update makes a duplicate start a no-op.
func (c *Coordinator) startRace(ctx context.Context, roomID string, rs *roomState) {
	room, err := c.gw.GetRoom(ctx, roomID)
	if err != nil {
		c.abortStart(roomID, rs, err)
		return
	}
	snippet := room.CodeSnippet
	if snippet == "" && c.catalog != nil {
		snippet = c.catalog.Lookup(room.Language, room.Difficulty)
	}
	at := time.Now().UTC()
	ok, err := c.gw.StartRoom(ctx, roomID, snippet, at)
	if err != nil {
		c.abortStart(roomID, rs, err)
		return
	}
	c.setPhase(rs, phaseRacing)
	if !ok {
		c.log.Info("race_start_duplicate", obslog.RoomID(roomID))
		return
	}

	c.log.Info("race_started", obslog.RoomID(roomID), zap.String("language", room.Language))
	c.broadcast(roomID, protocol.GameStarted{
		Type:        protocol.EvGameStarted,
		RoomID:      roomID,
		CodeSnippet: snippet,
		Language:    room.Language,
		Difficulty:  room.Difficulty,
		TimeLimit:   room.TimeLimit,
		StartedAt:   at,
	}, "")
}

// abortStart returns the room to waiting so the next ready change can retry.
func (c *Coordinator) abortStart(roomID string, rs *roomState, err error) {
	c.log.Error("race_start_failed", obslog.RoomID(roomID), zap.Error(err))
	c.setPhase(rs, phaseWaiting)
	c.broadcast(roomID, protocol.NewError(protocol.CodePersistence, "could not start race"), "")
}

// reconcile closes the room once every current participant has finished.
// Current participants are connected users plus rows that already finished.
func (c *Coordinator) reconcile(ctx context.Context, roomID string) {
	parts, err := c.gw.ListParticipants(ctx, roomID)
	if err != nil {
		c.log.Warn("race_reconcile_list_error", obslog.RoomID(roomID), zap.Error(err))
		return
	}
	connected := c.hub.ConnectedUsers(roomID)
	total, done := 0, 0
	for _, p := range parts {
		_, live := connected[p.UserID]
		switch {
		case p.Finished:
			total++
			done++
		case live:
			total++
		}
	}
	if total == 0 || done != total {
		return
	}

	at := time.Now().UTC()
	ok, err := c.gw.CompleteRoom(ctx, roomID, at)
	if err != nil {
		c.log.Error("room_complete_failed", obslog.RoomID(roomID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	c.setPhase(c.state(roomID), phaseFinished)

	board, err := c.gw.Leaderboard(ctx, roomID)
	if err != nil {
		c.log.Warn("race_leaderboard_error", obslog.RoomID(roomID), zap.Error(err))
	}
	c.log.Info("room_completed", obslog.RoomID(roomID), zap.Int("finishers", done))
	c.broadcast(roomID, protocol.GameFinished{
		Type:        protocol.EvGameFinished,
		RoomID:      roomID,
		EndedAt:     at,
		Leaderboard: board,
	}, "")
	c.forget(roomID)
}
