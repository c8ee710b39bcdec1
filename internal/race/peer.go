package race

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/park285/typerace-coordinator/internal/domain"
	"github.com/park285/typerace-coordinator/internal/hub"
	"github.com/park285/typerace-coordinator/internal/obslog"
	"github.com/park285/typerace-coordinator/internal/protocol"
	"github.com/park285/typerace-coordinator/internal/racestore"
	"go.uber.org/zap"
)

// Peer is the coordinator's view of one socket. Handle and Close must be
// called from a single goroutine, which keeps per-connection order.
type Peer struct {
	c        *Coordinator
	connID   string
	authUser string

	userID    string
	roomID    string
	sessionID string
	closed    bool
}

// Open registers a connection. authUser is the identity established by the
// handshake, or "" when the upstream did not supply one.
func (c *Coordinator) Open(authUser string, out hub.Sender) *Peer {
	p := &Peer{c: c, authUser: authUser}
	p.connID = c.hub.Register(authUser, out)
	c.log.Debug("ws_open", obslog.ConnID(p.connID), obslog.UserID(authUser))
	p.reply(protocol.ConnectionEstablished{
		Type:    protocol.EvConnectionEstablished,
		ConnID:  p.connID,
		UserID:  authUser,
		Message: "Connected to multiplayer server",
	})
	return p
}

func (p *Peer) ConnID() string { return p.connID }
func (p *Peer) RoomID() string { return p.roomID }

// Handle processes one inbound frame to completion. Failures are reported to
// this connection only and never stop the read loop.
func (p *Peer) Handle(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.c.log.Error("ws_handler_panic",
				obslog.ConnID(p.connID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			p.fail(protocol.CodeInternal, "failed to process message")
		}
	}()
	if p.closed {
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		p.c.log.Warn("ws_bad_message", obslog.ConnID(p.connID), zap.Error(err))
		code := protocol.CodeMalformed
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownType
		}
		p.fail(code, err.Error())
		return
	}
	if p.authUser != "" && msg.UserID != "" && msg.UserID != p.authUser {
		p.fail(protocol.CodeUnauthenticated, "user_id does not match the authenticated user")
		return
	}

	switch msg.Type {
	case protocol.JoinRoom:
		p.join(ctx, msg)
	case protocol.LeaveRoom:
		p.leave(ctx, msg)
	case protocol.PlayerReady:
		p.ready(ctx, msg)
	case protocol.TypingUpdate:
		p.typing(ctx, msg)
	case protocol.RaceFinished:
		p.finish(ctx, msg)
	case protocol.GetLeaderboard:
		p.leaderboard(ctx, msg)
	}
}

// Close unregisters the connection and re-runs the completion check for the
// room it was in. It is idempotent.
func (p *Peer) Close(ctx context.Context) {
	if p.closed {
		return
	}
	p.closed = true
	roomID := p.c.hub.Unregister(p.connID)
	p.dropSession(ctx)
	p.c.log.Debug("ws_close", obslog.ConnID(p.connID), obslog.RoomID(roomID))
	if roomID == "" {
		return
	}
	p.c.broadcast(roomID, protocol.PlayerEvent{Type: protocol.EvPlayerLeft, RoomID: roomID, UserID: p.userID}, "")
	p.c.reconcile(ctx, roomID)
	p.c.forget(roomID)
}

func (p *Peer) join(ctx context.Context, msg protocol.Message) {
	c := p.c
	if p.roomID != "" && p.roomID == msg.RoomID && p.userID == msg.UserID {
		p.sendSnapshot(ctx)
		return
	}

	room, err := c.gw.GetRoom(ctx, msg.RoomID)
	if err != nil {
		p.failStore("join_room", err)
		return
	}
	if room.Status == domain.RoomCompleted {
		p.fail(protocol.CodeRoomClosed, "room has already finished")
		return
	}
	parts, err := c.gw.ListParticipants(ctx, room.ID)
	if err != nil {
		p.failStore("join_room", err)
		return
	}
	if !hasUser(parts, msg.UserID) {
		if room.Status != domain.RoomWaiting {
			p.fail(protocol.CodeRoomClosed, "race already in progress")
			return
		}
		if room.MaxPlayers > 0 && len(parts) >= room.MaxPlayers {
			p.fail(protocol.CodeRoomFull, "room is full")
			return
		}
	}
	if _, err := c.gw.UpsertParticipant(ctx, room.ID, msg.UserID, time.Now().UTC()); err != nil {
		p.failStore("join_room", err)
		return
	}

	if p.roomID != "" {
		p.detach(ctx)
	}
	c.hub.Identify(p.connID, msg.UserID)
	c.hub.Join(p.connID, room.ID)
	p.userID, p.roomID = msg.UserID, room.ID

	p.sessionID = uuid.NewString()
	sess := &domain.Session{
		ID:       p.sessionID,
		RoomID:   room.ID,
		UserID:   msg.UserID,
		ConnID:   p.connID,
		Accuracy: 100,
	}
	if err := c.sessions.Upsert(ctx, sess); err != nil {
		c.log.Warn("live_session_upsert_failed", obslog.RoomID(room.ID), obslog.UserID(msg.UserID), zap.Error(err))
	}

	c.log.Info("room_join", obslog.RoomID(room.ID), obslog.UserID(msg.UserID), obslog.ConnID(p.connID))
	p.sendSnapshot(ctx)
	c.broadcast(room.ID, protocol.PlayerEvent{Type: protocol.EvPlayerJoined, RoomID: room.ID, UserID: msg.UserID}, p.connID)
	c.checkQuorum(ctx, room.ID)
}

func (p *Peer) sendSnapshot(ctx context.Context) {
	room, err := p.c.gw.GetRoom(ctx, p.roomID)
	if err != nil {
		p.failStore("join_room", err)
		return
	}
	parts, err := p.c.gw.ListParticipants(ctx, p.roomID)
	if err != nil {
		p.failStore("join_room", err)
		return
	}
	p.reply(protocol.RoomJoined{
		Type:         protocol.EvRoomJoined,
		RoomID:       p.roomID,
		SessionID:    p.sessionID,
		Room:         room,
		Participants: parts,
	})
}

func (p *Peer) leave(ctx context.Context, msg protocol.Message) {
	if !p.requireJoined(msg) {
		return
	}
	roomID := p.roomID
	p.detach(ctx)
	p.c.forget(roomID)
}

// detach removes this connection from its current room. While the room is
// still waiting the participant row is dropped as well.
func (p *Peer) detach(ctx context.Context) {
	c := p.c
	roomID, userID := p.roomID, p.userID
	c.hub.Leave(p.connID)
	p.dropSession(ctx)
	p.roomID = ""

	if room, err := c.gw.GetRoom(ctx, roomID); err == nil && room.Status == domain.RoomWaiting {
		if err := c.gw.RemoveParticipant(ctx, roomID, userID); err != nil && !racestore.IsNotFound(err) {
			c.log.Warn("participant_remove_failed", obslog.RoomID(roomID), obslog.UserID(userID), zap.Error(err))
		}
	}
	c.log.Info("room_leave", obslog.RoomID(roomID), obslog.UserID(userID))
	c.broadcast(roomID, protocol.PlayerEvent{Type: protocol.EvPlayerLeft, RoomID: roomID, UserID: userID}, "")
	c.reconcile(ctx, roomID)
}

func (p *Peer) dropSession(ctx context.Context) {
	if p.sessionID == "" {
		return
	}
	if err := p.c.sessions.Delete(ctx, p.sessionID); err != nil {
		p.c.log.Warn("live_session_delete_failed", obslog.SessionID(p.sessionID), zap.Error(err))
	}
	p.sessionID = ""
}

func (p *Peer) ready(ctx context.Context, msg protocol.Message) {
	if !p.requireJoined(msg) {
		return
	}
	if err := p.c.gw.SetReady(ctx, p.roomID, p.userID, msg.Ready); err != nil {
		p.failStore("player_ready", err)
		return
	}
	p.c.broadcast(p.roomID, protocol.PlayerReadyEvent{
		Type:   protocol.EvPlayerReady,
		RoomID: p.roomID,
		UserID: p.userID,
		Ready:  msg.Ready,
	}, "")
	p.c.checkQuorum(ctx, p.roomID)
}

func (p *Peer) typing(ctx context.Context, msg protocol.Message) {
	if !p.requireJoined(msg) {
		return
	}
	prog := domain.NewProgress(msg.Progress, msg.WPM, msg.Accuracy, msg.Position)
	if err := p.c.gw.UpdateProgress(ctx, p.roomID, p.userID, prog); err != nil {
		p.failStore("typing_update", err)
		return
	}
	if p.sessionID != "" {
		if err := p.c.sessions.UpdateProgress(ctx, p.sessionID, prog); err != nil {
			p.c.log.Debug("live_session_update_failed", obslog.SessionID(p.sessionID), zap.Error(err))
		}
	}
	p.c.broadcast(p.roomID, protocol.TypingProgress{
		Type:     protocol.EvTypingProgress,
		RoomID:   p.roomID,
		UserID:   p.userID,
		Progress: prog.Percent,
		WPM:      prog.WPM,
		Accuracy: prog.Accuracy,
		Position: prog.Position,
	}, p.connID)
}

func (p *Peer) finish(ctx context.Context, msg protocol.Message) {
	if !p.requireJoined(msg) {
		return
	}
	c := p.c
	room, err := c.gw.GetRoom(ctx, p.roomID)
	if err != nil {
		p.failStore("race_finished", err)
		return
	}
	switch room.Status {
	case domain.RoomCompleted:
		return
	case domain.RoomWaiting:
		p.fail(protocol.CodeNotStarted, "race has not started")
		return
	}

	wpm, acc := domain.ClampRate(msg.FinalWPM), domain.ClampPercent(msg.FinalAccuracy)
	at := time.Now().UTC()
	score := domain.ScoreFor(room, p.userID, room.CodeSnippet, wpm, acc, at)
	ok, err := c.gw.FinishParticipant(ctx, score)
	if err != nil {
		p.failStore("race_finished", err)
		return
	}
	if !ok {
		return
	}

	if p.sessionID != "" {
		if err := c.sessions.MarkFinished(ctx, p.sessionID); err != nil {
			c.log.Debug("live_session_finish_failed", obslog.SessionID(p.sessionID), zap.Error(err))
		}
	}

	c.log.Info("participant_finished",
		obslog.RoomID(p.roomID),
		obslog.UserID(p.userID),
		zap.Float64("wpm", wpm),
		zap.Float64("accuracy", acc))
	ev := protocol.Finish{
		Type:       protocol.EvRaceCompleted,
		RoomID:     p.roomID,
		UserID:     p.userID,
		WPM:        wpm,
		Accuracy:   acc,
		FinishedAt: at,
	}
	p.reply(ev)
	ev.Type = protocol.EvPlayerFinished
	c.broadcast(p.roomID, ev, "")
	c.reconcile(ctx, p.roomID)
}

func (p *Peer) leaderboard(ctx context.Context, msg protocol.Message) {
	roomID := msg.RoomID
	if roomID == "" {
		roomID = p.roomID
	}
	if roomID == "" {
		p.fail(protocol.CodeNotJoined, "room_id required")
		return
	}
	board, err := p.c.gw.Leaderboard(ctx, roomID)
	if err != nil {
		p.failStore("get_leaderboard", err)
		return
	}
	p.reply(protocol.RoomLeaderboard{Type: protocol.EvRoomLeaderboard, RoomID: roomID, Participants: board})
}

// requireJoined rejects messages sent before join_room or addressed to
// another room or user.
func (p *Peer) requireJoined(msg protocol.Message) bool {
	switch {
	case p.roomID == "":
		p.fail(protocol.CodeNotJoined, "not connected to a room")
	case msg.RoomID != "" && msg.RoomID != p.roomID:
		p.fail(protocol.CodeNotJoined, fmt.Sprintf("not joined to room %s", msg.RoomID))
	case msg.UserID != "" && msg.UserID != p.userID:
		p.fail(protocol.CodeUnauthenticated, "user_id does not match the joined user")
	default:
		return true
	}
	return false
}

func (p *Peer) reply(ev any) {
	p.c.hub.SendTo(p.connID, protocol.Encode(ev))
}

func (p *Peer) fail(code, msg string) {
	p.reply(protocol.NewError(code, msg))
}

func (p *Peer) failStore(op string, err error) {
	code, text := protocol.CodePersistence, op+" failed"
	if racestore.IsNotFound(err) {
		code, text = protocol.CodeNotFound, "room or participant not found"
	}
	p.c.log.Warn("store_error",
		zap.String("op", op),
		obslog.ConnID(p.connID),
		obslog.RoomID(p.roomID),
		zap.Error(err))
	p.fail(code, text)
}

func hasUser(parts []*domain.Participant, userID string) bool {
	for _, x := range parts {
		if x.UserID == userID {
			return true
		}
	}
	return false
}
