package race

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/typerace-coordinator/internal/domain"
	"github.com/park285/typerace-coordinator/internal/livesession"
	"github.com/park285/typerace-coordinator/internal/protocol"
	"github.com/park285/typerace-coordinator/internal/racestore"
	"github.com/park285/typerace-coordinator/internal/snippets"
	"go.uber.org/zap"
)

type fakeConn struct{ ch chan []byte }

func (f *fakeConn) Send(p []byte) bool {
	select {
	case f.ch <- p:
		return true
	default:
		return false
	}
}

type client struct {
	t    *testing.T
	user string
	peer *Peer
	conn *fakeConn
}

func (cl *client) send(format string, args ...any) {
	cl.peer.Handle(context.Background(), []byte(fmt.Sprintf(format, args...)))
}

// expect reads until an event of type typ arrives; other events are skipped.
func (cl *client) expect(typ string) map[string]any {
	cl.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-cl.conn.ch:
			var ev map[string]any
			if err := json.Unmarshal(raw, &ev); err != nil {
				cl.t.Fatalf("%s: bad payload %s", cl.user, raw)
			}
			if ev["type"] == typ {
				return ev
			}
		case <-deadline:
			cl.t.Fatalf("%s: timed out waiting for %s", cl.user, typ)
		}
	}
}

// drain returns everything queued without waiting.
func (cl *client) drain() []map[string]any {
	var out []map[string]any
	for {
		select {
		case raw := <-cl.conn.ch:
			var ev map[string]any
			_ = json.Unmarshal(raw, &ev)
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (cl *client) count(typ string) int {
	n := 0
	for _, ev := range cl.drain() {
		if ev["type"] == typ {
			n++
		}
	}
	return n
}

type rig struct {
	t        *testing.T
	c        *Coordinator
	mem      *racestore.Memory
	sessions *livesession.Memory
	catalog  *snippets.Catalog
	room     *domain.Room
}

func newRig(t *testing.T, gw racestore.Gateway) *rig {
	t.Helper()
	return newRigConfig(t, gw, Config{CountdownTicks: 3, TickInterval: time.Millisecond})
}

func newRigConfig(t *testing.T, gw racestore.Gateway, cfg Config) *rig {
	t.Helper()
	mem := racestore.NewMemory()
	if gw == nil {
		gw = mem
	}
	cat, err := snippets.New("")
	if err != nil {
		t.Fatalf("snippets: %v", err)
	}
	sessions := livesession.NewMemory()
	c := New(cfg, gw, sessions, cat, nil, zap.NewNop())
	t.Cleanup(c.Shutdown)
	room, err := mem.CreateRoom(context.Background(), domain.NewRoom{
		Name: "R", Language: "go", Difficulty: "easy", TimeLimit: 60, MaxPlayers: 4, CreatedBy: "a",
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return &rig{t: t, c: c, mem: mem, sessions: sessions, catalog: cat, room: room}
}

func (r *rig) connect(user string) *client {
	cl := &client{t: r.t, user: user, conn: &fakeConn{ch: make(chan []byte, 256)}}
	cl.peer = r.c.Open("", cl.conn)
	cl.expect(protocol.EvConnectionEstablished)
	return cl
}

func (r *rig) join(user string) *client {
	cl := r.connect(user)
	cl.send(`{"type":"join_room","room_id":%q,"user_id":%q}`, r.room.ID, user)
	cl.expect(protocol.EvRoomJoined)
	return cl
}

func (r *rig) startRace() (*client, *client) {
	a, b := r.join("a"), r.join("b")
	a.send(`{"type":"player_ready","user_id":"a"}`)
	b.send(`{"type":"player_ready","user_id":"b"}`)
	a.expect(protocol.EvGameStarted)
	b.expect(protocol.EvGameStarted)
	return a, b
}

func (r *rig) status() domain.RoomStatus {
	room, err := r.mem.GetRoom(context.Background(), r.room.ID)
	if err != nil {
		r.t.Fatalf("GetRoom: %v", err)
	}
	return room.Status
}

func settle() { time.Sleep(30 * time.Millisecond) }

func TestTwoReadyPlayersStartOneRace(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.join("a"), r.join("b")
	a.send(`{"type":"player_ready","roomId":%q,"userId":"a"}`, r.room.ID)
	b.send(`{"type":"player_ready","room_id":%q,"user_id":"b"}`, r.room.ID)

	for _, want := range []float64{3, 2, 1} {
		ev := a.expect(protocol.EvCountdown)
		if ev["seconds"] != want {
			t.Fatalf("countdown = %v, want %v", ev["seconds"], want)
		}
	}
	ga := a.expect(protocol.EvGameStarted)
	gb := b.expect(protocol.EvGameStarted)
	want, _ := r.catalog.Get("go", "easy")
	if ga["code_snippet"] != want || gb["code_snippet"] != want {
		t.Fatalf("snippets differ: %q / %q", ga["code_snippet"], gb["code_snippet"])
	}
	if ga["language"] != "go" {
		t.Fatalf("language = %v", ga["language"])
	}

	settle()
	if n := a.count(protocol.EvGameStarted) + b.count(protocol.EvGameStarted); n != 0 {
		t.Fatalf("extra game_started events: %d", n)
	}
	if got := r.status(); got != domain.RoomActive {
		t.Fatalf("status = %s", got)
	}
}

func TestStoredSnippetWins(t *testing.T) {
	r := newRig(t, nil)
	room, _ := r.mem.CreateRoom(context.Background(), domain.NewRoom{
		Name: "S", Language: "python", MaxPlayers: 4, CreatedBy: "a", CodeSnippet: "print('hi')",
	})
	r.room = room
	r.startRace()
	got, _ := r.mem.GetRoom(context.Background(), room.ID)
	if got.CodeSnippet != "print('hi')" {
		t.Fatalf("snippet replaced: %q", got.CodeSnippet)
	}
}

func TestQuorumNeedsTwoReady(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.join("a"), r.join("b")
	a.send(`{"type":"player_ready","user_id":"a"}`)
	a.send(`{"type":"player_ready","user_id":"a"}`)
	settle()
	if n := a.count(protocol.EvCountdown) + b.count(protocol.EvCountdown); n != 0 {
		t.Fatalf("countdown with one ready player")
	}
	if r.status() != domain.RoomWaiting {
		t.Fatalf("room left waiting with one ready player")
	}

	b.send(`{"type":"player_ready","user_id":"b"}`)
	a.expect(protocol.EvGameStarted)
	settle()
	if n := a.count(protocol.EvGameStarted); n != 0 {
		t.Fatalf("duplicate game_started after repeated ready")
	}
}

func TestDisconnectedReadyPlayerDoesNotCount(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.join("a"), r.join("b")
	a.send(`{"type":"player_ready","user_id":"a"}`)
	a.peer.Close(context.Background())
	b.send(`{"type":"player_ready","user_id":"b"}`)
	settle()
	if n := b.count(protocol.EvCountdown); n != 0 {
		t.Fatalf("countdown started with a disconnected ready player")
	}
}

func TestConcurrentReadyStartsOnce(t *testing.T) {
	r := newRig(t, nil)
	clients := []*client{r.join("a"), r.join("b"), r.join("c")}
	var wg sync.WaitGroup
	for _, cl := range clients {
		wg.Add(1)
		go func(cl *client) {
			defer wg.Done()
			cl.send(`{"type":"player_ready","user_id":%q}`, cl.user)
		}(cl)
	}
	wg.Wait()
	clients[0].expect(protocol.EvGameStarted)
	settle()
	if n := clients[0].count(protocol.EvGameStarted); n != 0 {
		t.Fatalf("game_started broadcast %d extra times", n)
	}
}

func TestTypingProgressExcludesSender(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.startRace()
	a.drain()
	b.drain()

	a.send(`{"type":"typing_update","room_id":%q,"user_id":"a","progress":50,"wpm":40,"accuracy":98,"position":10}`, r.room.ID)

	evs := b.drain()
	got := 0
	for _, ev := range evs {
		if ev["type"] == protocol.EvTypingProgress {
			got++
			if ev["user_id"] != "a" || ev["progress"] != 50.0 {
				t.Fatalf("unexpected progress event: %v", ev)
			}
		}
	}
	if got != 1 {
		t.Fatalf("b received %d typing_progress events, want 1", got)
	}
	if n := a.count(protocol.EvTypingProgress); n != 0 {
		t.Fatalf("sender received its own progress")
	}
	list, _ := r.sessions.ListByRoom(context.Background(), r.room.ID)
	for _, s := range list {
		if s.UserID == "a" && s.Position != 10 {
			t.Fatalf("live session not updated: %+v", s)
		}
	}
}

func TestTypingProgressIsClamped(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.startRace()
	b.drain()
	a.send(`{"type":"typing_update","user_id":"a","progress":150,"wpm":-5,"accuracy":120}`)

	ev := b.expect(protocol.EvTypingProgress)
	if ev["progress"] != 100.0 || ev["wpm"] != 0.0 || ev["accuracy"] != 100.0 {
		t.Fatalf("broadcast not clamped: %v", ev)
	}
	parts, _ := r.mem.ListParticipants(context.Background(), r.room.ID)
	for _, p := range parts {
		if p.UserID == "a" && p.Progress != 100 {
			t.Fatalf("persisted progress not clamped: %+v", p)
		}
	}
}

func TestAllFinishedCompletesRoom(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.startRace()

	a.send(`{"type":"race_finished","user_id":"a","final_wpm":70,"final_accuracy":95}`)
	a.expect(protocol.EvRaceCompleted)
	b.expect(protocol.EvPlayerFinished)
	if n := a.count(protocol.EvGameFinished) + b.count(protocol.EvGameFinished); n != 0 {
		t.Fatalf("game_finished before everyone finished")
	}
	if r.status() != domain.RoomActive {
		t.Fatalf("room completed early")
	}

	b.send(`{"type":"race_finished","userId":"b","finalWpm":50,"finalAccuracy":90}`)
	ga := a.expect(protocol.EvGameFinished)
	b.expect(protocol.EvGameFinished)
	if r.status() != domain.RoomCompleted {
		t.Fatalf("status = %s", r.status())
	}
	board, _ := ga["leaderboard"].([]any)
	if len(board) != 2 || board[0].(map[string]any)["user_id"] != "a" {
		t.Fatalf("unexpected leaderboard: %v", ga["leaderboard"])
	}

	scores := r.mem.Scores("a")
	snippet, _ := r.catalog.Get("go", "easy")
	if len(scores) != 1 || scores[0].CharactersTyped != len([]rune(snippet)) || scores[0].Language != "go" {
		t.Fatalf("unexpected scores: %+v", scores)
	}
}

func TestDuplicateFinishIsNoop(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.startRace()
	a.send(`{"type":"race_finished","user_id":"a","final_wpm":70,"final_accuracy":95}`)
	a.expect(protocol.EvRaceCompleted)
	a.send(`{"type":"race_finished","user_id":"a","final_wpm":10,"final_accuracy":10}`)
	if n := a.count(protocol.EvRaceCompleted); n != 0 {
		t.Fatalf("second finish produced race_completed")
	}
	if n := b.count(protocol.EvPlayerFinished); n != 1 {
		t.Fatalf("b saw %d player_finished, want 1", n)
	}
	parts, _ := r.mem.ListParticipants(context.Background(), r.room.ID)
	for _, p := range parts {
		if p.UserID == "a" && (!p.Finished || p.WPM != 70) {
			t.Fatalf("finished row changed: %+v", p)
		}
	}
	if len(r.mem.Scores("a")) != 1 {
		t.Fatalf("duplicate score recorded")
	}
}

func TestLeaverDuringRaceDoesNotBlockCompletion(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.startRace()
	a.send(`{"type":"race_finished","user_id":"a","final_wpm":70,"final_accuracy":95}`)
	a.expect(protocol.EvRaceCompleted)

	b.peer.Close(context.Background())
	a.expect(protocol.EvGameFinished)
	if r.status() != domain.RoomCompleted {
		t.Fatalf("status = %s", r.status())
	}
}

func TestCloseBeforeJoinLeavesNoTrace(t *testing.T) {
	r := newRig(t, nil)
	a := r.connect("a")
	a.peer.Close(context.Background())
	a.peer.Close(context.Background())

	b := r.connect("b")
	b.send(`{"type":"join_room","room_id":%q,"user_id":"b"}`, r.room.ID)
	ev := b.expect(protocol.EvRoomJoined)
	parts, _ := ev["participants"].([]any)
	if len(parts) != 1 || parts[0].(map[string]any)["user_id"] != "b" {
		t.Fatalf("unexpected snapshot: %v", ev["participants"])
	}
	rows, _ := r.mem.ListParticipants(context.Background(), r.room.ID)
	if len(rows) != 1 {
		t.Fatalf("participants = %d, want 1", len(rows))
	}
}

func TestMessagesRequireJoin(t *testing.T) {
	r := newRig(t, nil)
	a := r.connect("a")
	for _, raw := range []string{
		`{"type":"player_ready","user_id":"a"}`,
		`{"type":"typing_update","user_id":"a","progress":10}`,
		`{"type":"race_finished","user_id":"a","final_wpm":1,"final_accuracy":1}`,
		`{"type":"leave_room"}`,
	} {
		a.send("%s", raw)
		ev := a.expect(protocol.EvError)
		if ev["code"] != protocol.CodeNotJoined {
			t.Fatalf("%s: code = %v", raw, ev["code"])
		}
	}
	rows, _ := r.mem.ListParticipants(context.Background(), r.room.ID)
	if len(rows) != 0 {
		t.Fatalf("state mutated without join: %+v", rows)
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	r := newRig(t, nil)
	a := r.connect("a")
	a.send(`{oops`)
	if ev := a.expect(protocol.EvError); ev["code"] != protocol.CodeMalformed {
		t.Fatalf("code = %v", ev["code"])
	}
	a.send(`{"type":"moonwalk"}`)
	if ev := a.expect(protocol.EvError); ev["code"] != protocol.CodeUnknownType {
		t.Fatalf("code = %v", ev["code"])
	}
	a.send(`{"type":"join_room","room_id":%q,"user_id":"a"}`, r.room.ID)
	a.expect(protocol.EvRoomJoined)
}

func TestAuthenticatedUserMismatch(t *testing.T) {
	r := newRig(t, nil)
	conn := &fakeConn{ch: make(chan []byte, 16)}
	cl := &client{t: t, user: "alice", conn: conn}
	cl.peer = r.c.Open("alice", conn)
	cl.send(`{"type":"join_room","room_id":%q,"user_id":"mallory"}`, r.room.ID)
	if ev := cl.expect(protocol.EvError); ev["code"] != protocol.CodeUnauthenticated {
		t.Fatalf("code = %v", ev["code"])
	}
	rows, _ := r.mem.ListParticipants(context.Background(), r.room.ID)
	if len(rows) != 0 {
		t.Fatalf("participant created for mismatched user")
	}
}

func TestLeaveWhileWaitingRemovesParticipant(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.join("a"), r.join("b")
	b.send(`{"type":"leave_room"}`)
	if ev := a.expect(protocol.EvPlayerLeft); ev["user_id"] != "b" {
		t.Fatalf("player_left = %v", ev)
	}
	rows, _ := r.mem.ListParticipants(context.Background(), r.room.ID)
	if len(rows) != 1 || rows[0].UserID != "a" {
		t.Fatalf("participants = %+v", rows)
	}
	list, _ := r.sessions.ListByRoom(context.Background(), r.room.ID)
	if len(list) != 1 {
		t.Fatalf("live sessions = %d, want 1", len(list))
	}
}

func TestJoinRejections(t *testing.T) {
	r := newRig(t, nil)
	small, _ := r.mem.CreateRoom(context.Background(), domain.NewRoom{Name: "small", MaxPlayers: 2, CreatedBy: "a"})
	r.room = small
	r.join("a")
	r.join("b")
	c := r.connect("c")
	c.send(`{"type":"join_room","room_id":%q,"user_id":"c"}`, small.ID)
	if ev := c.expect(protocol.EvError); ev["code"] != protocol.CodeRoomFull {
		t.Fatalf("code = %v", ev["code"])
	}
	c.send(`{"type":"join_room","room_id":"missing","user_id":"c"}`)
	if ev := c.expect(protocol.EvError); ev["code"] != protocol.CodeNotFound {
		t.Fatalf("code = %v", ev["code"])
	}
}

func TestJoinStartedRaceRejectsNewcomers(t *testing.T) {
	r := newRig(t, nil)
	r.startRace()
	c := r.connect("c")
	c.send(`{"type":"join_room","room_id":%q,"user_id":"c"}`, r.room.ID)
	if ev := c.expect(protocol.EvError); ev["code"] != protocol.CodeRoomClosed {
		t.Fatalf("code = %v", ev["code"])
	}
}

func TestLeaderboardReply(t *testing.T) {
	r := newRig(t, nil)
	a, _ := r.startRace()
	a.send(`{"type":"typing_update","user_id":"a","progress":30,"wpm":60,"accuracy":99}`)
	a.send(`{"type":"get_leaderboard"}`)
	ev := a.expect(protocol.EvRoomLeaderboard)
	parts, _ := ev["participants"].([]any)
	if len(parts) != 2 || parts[0].(map[string]any)["user_id"] != "a" {
		t.Fatalf("unexpected leaderboard: %v", ev["participants"])
	}
}

type flakyGateway struct {
	racestore.Gateway
	failProgress atomic.Bool
	failFinish   atomic.Bool
	panicBoard   atomic.Bool
}

func (f *flakyGateway) UpdateProgress(ctx context.Context, roomID, userID string, p domain.Progress) error {
	if f.failProgress.Load() {
		return fmt.Errorf("update progress: %w", racestore.ErrUnavailable)
	}
	return f.Gateway.UpdateProgress(ctx, roomID, userID, p)
}

func (f *flakyGateway) FinishParticipant(ctx context.Context, s *domain.Score) (bool, error) {
	if f.failFinish.Load() {
		return false, fmt.Errorf("finish participant: %w", racestore.ErrUnavailable)
	}
	return f.Gateway.FinishParticipant(ctx, s)
}

func (f *flakyGateway) Leaderboard(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	if f.panicBoard.Load() {
		panic("boom")
	}
	return f.Gateway.Leaderboard(ctx, roomID)
}

func newFlakyRig(t *testing.T) (*rig, *flakyGateway) {
	flaky := &flakyGateway{}
	r := newRig(t, flaky)
	flaky.Gateway = r.mem
	return r, flaky
}

func TestPersistenceFailureSuppressesBroadcast(t *testing.T) {
	r, flaky := newFlakyRig(t)
	a, b := r.startRace()
	b.drain()

	flaky.failProgress.Store(true)
	a.send(`{"type":"typing_update","user_id":"a","progress":10}`)
	if ev := a.expect(protocol.EvError); ev["code"] != protocol.CodePersistence {
		t.Fatalf("code = %v", ev["code"])
	}
	if n := b.count(protocol.EvTypingProgress); n != 0 {
		t.Fatalf("failed update was broadcast")
	}

	flaky.failFinish.Store(true)
	a.send(`{"type":"race_finished","user_id":"a","final_wpm":1,"final_accuracy":1}`)
	a.expect(protocol.EvError)
	if n := b.count(protocol.EvPlayerFinished); n != 0 {
		t.Fatalf("failed finish was broadcast")
	}
	b.send(`{"type":"race_finished","user_id":"b","final_wpm":1,"final_accuracy":1}`)
	b.expect(protocol.EvError)
	if r.status() != domain.RoomActive {
		t.Fatalf("room completed without persisted finishes")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	r, flaky := newFlakyRig(t)
	a := r.join("a")
	flaky.panicBoard.Store(true)
	a.send(`{"type":"get_leaderboard"}`)
	if ev := a.expect(protocol.EvError); ev["code"] != protocol.CodeInternal {
		t.Fatalf("code = %v", ev["code"])
	}
	flaky.panicBoard.Store(false)
	a.send(`{"type":"get_leaderboard"}`)
	a.expect(protocol.EvRoomLeaderboard)
}

func TestFinishBeforeStartIsRejected(t *testing.T) {
	r := newRig(t, nil)
	a := r.join("a")
	a.send(`{"type":"race_finished","user_id":"a","final_wpm":1,"final_accuracy":1}`)
	if ev := a.expect(protocol.EvError); ev["code"] != protocol.CodeNotStarted {
		t.Fatalf("code = %v", ev["code"])
	}
}

func TestFailedFinishCanBeResent(t *testing.T) {
	r, flaky := newFlakyRig(t)
	a, b := r.startRace()
	a.drain()
	b.drain()

	flaky.failFinish.Store(true)
	a.send(`{"type":"race_finished","user_id":"a","final_wpm":70,"final_accuracy":95}`)
	if ev := a.expect(protocol.EvError); ev["code"] != protocol.CodePersistence {
		t.Fatalf("code = %v", ev["code"])
	}
	if n := a.count(protocol.EvRaceCompleted); n != 0 {
		t.Fatalf("race_completed sent for an unrecorded finish")
	}
	if n := b.count(protocol.EvPlayerFinished); n != 0 {
		t.Fatalf("player_finished broadcast for an unrecorded finish")
	}
	if got := r.mem.Scores("a"); len(got) != 0 {
		t.Fatalf("score recorded despite failure: %+v", got)
	}

	flaky.failFinish.Store(false)
	a.send(`{"type":"race_finished","user_id":"a","final_wpm":70,"final_accuracy":95}`)
	a.expect(protocol.EvRaceCompleted)
	if n := b.count(protocol.EvPlayerFinished); n != 1 {
		t.Fatalf("player_finished count = %d", n)
	}
	if got := r.mem.Scores("a"); len(got) != 1 || got[0].WPM != 70 {
		t.Fatalf("scores after resend = %+v", got)
	}
}

func TestCountdownCancelledWhenReadinessDrops(t *testing.T) {
	r := newRigConfig(t, nil, Config{CountdownTicks: 2, TickInterval: 50 * time.Millisecond})
	a, b := r.join("a"), r.join("b")
	a.send(`{"type":"player_ready","user_id":"a"}`)
	b.send(`{"type":"player_ready","user_id":"b"}`)
	a.expect(protocol.EvCountdown)

	b.send(`{"type":"player_ready","user_id":"b","ready":false}`)
	b.send(`{"type":"leave_room"}`)

	ev := a.expect(protocol.EvCountdownCancelled)
	if ev["ready"] != float64(1) || ev["needed"] != float64(2) {
		t.Fatalf("unexpected cancellation: %v", ev)
	}
	settle()
	if n := a.count(protocol.EvGameStarted); n != 0 {
		t.Fatalf("race started without quorum")
	}
	if r.status() != domain.RoomWaiting {
		t.Fatalf("status = %s", r.status())
	}

	// a fresh quorum starts a new countdown
	c := r.join("c")
	c.send(`{"type":"player_ready","user_id":"c"}`)
	a.expect(protocol.EvGameStarted)
}

func TestAbandonedRaceReleasesRoomState(t *testing.T) {
	r := newRig(t, nil)
	a, b := r.startRace()
	a.peer.Close(context.Background())
	b.peer.Close(context.Background())

	r.c.mu.Lock()
	_, held := r.c.rooms[r.room.ID]
	r.c.mu.Unlock()
	if held {
		t.Fatalf("state kept for a racing room with no members")
	}
	if r.status() != domain.RoomActive {
		t.Fatalf("status = %s", r.status())
	}

	// a returning participant picks the race back up
	a2 := r.join("a")
	a2.send(`{"type":"race_finished","user_id":"a","final_wpm":50,"final_accuracy":90}`)
	a2.expect(protocol.EvRaceCompleted)
	a2.expect(protocol.EvGameFinished)
}
