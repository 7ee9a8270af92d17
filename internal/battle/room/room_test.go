package room_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/internal/battle/room"
	pkgerrors "codebattle/pkg/errors"
)

type fakeNotifier struct {
	mu       sync.Mutex
	live     map[string]bool
	failNext map[string]int
	events   map[string][]model.Event
}

func newFakeNotifier(users ...string) *fakeNotifier {
	n := &fakeNotifier{live: make(map[string]bool), failNext: make(map[string]int), events: make(map[string][]model.Event)}
	for _, u := range users {
		n.live[u] = true
	}
	return n
}

func (n *fakeNotifier) Deliver(userID string, ev model.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.live[userID] {
		return false
	}
	if n.failNext[userID] > 0 {
		n.failNext[userID]--
		return false
	}
	n.events[userID] = append(n.events[userID], ev)
	return true
}

func (n *fakeNotifier) IsLive(userID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.live[userID]
}

func (n *fakeNotifier) setLive(userID string, live bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.live[userID] = live
}

// failDeliveries makes the next count deliveries to userID fail while the user stays live.
func (n *fakeNotifier) failDeliveries(userID string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext[userID] = count
}

func (n *fakeNotifier) ofType(userID string, typ model.EventType) []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Event
	for _, ev := range n.events[userID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeLoader struct {
	mu       sync.Mutex
	failures int
	problems []model.Problem
}

func (l *fakeLoader) LoadProblemSet(_ context.Context, _ model.Mode) ([]model.Problem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("problem store unavailable")
	}
	return l.problems, nil
}

func twoProblems() []model.Problem {
	return []model.Problem{
		{ID: "p1", Title: "Sum", TestCases: []model.TestCase{
			{Input: "1 2", ExpectedOutput: "3"},
			{Input: "5 5", ExpectedOutput: "10", Hidden: true},
		}},
		{ID: "p2", Title: "Max", TestCases: []model.TestCase{{Input: "1 9", ExpectedOutput: "9"}}},
	}
}

var standard = model.Mode{Name: "STANDARD", ProblemCount: 2, Duration: time.Hour}

type harness struct {
	notifier  *fakeNotifier
	loader    *fakeLoader
	manager   *room.Manager
	mu        sync.Mutex
	terminals []*model.SettlementRecord
}

func newHarness(t *testing.T, cfg room.Config) *harness {
	t.Helper()
	h := &harness{
		notifier: newFakeNotifier("a", "b"),
		loader:   &fakeLoader{problems: twoProblems()},
	}
	h.manager = room.NewManager(cfg, room.Deps{
		Notifier: h.notifier,
		Loader:   h.loader,
		OnTerminal: func(_ *room.Room, rec *model.SettlementRecord) {
			h.mu.Lock()
			h.terminals = append(h.terminals, rec)
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.manager.Close)
	return h
}

func (h *harness) terminalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terminals)
}

func (h *harness) startedRoom(t *testing.T, mode model.Mode) *room.Room {
	t.Helper()
	r, err := h.manager.Create(mode, "a", "b")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	ctx := context.Background()
	if err := r.Start(ctx, "a"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := r.Start(ctx, "b"); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if r.Status() != model.RoomInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", r.Status())
	}
	return r
}

func submit(t *testing.T, r *room.Room, player, problem string, status model.ProblemStatus) bool {
	t.Helper()
	if _, err := r.BeginExecution(player, problem, model.KindSubmit, "code", "go"); err != nil && !pkgerrors.Is(err, pkgerrors.RoomTerminal) {
		t.Fatalf("begin submit %s/%s: %v", player, problem, err)
	}
	changed, err := r.ApplyProblemResult(player, problem, model.Verdict{Status: status})
	if err != nil {
		t.Fatalf("apply %s/%s: %v", player, problem, err)
	}
	return changed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestStartNeedsBothPlayers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r, err := h.manager.Create(standard, "a", "b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()
	_ = r.Start(ctx, "a")
	_ = r.Start(ctx, "a")
	if r.Status() != model.RoomWaiting {
		t.Fatalf("one ready player must not start the room")
	}
	if err := r.Start(ctx, "intruder"); !pkgerrors.Is(err, pkgerrors.NotRoomMember) {
		t.Fatalf("expected NotRoomMember, got %v", err)
	}
	_ = r.Start(ctx, "b")
	if r.Status() != model.RoomInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", r.Status())
	}

	starts := h.notifier.ofType("a", model.EventGameStart)
	if len(starts) != 1 {
		t.Fatalf("expected one game_start, got %d", len(starts))
	}
	gs := starts[0].Data.(model.GameStart)
	if len(gs.Problems) != 2 || len(gs.Problems[0].TestCases) != 1 {
		t.Fatalf("hidden test cases must not be sent: %+v", gs.Problems)
	}
	if gs.Self.PlayerID != "a" || gs.Opponent.PlayerID != "b" {
		t.Fatalf("views must be relative to recipient: %+v / %+v", gs.Self, gs.Opponent)
	}
	if len(h.notifier.ofType("b", model.EventGameStart)) != 1 {
		t.Fatalf("opponent must receive game_start")
	}

	// A repeated start after the game began is harmless.
	if err := r.Start(ctx, "b"); err != nil {
		t.Fatalf("repeated start: %v", err)
	}
}

func TestBeginExecutionReturnsHiddenCases(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	p, err := r.BeginExecution("a", "p1", model.KindRun, "print(3)", "python")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if len(p.TestCases) != 2 {
		t.Fatalf("judge copy must include hidden cases, got %d", len(p.TestCases))
	}
	if _, err := r.BeginExecution("a", "p2", model.KindRun, "x", "python"); !pkgerrors.Is(err, pkgerrors.ExecutionInFlight) {
		t.Fatalf("expected ExecutionInFlight, got %v", err)
	}
	if _, err := r.BeginExecution("a", "p9", model.KindSubmit, "x", "python"); !pkgerrors.Is(err, pkgerrors.ProblemNotInRoom) {
		t.Fatalf("expected ProblemNotInRoom, got %v", err)
	}

	r.DeliverRunResult("a", "t1", "p1", model.Verdict{Status: model.StatusAccepted, Output: "3"})
	runs := h.notifier.ofType("a", model.EventRunResult)
	if len(runs) != 1 || len(h.notifier.ofType("b", model.EventRunResult)) != 0 {
		t.Fatalf("run results go to the issuing player only")
	}
	snap, _ := r.Snapshot("a")
	if snap.Self.Statuses["p1"] != model.StatusUnattempted {
		t.Fatalf("run must not change problem status, got %s", snap.Self.Statuses["p1"])
	}
	if _, err := r.BeginExecution("a", "p2", model.KindRun, "x", "python"); err != nil {
		t.Fatalf("slot must be free after run result: %v", err)
	}
}

func TestCancelExecutionRestoresStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	if _, err := r.BeginExecution("a", "p1", model.KindSubmit, "x", "go"); err != nil {
		t.Fatalf("begin submit: %v", err)
	}
	snap, _ := r.Snapshot("b")
	if snap.Opponent.Statuses["p1"] != model.StatusPending {
		t.Fatalf("opponent must see PENDING, got %s", snap.Opponent.Statuses["p1"])
	}
	r.CancelExecution("a", "p1", model.KindSubmit)
	snap, _ = r.Snapshot("a")
	if snap.Self.Statuses["p1"] != model.StatusUnattempted || snap.Self.Submitting {
		t.Fatalf("cancel must restore status and free the slot: %+v", snap.Self)
	}
}

func TestAcceptedIsMonotonic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	if !submit(t, r, "a", "p1", model.StatusAccepted) {
		t.Fatalf("first ACCEPTED must change status")
	}
	for _, late := range []model.ProblemStatus{
		model.StatusWrongAnswer, model.StatusRuntimeError, model.StatusTimeLimitExceeded, model.StatusCompilationError,
	} {
		if changed := submit(t, r, "a", "p1", late); changed {
			t.Fatalf("%s must not downgrade ACCEPTED", late)
		}
	}
	snap, _ := r.Snapshot("a")
	if snap.Self.Statuses["p1"] != model.StatusAccepted || snap.Self.Accepted != 1 {
		t.Fatalf("expected ACCEPTED with count 1, got %+v", snap.Self)
	}
	opp, _ := r.Snapshot("b")
	if opp.Opponent.Statuses["p1"] != model.StatusAccepted {
		t.Fatalf("opponent must see ACCEPTED, got %s", opp.Opponent.Statuses["p1"])
	}
}

func TestAllSolvedScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	submit(t, r, "a", "p1", model.StatusAccepted)
	submit(t, r, "b", "p1", model.StatusWrongAnswer)
	submit(t, r, "a", "p2", model.StatusAccepted)

	if r.Status() != model.RoomCompleted {
		t.Fatalf("expected COMPLETED, got %s", r.Status())
	}
	for _, u := range []string{"a", "b"} {
		ends := h.notifier.ofType(u, model.EventGameEnd)
		if len(ends) != 1 {
			t.Fatalf("%s: expected one game_end, got %d", u, len(ends))
		}
		end := ends[0].Data.(model.GameEnd)
		if end.WinnerID == nil || *end.WinnerID != "a" || end.Reason != model.ReasonAllSolved {
			t.Fatalf("%s: unexpected game_end %+v", u, end)
		}
		if end.Deltas["a"] != 24 || end.Deltas["b"] != -24 {
			t.Fatalf("unexpected deltas %v", end.Deltas)
		}
	}

	if _, err := r.BeginExecution("b", "p1", model.KindSubmit, "x", "go"); !pkgerrors.Is(err, pkgerrors.RoomTerminal) {
		t.Fatalf("expected RoomTerminal, got %v", err)
	}
	if changed, err := r.ApplyProblemResult("b", "p1", model.Verdict{Status: model.StatusAccepted}); changed || err != nil {
		t.Fatalf("terminal room must drop results, changed=%v err=%v", changed, err)
	}
	if len(h.notifier.ofType("a", model.EventGameEnd)) != 1 {
		t.Fatalf("game_end must fire exactly once")
	}
	waitFor(t, func() bool { return h.terminalCount() == 1 })
	if h.manager.InRoom("a") || h.manager.InRoom("b") {
		t.Fatalf("players must be released after the match")
	}
}

func TestTimeExpiredScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	mode := standard
	mode.Duration = 50 * time.Millisecond
	r := h.startedRoom(t, mode)

	submit(t, r, "a", "p1", model.StatusAccepted)

	waitFor(t, func() bool { return r.Status() == model.RoomCompleted })
	ends := h.notifier.ofType("b", model.EventGameEnd)
	if len(ends) != 1 {
		t.Fatalf("expected one game_end, got %d", len(ends))
	}
	end := ends[0].Data.(model.GameEnd)
	if end.WinnerID == nil || *end.WinnerID != "a" || end.Reason != model.ReasonTimeExpired {
		t.Fatalf("unexpected game_end %+v", end)
	}
}

func TestAbandonAwardsSurvivor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	h.notifier.setLive("a", false)
	r.Disconnect("a")
	if r.Status() != model.RoomInProgress {
		t.Fatalf("disconnect alone must not abort")
	}
	states := h.notifier.ofType("b", model.EventMatchState)
	if last := states[len(states)-1].Data.(model.MatchState); last.Opponent.Live {
		t.Fatalf("opponent must be told a is offline")
	}

	r.Abandon("a")
	if r.Status() != model.RoomAborted {
		t.Fatalf("expected ABORTED, got %s", r.Status())
	}
	ends := h.notifier.ofType("b", model.EventGameEnd)
	if len(ends) != 1 {
		t.Fatalf("expected game_end for survivor")
	}
	end := ends[0].Data.(model.GameEnd)
	if end.WinnerID == nil || *end.WinnerID != "b" || end.Reason != model.ReasonAborted {
		t.Fatalf("unexpected game_end %+v", end)
	}
	if end.Deltas["a"] != -24 {
		t.Fatalf("abandoning player must get the loser delta, got %v", end.Deltas)
	}
	r.Abandon("b")
	if len(h.notifier.ofType("b", model.EventGameEnd)) != 1 {
		t.Fatalf("terminal room must not settle again")
	}
}

func TestFailedSendToLivePlayerRecovers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	h.notifier.failDeliveries("b", 1)
	// The PENDING update fails; the verdict update that follows flushes it.
	submit(t, r, "a", "p1", model.StatusWrongAnswer)
	updates := h.notifier.ofType("b", model.EventGameStateUpdate)
	if len(updates) != 2 {
		t.Fatalf("b must get the missed update and the new one, got %d", len(updates))
	}
	first := updates[0].Data.(model.GameStateUpdate)
	second := updates[1].Data.(model.GameStateUpdate)
	if first.Status != model.StatusPending || second.Status != model.StatusWrongAnswer {
		t.Fatalf("updates out of order: %s then %s", first.Status, second.Status)
	}

	h.notifier.setLive("a", false)
	r.Disconnect("a")
	r.Abandon("a")
	ends := h.notifier.ofType("b", model.EventGameEnd)
	if len(ends) != 1 {
		t.Fatalf("connected survivor must receive game_end, got %d", len(ends))
	}
	end := ends[0].Data.(model.GameEnd)
	if end.WinnerID == nil || *end.WinnerID != "b" || end.Reason != model.ReasonAborted {
		t.Fatalf("connected survivor must win, got %+v", end)
	}
}

func TestDisconnectIgnoredAfterReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	// The player is live again by the time the disconnect lands.
	r.Disconnect("a")
	submit(t, r, "b", "p1", model.StatusWrongAnswer)
	if got := len(h.notifier.ofType("a", model.EventGameStateUpdate)); got != 2 {
		t.Fatalf("a live player must keep receiving events, got %d", got)
	}
}

func TestAbortBeforeStartIsDraw(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r, _ := h.manager.Create(standard, "a", "b")

	if err := r.Abort("a"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	rec := r.Settlement()
	if rec == nil || !rec.Draw() || rec.Deltas["a"] != 0 || rec.Deltas["b"] != 0 {
		t.Fatalf("expected zero-delta draw, got %+v", rec)
	}
	if err := r.Abort("b"); !pkgerrors.Is(err, pkgerrors.RoomTerminal) {
		t.Fatalf("expected RoomTerminal, got %v", err)
	}
}

func TestRejoinReturnsSnapshotAndBufferedEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	h.notifier.setLive("a", false)
	r.Disconnect("a")
	submit(t, r, "b", "p1", model.StatusAccepted)
	submit(t, r, "b", "p2", model.StatusWrongAnswer)

	h.notifier.setLive("a", true)
	snap, buffered, err := r.Rejoin("a")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if snap.Opponent.Statuses["p1"] != model.StatusAccepted || snap.Opponent.Statuses["p2"] != model.StatusWrongAnswer {
		t.Fatalf("snapshot must reflect current state: %+v", snap.Opponent.Statuses)
	}
	var updates int
	for _, ev := range buffered {
		if ev.Type == model.EventGameStateUpdate {
			updates++
		}
	}
	// PENDING and verdict for each of the two submissions.
	if updates != 4 {
		t.Fatalf("expected 4 buffered updates, got %d (%+v)", updates, buffered)
	}
	if len(h.notifier.ofType("a", model.EventGameStateUpdate)) != 0 {
		t.Fatalf("nothing may be delivered while away")
	}

	_, again, _ := r.Rejoin("a")
	if len(again) != 0 {
		t.Fatalf("buffer must be drained once, got %d", len(again))
	}
	submit(t, r, "b", "p2", model.StatusAccepted)
	if len(h.notifier.ofType("a", model.EventGameEnd)) != 1 {
		t.Fatalf("live delivery must resume after rejoin")
	}
}

func TestBufferDropsOldest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{BufferSize: 3})
	r := h.startedRoom(t, standard)

	h.notifier.setLive("a", false)
	r.Disconnect("a")
	submit(t, r, "b", "p1", model.StatusWrongAnswer)
	submit(t, r, "b", "p1", model.StatusWrongAnswer)
	submit(t, r, "b", "p1", model.StatusAccepted)

	_, buffered, _ := r.Rejoin("a")
	if len(buffered) != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", len(buffered))
	}
	last := buffered[len(buffered)-1].Data.(model.GameStateUpdate)
	if last.Status != model.StatusAccepted {
		t.Fatalf("newest event must survive, got %s", last.Status)
	}
}

func TestResumeReplaysInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)

	h.notifier.setLive("a", false)
	r.Disconnect("a")
	submit(t, r, "b", "p1", model.StatusWrongAnswer)

	h.notifier.setLive("a", true)
	before := len(h.notifier.ofType("a", model.EventMatchState))
	snap, replayed, err := r.Resume("a")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if replayed != 2 {
		t.Fatalf("expected 2 replayed updates, got %d", replayed)
	}
	if snap.Opponent.Statuses["p1"] != model.StatusWrongAnswer {
		t.Fatalf("snapshot must be current: %+v", snap.Opponent.Statuses)
	}
	states := h.notifier.ofType("a", model.EventMatchState)
	if len(states) != before+1 {
		t.Fatalf("expected one snapshot frame, got %d", len(states)-before)
	}
	if _, ok := states[len(states)-1].Data.(model.Snapshot); !ok {
		t.Fatalf("snapshot frame must carry a snapshot, got %T", states[len(states)-1].Data)
	}
	if len(h.notifier.ofType("a", model.EventGameStateUpdate)) != 2 {
		t.Fatalf("buffered updates must be delivered")
	}
}

func TestSnapshotVisibility(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	r := h.startedRoom(t, standard)
	submit(t, r, "a", "p1", model.StatusWrongAnswer)

	own, _ := r.Snapshot("a")
	if len(own.Self.History) == 0 || own.Self.Code != "code" {
		t.Fatalf("own view must carry history and code: %+v", own.Self)
	}
	if own.Self.History[len(own.Self.History)-1].Verdict == nil {
		t.Fatalf("own history must carry verdict detail")
	}
	other, _ := r.Snapshot("b")
	if other.Opponent.History != nil || other.Opponent.Code != "" {
		t.Fatalf("opponent view must hide history and code: %+v", other.Opponent)
	}
	if other.Opponent.Statuses["p1"] != model.StatusWrongAnswer {
		t.Fatalf("opponent view must show current status")
	}
	if _, err := r.Snapshot("c"); !pkgerrors.Is(err, pkgerrors.NotRoomMember) {
		t.Fatalf("expected NotRoomMember, got %v", err)
	}
}

func TestProblemLoadFailureRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	h.loader.failures = 1
	r, _ := h.manager.Create(standard, "a", "b")
	ctx := context.Background()

	_ = r.Start(ctx, "a")
	_ = r.Start(ctx, "b")
	if r.Status() != model.RoomWaiting {
		t.Fatalf("failed load must keep the room WAITING, got %s", r.Status())
	}
	if len(h.notifier.ofType("a", model.EventMatchError)) != 1 {
		t.Fatalf("expected match_error after failed load")
	}
	snap, _ := r.Snapshot("a")
	if snap.Self.Ready || snap.Opponent.Ready {
		t.Fatalf("readiness must be cleared after failed load")
	}

	_ = r.Start(ctx, "a")
	_ = r.Start(ctx, "b")
	if r.Status() != model.RoomInProgress {
		t.Fatalf("retry must start the room, got %s", r.Status())
	}
}

func TestProblemLoadFailsTwiceAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{})
	h.loader.failures = 2
	r, _ := h.manager.Create(standard, "a", "b")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = r.Start(ctx, "a")
		_ = r.Start(ctx, "b")
	}
	if r.Status() != model.RoomAborted {
		t.Fatalf("expected ABORTED, got %s", r.Status())
	}
	if rec := r.Settlement(); rec == nil || !rec.Draw() {
		t.Fatalf("expected draw, got %+v", rec)
	}
}

func TestStartTimeoutAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, room.Config{StartTimeout: 30 * time.Millisecond})
	r, _ := h.manager.Create(standard, "a", "b")
	_ = r.Start(context.Background(), "a")

	waitFor(t, func() bool { return r.Status() == model.RoomAborted })
	if rec := r.Settlement(); rec == nil || !rec.Draw() {
		t.Fatalf("expected draw, got %+v", rec)
	}
}
