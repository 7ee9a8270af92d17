package room

import (
	"context"
	"sync"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/internal/battle/settlement"
	pkgerrors "codebattle/pkg/errors"
	"codebattle/pkg/utils/contextkey"
	"codebattle/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultStartTimeout = 60 * time.Second
	defaultLoadTimeout  = 5 * time.Second
)

// Notifier pushes events to players and reports their liveness.
type Notifier interface {
	Deliver(userID string, ev model.Event) bool
	IsLive(userID string) bool
}

// ProblemLoader fetches the problem set of a mode.
type ProblemLoader interface {
	LoadProblemSet(ctx context.Context, mode model.Mode) ([]model.Problem, error)
}

// Deps are the collaborators shared by all rooms.
type Deps struct {
	Notifier Notifier
	Loader   ProblemLoader
	Engine   *settlement.Engine
	// OnTerminal runs once per room, outside the room lock.
	OnTerminal func(r *Room, rec *model.SettlementRecord)
	Now        func() time.Time
}

// Side indexes a seat pair relative to one player.
type Side int

const (
	Self Side = iota
	Opponent
)

type execution struct {
	problemID string
	prev      model.ProblemStatus
}

type player struct {
	id       string
	joined   bool
	ready    bool
	statuses map[string]model.StatusEntry
	history  []model.StatusEntry

	accepted       int
	lastAcceptedAt time.Time

	running    *execution
	submitting *execution
	code       string
	language   string

	buffer *eventBuffer
	// away is set while the player's session is gone; cleared by Rejoin.
	away bool
	// buffering means older events still wait in buffer.
	buffering bool
}

// Room is the single-writer state machine of one match. Every exported
// method takes the room lock for its whole duration.
type Room struct {
	id     string
	mode   model.Mode
	cfg    Config
	deps   Deps
	logCtx context.Context

	mu           sync.Mutex
	status       model.RoomStatus
	seats        [2]*player
	seatOf       map[string]int
	problems     []model.Problem
	problemIdx   map[string]int
	createdAt    time.Time
	startedAt    time.Time
	endsAt       time.Time
	endedAt      time.Time
	record       *model.SettlementRecord
	loadFailures int
	matchTimer   *time.Timer
	startTimer   *time.Timer
	terminalDue  bool
}

func newRoom(id string, mode model.Mode, a, b string, cfg Config, deps Deps) *Room {
	now := deps.Now()
	r := &Room{
		id:        id,
		mode:      mode,
		cfg:       cfg,
		deps:      deps,
		logCtx:    context.WithValue(context.Background(), contextkey.RoomID, id),
		status:    model.RoomWaiting,
		seatOf:    map[string]int{a: 0, b: 1},
		createdAt: now,
	}
	for i, id := range []string{a, b} {
		r.seats[i] = &player{
			id:       id,
			statuses: make(map[string]model.StatusEntry),
			buffer:   newEventBuffer(cfg.BufferSize),
		}
	}
	if cfg.StartTimeout > 0 {
		r.startTimer = time.AfterFunc(cfg.StartTimeout, r.abortUnstarted)
	}
	return r
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Mode returns the room's game mode.
func (r *Room) Mode() model.Mode { return r.mode }

// Players returns both player ids in seat order.
func (r *Room) Players() [2]string {
	return [2]string{r.seats[0].id, r.seats[1].id}
}

// Status returns the current lifecycle state.
func (r *Room) Status() model.RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Settlement returns the terminal record once the room has ended.
func (r *Room) Settlement() *model.SettlementRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

func (r *Room) lock() { r.mu.Lock() }

// unlock releases the room and fires the terminal hook if a transition to a
// terminal state happened while the lock was held.
func (r *Room) unlock() {
	fire := r.terminalDue
	r.terminalDue = false
	rec := r.record
	r.mu.Unlock()
	if fire && r.deps.OnTerminal != nil {
		r.deps.OnTerminal(r, rec)
	}
}

// seatsFor returns the seats of the room ordered as {Self, Opponent} for playerID.
func (r *Room) seatsFor(playerID string) ([2]*player, bool) {
	i, ok := r.seatOf[playerID]
	if !ok {
		return [2]*player{}, false
	}
	return [2]*player{Self: r.seats[i], Opponent: r.seats[1-i]}, true
}

// Join marks playerID as present in the room.
func (r *Room) Join(playerID string) error {
	r.lock()
	defer r.unlock()

	seats, ok := r.seatsFor(playerID)
	if !ok {
		return pkgerrors.New(pkgerrors.NotRoomMember)
	}
	if r.status.Terminal() {
		return pkgerrors.New(pkgerrors.RoomTerminal)
	}
	if seats[Self].joined {
		return nil
	}
	seats[Self].joined = true
	r.broadcastStateLocked()
	return nil
}

// Start records playerID's readiness. The room loads its problem set and
// begins once both players are ready. Repeated calls are harmless.
func (r *Room) Start(ctx context.Context, playerID string) error {
	r.lock()
	defer r.unlock()

	seats, ok := r.seatsFor(playerID)
	if !ok {
		return pkgerrors.New(pkgerrors.NotRoomMember)
	}
	switch {
	case r.status.Terminal():
		return pkgerrors.New(pkgerrors.RoomTerminal)
	case r.status == model.RoomInProgress:
		return nil
	}
	if seats[Self].ready {
		return nil
	}
	seats[Self].joined = true
	seats[Self].ready = true
	if !seats[Opponent].ready {
		r.broadcastStateLocked()
		return nil
	}
	r.beginLocked(ctx)
	return nil
}

func (r *Room) beginLocked(ctx context.Context) {
	timeout := r.cfg.LoadTimeout
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	problems, err := r.deps.Loader.LoadProblemSet(loadCtx, r.mode)
	cancel()
	if err == nil && len(problems) == 0 {
		err = pkgerrors.New(pkgerrors.ProblemSetUnavailable)
	}
	if err != nil {
		r.loadFailures++
		logger.Warn(r.logCtx, "load problem set failed",
			zap.String("mode", r.mode.Name), zap.Int("attempt", r.loadFailures), zap.Error(err))
		for _, p := range r.seats {
			p.ready = false
		}
		if r.loadFailures >= 2 {
			r.abortLocked("", false)
			return
		}
		r.sendErrorLocked("problem_set_unavailable", pkgerrors.ProblemSetUnavailable,
			"could not load problems, press start to retry")
		r.broadcastStateLocked()
		return
	}

	r.problems = make([]model.Problem, len(problems))
	r.problemIdx = make(map[string]int, len(problems))
	for i, p := range problems {
		r.problems[i] = p.Clone()
		r.problemIdx[p.ID] = i
	}
	now := r.deps.Now()
	for _, p := range r.seats {
		for _, prob := range r.problems {
			p.statuses[prob.ID] = model.StatusEntry{ProblemID: prob.ID, Status: model.StatusUnattempted, At: now}
		}
	}
	r.status = model.RoomInProgress
	r.startedAt = now
	r.endsAt = now.Add(r.mode.Duration)
	if r.startTimer != nil {
		r.startTimer.Stop()
		r.startTimer = nil
	}
	if r.mode.Duration > 0 {
		r.matchTimer = time.AfterFunc(r.mode.Duration, r.Expire)
	}

	public := r.publicProblemsLocked()
	for _, p := range r.seats {
		seats, _ := r.seatsFor(p.id)
		r.emitLocked(p, model.EventGameStart, model.GameStart{
			Problems: public,
			Self:     r.viewLocked(seats[Self], false),
			Opponent: r.viewLocked(seats[Opponent], false),
			EndsAt:   r.endsAt,
		})
	}
	logger.Info(r.logCtx, "match started", zap.String("mode", r.mode.Name), zap.Int("problems", len(r.problems)))
}

// BeginExecution claims the run or submit slot of playerID for problemID and
// returns the problem, hidden test cases included, for the judge. A SUBMIT
// marks the problem PENDING unless it is already ACCEPTED.
func (r *Room) BeginExecution(playerID, problemID string, kind model.TicketKind, code, language string) (model.Problem, error) {
	r.lock()
	defer r.unlock()

	p, idx, err := r.playableLocked(playerID, problemID)
	if err != nil {
		return model.Problem{}, err
	}
	slot := &p.running
	if kind == model.KindSubmit {
		slot = &p.submitting
	}
	if *slot != nil {
		return model.Problem{}, pkgerrors.New(pkgerrors.ExecutionInFlight).WithDetail("problem_id", (*slot).problemID)
	}
	current := p.statuses[problemID].Status
	*slot = &execution{problemID: problemID, prev: current}
	p.code, p.language = code, language

	if kind == model.KindSubmit && current != model.StatusAccepted {
		r.setStatusLocked(p, problemID, model.StatusPending, nil)
	}
	return r.problems[idx].Clone(), nil
}

// CancelExecution releases a slot whose judge request could not be dispatched.
func (r *Room) CancelExecution(playerID, problemID string, kind model.TicketKind) {
	r.lock()
	defer r.unlock()

	seats, ok := r.seatsFor(playerID)
	if !ok {
		return
	}
	p := seats[Self]
	if kind == model.KindRun {
		if p.running != nil && p.running.problemID == problemID {
			p.running = nil
		}
		return
	}
	ex := p.submitting
	if ex == nil || ex.problemID != problemID {
		return
	}
	p.submitting = nil
	if r.status == model.RoomInProgress && p.statuses[problemID].Status == model.StatusPending {
		r.setStatusLocked(p, problemID, ex.prev, nil)
	}
}

// ApplyProblemResult writes a judge verdict for a submission. ACCEPTED is
// never downgraded; results for a terminal room are dropped. It reports
// whether the visible status changed.
func (r *Room) ApplyProblemResult(playerID, problemID string, verdict model.Verdict) (bool, error) {
	r.lock()
	defer r.unlock()

	if r.status.Terminal() {
		logger.Debug(r.logCtx, "result for terminal room dropped",
			zap.String("player_id", playerID), zap.String("problem_id", problemID))
		return false, nil
	}
	if !verdict.Status.IsVerdict() {
		return false, pkgerrors.Newf(pkgerrors.InvalidValue, "not a verdict: %s", verdict.Status)
	}
	p, _, err := r.playableLocked(playerID, problemID)
	if err != nil {
		return false, err
	}
	if p.submitting != nil && p.submitting.problemID == problemID {
		p.submitting = nil
	}

	v := verdict
	r.emitLocked(p, model.EventSubmissionResult, model.ExecutionResult{ProblemID: problemID, Verdict: v})

	if p.statuses[problemID].Status == model.StatusAccepted {
		logger.Info(r.logCtx, "stale verdict for accepted problem dropped",
			zap.String("player_id", playerID), zap.String("problem_id", problemID), zap.String("status", string(v.Status)))
		return false, nil
	}
	r.setStatusLocked(p, problemID, v.Status, &v)

	rec := r.deps.Engine.Evaluate(r.settlementInputLocked(settlement.TriggerStatusChange, ""))
	if rec != nil {
		r.finishLocked(model.RoomCompleted, rec)
	}
	return true, nil
}

// DeliverRunResult sends a RUN verdict to the issuing player only.
func (r *Room) DeliverRunResult(playerID, ticketID, problemID string, verdict model.Verdict) {
	r.lock()
	defer r.unlock()

	seats, ok := r.seatsFor(playerID)
	if !ok {
		return
	}
	p := seats[Self]
	if p.running != nil && p.running.problemID == problemID {
		p.running = nil
	}
	if r.status.Terminal() {
		logger.Debug(r.logCtx, "run result for terminal room dropped", zap.String("ticket_id", ticketID))
		return
	}
	r.emitLocked(p, model.EventRunResult, model.ExecutionResult{TicketID: ticketID, ProblemID: problemID, Verdict: verdict})
}

// Snapshot returns the room as seen by playerID.
func (r *Room) Snapshot(playerID string) (model.Snapshot, error) {
	r.lock()
	defer r.unlock()
	return r.snapshotLocked(playerID)
}

// Disconnect notes that playerID lost its connection; events are buffered
// for it until Rejoin.
func (r *Room) Disconnect(playerID string) {
	r.lock()
	defer r.unlock()

	seats, ok := r.seatsFor(playerID)
	if !ok || r.status.Terminal() {
		return
	}
	if r.deps.Notifier != nil && r.deps.Notifier.IsLive(playerID) {
		// Already reconnected.
		return
	}
	seats[Self].away = true
	r.emitLocked(seats[Opponent], model.EventMatchState, r.matchStateLocked(seats[Opponent].id))
}

// Rejoin returns a fresh snapshot plus the events buffered while playerID was away.
func (r *Room) Rejoin(playerID string) (model.Snapshot, []model.Event, error) {
	r.lock()
	defer r.unlock()
	return r.rejoinLocked(playerID)
}

// Resume is Rejoin for a connected player: the snapshot goes out as a
// match_state frame followed by the buffered events, all before any newer
// event can reach the player. It returns the number of replayed events.
func (r *Room) Resume(playerID string) (model.Snapshot, int, error) {
	r.lock()
	defer r.unlock()

	snap, buffered, err := r.rejoinLocked(playerID)
	if err != nil {
		return model.Snapshot{}, 0, err
	}
	seats, _ := r.seatsFor(playerID)
	self := seats[Self]
	frames := append([]model.Event{model.NewEvent(model.EventMatchState, r.id, snap, r.deps.Now())}, buffered...)
	for i, ev := range frames {
		if r.deps.Notifier != nil && r.deps.Notifier.Deliver(playerID, ev) {
			continue
		}
		self.buffering = true
		for _, rest := range frames[max(i, 1):] {
			self.buffer.push(rest)
		}
		return snap, max(i-1, 0), nil
	}
	return snap, len(buffered), nil
}

func (r *Room) rejoinLocked(playerID string) (model.Snapshot, []model.Event, error) {
	snap, err := r.snapshotLocked(playerID)
	if err != nil {
		return model.Snapshot{}, nil, err
	}
	seats, _ := r.seatsFor(playerID)
	self := seats[Self]
	if self.buffer.dropped > 0 {
		logger.Warn(r.logCtx, "buffered events dropped", zap.String("player_id", playerID), zap.Int("dropped", self.buffer.dropped))
	}
	buffered := self.buffer.drain()
	self.away = false
	self.buffering = false
	self.joined = true
	if !r.status.Terminal() {
		r.emitLocked(seats[Opponent], model.EventMatchState, r.matchStateLocked(seats[Opponent].id))
	}
	return snap, buffered, nil
}

// Abort ends the match on playerID's explicit request.
func (r *Room) Abort(playerID string) error {
	r.lock()
	defer r.unlock()

	if _, ok := r.seatOf[playerID]; !ok {
		return pkgerrors.New(pkgerrors.NotRoomMember)
	}
	if r.status.Terminal() {
		return pkgerrors.New(pkgerrors.RoomTerminal)
	}
	r.abortLocked(playerID, r.status == model.RoomInProgress)
	return nil
}

// Abandon ends the match because playerID did not return within the grace window.
func (r *Room) Abandon(playerID string) {
	r.lock()
	defer r.unlock()

	if _, ok := r.seatOf[playerID]; !ok || r.status.Terminal() {
		return
	}
	logger.Info(r.logCtx, "player abandoned match", zap.String("player_id", playerID))
	r.abortLocked(playerID, r.status == model.RoomInProgress)
}

// Expire is fired by the match timer.
func (r *Room) Expire() {
	r.lock()
	defer r.unlock()

	if r.status != model.RoomInProgress {
		return
	}
	rec := r.deps.Engine.Evaluate(r.settlementInputLocked(settlement.TriggerTimeExpired, ""))
	if rec == nil {
		logger.Warn(r.logCtx, "time expired but room already settled")
		return
	}
	r.finishLocked(model.RoomCompleted, rec)
}

func (r *Room) abortUnstarted() {
	r.lock()
	defer r.unlock()
	if r.status != model.RoomWaiting {
		return
	}
	logger.Info(r.logCtx, "match did not start in time")
	r.abortLocked("", false)
}

// Close stops the room timers without settling.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimersLocked()
}

func (r *Room) abortLocked(by string, started bool) {
	in := r.settlementInputLocked(settlement.TriggerAborted, by)
	in.Started = started
	rec := r.deps.Engine.Evaluate(in)
	if rec == nil {
		rec, _ = r.deps.Engine.Settled(r.id)
	}
	r.finishLocked(model.RoomAborted, rec)
}

func (r *Room) finishLocked(status model.RoomStatus, rec *model.SettlementRecord) {
	if r.status.Terminal() {
		return
	}
	r.status = status
	r.endedAt = r.deps.Now()
	r.record = rec
	r.stopTimersLocked()
	for _, p := range r.seats {
		p.running, p.submitting = nil, nil
	}
	r.terminalDue = true
	if rec == nil {
		logger.Error(r.logCtx, "room finished without settlement record", zap.String("status", string(status)))
		return
	}
	end := model.NewGameEnd(rec)
	for _, p := range r.seats {
		r.emitLocked(p, model.EventGameEnd, end)
	}
	logger.Info(r.logCtx, "match finished",
		zap.String("status", string(status)), zap.String("winner_id", rec.WinnerID), zap.String("reason", string(rec.Reason)))
}

func (r *Room) stopTimersLocked() {
	if r.matchTimer != nil {
		r.matchTimer.Stop()
		r.matchTimer = nil
	}
	if r.startTimer != nil {
		r.startTimer.Stop()
		r.startTimer = nil
	}
}

func (r *Room) playableLocked(playerID, problemID string) (*player, int, error) {
	seats, ok := r.seatsFor(playerID)
	if !ok {
		return nil, 0, pkgerrors.New(pkgerrors.NotRoomMember)
	}
	if r.status.Terminal() {
		return nil, 0, pkgerrors.New(pkgerrors.RoomTerminal)
	}
	if r.status != model.RoomInProgress {
		return nil, 0, pkgerrors.New(pkgerrors.RoomNotInProgress)
	}
	idx, ok := r.problemIdx[problemID]
	if !ok {
		return nil, 0, pkgerrors.New(pkgerrors.ProblemNotInRoom).WithDetail("problem_id", problemID)
	}
	return seats[Self], idx, nil
}

// setStatusLocked records a status change and broadcasts it to both players.
func (r *Room) setStatusLocked(p *player, problemID string, status model.ProblemStatus, verdict *model.Verdict) {
	now := r.deps.Now()
	entry := model.StatusEntry{ProblemID: problemID, Status: status, At: now, Verdict: verdict}
	p.statuses[problemID] = entry
	p.history = append(p.history, entry)
	if status == model.StatusAccepted {
		p.accepted++
		p.lastAcceptedAt = now
	}
	update := model.GameStateUpdate{PlayerID: p.id, ProblemID: problemID, Status: status, At: now}
	for _, seat := range r.seats {
		r.emitLocked(seat, model.EventGameStateUpdate, update)
	}
}

func (r *Room) settlementInputLocked(trigger settlement.Trigger, abortedBy string) settlement.Input {
	in := settlement.Input{
		RoomID:       r.id,
		Mode:         r.mode.Name,
		ProblemCount: len(r.problems),
		Trigger:      trigger,
		Started:      r.status == model.RoomInProgress,
		AbortedBy:    abortedBy,
	}
	for i, p := range r.seats {
		in.Seats[i] = settlement.Seat{
			PlayerID:       p.id,
			Accepted:       p.accepted,
			LastAcceptedAt: p.lastAcceptedAt,
			Live:           r.liveLocked(p),
		}
	}
	return in
}

func (r *Room) liveLocked(p *player) bool {
	return r.deps.Notifier == nil || r.deps.Notifier.IsLive(p.id)
}

// emitLocked delivers ev to p. While p is away, or while earlier events are
// still queued for a live p, ev joins the buffer so p sees events in order.
func (r *Room) emitLocked(p *player, typ model.EventType, data any) {
	ev := model.NewEvent(typ, r.id, data, r.deps.Now())
	if p.away || (p.buffering && !r.flushLocked(p)) {
		p.buffer.push(ev)
		return
	}
	if r.deps.Notifier != nil && r.deps.Notifier.Deliver(p.id, ev) {
		return
	}
	p.buffering = true
	p.buffer.push(ev)
}

// flushLocked sends p's queued events oldest first and reports whether the
// queue is empty afterwards.
func (r *Room) flushLocked(p *player) bool {
	if r.deps.Notifier == nil || !r.deps.Notifier.IsLive(p.id) {
		return false
	}
	for {
		ev, ok := p.buffer.peek()
		if !ok {
			break
		}
		if !r.deps.Notifier.Deliver(p.id, ev) {
			return false
		}
		p.buffer.pop()
	}
	p.buffering = false
	return true
}

func (r *Room) sendErrorLocked(code string, errCode pkgerrors.ErrorCode, msg string) {
	payload := model.ErrorPayload{Code: code, ErrorCode: int(errCode), Message: msg}
	for _, p := range r.seats {
		r.emitLocked(p, model.EventMatchError, payload)
	}
}

func (r *Room) broadcastStateLocked() {
	for _, p := range r.seats {
		r.emitLocked(p, model.EventMatchState, r.matchStateLocked(p.id))
	}
}

func (r *Room) matchStateLocked(recipient string) model.MatchState {
	seats, _ := r.seatsFor(recipient)
	st := model.MatchState{
		Status:   r.status,
		Self:     r.viewLocked(seats[Self], false),
		Opponent: r.viewLocked(seats[Opponent], false),
	}
	if r.status == model.RoomInProgress {
		st.Problems = r.publicProblemsLocked()
	}
	return st
}

func (r *Room) publicProblemsLocked() []model.Problem {
	out := make([]model.Problem, len(r.problems))
	for i, p := range r.problems {
		out[i] = p.Public()
	}
	return out
}
