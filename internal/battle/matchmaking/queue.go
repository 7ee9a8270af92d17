package matchmaking

import (
	"container/list"
	"context"
	"sync"
	"time"

	"codebattle/internal/battle/model"
	pkgerrors "codebattle/pkg/errors"
	"codebattle/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultRetryDelay = 500 * time.Millisecond

// RoomFactory creates a room for a freshly paired couple.
type RoomFactory interface {
	CreateRoom(ctx context.Context, mode model.Mode, a, b string) error
}

// RoomChecker reports whether a user currently plays in a room.
type RoomChecker interface {
	InRoom(userID string) bool
}

// Notifier delivers matchmaking errors to a user.
type Notifier interface {
	Deliver(userID string, ev model.Event) bool
}

// Entry is one waiting user.
type Entry struct {
	UserID     string
	Mode       string
	EnqueuedAt time.Time
	Deadline   time.Time

	retried bool
	elem    *list.Element
	timer   *time.Timer
}

type lane struct {
	mode model.Mode

	mu      sync.Mutex
	entries *list.List
	pairing bool
}

// Config controls queue behaviour.
type Config struct {
	// RetryDelay is the pause before retrying a pair whose room creation failed.
	RetryDelay time.Duration
}

// Queue is a set of per-mode FIFO lanes. Each lane has its own lock; a
// separate index maps users to the lane they wait in.
type Queue struct {
	cfg      Config
	lanes    map[string]*lane
	factory  RoomFactory
	rooms    RoomChecker
	notifier Notifier
	now      func() time.Time

	idxMu sync.Mutex
	index map[string]*Entry
}

// NewQueue creates lanes for modes.
func NewQueue(cfg Config, modes []model.Mode, factory RoomFactory, rooms RoomChecker, notifier Notifier) *Queue {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	q := &Queue{
		cfg:      cfg,
		lanes:    make(map[string]*lane, len(modes)),
		factory:  factory,
		rooms:    rooms,
		notifier: notifier,
		now:      time.Now,
		index:    make(map[string]*Entry),
	}
	for _, m := range modes {
		q.lanes[m.Name] = &lane{mode: m, entries: list.New()}
	}
	return q
}

// Mode returns the configured mode with the given name.
func (q *Queue) Mode(name string) (model.Mode, bool) {
	l, ok := q.lanes[name]
	if !ok {
		return model.Mode{}, false
	}
	return l.mode, true
}

// Enqueue adds userID to the lane of mode. Enqueueing again for the same mode
// is a no-op; a different mode first removes the old entry. timeout <= 0
// waits indefinitely.
func (q *Queue) Enqueue(ctx context.Context, userID, mode string, timeout time.Duration) error {
	l, ok := q.lanes[mode]
	if !ok {
		return pkgerrors.New(pkgerrors.InvalidMode).WithDetail("mode", mode)
	}
	if q.rooms != nil && q.rooms.InRoom(userID) {
		return pkgerrors.New(pkgerrors.AlreadyInRoom)
	}

	q.idxMu.Lock()
	existing, ok := q.index[userID]
	q.idxMu.Unlock()
	if ok {
		if existing.Mode == mode {
			return nil
		}
		q.Dequeue(userID)
	}

	// Lane before index; an entry is visible in both or in neither.
	l.mu.Lock()
	q.idxMu.Lock()
	if _, ok := q.index[userID]; ok {
		// a concurrent Enqueue for the same user won
		q.idxMu.Unlock()
		l.mu.Unlock()
		return nil
	}
	now := q.now()
	e := &Entry{UserID: userID, Mode: mode, EnqueuedAt: now}
	if timeout > 0 {
		e.Deadline = now.Add(timeout)
		e.timer = time.AfterFunc(timeout, func() { q.expire(e) })
	}
	q.index[userID] = e
	e.elem = l.entries.PushBack(e)
	q.idxMu.Unlock()
	l.mu.Unlock()

	logger.Info(ctx, "matchmaking enqueued", zap.String("user_id", userID), zap.String("mode", mode))
	q.pair(ctx, l)
	return nil
}

// Dequeue removes userID from whichever lane it waits in.
func (q *Queue) Dequeue(userID string) bool {
	q.idxMu.Lock()
	e, ok := q.index[userID]
	if ok {
		delete(q.index, userID)
	}
	q.idxMu.Unlock()
	if !ok {
		return false
	}
	l := q.lanes[e.Mode]
	l.mu.Lock()
	q.removeLocked(l, e)
	l.mu.Unlock()
	return true
}

// Waiting reports whether userID is queued.
func (q *Queue) Waiting(userID string) bool {
	q.idxMu.Lock()
	defer q.idxMu.Unlock()
	_, ok := q.index[userID]
	return ok
}

// Len returns the number of users waiting for mode.
func (q *Queue) Len(mode string) int {
	l, ok := q.lanes[mode]
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// Lengths returns the waiting count of every lane.
func (q *Queue) Lengths() map[string]int {
	out := make(map[string]int, len(q.lanes))
	for name := range q.lanes {
		out[name] = q.Len(name)
	}
	return out
}

// Close stops all queue timers.
func (q *Queue) Close() {
	for _, l := range q.lanes {
		l.mu.Lock()
		for el := l.entries.Front(); el != nil; el = el.Next() {
			if e := el.Value.(*Entry); e.timer != nil {
				e.timer.Stop()
			}
		}
		l.mu.Unlock()
	}
}

func (q *Queue) removeLocked(l *lane, e *Entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.elem != nil {
		l.entries.Remove(e.elem)
		e.elem = nil
	}
}

// pair takes the two oldest entries while the lane has at least two and hands
// them to the room factory outside the lane lock. Only one pairing loop runs
// per lane at a time so FIFO order is kept across concurrent enqueues.
func (q *Queue) pair(ctx context.Context, l *lane) {
	l.mu.Lock()
	if l.pairing {
		l.mu.Unlock()
		return
	}
	l.pairing = true
	for {
		a, b := q.takePairLocked(l)
		if a == nil {
			break
		}
		l.mu.Unlock()

		err := q.factory.CreateRoom(ctx, l.mode, a.UserID, b.UserID)

		l.mu.Lock()
		if err == nil {
			continue
		}
		if a.retried || b.retried {
			l.mu.Unlock()
			logger.Warn(ctx, "room creation failed twice, giving up",
				zap.String("mode", l.mode.Name), zap.String("a", a.UserID), zap.String("b", b.UserID), zap.Error(err))
			q.fail(a.UserID, err)
			q.fail(b.UserID, err)
			l.mu.Lock()
			continue
		}
		logger.Warn(ctx, "room creation failed, re-enqueueing pair",
			zap.String("mode", l.mode.Name), zap.String("a", a.UserID), zap.String("b", b.UserID), zap.Error(err))
		a.retried, b.retried = true, true
		q.requeueFrontLocked(l, a, b)
		l.pairing = false
		l.mu.Unlock()
		time.AfterFunc(q.cfg.RetryDelay, func() { q.pair(context.Background(), l) })
		return
	}
	l.pairing = false
	l.mu.Unlock()
}

// takePairLocked removes the two oldest entries from both the lane and the
// index. Entries already dropped from the index are left for their Dequeue or
// expiry to unlink. It returns nils when fewer than two are waiting.
func (q *Queue) takePairLocked(l *lane) (*Entry, *Entry) {
	q.idxMu.Lock()
	defer q.idxMu.Unlock()
	picked := make([]*Entry, 0, 2)
	for el := l.entries.Front(); el != nil && len(picked) < 2; el = el.Next() {
		if e := el.Value.(*Entry); q.index[e.UserID] == e {
			picked = append(picked, e)
		}
	}
	if len(picked) < 2 {
		return nil, nil
	}
	for _, e := range picked {
		delete(q.index, e.UserID)
		q.removeLocked(l, e)
	}
	return picked[0], picked[1]
}

// requeueFrontLocked puts a and b back at the head of the lane in their
// original order, unless a user left or re-queued meanwhile.
func (q *Queue) requeueFrontLocked(l *lane, a, b *Entry) {
	q.idxMu.Lock()
	defer q.idxMu.Unlock()
	for _, e := range []*Entry{b, a} {
		if _, taken := q.index[e.UserID]; taken {
			continue
		}
		q.index[e.UserID] = e
		e.elem = l.entries.PushFront(e)
		if e.Deadline.IsZero() {
			continue
		}
		entry := e
		e.timer = time.AfterFunc(max(e.Deadline.Sub(q.now()), 0), func() { q.expire(entry) })
	}
}

func (q *Queue) expire(e *Entry) {
	q.idxMu.Lock()
	current, ok := q.index[e.UserID]
	if !ok || current != e {
		q.idxMu.Unlock()
		return
	}
	delete(q.index, e.UserID)
	q.idxMu.Unlock()

	l := q.lanes[e.Mode]
	l.mu.Lock()
	if e.elem != nil {
		l.entries.Remove(e.elem)
		e.elem = nil
	}
	e.timer = nil
	l.mu.Unlock()

	logger.Info(context.Background(), "matchmaking timed out", zap.String("user_id", e.UserID), zap.String("mode", e.Mode))
	q.notify(e.UserID, "timeout", pkgerrors.MatchmakingTimeout, "no match found")
}

func (q *Queue) fail(userID string, cause error) {
	code := pkgerrors.GetCode(cause)
	if code == pkgerrors.InternalServerError {
		code = pkgerrors.MatchmakingFailed
	}
	q.notify(userID, "room_creation_failed", code, "could not create a match room, please queue again")
}

func (q *Queue) notify(userID, reason string, code pkgerrors.ErrorCode, msg string) {
	if q.notifier == nil {
		return
	}
	q.notifier.Deliver(userID, model.NewEvent(model.EventMatchmakingError, "", model.ErrorPayload{
		Code:      reason,
		ErrorCode: int(code),
		Message:   msg,
	}, q.now()))
}
