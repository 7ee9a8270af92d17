package settlement

import (
	"sync"
	"time"

	"codebattle/internal/battle/model"

	"github.com/cespare/xxhash/v2"
)

const settledShards = 32

// RatingFunc returns the rating deltas for the winner and the loser.
type RatingFunc func(winnerID, loserID string) (winnerDelta, loserDelta int)

// FixedDelta awards +delta to the winner and -delta to the loser.
func FixedDelta(delta int) RatingFunc {
	return func(string, string) (int, int) {
		return delta, -delta
	}
}

// Trigger identifies what caused an evaluation.
type Trigger int

const (
	TriggerStatusChange Trigger = iota
	TriggerTimeExpired
	TriggerAborted
)

// Seat is one player's progress as seen by the engine.
type Seat struct {
	PlayerID       string
	Accepted       int
	LastAcceptedAt time.Time
	Live           bool
}

// Input is everything Evaluate needs; the room builds it under its own lock.
type Input struct {
	RoomID       string
	Mode         string
	ProblemCount int
	Seats        [2]Seat
	Trigger      Trigger
	// Started is false for rooms aborted before the game began.
	Started bool
	// AbortedBy is the player who aborted or abandoned; empty means nobody in particular.
	AbortedBy string
}

type settledShard struct {
	mu      sync.Mutex
	records map[string]*model.SettlementRecord
}

// Engine decides terminal conditions and produces at most one record per room.
// Exactly-once markers are sharded by room id.
type Engine struct {
	rating RatingFunc
	now    func() time.Time
	shards [settledShards]settledShard
}

// NewEngine creates an engine; a nil rating defaults to FixedDelta(24).
func NewEngine(rating RatingFunc) *Engine {
	if rating == nil {
		rating = FixedDelta(24)
	}
	e := &Engine{rating: rating, now: time.Now}
	for i := range e.shards {
		e.shards[i].records = make(map[string]*model.SettlementRecord)
	}
	return e
}

func (e *Engine) shardFor(roomID string) *settledShard {
	return &e.shards[xxhash.Sum64String(roomID)%settledShards]
}

// WithClock overrides the settlement timestamp source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate returns a record when in describes a terminal condition that has not
// been settled before. Every later call for the same room returns nil.
func (e *Engine) Evaluate(in Input) *model.SettlementRecord {
	sh := e.shardFor(in.RoomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, done := sh.records[in.RoomID]; done {
		return nil
	}

	var (
		winner, loser int = -1, -1
		reason        model.SettlementReason
	)
	switch in.Trigger {
	case TriggerStatusChange:
		w, ok := fullSolveWinner(in)
		if !ok {
			return nil
		}
		winner, reason = w, model.ReasonAllSolved
	case TriggerTimeExpired:
		if w, ok := fullSolveWinner(in); ok {
			winner, reason = w, model.ReasonAllSolved
			break
		}
		reason = model.ReasonTimeExpired
		switch a, b := in.Seats[0].Accepted, in.Seats[1].Accepted; {
		case a > b:
			winner = 0
		case b > a:
			winner = 1
		}
	case TriggerAborted:
		reason = model.ReasonAborted
		if in.Started {
			winner = abortWinner(in)
		}
	default:
		return nil
	}
	if winner >= 0 {
		loser = 1 - winner
	}

	rec := &model.SettlementRecord{
		RoomID:    in.RoomID,
		Mode:      in.Mode,
		Reason:    reason,
		Deltas:    make(map[string]int, 2),
		SettledAt: e.now(),
	}
	if winner >= 0 {
		w, l := in.Seats[winner].PlayerID, in.Seats[loser].PlayerID
		wd, ld := e.rating(w, l)
		rec.WinnerID = w
		rec.Deltas[w] = wd
		rec.Deltas[l] = ld
	} else {
		for _, s := range in.Seats {
			rec.Deltas[s.PlayerID] = 0
		}
	}
	sh.records[in.RoomID] = rec
	return rec
}

// Settled returns the record produced for roomID, if any.
func (e *Engine) Settled(roomID string) (*model.SettlementRecord, bool) {
	sh := e.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[roomID]
	return rec, ok
}

// Forget drops the exactly-once marker of a room that no longer exists.
func (e *Engine) Forget(roomID string) {
	sh := e.shardFor(roomID)
	sh.mu.Lock()
	delete(sh.records, roomID)
	sh.mu.Unlock()
}

// fullSolveWinner returns the seat index that solved every problem. When both
// did, the earlier final ACCEPTED wins and equal timestamps are a draw (-1).
func fullSolveWinner(in Input) (int, bool) {
	if in.ProblemCount <= 0 {
		return -1, false
	}
	full0 := in.Seats[0].Accepted >= in.ProblemCount
	full1 := in.Seats[1].Accepted >= in.ProblemCount
	switch {
	case full0 && full1:
		t0, t1 := in.Seats[0].LastAcceptedAt, in.Seats[1].LastAcceptedAt
		switch {
		case t0.Before(t1):
			return 0, true
		case t1.Before(t0):
			return 1, true
		}
		return -1, true
	case full0:
		return 0, true
	case full1:
		return 1, true
	}
	return -1, false
}

// abortWinner awards the win to the live player who did not abort.
func abortWinner(in Input) int {
	for i, s := range in.Seats {
		if s.PlayerID == in.AbortedBy {
			other := in.Seats[1-i]
			if other.Live {
				return 1 - i
			}
			return -1
		}
	}
	// Nobody in particular left: a single live player still wins.
	switch {
	case in.Seats[0].Live && !in.Seats[1].Live:
		return 0
	case in.Seats[1].Live && !in.Seats[0].Live:
		return 1
	}
	return -1
}
