package judge

import (
	"context"
	"strings"
	"sync"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/pkg/utils/logger"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultShards   = 16
	defaultTimeout  = 25 * time.Second
	defaultSpentTTL = 10 * time.Minute
	ticketSeparator = "."
)

// TimeoutMessage is the verdict message of a ticket the judge never answered.
const TimeoutMessage = "judge timeout"

// Applier receives resolved tickets. RUN tickets only reach OnRunResult.
type Applier interface {
	OnRunResult(ticket model.Ticket, verdict model.Verdict)
	OnSubmitResult(ticket model.Ticket, verdict model.Verdict)
}

// Config controls the correlator.
type Config struct {
	Shards int
	// Timeout resolves a ticket as RUNTIME_ERROR when the judge stays silent.
	Timeout time.Duration
	// SpentTTL is how long resolved ids are remembered to flag duplicates.
	SpentTTL time.Duration
}

type pending struct {
	ticket model.Ticket
	timer  *time.Timer
}

type shard struct {
	mu      sync.Mutex
	pending map[string]*pending
	spent   map[string]time.Time
}

// Correlator maps outstanding judge requests to their room, player and
// problem. The ticket table is sharded by room id.
type Correlator struct {
	cfg     Config
	applier Applier
	shards  []*shard
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewCorrelator creates a correlator delivering resolved tickets to applier.
func NewCorrelator(cfg Config, applier Applier) *Correlator {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SpentTTL <= 0 {
		cfg.SpentTTL = defaultSpentTTL
	}
	c := &Correlator{
		cfg:     cfg,
		applier: applier,
		shards:  make([]*shard, cfg.Shards),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{pending: make(map[string]*pending), spent: make(map[string]time.Time)}
	}
	go c.sweepLoop()
	return c
}

func (c *Correlator) shardFor(roomID string) *shard {
	return c.shards[xxhash.Sum64String(roomID)%uint64(len(c.shards))]
}

// roomOf extracts the room id embedded in a ticket id.
func roomOf(ticketID string) (string, bool) {
	i := strings.LastIndex(ticketID, ticketSeparator)
	if i <= 0 {
		return "", false
	}
	return ticketID[:i], true
}

// Issue registers a new ticket and starts its timeout.
func (c *Correlator) Issue(roomID, playerID, problemID string, kind model.TicketKind) model.Ticket {
	t := model.Ticket{
		ID:        roomID + ticketSeparator + uuid.NewString(),
		RoomID:    roomID,
		PlayerID:  playerID,
		ProblemID: problemID,
		Kind:      kind,
		IssuedAt:  c.now(),
	}
	s := c.shardFor(roomID)
	s.mu.Lock()
	p := &pending{ticket: t}
	p.timer = time.AfterFunc(c.cfg.Timeout, func() { c.timeout(t.ID) })
	s.pending[t.ID] = p
	s.mu.Unlock()
	return t
}

// Resolve applies verdict to the ticket once. Duplicate and unknown ids are
// logged and ignored; the result reports whether the verdict was applied.
func (c *Correlator) Resolve(ctx context.Context, ticketID string, verdict model.Verdict) bool {
	t, ok := c.take(ctx, ticketID)
	if !ok {
		return false
	}
	c.apply(t, verdict)
	return true
}

// Discard drops a ticket whose request never reached the judge.
func (c *Correlator) Discard(ticketID string) {
	roomID, ok := roomOf(ticketID)
	if !ok {
		return
	}
	s := c.shardFor(roomID)
	s.mu.Lock()
	if p, ok := s.pending[ticketID]; ok {
		p.timer.Stop()
		delete(s.pending, ticketID)
	}
	s.mu.Unlock()
}

// DiscardRoom drops every outstanding ticket of a finished room.
func (c *Correlator) DiscardRoom(roomID string) int {
	s := c.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.pending {
		if p.ticket.RoomID != roomID {
			continue
		}
		p.timer.Stop()
		delete(s.pending, id)
		s.spent[id] = c.now()
		n++
	}
	return n
}

// Pending returns the number of outstanding tickets of roomID.
func (c *Correlator) Pending(roomID string) int {
	s := c.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if p.ticket.RoomID == roomID {
			n++
		}
	}
	return n
}

// Close stops every timer and the sweeper.
func (c *Correlator) Close() {
	c.once.Do(func() {
		close(c.stop)
		for _, s := range c.shards {
			s.mu.Lock()
			for _, p := range s.pending {
				p.timer.Stop()
			}
			s.mu.Unlock()
		}
	})
}

func (c *Correlator) take(ctx context.Context, ticketID string) (model.Ticket, bool) {
	roomID, ok := roomOf(ticketID)
	if !ok {
		logger.Warn(ctx, "malformed ticket id ignored", zap.String("ticket_id", ticketID))
		return model.Ticket{}, false
	}
	s := c.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[ticketID]
	if !ok {
		if _, dup := s.spent[ticketID]; dup {
			logger.Warn(ctx, "duplicate judge result ignored", zap.String("ticket_id", ticketID))
		} else {
			logger.Warn(ctx, "unknown ticket ignored", zap.String("ticket_id", ticketID))
		}
		return model.Ticket{}, false
	}
	p.timer.Stop()
	delete(s.pending, ticketID)
	s.spent[ticketID] = c.now()
	return p.ticket, true
}

func (c *Correlator) timeout(ticketID string) {
	ctx := context.Background()
	t, ok := c.take(ctx, ticketID)
	if !ok {
		return
	}
	logger.Warn(ctx, "judge ticket timed out",
		zap.String("ticket_id", ticketID), zap.String("room_id", t.RoomID), zap.Duration("timeout", c.cfg.Timeout))
	c.apply(t, model.Verdict{Status: model.StatusRuntimeError, Message: TimeoutMessage})
}

func (c *Correlator) apply(t model.Ticket, verdict model.Verdict) {
	if c.applier == nil {
		return
	}
	if t.Kind == model.KindRun {
		c.applier.OnRunResult(t, verdict)
		return
	}
	c.applier.OnSubmitResult(t, verdict)
}

func (c *Correlator) sweepLoop() {
	interval := c.cfg.SpentTTL / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Correlator) sweep() {
	cutoff := c.now().Add(-c.cfg.SpentTTL)
	for _, s := range c.shards {
		s.mu.Lock()
		for id, at := range s.spent {
			if at.Before(cutoff) {
				delete(s.spent, id)
			}
		}
		s.mu.Unlock()
	}
}
