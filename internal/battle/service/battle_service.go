package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"codebattle/internal/battle/judge"
	"codebattle/internal/battle/judgeclient"
	"codebattle/internal/battle/matchmaking"
	"codebattle/internal/battle/model"
	"codebattle/internal/battle/repository"
	"codebattle/internal/battle/room"
	"codebattle/internal/battle/session"
	"codebattle/internal/battle/settlement"
	appErr "codebattle/pkg/errors"
	"codebattle/pkg/utils/contextkey"
	"codebattle/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMatchmakingTimeout = 60 * time.Second
	defaultMaxCodeBytes       = 64 << 10
	defaultRecordTimeout      = 10 * time.Second
)

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	Dispatch time.Duration
	Record   time.Duration
	Cache    time.Duration
}

// PresenceDirectory mirrors session presence and reads it back, including
// users connected to other processes.
type PresenceDirectory interface {
	session.PresenceStore
	GetPresence(ctx context.Context, userID string) (repository.Presence, bool, error)
}

// RoomTracker mirrors the set of open rooms outside the process.
type RoomTracker interface {
	AddActiveRoom(ctx context.Context, roomID string) error
	RemoveActiveRoom(ctx context.Context, roomID string) error
	ActiveRooms(ctx context.Context) (int64, error)
}

// SnapshotArchive serves snapshots of rooms that are no longer in memory.
type SnapshotArchive interface {
	Snapshot(ctx context.Context, roomID, playerID string) (model.Snapshot, error)
}

// Leaderboard ranks players by rating.
type Leaderboard interface {
	Top(ctx context.Context, n int) ([]repository.RatingEntry, error)
	Rating(ctx context.Context, userID string) (int, error)
}

// ExecutionLimiter throttles run and submit requests per key.
type ExecutionLimiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) error
}

// RateConfig caps executions per player within Window.
type RateConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Config holds battle service dependencies and settings.
type Config struct {
	Modes      []model.Mode
	Session    session.Config
	Queue      matchmaking.Config
	Room       room.Config
	Correlator judge.Config

	// MatchmakingTimeout applies when a join request carries no timeout.
	MatchmakingTimeout time.Duration
	MaxCodeBytes       int
	ExecutionRate      RateConfig
	Timeouts           TimeoutConfig

	Loader             room.ProblemLoader
	Dispatcher         judgeclient.Dispatcher
	Rating             settlement.RatingFunc
	Presence           PresenceDirectory
	Rooms              RoomTracker
	Archive            SnapshotArchive
	Ratings            Leaderboard
	Limiter            ExecutionLimiter
	SettlementHandlers []SettlementHandler
}

// BattleService wires sessions, matchmaking, rooms and judge correlation
// into the operations exposed to clients.
type BattleService struct {
	registry   *session.Registry
	queue      *matchmaking.Queue
	manager    *room.Manager
	correlator *judge.Correlator
	dispatcher judgeclient.Dispatcher

	rooms    RoomTracker
	archive  SnapshotArchive
	ratings  Leaderboard
	presence PresenceDirectory
	limiter  ExecutionLimiter
	handlers []SettlementHandler

	modes              []model.Mode
	matchmakingTimeout time.Duration
	maxCodeBytes       int
	executionRate      RateConfig
	timeouts           TimeoutConfig
	now                func() time.Time

	wg sync.WaitGroup
}

// Stats is a point-in-time view of service load.
type Stats struct {
	Sessions int            `json:"sessions"`
	Rooms    int            `json:"rooms"`
	Queues   map[string]int `json:"queues"`
	// TrackedRooms is the size of the shared active room set; nil when unknown.
	TrackedRooms *int64 `json:"tracked_rooms,omitempty"`
}

// PlayerInfo is the public view of one player.
type PlayerInfo struct {
	UserID string `json:"user_id"`
	Rating int    `json:"rating"`
	Online bool   `json:"online"`
	RoomID string `json:"room_id,omitempty"`
}

// ExecuteInput describes a run or submit request.
type ExecuteInput struct {
	UserID    string
	RoomID    string
	ProblemID string
	Code      string
	Language  string
	// Input is custom stdin for a run; empty runs the public test cases.
	Input string
}

// NewBattleService creates a battle service.
func NewBattleService(cfg Config) (*BattleService, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("problem loader is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("judge dispatcher is required")
	}
	if err := validateModes(cfg.Modes); err != nil {
		return nil, err
	}
	if cfg.MatchmakingTimeout == 0 {
		cfg.MatchmakingTimeout = defaultMatchmakingTimeout
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.Timeouts.Record <= 0 {
		cfg.Timeouts.Record = defaultRecordTimeout
	}

	s := &BattleService{
		dispatcher:         cfg.Dispatcher,
		rooms:              cfg.Rooms,
		archive:            cfg.Archive,
		ratings:            cfg.Ratings,
		presence:           cfg.Presence,
		limiter:            cfg.Limiter,
		handlers:           cfg.SettlementHandlers,
		modes:              slices.Clone(cfg.Modes),
		matchmakingTimeout: cfg.MatchmakingTimeout,
		maxCodeBytes:       cfg.MaxCodeBytes,
		executionRate:      cfg.ExecutionRate,
		timeouts:           cfg.Timeouts,
		now:                time.Now,
	}
	s.registry = session.NewRegistry(cfg.Session, cfg.Presence)
	s.registry.SetHooks(session.Hooks{
		OnDisconnect: s.onSessionDisconnect,
		OnExpire:     s.onSessionExpire,
	})
	s.manager = room.NewManager(cfg.Room, room.Deps{
		Notifier:   s.registry,
		Loader:     cfg.Loader,
		Engine:     settlement.NewEngine(cfg.Rating),
		OnTerminal: s.onTerminal,
	})
	s.queue = matchmaking.NewQueue(cfg.Queue, cfg.Modes, s, s.manager, s.registry)
	s.correlator = judge.NewCorrelator(cfg.Correlator, s)
	return s, nil
}

func validateModes(modes []model.Mode) error {
	if len(modes) == 0 {
		return fmt.Errorf("at least one game mode is required")
	}
	seen := make(map[string]struct{}, len(modes))
	for _, m := range modes {
		if m.Name == "" {
			return fmt.Errorf("game mode name is required")
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("duplicate game mode %q", m.Name)
		}
		seen[m.Name] = struct{}{}
		if m.ProblemCount <= 0 {
			return fmt.Errorf("mode %s: problem count must be positive", m.Name)
		}
		if m.Duration <= 0 {
			return fmt.Errorf("mode %s: duration must be positive", m.Name)
		}
	}
	return nil
}

// Modes returns the configured game modes.
func (s *BattleService) Modes() []model.Mode {
	return slices.Clone(s.modes)
}

// Connect registers conn as userID's only connection. A user who still has
// an open room is resumed into it right away.
func (s *BattleService) Connect(ctx context.Context, userID string, conn session.Conn) (string, error) {
	if userID == "" {
		return "", appErr.New(appErr.Unauthorized)
	}
	sessionID := s.registry.Register(userID, conn)
	if r, ok := s.manager.RoomOf(userID); ok {
		s.registry.BindRoom(userID, r.ID())
		ctx = context.WithValue(ctx, contextkey.RoomID, r.ID())
		if _, replayed, err := r.Resume(userID); err != nil {
			logger.Warn(ctx, "resume on connect failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			logger.Info(ctx, "session resumed into room", zap.String("user_id", userID), zap.Int("replayed", replayed))
		}
	}
	return sessionID, nil
}

// Disconnect ends the connection of sessionID; the user keeps the grace window.
func (s *BattleService) Disconnect(sessionID string) {
	s.registry.Unregister(sessionID)
}

func (s *BattleService) onSessionDisconnect(userID, _ string) {
	if s.queue.Dequeue(userID) {
		logger.Info(context.Background(), "left matchmaking on disconnect", zap.String("user_id", userID))
	}
	if r, ok := s.manager.RoomOf(userID); ok {
		r.Disconnect(userID)
	}
}

func (s *BattleService) onSessionExpire(userID, _ string) {
	s.queue.Dequeue(userID)
	if r, ok := s.manager.RoomOf(userID); ok {
		r.Abandon(userID)
	}
}

// JoinMatchmaking queues userID for mode. timeout <= 0 uses the service default.
func (s *BattleService) JoinMatchmaking(ctx context.Context, userID, mode string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.matchmakingTimeout
	}
	return s.queue.Enqueue(ctx, userID, mode, timeout)
}

// LeaveMatchmaking removes userID from the queue.
func (s *BattleService) LeaveMatchmaking(_ context.Context, userID string) error {
	if !s.queue.Dequeue(userID) {
		return appErr.New(appErr.NotInQueue)
	}
	return nil
}

// CreateRoom opens a room for a freshly paired couple and tells both players.
func (s *BattleService) CreateRoom(ctx context.Context, mode model.Mode, a, b string) error {
	r, err := s.manager.Create(mode, a, b)
	if err != nil {
		return err
	}
	ctx = context.WithValue(ctx, contextkey.RoomID, r.ID())
	s.registry.BindRoom(a, r.ID())
	s.registry.BindRoom(b, r.ID())
	if s.rooms != nil {
		ctxCache, cancel := s.cacheContext(ctx)
		if err := s.rooms.AddActiveRoom(ctxCache, r.ID()); err != nil {
			logger.Warn(ctx, "track active room failed", zap.Error(err))
		}
		cancel()
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		ev := model.NewEvent(model.EventMatchFound, r.ID(), model.MatchFound{
			RoomID:     r.ID(),
			OpponentID: pair[1],
			Mode:       mode.Name,
		}, s.now())
		if !s.registry.Deliver(pair[0], ev) {
			logger.Warn(ctx, "match_found not delivered", zap.String("user_id", pair[0]))
		}
	}
	return nil
}

// JoinMatch marks userID present in roomID and returns its view of the room.
func (s *BattleService) JoinMatch(_ context.Context, userID, roomID string) (model.Snapshot, error) {
	r, err := s.memberRoom(userID, roomID)
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := r.Join(userID); err != nil {
		return model.Snapshot{}, err
	}
	return r.Snapshot(userID)
}

// StartMatch signals userID's readiness.
func (s *BattleService) StartMatch(ctx context.Context, userID, roomID string) error {
	r, err := s.memberRoom(userID, roomID)
	if err != nil {
		return err
	}
	return r.Start(context.WithValue(ctx, contextkey.RoomID, roomID), userID)
}

// RunCode dispatches a private test run. The verdict reaches only userID.
func (s *BattleService) RunCode(ctx context.Context, in ExecuteInput) (model.Ticket, error) {
	return s.execute(ctx, in, model.KindRun)
}

// SubmitCode dispatches a scored submission.
func (s *BattleService) SubmitCode(ctx context.Context, in ExecuteInput) (model.Ticket, error) {
	in.Input = ""
	return s.execute(ctx, in, model.KindSubmit)
}

func (s *BattleService) execute(ctx context.Context, in ExecuteInput, kind model.TicketKind) (model.Ticket, error) {
	if err := s.validateExecution(in); err != nil {
		return model.Ticket{}, err
	}
	r, err := s.memberRoom(in.UserID, in.RoomID)
	if err != nil {
		return model.Ticket{}, err
	}
	if err := s.allowExecution(ctx, in.UserID); err != nil {
		return model.Ticket{}, err
	}
	problem, err := r.BeginExecution(in.UserID, in.ProblemID, kind, in.Code, in.Language)
	if err != nil {
		return model.Ticket{}, err
	}
	ticket := s.correlator.Issue(r.ID(), in.UserID, in.ProblemID, kind)

	ctx = context.WithValue(ctx, contextkey.RoomID, r.ID())
	ctxDispatch, cancel := withTimeout(ctx, s.timeouts.Dispatch)
	err = s.dispatcher.Dispatch(ctxDispatch, judgeclient.Request{
		Ticket:   ticket,
		Problem:  problem,
		Code:     in.Code,
		Language: in.Language,
		Input:    in.Input,
	})
	cancel()
	if err != nil {
		s.correlator.Discard(ticket.ID)
		r.CancelExecution(in.UserID, in.ProblemID, kind)
		logger.Warn(ctx, "judge dispatch failed",
			zap.String("ticket_id", ticket.ID), zap.String("kind", string(kind)), zap.Error(err))
		return model.Ticket{}, err
	}
	logger.Info(ctx, "judge request dispatched",
		zap.String("ticket_id", ticket.ID), zap.String("problem_id", in.ProblemID), zap.String("kind", string(kind)))
	return ticket, nil
}

func (s *BattleService) allowExecution(ctx context.Context, userID string) error {
	if s.limiter == nil || s.executionRate.Max <= 0 {
		return nil
	}
	ctxCache, cancel := withTimeout(ctx, s.timeouts.Cache)
	defer cancel()
	err := s.limiter.Allow(ctxCache, "battle:rate:exec:"+userID, s.executionRate.Max, s.executionRate.Window)
	if err == nil {
		return nil
	}
	if appErr.GetCode(err) == appErr.TooManyRequests {
		return appErr.New(appErr.SubmitTooFrequently)
	}
	// Execution stays available when the limiter backend is down.
	logger.Warn(ctx, "execution rate check failed", zap.String("user_id", userID), zap.Error(err))
	return nil
}

func (s *BattleService) validateExecution(in ExecuteInput) error {
	if in.RoomID == "" {
		return appErr.ValidationError("room_id", "required")
	}
	if in.ProblemID == "" {
		return appErr.ValidationError("problem_id", "required")
	}
	if in.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if in.Code == "" {
		return appErr.ValidationError("code", "required")
	}
	if len(in.Code) > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithDetail("max_bytes", s.maxCodeBytes)
	}
	return nil
}

// Rejoin re-associates userID with roomID and replays what it missed.
func (s *BattleService) Rejoin(ctx context.Context, userID, roomID string) (model.Snapshot, error) {
	r, err := s.memberRoom(userID, roomID)
	if err != nil {
		return model.Snapshot{}, err
	}
	if !r.Status().Terminal() {
		s.registry.BindRoom(userID, roomID)
	}
	snap, replayed, err := r.Resume(userID)
	if err != nil {
		return model.Snapshot{}, err
	}
	logger.Info(context.WithValue(ctx, contextkey.RoomID, roomID), "player rejoined",
		zap.String("user_id", userID), zap.Int("replayed", replayed))
	return snap, nil
}

// AbortMatch ends roomID on userID's request.
func (s *BattleService) AbortMatch(_ context.Context, userID, roomID string) error {
	r, err := s.memberRoom(userID, roomID)
	if err != nil {
		return err
	}
	return r.Abort(userID)
}

// Snapshot returns roomID as seen by userID, falling back to the archive
// once the room has left memory.
func (s *BattleService) Snapshot(ctx context.Context, userID, roomID string) (model.Snapshot, error) {
	r, err := s.manager.Get(roomID)
	if err == nil {
		return r.Snapshot(userID)
	}
	if s.archive == nil || !appErr.Is(err, appErr.RoomNotFound) {
		return model.Snapshot{}, err
	}
	return s.archive.Snapshot(ctx, roomID, userID)
}

// Resolve hands a judge verdict to the correlator. It reports whether the
// ticket was outstanding.
func (s *BattleService) Resolve(ctx context.Context, ticketID string, verdict model.Verdict) bool {
	return s.correlator.Resolve(ctx, ticketID, verdict)
}

// Leaderboard returns the n best rated players.
func (s *BattleService) Leaderboard(ctx context.Context, n int) ([]repository.RatingEntry, error) {
	if s.ratings == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("leaderboard is not configured")
	}
	if n <= 0 || n > 100 {
		return nil, appErr.ValidationError("limit", "must be between 1 and 100")
	}
	ctxCache, cancel := s.cacheContext(ctx)
	defer cancel()
	return s.ratings.Top(ctxCache, n)
}

// Player returns the rating and presence of userID. Presence falls back to
// the shared directory for users connected elsewhere.
func (s *BattleService) Player(ctx context.Context, userID string) (PlayerInfo, error) {
	if userID == "" {
		return PlayerInfo{}, appErr.ValidationError("user_id", "required")
	}
	info := PlayerInfo{UserID: userID, Rating: repository.BaseRating}
	ctxCache, cancel := s.cacheContext(ctx)
	defer cancel()
	if s.ratings != nil {
		rating, err := s.ratings.Rating(ctxCache, userID)
		if err != nil {
			return PlayerInfo{}, err
		}
		info.Rating = rating
	}
	if sess, ok := s.registry.Lookup(userID); ok && sess.Live {
		info.Online, info.RoomID = true, sess.RoomID
		return info, nil
	}
	if s.presence != nil {
		p, ok, err := s.presence.GetPresence(ctxCache, userID)
		if err != nil {
			logger.Warn(ctx, "read presence failed", zap.String("user_id", userID), zap.Error(err))
		} else if ok {
			info.Online, info.RoomID = true, p.RoomID
		}
	}
	return info, nil
}

// PendingTickets returns the outstanding judge requests of roomID.
func (s *BattleService) PendingTickets(roomID string) int {
	return s.correlator.Pending(roomID)
}

// Stats reports current load.
func (s *BattleService) Stats(ctx context.Context) Stats {
	st := Stats{
		Sessions: s.registry.Count(),
		Rooms:    s.manager.Active(),
		Queues:   s.queue.Lengths(),
	}
	if s.rooms != nil {
		ctxCache, cancel := s.cacheContext(ctx)
		n, err := s.rooms.ActiveRooms(ctxCache)
		cancel()
		if err != nil {
			logger.Warn(ctx, "read active room set failed", zap.Error(err))
		} else {
			st.TrackedRooms = &n
		}
	}
	return st
}

// Close stops timers and waits for pending settlement records.
func (s *BattleService) Close() {
	s.queue.Close()
	s.manager.Close()
	s.correlator.Close()
	s.registry.Close()
	s.wg.Wait()
}

func (s *BattleService) memberRoom(userID, roomID string) (*room.Room, error) {
	if roomID == "" {
		return nil, appErr.ValidationError("room_id", "required")
	}
	r, err := s.manager.Get(roomID)
	if err != nil {
		return nil, err
	}
	if players := r.Players(); !slices.Contains(players[:], userID) {
		return nil, appErr.New(appErr.NotRoomMember)
	}
	return r, nil
}

func (s *BattleService) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.timeouts.Cache)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
