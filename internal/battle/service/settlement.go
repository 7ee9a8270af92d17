package service

import (
	"context"

	"codebattle/internal/battle/model"
	"codebattle/internal/battle/room"
	"codebattle/pkg/utils/contextkey"
	"codebattle/pkg/utils/logger"

	"go.uber.org/zap"
)

// FinishedMatch is handed to settlement handlers once per room.
type FinishedMatch struct {
	RoomID    string
	Mode      string
	Players   [2]string
	Snapshots map[string]model.Snapshot
	Record    *model.SettlementRecord
}

// SettlementHandler post-processes finished matches.
type SettlementHandler interface {
	HandleSettlement(ctx context.Context, match FinishedMatch) error
}

// OnRunResult delivers a RUN verdict to the issuing player.
func (s *BattleService) OnRunResult(ticket model.Ticket, verdict model.Verdict) {
	r, err := s.manager.Get(ticket.RoomID)
	if err != nil {
		logger.Debug(context.Background(), "run result for released room dropped",
			zap.String("ticket_id", ticket.ID), zap.String("room_id", ticket.RoomID))
		return
	}
	r.DeliverRunResult(ticket.PlayerID, ticket.ID, ticket.ProblemID, verdict)
}

// OnSubmitResult applies a SUBMIT verdict to the shared room state.
func (s *BattleService) OnSubmitResult(ticket model.Ticket, verdict model.Verdict) {
	ctx := context.WithValue(context.Background(), contextkey.RoomID, ticket.RoomID)
	r, err := s.manager.Get(ticket.RoomID)
	if err != nil {
		logger.Debug(ctx, "submit result for released room dropped", zap.String("ticket_id", ticket.ID))
		return
	}
	if _, err := r.ApplyProblemResult(ticket.PlayerID, ticket.ProblemID, verdict); err != nil {
		logger.Warn(ctx, "apply submit result failed",
			zap.String("ticket_id", ticket.ID), zap.String("player_id", ticket.PlayerID), zap.Error(err))
	}
}

func (s *BattleService) onTerminal(r *room.Room, rec *model.SettlementRecord) {
	ctx := context.WithValue(context.Background(), contextkey.RoomID, r.ID())
	if n := s.correlator.DiscardRoom(r.ID()); n > 0 {
		logger.Info(ctx, "outstanding judge tickets discarded", zap.Int("tickets", n))
	}
	players := r.Players()
	for _, u := range players {
		s.registry.ClearRoom(u, r.ID())
	}
	if rec == nil {
		logger.Error(ctx, "room ended without settlement record")
		return
	}
	logger.Info(ctx, "match settled",
		zap.String("winner_id", rec.WinnerID), zap.String("reason", string(rec.Reason)), zap.Any("deltas", rec.Deltas))

	match := FinishedMatch{
		RoomID:    r.ID(),
		Mode:      r.Mode().Name,
		Players:   players,
		Snapshots: make(map[string]model.Snapshot, len(players)),
		Record:    rec,
	}
	for _, u := range players {
		if snap, err := r.Snapshot(u); err == nil {
			match.Snapshots[u] = snap
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.record(ctx, match)
	}()
}

func (s *BattleService) record(ctx context.Context, match FinishedMatch) {
	ctxRecord, cancel := withTimeout(ctx, s.timeouts.Record)
	defer cancel()
	if s.rooms != nil {
		if err := s.rooms.RemoveActiveRoom(ctxRecord, match.RoomID); err != nil {
			logger.Warn(ctx, "untrack active room failed", zap.Error(err))
		}
	}
	for _, h := range s.handlers {
		if h == nil {
			continue
		}
		if err := h.HandleSettlement(ctxRecord, match); err != nil {
			logger.Error(ctx, "settlement handler failed", zap.Error(err))
		}
	}
}
