package service

import (
	"context"
	"errors"

	"codebattle/internal/battle/model"
	"codebattle/internal/battle/repository"
	"codebattle/internal/common/db"
)

// SettlementStore persists settlement records.
type SettlementStore interface {
	Save(ctx context.Context, tx db.Transaction, rec *model.SettlementRecord) error
}

// RatingStore applies rating deltas.
type RatingStore interface {
	Apply(ctx context.Context, rec *model.SettlementRecord) error
}

// SettlementStream publishes settlements to downstream consumers.
type SettlementStream interface {
	Publish(ctx context.Context, players [2]string, rec *model.SettlementRecord) error
}

// MatchArchive stores finished matches.
type MatchArchive interface {
	Store(ctx context.Context, match repository.ArchivedMatch) error
}

// Recorder is the default settlement handler. Every sink is optional and a
// failing sink does not stop the others.
type Recorder struct {
	Settlements SettlementStore
	Ratings     RatingStore
	Stream      SettlementStream
	Archive     MatchArchive
}

// HandleSettlement records match in every configured sink.
func (r *Recorder) HandleSettlement(ctx context.Context, match FinishedMatch) error {
	var errs []error
	if r.Settlements != nil {
		errs = append(errs, r.Settlements.Save(ctx, nil, match.Record))
	}
	if r.Ratings != nil {
		errs = append(errs, r.Ratings.Apply(ctx, match.Record))
	}
	if r.Archive != nil {
		errs = append(errs, r.Archive.Store(ctx, repository.ArchivedMatch{
			RoomID:     match.RoomID,
			Mode:       match.Mode,
			Players:    match.Players,
			Snapshots:  match.Snapshots,
			Settlement: match.Record,
		}))
	}
	if r.Stream != nil {
		errs = append(errs, r.Stream.Publish(ctx, match.Players, match.Record))
	}
	return errors.Join(errs...)
}
