package repository

import (
	"context"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/internal/common/cache"
	appErr "codebattle/pkg/errors"
)

const (
	// BaseRating is the rating of a player without any settled match.
	BaseRating = 1500

	ratingLedgerKey       = "battle:rating"
	ratingAppliedPrefix   = "battle:rating:applied:"
	defaultAppliedMarkTTL = 7 * 24 * time.Hour
)

// RatingEntry is one leaderboard line.
type RatingEntry struct {
	UserID string `json:"user_id"`
	Rating int    `json:"rating"`
}

// RatingLedger accumulates settlement deltas in a Redis sorted set.
type RatingLedger struct {
	cache cache.Cache
}

func NewRatingLedger(cacheClient cache.Cache) *RatingLedger {
	return &RatingLedger{cache: cacheClient}
}

// Apply adds rec's deltas once per room. Both deltas and the room marker are
// written together, so a failed call can be retried.
func (l *RatingLedger) Apply(ctx context.Context, rec *model.SettlementRecord) error {
	if rec == nil || len(rec.Deltas) == 0 {
		return nil
	}
	increments := make(map[string]float64, len(rec.Deltas))
	for userID, delta := range rec.Deltas {
		increments[userID] = float64(delta)
	}
	if _, err := l.cache.ZIncrByOnce(ctx, ratingAppliedPrefix+rec.RoomID, defaultAppliedMarkTTL, ratingLedgerKey, increments); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "apply rating deltas failed")
	}
	return nil
}

// Rating returns the current rating of userID.
func (l *RatingLedger) Rating(ctx context.Context, userID string) (int, error) {
	score, err := l.cache.ZScore(ctx, ratingLedgerKey, userID)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "read rating failed")
	}
	return BaseRating + int(score), nil
}

// Top returns the n highest rated players.
func (l *RatingLedger) Top(ctx context.Context, n int) ([]RatingEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := l.cache.ZRevRangeWithScores(ctx, ratingLedgerKey, 0, int64(n-1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read leaderboard failed")
	}
	out := make([]RatingEntry, 0, len(members))
	for _, m := range members {
		out = append(out, RatingEntry{UserID: m.Member, Rating: BaseRating + int(m.Score)})
	}
	return out, nil
}
