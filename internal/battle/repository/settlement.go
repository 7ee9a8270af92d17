package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"codebattle/internal/battle/model"
	"codebattle/internal/common/db"
	appErr "codebattle/pkg/errors"
)

var ErrSettlementNotFound = errors.New("settlement not found")

// SettlementRepository persists settlement records in battle_settlements.
type SettlementRepository struct {
	db db.Database
}

func NewSettlementRepository(database db.Database) *SettlementRepository {
	return &SettlementRepository{db: database}
}

// Save inserts rec. Saving the same room twice is not an error so callers
// can retry freely.
func (r *SettlementRepository) Save(ctx context.Context, tx db.Transaction, rec *model.SettlementRecord) error {
	if rec == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("settlement record is nil")
	}
	deltas, err := json.Marshal(rec.Deltas)
	if err != nil {
		return appErr.Wrapf(err, appErr.SettlementFailed, "encode rating deltas failed")
	}
	query := `
		INSERT INTO battle_settlements (room_id, mode, winner_id, reason, rating_deltas, settled_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	winner := sql.NullString{String: rec.WinnerID, Valid: rec.WinnerID != ""}
	_, err = db.GetQuerier(r.db, tx).Exec(ctx, query, rec.RoomID, rec.Mode, winner, string(rec.Reason), string(deltas), rec.SettledAt)
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return nil
		}
		return appErr.Wrapf(err, appErr.SettlementFailed, "insert settlement failed")
	}
	return nil
}

// Get returns the settlement of roomID.
func (r *SettlementRepository) Get(ctx context.Context, tx db.Transaction, roomID string) (*model.SettlementRecord, error) {
	query := `
		SELECT room_id, mode, winner_id, reason, rating_deltas, settled_at
		FROM battle_settlements
		WHERE room_id = ?`
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, roomID)
	rec, err := scanSettlement(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanSettlement(scanner db.Scanner) (*model.SettlementRecord, error) {
	var (
		rec    model.SettlementRecord
		winner sql.NullString
		reason string
		deltas string
	)
	if err := scanner.Scan(&rec.RoomID, &rec.Mode, &winner, &reason, &deltas, &rec.SettledAt); err != nil {
		return nil, err
	}
	rec.WinnerID = winner.String
	rec.Reason = model.SettlementReason(reason)
	if err := json.Unmarshal([]byte(deltas), &rec.Deltas); err != nil {
		return nil, err
	}
	return &rec, nil
}
