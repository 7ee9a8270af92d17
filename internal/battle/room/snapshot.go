package room

import (
	"time"

	"codebattle/internal/battle/model"
	pkgerrors "codebattle/pkg/errors"
)

func (r *Room) snapshotLocked(playerID string) (model.Snapshot, error) {
	seats, ok := r.seatsFor(playerID)
	if !ok {
		return model.Snapshot{}, pkgerrors.New(pkgerrors.NotRoomMember)
	}
	snap := model.Snapshot{
		RoomID:     r.id,
		Mode:       r.mode.Name,
		Status:     r.status,
		Self:       r.viewLocked(seats[Self], true),
		Opponent:   r.viewLocked(seats[Opponent], false),
		Problems:   r.publicProblemsLocked(),
		CreatedAt:  r.createdAt,
		StartedAt:  timePtr(r.startedAt),
		EndedAt:    timePtr(r.endedAt),
		Settlement: r.record,
	}
	if !r.startedAt.IsZero() {
		snap.EndsAt = timePtr(r.endsAt)
	}
	return snap, nil
}

// viewLocked renders p. Only the owner's view carries history, code and
// verdict detail; the opponent sees current statuses.
func (r *Room) viewLocked(p *player, owner bool) model.PlayerView {
	v := model.PlayerView{
		PlayerID:   p.id,
		Joined:     p.joined,
		Ready:      p.ready,
		Live:       r.liveLocked(p),
		Statuses:   make(map[string]model.ProblemStatus, len(p.statuses)),
		Accepted:   p.accepted,
		Running:    p.running != nil,
		Submitting: p.submitting != nil,
	}
	for id, e := range p.statuses {
		v.Statuses[id] = e.Status
	}
	if owner {
		v.History = make([]model.StatusEntry, len(p.history))
		copy(v.History, p.history)
		v.Language = p.language
		v.Code = p.code
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
