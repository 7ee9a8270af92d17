package repository

import (
	"context"
	"encoding/json"
	"time"

	"codebattle/internal/common/cache"
)

const (
	presenceKeyPrefix = "battle:presence:"
	activeRoomsKey    = "battle:rooms:active"
)

// Presence is the mirrored connection state of one user.
type Presence struct {
	SessionID string    `json:"session_id"`
	RoomID    string    `json:"room_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PresenceRepository mirrors sessions and active rooms into Redis so other
// processes can see who is online and which rooms are running.
type PresenceRepository struct {
	cache cache.Cache
	now   func() time.Time
}

func NewPresenceRepository(cacheClient cache.Cache) *PresenceRepository {
	return &PresenceRepository{cache: cacheClient, now: time.Now}
}

func (r *PresenceRepository) SetPresence(ctx context.Context, userID, sessionID, roomID string, ttl time.Duration) error {
	payload, err := json.Marshal(Presence{SessionID: sessionID, RoomID: roomID, UpdatedAt: r.now()})
	if err != nil {
		return err
	}
	return r.cache.Set(ctx, presenceKeyPrefix+userID, string(payload), ttl)
}

func (r *PresenceRepository) ClearPresence(ctx context.Context, userID string) error {
	return r.cache.Del(ctx, presenceKeyPrefix+userID)
}

// GetPresence returns the mirrored state of userID; ok is false when offline.
func (r *PresenceRepository) GetPresence(ctx context.Context, userID string) (Presence, bool, error) {
	raw, err := r.cache.Get(ctx, presenceKeyPrefix+userID)
	if err != nil || raw == "" {
		return Presence{}, false, err
	}
	var p Presence
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Presence{}, false, err
	}
	return p, true, nil
}

func (r *PresenceRepository) AddActiveRoom(ctx context.Context, roomID string) error {
	return r.cache.SAdd(ctx, activeRoomsKey, roomID)
}

func (r *PresenceRepository) RemoveActiveRoom(ctx context.Context, roomID string) error {
	return r.cache.SRem(ctx, activeRoomsKey, roomID)
}

func (r *PresenceRepository) ActiveRooms(ctx context.Context) (int64, error) {
	return r.cache.SCard(ctx, activeRoomsKey)
}
