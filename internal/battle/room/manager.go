package room

import (
	"context"
	"sync"
	"time"

	"codebattle/internal/battle/model"
	"codebattle/internal/battle/settlement"
	pkgerrors "codebattle/pkg/errors"
	"codebattle/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRetention = 2 * time.Minute

// Config controls room behaviour.
type Config struct {
	// BufferSize bounds the per-player outbound buffer.
	BufferSize int
	// StartTimeout aborts a room whose players never both become ready.
	StartTimeout time.Duration
	// LoadTimeout bounds one problem set load.
	LoadTimeout time.Duration
	// Retention keeps a finished room around for late reconnects.
	Retention time.Duration
	// MaxRooms limits concurrently tracked rooms; zero means unlimited.
	MaxRooms int
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaultLoadTimeout
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
}

// Manager maps room ids to rooms and users to the room they play in.
type Manager struct {
	cfg        Config
	deps       Deps
	onTerminal func(r *Room, rec *model.SettlementRecord)

	mu        sync.RWMutex
	rooms     map[string]*Room
	byUser    map[string]string
	retention map[string]*time.Timer
}

// NewManager creates a room manager. deps.OnTerminal is called after the
// manager has released the players' room bindings.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg.setDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Engine == nil {
		deps.Engine = settlement.NewEngine(nil)
	}
	m := &Manager{
		cfg:        cfg,
		onTerminal: deps.OnTerminal,
		rooms:      make(map[string]*Room),
		byUser:     make(map[string]string),
		retention:  make(map[string]*time.Timer),
	}
	deps.OnTerminal = m.handleTerminal
	m.deps = deps
	return m
}

// Create opens a WAITING room for a and b.
func (m *Manager) Create(mode model.Mode, a, b string) (*Room, error) {
	if a == b {
		return nil, pkgerrors.Newf(pkgerrors.InvalidParams, "cannot pair %s with itself", a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range []string{a, b} {
		if _, ok := m.byUser[u]; ok {
			return nil, pkgerrors.New(pkgerrors.AlreadyInRoom).WithDetail("user_id", u)
		}
	}
	if m.cfg.MaxRooms > 0 && len(m.rooms) >= m.cfg.MaxRooms {
		return nil, pkgerrors.New(pkgerrors.RoomCapacityReached)
	}
	r := newRoom(uuid.NewString(), mode, a, b, m.cfg, m.deps)
	m.rooms[r.id] = r
	m.byUser[a] = r.id
	m.byUser[b] = r.id

	logger.Info(r.logCtx, "room created", zap.String("mode", mode.Name), zap.String("a", a), zap.String("b", b))
	return r, nil
}

// Get returns the room with id.
func (m *Manager) Get(id string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.RoomNotFound).WithDetail("room_id", id)
	}
	return r, nil
}

// RoomOf returns the non-terminal room userID plays in.
func (m *Manager) RoomOf(userID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	r, ok := m.rooms[id]
	return r, ok
}

// InRoom reports whether userID plays in a non-terminal room.
func (m *Manager) InRoom(userID string) bool {
	_, ok := m.RoomOf(userID)
	return ok
}

// Active returns the number of tracked rooms, retained ones included.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Close stops every room and retention timer.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	for id, t := range m.retention {
		t.Stop()
		delete(m.retention, id)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
}

func (m *Manager) handleTerminal(r *Room, rec *model.SettlementRecord) {
	m.mu.Lock()
	for _, u := range r.Players() {
		if m.byUser[u] == r.id {
			delete(m.byUser, u)
		}
	}
	m.retention[r.id] = time.AfterFunc(m.cfg.Retention, func() { m.remove(r.id) })
	m.mu.Unlock()

	if m.onTerminal != nil {
		m.onTerminal(r, rec)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.rooms, id)
	delete(m.retention, id)
	m.mu.Unlock()
	if m.deps.Engine != nil {
		m.deps.Engine.Forget(id)
	}
	logger.Debug(context.Background(), "room released", zap.String("room_id", id))
}
