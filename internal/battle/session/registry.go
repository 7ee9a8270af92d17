package session

import (
	"context"
	"sync"
	"time"

	"codebattle/internal/battle/model"
	pkgerrors "codebattle/pkg/errors"
	"codebattle/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultGraceWindow = 10 * time.Second

// Conn is the outbound side of one client connection.
type Conn interface {
	Send(ev model.Event) error
	Close() error
}

// PresenceStore mirrors session presence outside the process.
type PresenceStore interface {
	SetPresence(ctx context.Context, userID, sessionID, roomID string, ttl time.Duration) error
	ClearPresence(ctx context.Context, userID string) error
}

// Session is one user's connection state.
type Session struct {
	UserID        string
	SessionID     string
	Live          bool
	RoomID        string
	GraceDeadline time.Time
}

// Hooks are invoked outside the registry lock.
type Hooks struct {
	// OnDisconnect fires when the current session goes grace-pending.
	OnDisconnect func(userID, roomID string)
	// OnExpire fires when the grace window elapses without a reconnect.
	OnExpire func(userID, roomID string)
}

// Config controls registry timing.
type Config struct {
	GraceWindow time.Duration
	PresenceTTL time.Duration
}

type presenceOp struct {
	userID    string
	sessionID string
	roomID    string
	present   bool
}

type entry struct {
	Session
	conn  Conn
	grace *time.Timer
}

// Registry tracks one live connection per user.
type Registry struct {
	cfg      Config
	presence PresenceStore
	mirrorCh chan presenceOp
	done     chan struct{}
	now      func() time.Time

	mu        sync.Mutex
	byUser    map[string]*entry
	bySession map[string]string
	hooks     Hooks
}

// NewRegistry creates a registry. presence may be nil.
func NewRegistry(cfg Config, presence PresenceStore) *Registry {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 10 * time.Minute
	}
	r := &Registry{
		cfg:       cfg,
		presence:  presence,
		done:      make(chan struct{}),
		now:       time.Now,
		byUser:    make(map[string]*entry),
		bySession: make(map[string]string),
	}
	if presence != nil {
		r.mirrorCh = make(chan presenceOp, 256)
		go r.runMirror()
	}
	return r
}

// SetHooks installs lifecycle callbacks.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

// Register binds conn as the only live connection of userID and returns its session id.
// A previous live connection is told it was replaced and closed; a grace-pending one is revived.
func (r *Registry) Register(userID string, conn Conn) string {
	sessionID := uuid.NewString()

	r.mu.Lock()
	prev := r.byUser[userID]
	var (
		oldConn Conn
		roomID  string
	)
	if prev != nil {
		if prev.grace != nil {
			prev.grace.Stop()
			prev.grace = nil
		}
		oldConn = prev.conn
		roomID = prev.RoomID
		delete(r.bySession, prev.SessionID)
	}
	r.byUser[userID] = &entry{
		Session: Session{UserID: userID, SessionID: sessionID, Live: true, RoomID: roomID},
		conn:    conn,
	}
	r.bySession[sessionID] = userID
	r.mu.Unlock()

	if oldConn != nil {
		code := pkgerrors.SessionReplaced
		_ = oldConn.Send(model.NewEvent(model.EventAuthError, "", model.ErrorPayload{
			Code:      "session_replaced",
			ErrorCode: int(code),
			Message:   code.Message(),
		}, r.now()))
		_ = oldConn.Close()
		logger.Info(context.Background(), "session replaced", zap.String("user_id", userID))
	}
	r.mirror(userID, sessionID, roomID, true)
	return sessionID
}

// Unregister marks the session grace-pending. Stale session ids are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	userID, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e := r.byUser[userID]
	if e == nil || e.SessionID != sessionID || !e.Live {
		r.mu.Unlock()
		return
	}
	e.Live = false
	e.conn = nil
	e.GraceDeadline = r.now().Add(r.cfg.GraceWindow)
	e.grace = time.AfterFunc(r.cfg.GraceWindow, func() { r.expire(userID, sessionID) })
	roomID := e.RoomID
	hook := r.hooks.OnDisconnect
	r.mu.Unlock()

	logger.Info(context.Background(), "session grace started",
		zap.String("user_id", userID), zap.String("room_id", roomID), zap.Duration("grace", r.cfg.GraceWindow))
	if hook != nil {
		hook(userID, roomID)
	}
}

func (r *Registry) expire(userID, sessionID string) {
	r.mu.Lock()
	e := r.byUser[userID]
	if e == nil || e.SessionID != sessionID || e.Live {
		r.mu.Unlock()
		return
	}
	delete(r.byUser, userID)
	delete(r.bySession, sessionID)
	roomID := e.RoomID
	hook := r.hooks.OnExpire
	r.mu.Unlock()

	logger.Info(context.Background(), "session expired", zap.String("user_id", userID), zap.String("room_id", roomID))
	r.mirror(userID, "", "", false)
	if hook != nil {
		hook(userID, roomID)
	}
}

// Lookup returns a copy of the user's session.
func (r *Registry) Lookup(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// IsLive reports whether userID currently has an open connection.
func (r *Registry) IsLive(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	return ok && e.Live
}

// BindRoom records the room a user plays in.
func (r *Registry) BindRoom(userID, roomID string) {
	r.mu.Lock()
	e, ok := r.byUser[userID]
	if ok {
		e.RoomID = roomID
	}
	var sessionID string
	if ok && e.Live {
		sessionID = e.SessionID
	}
	r.mu.Unlock()
	if sessionID != "" {
		r.mirror(userID, sessionID, roomID, true)
	}
}

// ClearRoom drops the room binding if it still points at roomID.
func (r *Registry) ClearRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byUser[userID]; ok && e.RoomID == roomID {
		e.RoomID = ""
	}
}

// Deliver sends ev to the user's live connection. It returns false when the
// user is not live or the send failed, so the caller can buffer. A connection
// that fails a send is closed; its read side then unregisters it and the
// user resumes through the grace window.
func (r *Registry) Deliver(userID string, ev model.Event) bool {
	r.mu.Lock()
	e, ok := r.byUser[userID]
	var conn Conn
	if ok && e.Live {
		conn = e.conn
	}
	r.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := conn.Send(ev); err != nil {
		logger.Warn(context.Background(), "deliver event failed, closing connection",
			zap.String("user_id", userID), zap.String("event", string(ev.Type)), zap.Error(err))
		_ = conn.Close()
		return false
	}
	return true
}

// Count returns the number of tracked sessions, live or grace-pending.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// Close stops all grace timers and the presence mirror.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, e := range r.byUser {
		if e.grace != nil {
			e.grace.Stop()
		}
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// mirror queues a presence update; updates are applied in order by runMirror.
func (r *Registry) mirror(userID, sessionID, roomID string, present bool) {
	if r.mirrorCh == nil {
		return
	}
	select {
	case r.mirrorCh <- presenceOp{userID: userID, sessionID: sessionID, roomID: roomID, present: present}:
	default:
		logger.Warn(context.Background(), "presence mirror queue full", zap.String("user_id", userID))
	}
}

func (r *Registry) runMirror() {
	for {
		select {
		case <-r.done:
			return
		case op := <-r.mirrorCh:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			var err error
			if op.present {
				err = r.presence.SetPresence(ctx, op.userID, op.sessionID, op.roomID, r.cfg.PresenceTTL)
			} else {
				err = r.presence.ClearPresence(ctx, op.userID)
			}
			cancel()
			if err != nil {
				logger.Warn(context.Background(), "presence mirror failed", zap.String("user_id", op.userID), zap.Error(err))
			}
		}
	}
}
