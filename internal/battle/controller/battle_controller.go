package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"codebattle/internal/battle/auth"
	"codebattle/internal/battle/model"
	"codebattle/internal/battle/ratelimit"
	"codebattle/internal/battle/service"
	appErr "codebattle/pkg/errors"
	"codebattle/pkg/utils/contextkey"
	"codebattle/pkg/utils/logger"
	"codebattle/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound frame types.
const (
	frameJoinMatchmaking  = "join_matchmaking"
	frameLeaveMatchmaking = "leave_matchmaking"
	frameJoinMatch        = "join_match"
	frameStartMatch       = "start_match"
	frameRunCode          = "run_code"
	frameSubmitCode       = "submit_code"
	frameRejoin           = "rejoin"
	frameAbortMatch       = "abort_match"
)

// BattleController serves the battle websocket and HTTP endpoints.
type BattleController struct {
	battleService *service.BattleService
	upgrader      websocket.Upgrader
	judgeToken    string
	limiter       *ratelimit.Limiter
	publicRate    ratelimit.Policy
	socketRate    ratelimit.Policy
	dependencies  map[string]Pinger
}

// Pinger is a backing store checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the controller.
type Options struct {
	// JudgeToken guards the judge callback; empty disables the check.
	JudgeToken string
	// CheckOrigin overrides the websocket origin check.
	CheckOrigin func(r *http.Request) bool
	// Limiter throttles HTTP routes; nil disables throttling.
	Limiter    *ratelimit.Limiter
	PublicRate ratelimit.Policy
	SocketRate ratelimit.Policy
	// Dependencies are pinged by /readyz, keyed by name.
	Dependencies map[string]Pinger
}

// NewBattleController creates a new BattleController.
func NewBattleController(battleService *service.BattleService, opts Options) *BattleController {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &BattleController{
		battleService: battleService,
		judgeToken:    opts.JudgeToken,
		limiter:       opts.Limiter,
		publicRate:    opts.PublicRate,
		socketRate:    opts.SocketRate,
		dependencies:  opts.Dependencies,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// InboundFrame is one client command.
type InboundFrame struct {
	Type      string `json:"type"`
	Mode      string `json:"mode,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	ProblemID string `json:"problem_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Language  string `json:"language,omitempty"`
	Input     string `json:"input,omitempty"`
}

// ServeWS upgrades an authenticated request and runs the session until the
// socket closes.
func (h *BattleController) ServeWS(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		response.ErrorWithCode(c, appErr.Unauthorized, "")
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	ctx := context.WithValue(context.WithoutCancel(c.Request.Context()), contextkey.UserID, userID)

	conn := newWSConn(ws, userID)
	go conn.writeLoop()

	sessionID, err := h.battleService.Connect(ctx, userID, conn)
	if err != nil {
		h.sendError(conn, model.EventAuthError, "", err)
		_ = conn.Close()
		return
	}
	ctx = context.WithValue(ctx, contextkey.SessionID, sessionID)
	logger.Info(ctx, "battle session connected")

	h.readLoop(ctx, ws, conn, userID)

	h.battleService.Disconnect(sessionID)
	_ = conn.Close()
	logger.Info(ctx, "battle session disconnected")
}

func (h *BattleController) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, userID string) {
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn(ctx, "websocket read failed", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(conn, model.EventMatchError, "", appErr.New(appErr.InvalidParams).WithMessage("malformed frame"))
			continue
		}
		h.HandleFrame(ctx, conn, userID, frame)
	}
}

// HandleFrame executes one inbound command and reports failures to conn.
func (h *BattleController) HandleFrame(ctx context.Context, conn Sender, userID string, frame InboundFrame) {
	var err error
	errType := model.EventMatchError
	switch frame.Type {
	case frameJoinMatchmaking:
		errType = model.EventMatchmakingError
		err = h.battleService.JoinMatchmaking(ctx, userID, frame.Mode, time.Duration(frame.TimeoutMs)*time.Millisecond)
	case frameLeaveMatchmaking:
		errType = model.EventMatchmakingError
		err = h.battleService.LeaveMatchmaking(ctx, userID)
	case frameJoinMatch:
		_, err = h.battleService.JoinMatch(ctx, userID, frame.RoomID)
	case frameStartMatch:
		err = h.battleService.StartMatch(ctx, userID, frame.RoomID)
	case frameRunCode:
		_, err = h.battleService.RunCode(ctx, frame.executeInput(userID))
	case frameSubmitCode:
		_, err = h.battleService.SubmitCode(ctx, frame.executeInput(userID))
	case frameRejoin:
		_, err = h.battleService.Rejoin(ctx, userID, frame.RoomID)
	case frameAbortMatch:
		err = h.battleService.AbortMatch(ctx, userID, frame.RoomID)
	default:
		err = appErr.Newf(appErr.InvalidParams, "unknown frame type %q", frame.Type)
	}
	if err == nil {
		return
	}
	if code := appErr.GetCode(err); code.HTTPStatus() == http.StatusUnauthorized {
		errType = model.EventAuthError
	}
	logger.Info(ctx, "battle command rejected",
		zap.String("type", frame.Type), zap.String("room_id", frame.RoomID), zap.Error(err))
	h.sendError(conn, errType, frame.RoomID, err)
}

func (f InboundFrame) executeInput(userID string) service.ExecuteInput {
	return service.ExecuteInput{
		UserID:    userID,
		RoomID:    f.RoomID,
		ProblemID: f.ProblemID,
		Code:      f.Code,
		Language:  f.Language,
		Input:     f.Input,
	}
}

// Sender is the outbound side of a client connection.
type Sender interface {
	Send(ev model.Event) error
}

func (h *BattleController) sendError(conn Sender, typ model.EventType, roomID string, err error) {
	e := appErr.GetError(err)
	payload := model.ErrorPayload{
		Code:      reasonFor(e.Code),
		ErrorCode: int(e.Code),
		Message:   e.Error(),
	}
	_ = conn.Send(model.NewEvent(typ, roomID, payload, time.Now()))
}

var reasons = map[appErr.ErrorCode]string{
	appErr.InvalidParams:         "invalid_request",
	appErr.ValidationFailed:      "invalid_request",
	appErr.Unauthorized:          "unauthorized",
	appErr.TokenExpired:          "token_expired",
	appErr.TokenInvalid:          "token_invalid",
	appErr.SessionReplaced:       "session_replaced",
	appErr.CodeTooLarge:          "code_too_large",
	appErr.JudgeQueueFull:        "judge_unavailable",
	appErr.JudgeSystemError:      "judge_unavailable",
	appErr.InvalidMode:           "invalid_mode",
	appErr.AlreadyInQueue:        "already_in_queue",
	appErr.AlreadyInRoom:         "already_in_room",
	appErr.NotInQueue:            "not_in_queue",
	appErr.MatchmakingFailed:     "room_creation_failed",
	appErr.MatchmakingTimeout:    "timeout",
	appErr.RoomNotFound:          "room_not_found",
	appErr.NotRoomMember:         "not_room_member",
	appErr.RoomNotInProgress:     "room_not_in_progress",
	appErr.RoomTerminal:          "room_finished",
	appErr.ProblemNotInRoom:      "problem_not_in_room",
	appErr.ExecutionInFlight:     "execution_in_flight",
	appErr.ProblemSetUnavailable: "problem_set_unavailable",
	appErr.RoomCapacityReached:   "capacity_reached",
	appErr.TooManyRequests:       "rate_limited",
	appErr.SubmitTooFrequently:   "rate_limited",
}

func reasonFor(code appErr.ErrorCode) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "internal_error"
}
