package controller

import (
	"context"
	"crypto/subtle"
	"sort"
	"strconv"
	"strings"
	"time"

	"codebattle/internal/battle/auth"
	"codebattle/internal/battle/judgeclient"
	"codebattle/internal/battle/ratelimit"
	appErr "codebattle/pkg/errors"
	"codebattle/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	judgeTokenHeader   = "X-Judge-Token"
	defaultLeaderboard = 10
	readyTimeout       = 2 * time.Second
)

// JudgeCallbackResponse reports whether a callback matched an outstanding ticket.
type JudgeCallbackResponse struct {
	TicketID string `json:"ticket_id"`
	Applied  bool   `json:"applied"`
}

// GetRoom returns the room snapshot of the authenticated player.
func (h *BattleController) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if roomID == "" {
		response.BadRequest(c, "Invalid room id")
		return
	}
	snap, err := h.battleService.Snapshot(c.Request.Context(), auth.UserID(c), roomID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}

// JudgeCallback accepts a verdict pushed by the judge over HTTP.
func (h *BattleController) JudgeCallback(c *gin.Context) {
	if h.judgeToken != "" {
		token := c.GetHeader(judgeTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.judgeToken)) != 1 {
			response.ErrorWithCode(c, appErr.Unauthorized, "invalid judge token")
			return
		}
	}
	var req judgeclient.JudgeResultMessage
	if err := c.ShouldBindJSON(&req); err != nil || req.TicketID == "" {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	applied := h.battleService.Resolve(c.Request.Context(), req.TicketID, req.ToVerdict())
	response.Success(c, JudgeCallbackResponse{TicketID: req.TicketID, Applied: applied})
}

// Health reports service load.
func (h *BattleController) Health(c *gin.Context) {
	response.Success(c, h.battleService.Stats(c.Request.Context()))
}

// Ready pings every backing store and fails with 503 when one is down.
func (h *BattleController) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()
	names := make([]string, 0, len(h.dependencies))
	for name := range h.dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	status := make(map[string]string, len(names))
	var failed []string
	for _, name := range names {
		if err := h.dependencies[name].Ping(ctx); err != nil {
			status[name] = err.Error()
			failed = append(failed, name)
			continue
		}
		status[name] = "ok"
	}
	if len(failed) > 0 {
		response.Error(c, appErr.New(appErr.ServiceUnavailable).
			WithMessagef("dependencies unavailable: %s", strings.Join(failed, ",")).
			WithDetail("dependencies", status))
		return
	}
	response.Success(c, status)
}

// Modes lists the playable game modes.
func (h *BattleController) Modes(c *gin.Context) {
	response.Success(c, h.battleService.Modes())
}

// Leaderboard returns the best rated players.
func (h *BattleController) Leaderboard(c *gin.Context) {
	limit := defaultLeaderboard
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = n
	}
	entries, err := h.battleService.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entries)
}

// Player returns one player's rating and presence.
func (h *BattleController) Player(c *gin.Context) {
	entry, err := h.battleService.Player(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entry)
}

// RegisterRoutes mounts the battle API under /api/v1/battle.
func RegisterRoutes(router gin.IRouter, h *BattleController, authenticator *auth.Authenticator) {
	api := router.Group("/api/v1/battle")
	api.GET("/healthz", h.Health)
	api.GET("/readyz", h.Ready)
	api.GET("/modes", h.Modes)
	api.GET("/leaderboard", ratelimit.Middleware(h.limiter, "leaderboard", h.publicRate), h.Leaderboard)
	api.GET("/players/:user_id", ratelimit.Middleware(h.limiter, "player", h.publicRate), h.Player)
	api.POST("/judge/callback", h.JudgeCallback)

	authed := api.Group("", auth.Middleware(authenticator))
	authed.GET("/ws", ratelimit.Middleware(h.limiter, "ws", h.socketRate), h.ServeWS)
	authed.GET("/rooms/:id", ratelimit.Middleware(h.limiter, "room", h.publicRate), h.GetRoom)
}
