package auth

import (
	"context"

	pkgerrors "codebattle/pkg/errors"
	"codebattle/pkg/utils/contextkey"
	"codebattle/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// Middleware authenticates the request with a bearer token, falling back to
// the token query parameter so browsers can open websockets.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}
		token := ExtractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		info, err := a.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(userIDKey, info.ID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, info.ID))
		c.Next()
	}
}

// UserID returns the authenticated user of c.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
