package ratelimit

import (
	"fmt"
	"time"

	"codebattle/internal/battle/auth"
	"codebattle/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Policy caps requests per client IP and per authenticated user.
type Policy struct {
	Window  time.Duration `yaml:"window"`
	IPMax   int           `yaml:"ipMax"`
	UserMax int           `yaml:"userMax"`
}

// Middleware applies policy to one route. A nil limiter lets everything through.
func Middleware(limiter *Limiter, routeKey string, policy Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		if policy.IPMax > 0 {
			key := fmt.Sprintf("battle:rate:ip:%s:%s", c.ClientIP(), routeKey)
			if err := limiter.Allow(c.Request.Context(), key, policy.IPMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}
		if policy.UserMax > 0 {
			if userID := auth.UserID(c); userID != "" {
				key := fmt.Sprintf("battle:rate:user:%s:%s", userID, routeKey)
				if err := limiter.Allow(c.Request.Context(), key, policy.UserMax, policy.Window); err != nil {
					response.AbortWithError(c, err)
					return
				}
			}
		}
		c.Next()
	}
}
