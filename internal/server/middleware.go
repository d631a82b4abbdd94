package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/recon/internal/observability/logger"
)

const contextActorKey = "actor"

// RequireActor rejects manual ops actions that do not name an operator.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(obslogger.ActorHeader))
		if actor == "" {
			AbortWithError(c, newValidationError("actor", "required", obslogger.ActorHeader+" header is required"))
			return
		}
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) string {
	return c.GetString(contextActorKey)
}
