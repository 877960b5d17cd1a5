package middleware

import (
	"bytes"
	"io"
	log "log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

const maxAuditBody = 4096

// AuditMiddleware 记录管理端操作：操作人、目标路径、请求体与结果
func AuditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var reqBody []byte
		if c.Request.Body != nil {
			reqBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxAuditBody+1))
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), c.Request.Body))
			if len(reqBody) > maxAuditBody {
				reqBody = reqBody[:maxAuditBody]
			}
		}

		startTime := time.Now()
		c.Next()

		principal := GetPrincipal(c)
		log.InfoContext(ctx, "admin audit",
			log.String("actor_id", principal.AccountID),
			log.String("actor_role", principal.Role),
			log.String("method", c.Request.Method),
			log.String("path", c.Request.URL.Path),
			log.String("params", c.Params.ByName("id")),
			log.String("req_body", string(reqBody)),
			log.Int("status", c.Writer.Status()),
			log.Duration("latency", time.Since(startTime)),
		)
	}
}
