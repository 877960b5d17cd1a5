package middleware

import (
	"Kaarigar/internal/pkg/response"
	"Kaarigar/internal/pkg/security"
	"context"
	log "log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// RevocationChecker 查询 Token 是否已被吊销
type RevocationChecker interface {
	IsRevoked(ctx context.Context, signature string) (bool, error)
}

// AuthMiddleware 负责验证 JWT 并将调用方身份注入 Context；revoked 为 nil 时跳过吊销检查
func AuthMiddleware(revoked RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			response.Fail(c, response.Unauthorized, "Token 缺失或格式错误")
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		signature, err := security.ExtractSignature(tokenString)
		if err != nil {
			response.Fail(c, response.Unauthorized, "Token 缺失或格式错误")
			c.Abort()
			return
		}

		if revoked != nil {
			isRevoked, err := revoked.IsRevoked(c.Request.Context(), signature)
			if err != nil {
				log.ErrorContext(c.Request.Context(), "token revocation check failed", "err", err)
				response.Fail(c, response.InternalServerError, "未知错误")
				c.Abort()
				return
			}
			if isRevoked {
				response.Fail(c, response.Unauthorized, "Token 无效或已过期")
				c.Abort()
				return
			}
		}

		claims, err := security.ValidateToken(tokenString)
		if err != nil {
			response.Fail(c, response.Unauthorized, "Token 无效或已过期")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Set("token_signature", signature)
		if claims.ExpiresAt != nil {
			c.Set("token_ttl", time.Until(claims.ExpiresAt.Time))
		}

		c.Next()
	}
}

// GetPrincipal 读取 AuthMiddleware 注入的调用方
func GetPrincipal(c *gin.Context) security.Principal {
	return security.Principal{
		AccountID: c.GetString("user_id"),
		Role:      c.GetString("role"),
	}
}
