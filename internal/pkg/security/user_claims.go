package security

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const JWTExpirationTime = time.Hour * 24

// UserClaims 外部签发的 Token 只需携带账号 ID 与角色
type UserClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Principal 已认证的调用方
type Principal struct {
	AccountID string
	Role      string
}
