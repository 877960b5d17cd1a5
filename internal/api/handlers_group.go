package api

import (
	"Kaarigar/internal/api/handler"
	"Kaarigar/internal/api/middleware"
)

// HandlersGroup 封装了所有已初始化的 Handler 实例
type HandlersGroup struct {
	IMHandler       *handler.IMHandler
	IdentityHandler *handler.IdentityHandler
	AccountHandler  *handler.AccountHandler
	ProviderHandler *handler.ProviderHandler
	Revocations     middleware.RevocationChecker
}
