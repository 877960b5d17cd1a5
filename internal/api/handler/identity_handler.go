package handler

import (
	"Kaarigar/internal/pkg/response"
	"Kaarigar/internal/service"

	"github.com/gin-gonic/gin"
)

type IdentityHandler struct {
	identitySvc service.IdentityService
}

func NewIdentityHandler(identitySvc service.IdentityService) *IdentityHandler {
	return &IdentityHandler{identitySvc: identitySvc}
}

// Resolve 未命中时同样返回成功，role 为 unknown
func (s *IdentityHandler) Resolve(c *gin.Context) {
	response.Success(c, s.identitySvc.Resolve(c.Request.Context(), c.Param("account_id")))
}
