package handler

import (
	"Kaarigar/internal/api/middleware"
	"Kaarigar/internal/pkg/response"
	"Kaarigar/internal/service"

	"github.com/gin-gonic/gin"
)

type AccountHandler struct {
	accountSvc service.AccountService
}

func NewAccountHandler(accountSvc service.AccountService) *AccountHandler {
	return &AccountHandler{accountSvc: accountSvc}
}

func (s *AccountHandler) BanUser(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	err := s.accountSvc.BanUser(c.Request.Context(), principal.AccountID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

func (s *AccountHandler) UnbanUser(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	err := s.accountSvc.UnBanUser(c.Request.Context(), principal.AccountID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// ListUsers ?role=customer|provider|admin，缺省时列出全部
func (s *AccountHandler) ListUsers(c *gin.Context) {
	res, err := s.accountSvc.ListAccounts(c.Request.Context(), c.Query("role"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}
