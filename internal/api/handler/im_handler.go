package handler

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/api/middleware"
	"Kaarigar/internal/pkg/response"
	"Kaarigar/internal/service"

	"github.com/gin-gonic/gin"
)

type IMHandler struct {
	imService service.IMService
}

func NewIMHandler(imService service.IMService) *IMHandler {
	return &IMHandler{imService: imService}
}

// CreateConversation 获取或创建与目标用户的会话
func (s *IMHandler) CreateConversation(c *gin.Context) {
	var req dto.CreateConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	principal := middleware.GetPrincipal(c)
	res, err := s.imService.GetOrCreateConversation(c.Request.Context(), principal.AccountID, req.TargetUserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetConversationList 获取会话列表
func (s *IMHandler) GetConversationList(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	res, err := s.imService.GetConversationList(c.Request.Context(), principal.AccountID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

func (s *IMHandler) GetConversation(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	res, err := s.imService.GetConversation(c.Request.Context(), principal.AccountID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// DeleteConversation 仅对当前用户隐藏
func (s *IMHandler) DeleteConversation(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	err := s.imService.SoftDeleteConversation(c.Request.Context(), principal.AccountID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// SendMessage 发送消息接口
func (s *IMHandler) SendMessage(c *gin.Context) {
	var req dto.SendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrContentEmpty)
		return
	}

	principal := middleware.GetPrincipal(c)
	res, err := s.imService.SendMessage(c.Request.Context(), principal.AccountID, c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetMessages 客户端轮询拉取全部消息
func (s *IMHandler) GetMessages(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	res, err := s.imService.GetMessages(c.Request.Context(), principal.AccountID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// MarkAsRead 标记已读接口
func (s *IMHandler) MarkAsRead(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	res, err := s.imService.MarkAsRead(c.Request.Context(), principal.AccountID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

func (s *IMHandler) AdminListConversations(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	res, err := s.imService.AdminListConversations(c.Request.Context(), principal.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

func (s *IMHandler) AdminDeleteConversation(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	err := s.imService.AdminDeleteConversation(c.Request.Context(), principal.Role, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}
