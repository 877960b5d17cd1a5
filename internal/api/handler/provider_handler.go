package handler

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/api/middleware"
	"Kaarigar/internal/pkg/response"
	"Kaarigar/internal/service"
	"context"
	log "log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// TokenRevoker 迁移完成后旧账号 ID 失效，吊销调用方当前 Token
type TokenRevoker interface {
	Revoke(ctx context.Context, signature string, ttl time.Duration) error
}

type ProviderHandler struct {
	migrationSvc service.MigrationService
	providerSvc  service.ProviderService
	revoker      TokenRevoker
}

func NewProviderHandler(migrationSvc service.MigrationService, providerSvc service.ProviderService, revoker TokenRevoker) *ProviderHandler {
	return &ProviderHandler{migrationSvc: migrationSvc, providerSvc: providerSvc, revoker: revoker}
}

// Search 按城市、技能检索服务者
func (s *ProviderHandler) Search(c *gin.Context) {
	var req dto.ProviderSearchReq
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}
	res, err := s.providerSvc.SearchProviders(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

func (s *ProviderHandler) GetProfile(c *gin.Context) {
	res, err := s.providerSvc.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// UpdateAreas 服务者维护自己的工作区域
func (s *ProviderHandler) UpdateAreas(c *gin.Context) {
	var req dto.UpdateAreasReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}
	principal := middleware.GetPrincipal(c)
	res, err := s.providerSvc.UpdateAreas(c.Request.Context(), principal.AccountID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Register 顾客升级为服务者
func (s *ProviderHandler) Register(c *gin.Context) {
	var req dto.RegisterProviderReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, service.ErrParamInvalid)
			return
		}
	}

	principal := middleware.GetPrincipal(c)
	res, err := s.migrationSvc.MigrateAccountToProvider(c.Request.Context(), principal.AccountID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	if s.revoker != nil {
		signature := c.GetString("token_signature")
		ttl, _ := c.Get("token_ttl")
		d, _ := ttl.(time.Duration)
		if err = s.revoker.Revoke(c.Request.Context(), signature, d); err != nil {
			log.WarnContext(c.Request.Context(), "failed to revoke token after migration", "account_id", principal.AccountID, "err", err)
		}
	}
	response.Success(c, res)
}
