package dto

import "time"

// ProviderSearchReq 服务者目录检索，city 同时匹配工作区域
type ProviderSearchReq struct {
	City  string `form:"city" validate:"omitempty,max=64"`
	Skill string `form:"skill" validate:"omitempty,max=64"`
	Limit int    `form:"limit" validate:"omitempty,min=1,max=100"`
}

// UpdateAreasReq 覆盖服务者的工作区域，空数组表示清空
type UpdateAreasReq struct {
	Areas []string `json:"areas" binding:"required" validate:"max=20,dive,max=64"`
}

// ProviderDTO 服务者公开资料
type ProviderDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	City      string    `json:"city"`
	Skills    []string  `json:"skills"`
	Areas     []string  `json:"areas"`
	CreatedAt time.Time `json:"createdAt"`
}
