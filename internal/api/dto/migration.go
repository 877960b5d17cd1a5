package dto

// RegisterProviderReq 顾客升级为服务者，字段均可选
type RegisterProviderReq struct {
	DisplayName  *string  `json:"display_name" validate:"omitempty,min=1,max=64"`
	ContactPhone *string  `json:"contact_phone" validate:"omitempty,numeric,min=10,max=15"`
	City         *string  `json:"city" validate:"omitempty,max=64"`
	Skills       []string `json:"skills" validate:"omitempty,max=20,dive,min=1,max=64"`
}

// RegisterProviderDTO 迁移结果
type RegisterProviderDTO struct {
	MigrationID  uint64 `json:"migration_id"`
	NewAccountID string `json:"new_account_id"`
	State        string `json:"state"`
}
