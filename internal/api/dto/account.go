package dto

import "time"

// AccountDTO 管理端账号列表项
type AccountDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	City      string    `json:"city"`
	Role      string    `json:"role"`
	Partition string    `json:"partition"`
	IsBanned  bool      `json:"is_banned"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateAccountReq 账号初始化 (运维脚本使用)
type CreateAccountReq struct {
	Name         string   `json:"name" validate:"required,max=64"`
	Email        string   `json:"email" validate:"required,email"`
	Phone        string   `json:"phone" validate:"omitempty,numeric,min=10,max=15"`
	City         string   `json:"city" validate:"omitempty,max=64"`
	Skills       []string `json:"skills" validate:"omitempty,max=20,dive,min=1,max=64"`
	Role         string   `json:"role" validate:"required,oneof=customer provider admin"`
	PasswordHash string   `json:"-" validate:"required"`
}
