package mongo

import (
	"Kaarigar/internal/pkg/partition"
	"strings"
	"time"
)

// Account 账号文档，同一时间只存在于一个分区中
type Account struct {
	ID           string    `bson:"_id,omitempty" json:"id"`
	Name         string    `bson:"name" json:"name"`
	Email        string    `bson:"email" json:"email"`
	Phone        string    `bson:"phone" json:"phone"`
	City         string    `bson:"city,omitempty" json:"city"`
	Skills       []string  `bson:"skills,omitempty" json:"skills"`
	Areas        []string  `bson:"areas,omitempty" json:"areas"` // 服务者的工作区域
	Password     string    `bson:"password" json:"-"` // 凭据哈希，迁移时原样复制
	Role         string    `bson:"role" json:"role"`
	IsBanned     bool      `bson:"is_banned" json:"isBanned"`
	Migrated     bool      `bson:"migrated,omitempty" json:"-"`      // 迁移后源账号删除失败时的残留标记
	MigratedTo   string    `bson:"migrated_to,omitempty" json:"-"`   // 残留账号指向的新 ID
	MigratedFrom string    `bson:"migrated_from,omitempty" json:"-"` // 新账号来源 ID，用于迁移重入校验
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updatedAt"`
}

// NormalizeRole 兼容旧数据中的角色名 (user / tradesman)
func NormalizeRole(role string) string {
	switch role {
	case "user":
		return partition.RoleCustomer
	case "tradesman":
		return partition.RoleProvider
	}
	return role
}

// ProviderFilter 服务者目录检索条件，城市同时匹配常驻城市与工作区域，均不区分大小写
type ProviderFilter struct {
	City  string
	Skill string
}

// Matches 与 providerSearchFilter 生成的查询语义一致
func (f ProviderFilter) Matches(acc *Account) bool {
	if acc == nil || acc.IsBanned || acc.Migrated {
		return false
	}
	if city := strings.TrimSpace(f.City); city != "" {
		if !strings.EqualFold(acc.City, city) && !containsFold(acc.Areas, city) {
			return false
		}
	}
	if skill := strings.TrimSpace(f.Skill); skill != "" && !containsFold(acc.Skills, skill) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
