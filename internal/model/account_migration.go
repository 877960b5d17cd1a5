package model

import "time"

// MigrationState 账号迁移流程状态
type MigrationState string

const (
	MigrationStarted                MigrationState = "started"
	MigrationAccountCreatedInTarget MigrationState = "account_created_in_target"
	MigrationReferencesRewritten    MigrationState = "references_rewritten"
	MigrationSourceAccountDeleted   MigrationState = "source_account_deleted"
	MigrationDone                   MigrationState = "done"
	MigrationFailed                 MigrationState = "failed"
)

// Terminal 终态不再推进
func (s MigrationState) Terminal() bool {
	return s == MigrationDone || s == MigrationFailed
}

// AccountMigration 持久化的迁移流水，崩溃后可由恢复任务继续推进
type AccountMigration struct {
	ID              uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceID        string         `gorm:"type:varchar(64);index;not null" json:"sourceId"`
	SourcePartition string         `gorm:"type:varchar(32);not null" json:"sourcePartition"`
	TargetID        string         `gorm:"type:varchar(64);index;not null" json:"targetId"`
	TargetPartition string         `gorm:"type:varchar(32);not null" json:"targetPartition"`
	State           MigrationState `gorm:"type:varchar(32);index;not null" json:"state"`
	Overrides       string         `gorm:"type:text" json:"overrides"` // JSON
	LastError       string         `gorm:"type:varchar(512)" json:"lastError"`
	NeedsCleanup    bool           `gorm:"not null;default:false" json:"needsCleanup"` // 源账号删除失败，已标记残留
	Conflict        bool           `gorm:"not null;default:false" json:"conflict"`     // 目标 ID 被占用，需人工处理
	Attempts        int            `gorm:"not null;default:0" json:"attempts"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `gorm:"index" json:"updatedAt"`
}

func (AccountMigration) TableName() string { return "account_migrations" }
