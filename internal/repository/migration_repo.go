package repository

import (
	"Kaarigar/internal/model"
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type MigrationRepo interface {
	Create(ctx context.Context, m *model.AccountMigration) error
	Save(ctx context.Context, m *model.AccountMigration) error
	GetByID(ctx context.Context, id uint64) (*model.AccountMigration, error)
	GetLatestBySource(ctx context.Context, sourceID string) (*model.AccountMigration, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*model.AccountMigration, error)
}

type migrationRepoImpl struct {
	db *gorm.DB
}

func NewMigrationRepo(db *gorm.DB) MigrationRepo {
	return &migrationRepoImpl{db: db}
}

// AutoMigrate 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.AccountMigration{})
}

func (s *migrationRepoImpl) Create(ctx context.Context, m *model.AccountMigration) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// Save 持久化状态推进
func (s *migrationRepoImpl) Save(ctx context.Context, m *model.AccountMigration) error {
	return s.db.WithContext(ctx).Model(&model.AccountMigration{}).
		Where("id = ?", m.ID).
		Updates(map[string]interface{}{
			"target_id":     m.TargetID,
			"state":         m.State,
			"last_error":    m.LastError,
			"needs_cleanup": m.NeedsCleanup,
			"conflict":      m.Conflict,
			"attempts":      m.Attempts,
			"updated_at":    time.Now(),
		}).Error
}

// GetByID 不存在时返回 nil, nil
func (s *migrationRepoImpl) GetByID(ctx context.Context, id uint64) (*model.AccountMigration, error) {
	var m model.AccountMigration
	err := s.db.WithContext(ctx).First(&m, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// GetLatestBySource 源账号最近一次迁移记录
func (s *migrationRepoImpl) GetLatestBySource(ctx context.Context, sourceID string) (*model.AccountMigration, error) {
	var m model.AccountMigration
	err := s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("id DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ListStale 长时间未推进的非终态迁移
func (s *migrationRepoImpl) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.AccountMigration, error) {
	var list []*model.AccountMigration
	err := s.db.WithContext(ctx).
		Where("state NOT IN ? AND updated_at < ?",
			[]model.MigrationState{model.MigrationDone, model.MigrationFailed}, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
