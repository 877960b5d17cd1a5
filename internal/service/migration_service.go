package service

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/model"
	"Kaarigar/internal/pkg/consts"
	"Kaarigar/internal/pkg/kafka"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"Kaarigar/internal/pkg/util"
	"Kaarigar/internal/repository"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
)

// rewritePasses 引用改写后仍有残留 (迁移期间旧 ID 又写入了消息) 时的最大重复次数
const rewritePasses = 3

var errReferencesRemain = errors.New("references to source account remain")

// Locker 分布式锁，防止多个协调者同时推进同一个源账号
type Locker interface {
	TryLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	UnLock(ctx context.Context, key, value string)
}

// MigrationService 顾客 -> 服务者的跨分区迁移
type MigrationService interface {
	MigrateAccountToProvider(ctx context.Context, accountID string, req *dto.RegisterProviderReq) (*dto.RegisterProviderDTO, error)
	ResumeMigration(ctx context.Context, migrationID uint64) (*dto.RegisterProviderDTO, error)
	RecoverStale(ctx context.Context) (int, error)
	RewriteReferences(ctx context.Context, oldID string, newRef mongo.ParticipantRef) (int64, error)
}

type MigrationOptions struct {
	LockTTL       time.Duration
	StaleAfter    time.Duration
	RecoveryBatch int
	Topic         string
}

type migrationServiceImpl struct {
	migrationRepo repository.MigrationRepo
	source        mongo.AccountRepo
	target        mongo.AccountRepo
	convRepo      mongo.ConversationRepo
	messageRepo   mongo.MessageRepo
	locker        Locker
	publisher     kafka.Publisher
	opts          MigrationOptions
}

func NewMigrationService(
	migrationRepo repository.MigrationRepo,
	accounts map[partition.Name]mongo.AccountRepo,
	convRepo mongo.ConversationRepo,
	messageRepo mongo.MessageRepo,
	locker Locker,
	publisher kafka.Publisher,
	opts MigrationOptions,
) MigrationService {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.RecoveryBatch <= 0 {
		opts.RecoveryBatch = 50
	}
	return &migrationServiceImpl{
		migrationRepo: migrationRepo,
		source:        accounts[partition.Customer],
		target:        accounts[partition.Provider],
		convRepo:      convRepo,
		messageRepo:   messageRepo,
		locker:        locker,
		publisher:     publisher,
		opts:          opts,
	}
}

// MigrateAccountToProvider 启动或继续一次迁移；已完成的迁移直接返回记录的新 ID
func (s *migrationServiceImpl) MigrateAccountToProvider(ctx context.Context, accountID string, req *dto.RegisterProviderReq) (*dto.RegisterProviderDTO, error) {
	if accountID == "" {
		return nil, ErrParamInvalid
	}
	if req == nil {
		req = &dto.RegisterProviderReq{}
	}
	if err := util.ValidateDTO(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParamInvalid, err)
	}

	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.migrationRepo.GetLatestBySource(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		switch {
		case m.State == model.MigrationDone:
			return toMigrationDTO(m), nil
		case !m.State.Terminal():
			log.InfoContext(ctx, "resuming account migration", "migration_id", m.ID, "state", m.State)
			return s.run(ctx, m)
		case m.Conflict:
			return nil, fmt.Errorf("%w: migration %d: %s", ErrMigrationConflict, m.ID, m.LastError)
		}
	}

	src, err := s.source.FindByID(ctx, accountID)
	if err != nil {
		return nil, translate(err)
	}
	if src == nil {
		existing, err := s.target.FindByID(ctx, accountID)
		if err != nil {
			return nil, translate(err)
		}
		if existing != nil {
			return nil, ErrAlreadyProvider
		}
		return nil, ErrUserNotFound
	}

	overrides, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	m = &model.AccountMigration{
		SourceID:        src.ID,
		SourcePartition: s.source.Partition().String(),
		TargetID:        s.target.NewID(),
		TargetPartition: s.target.Partition().String(),
		State:           model.MigrationStarted,
		Overrides:       string(overrides),
	}
	if err = s.migrationRepo.Create(ctx, m); err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "account migration started", "migration_id", m.ID, "source_id", m.SourceID, "target_id", m.TargetID)
	return s.run(ctx, m)
}

// ResumeMigration 恢复任务入口
func (s *migrationServiceImpl) ResumeMigration(ctx context.Context, migrationID uint64) (*dto.RegisterProviderDTO, error) {
	m, err := s.migrationRepo.GetByID(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMigrationNotFound
	}

	unlock, err := s.lock(ctx, m.SourceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 加锁期间可能已被其他协调者推进
	if m, err = s.migrationRepo.GetByID(ctx, migrationID); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMigrationNotFound
	}
	if m.State.Terminal() {
		return toMigrationDTO(m), nil
	}
	return s.run(ctx, m)
}

// RecoverStale 推进长时间停滞的迁移，返回成功完成的数量
func (s *migrationServiceImpl) RecoverStale(ctx context.Context) (int, error) {
	list, err := s.migrationRepo.ListStale(ctx, time.Now().Add(-s.opts.StaleAfter), s.opts.RecoveryBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, m := range list {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		res, err := s.ResumeMigration(ctx, m.ID)
		if err != nil {
			log.WarnContext(ctx, "failed to recover account migration", "migration_id", m.ID, "state", m.State, "err", err)
			continue
		}
		if res.State == string(model.MigrationDone) {
			done++
		}
	}
	return done, nil
}

// run 从当前状态顺序推进，每一步提交后持久化状态；出错时已提交的步骤不回滚
func (s *migrationServiceImpl) run(ctx context.Context, m *model.AccountMigration) (*dto.RegisterProviderDTO, error) {
	for !m.State.Terminal() {
		var next model.MigrationState
		var err error
		switch m.State {
		case model.MigrationStarted:
			err = s.createTarget(ctx, m)
			next = model.MigrationAccountCreatedInTarget
		case model.MigrationAccountCreatedInTarget:
			err = s.rewriteAndConfirm(ctx, m)
			next = model.MigrationReferencesRewritten
		case model.MigrationReferencesRewritten:
			err = s.deleteSource(ctx, m)
			next = model.MigrationSourceAccountDeleted
		case model.MigrationSourceAccountDeleted:
			s.publishMigrated(ctx, m)
			next = model.MigrationDone
		default:
			err = fmt.Errorf("%w: unknown migration state %q", UnExpectedError, m.State)
		}

		if err != nil {
			return nil, s.fail(ctx, m, err)
		}
		m.State = next
		m.LastError = ""
		if err = s.migrationRepo.Save(ctx, m); err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "account migration advanced", "migration_id", m.ID, "state", m.State)
	}
	return toMigrationDTO(m), nil
}

// fail 记录失败；只有冲突类错误进入 Failed 终态，其余保留当前状态等待重试
func (s *migrationServiceImpl) fail(ctx context.Context, m *model.AccountMigration, stepErr error) error {
	m.Attempts++
	m.LastError = truncate(stepErr.Error(), 500)
	fatal := errors.Is(stepErr, ErrMigrationConflict) || errors.Is(stepErr, ErrUserNotFound)
	if fatal {
		m.State = model.MigrationFailed
		m.Conflict = errors.Is(stepErr, ErrMigrationConflict)
		log.ErrorContext(ctx, "account migration failed", "migration_id", m.ID, "source_id", m.SourceID, "err", stepErr)
	} else {
		log.WarnContext(ctx, "account migration step failed", "migration_id", m.ID, "state", m.State, "err", stepErr)
	}
	if err := s.migrationRepo.Save(ctx, m); err != nil {
		log.ErrorContext(ctx, "failed to persist migration state", "migration_id", m.ID, "err", err)
	}
	return translate(stepErr)
}

// createTarget 目标分区已存在同一来源的账号视为本步骤已完成
func (s *migrationServiceImpl) createTarget(ctx context.Context, m *model.AccountMigration) error {
	src, err := s.source.FindByID(ctx, m.SourceID)
	if err != nil {
		return err
	}
	if src == nil {
		existing, err := s.target.FindByID(ctx, m.TargetID)
		if err != nil {
			return err
		}
		if existing != nil && existing.MigratedFrom == m.SourceID {
			return nil
		}
		return fmt.Errorf("%w: source account %s", ErrUserNotFound, m.SourceID)
	}

	acc := &mongo.Account{}
	if err = copier.Copy(acc, src); err != nil {
		return err
	}
	var overrides dto.RegisterProviderReq
	if m.Overrides != "" {
		if err = json.Unmarshal([]byte(m.Overrides), &overrides); err != nil {
			return err
		}
	}
	applyOverrides(acc, &overrides)
	acc.ID = m.TargetID
	acc.Role = partition.RoleProvider
	acc.MigratedFrom = src.ID
	acc.Migrated = false
	acc.MigratedTo = ""
	acc.UpdatedAt = time.Now()

	err = s.target.Insert(ctx, acc)
	if err == nil {
		return nil
	}
	if !errors.Is(err, mongo.ErrDuplicateKey) {
		return err
	}
	existing, findErr := s.target.FindByID(ctx, m.TargetID)
	if findErr != nil {
		return findErr
	}
	if existing != nil && existing.MigratedFrom == m.SourceID {
		return nil
	}
	return fmt.Errorf("%w: target %s in partition %s", ErrMigrationConflict, m.TargetID, m.TargetPartition)
}

// rewriteAndConfirm 改写后重新计数，确认没有残留引用
func (s *migrationServiceImpl) rewriteAndConfirm(ctx context.Context, m *model.AccountMigration) error {
	newRef := mongo.ParticipantRef{ID: m.TargetID, Partition: m.TargetPartition}
	for i := 0; i < rewritePasses; i++ {
		n, err := s.RewriteReferences(ctx, m.SourceID, newRef)
		if err != nil {
			return err
		}
		remaining, err := s.countReferences(ctx, m.SourceID)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "migration references rewritten", "migration_id", m.ID, "pass", i+1, "changed", n, "remaining", remaining)
		if remaining == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", errReferencesRemain, m.SourceID)
}

// RewriteReferences 逐文档 "仍是旧值才替换"，可安全重复执行
func (s *migrationServiceImpl) RewriteReferences(ctx context.Context, oldID string, newRef mongo.ParticipantRef) (int64, error) {
	convs, err := s.convRepo.ListByParticipant(ctx, oldID)
	if err != nil {
		return 0, err
	}
	var changed int64
	for _, c := range convs {
		ok, err := s.convRepo.RewriteParticipant(ctx, c.ID, oldID, newRef)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}

	n, err := s.messageRepo.RewriteSender(ctx, oldID, newRef)
	if err != nil {
		return changed, err
	}
	changed += n
	n, err = s.messageRepo.RewriteReceiver(ctx, oldID, newRef)
	if err != nil {
		return changed, err
	}
	return changed + n, nil
}

func (s *migrationServiceImpl) countReferences(ctx context.Context, accountID string) (int64, error) {
	convs, err := s.convRepo.CountByParticipant(ctx, accountID)
	if err != nil {
		return 0, err
	}
	msgs, err := s.messageRepo.CountByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return convs + msgs, nil
}

// deleteSource 删除失败时将源账号标记为迁移残留，并以可重试错误返回
func (s *migrationServiceImpl) deleteSource(ctx context.Context, m *model.AccountMigration) error {
	_, err := s.source.Delete(ctx, m.SourceID)
	if err == nil {
		m.NeedsCleanup = false
		return nil
	}

	if markErr := s.source.MarkMigrated(ctx, m.SourceID, m.TargetID); markErr != nil {
		log.ErrorContext(ctx, "failed to mark source account as migrated", "migration_id", m.ID, "source_id", m.SourceID, "err", markErr)
	} else {
		m.NeedsCleanup = true
	}
	if errors.Is(err, partition.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: delete source account %s: %v", ErrPartitionUnavailable, m.SourceID, err)
}

func (s *migrationServiceImpl) publishMigrated(ctx context.Context, m *model.AccountMigration) {
	evt := &kafka.Event{
		Type: consts.EventAccountMigrated,
		Key:  m.SourceID,
		Payload: map[string]interface{}{
			"migration_id":     m.ID,
			"source_id":        m.SourceID,
			"source_partition": m.SourcePartition,
			"target_id":        m.TargetID,
			"target_partition": m.TargetPartition,
		},
	}
	if err := s.publisher.Publish(ctx, s.opts.Topic, evt); err != nil {
		log.WarnContext(ctx, "failed to publish migration event", "migration_id", m.ID, "err", err)
	}
}

func (s *migrationServiceImpl) lock(ctx context.Context, sourceID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := consts.MigrationLock + sourceID
	value := uuid.NewString()
	ok, err := s.locker.TryLock(ctx, key, value, s.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMigrationInProgress
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go s.keepAlive(ctx, key, value, stop, done)
	return func() {
		close(stop)
		<-done
		s.locker.UnLock(context.WithoutCancel(ctx), key, value)
	}, nil
}

// keepAlive 持锁期间按 TTL 的三分之一续期，改写大量消息时锁不会中途过期
func (s *migrationServiceImpl) keepAlive(ctx context.Context, key, value string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := s.opts.LockTTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bg := context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := s.locker.Extend(bg, key, value, s.opts.LockTTL)
			if err != nil {
				log.WarnContext(ctx, "failed to extend migration lock", "key", key, "err", err)
				continue
			}
			if !ok {
				log.ErrorContext(ctx, "migration lock lost", "key", key)
				return
			}
		}
	}
}

func applyOverrides(acc *mongo.Account, o *dto.RegisterProviderReq) {
	if o.DisplayName != nil {
		acc.Name = *o.DisplayName
	}
	if o.ContactPhone != nil {
		acc.Phone = *o.ContactPhone
	}
	if o.City != nil {
		acc.City = *o.City
	}
	if o.Skills != nil {
		acc.Skills = normalizeTerms(o.Skills)
	}
}

func toMigrationDTO(m *model.AccountMigration) *dto.RegisterProviderDTO {
	return &dto.RegisterProviderDTO{
		MigrationID:  m.ID,
		NewAccountID: m.TargetID,
		State:        string(m.State),
	}
}

// truncate 按字节截断，截断点落在多字节字符中间时向前退到字符边界
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
