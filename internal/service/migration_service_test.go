package service

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/model"
	"Kaarigar/internal/pkg/consts"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// seedChat c1 与 p1 的会话，c1 发出一条 hello
func seedChat(t *testing.T, f *fixture) (c1, p1, convID string) {
	t.Helper()
	c1 = f.customer("asha")
	p1 = f.provider("ravi")
	conv, err := f.im.GetOrCreateConversation(context.Background(), c1, p1)
	require.NoError(t, err)
	send(t, f, conv.ID, c1, "hello")
	return c1, p1, conv.ID
}

func TestMigrateAccountToProvider_Scenario(t *testing.T) {
	f := newFixture()
	c1, p1, conv1 := seedChat(t, f)
	ctx := context.Background()

	res, err := f.migration.MigrateAccountToProvider(ctx, c1, &dto.RegisterProviderReq{
		DisplayName:  strPtr("Asha Electricals"),
		ContactPhone: strPtr("9876543210"),
		City:         strPtr("Pune"),
	})
	require.NoError(t, err)
	p2 := res.NewAccountID
	assert.NotEqual(t, c1, p2)
	assert.Equal(t, string(model.MigrationDone), res.State)

	msgs, err := f.im.GetMessages(ctx, p1, conv1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, p2, msgs[0].SenderID)
	assert.Equal(t, "Asha Electricals", msgs[0].Sender.DisplayName)

	old := f.identity.Resolve(ctx, c1)
	assert.Equal(t, partition.RoleUnknown, old.Role)

	moved := f.identity.Resolve(ctx, p2)
	assert.Equal(t, partition.RoleProvider, moved.Role)
	assert.Equal(t, partition.Provider.String(), moved.Partition)
	assert.Equal(t, "asha@example.com", moved.ContactEmail)

	acc := f.providers.raw(p2)
	require.NotNil(t, acc)
	assert.Equal(t, "hash-asha", acc.Password)
	assert.Equal(t, "9876543210", acc.Phone)
	assert.Equal(t, "Pune", acc.City)
	assert.Equal(t, c1, acc.MigratedFrom)
	assert.Nil(t, f.customers.raw(c1))

	assert.Contains(t, f.events.types(), consts.EventAccountMigrated)
	assert.Empty(t, f.locker.held)
}

func TestMigrateAccountToProvider_RewritesEveryReference(t *testing.T) {
	f := newFixture()
	c1, p1, conv1 := seedChat(t, f)
	p3 := f.provider("kiran")
	ctx := context.Background()
	conv2, err := f.im.GetOrCreateConversation(ctx, p3, c1)
	require.NoError(t, err)
	send(t, f, conv2.ID, p3, "quote attached")
	send(t, f, conv1, p1, "see you at 5")
	require.NoError(t, f.im.SoftDeleteConversation(ctx, c1, conv2.ID))

	res, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.NoError(t, err)
	p2 := res.NewAccountID
	newRef := mongo.ParticipantRef{ID: p2, Partition: "provider"}

	for _, c := range f.convs.all() {
		assert.False(t, c.HasParticipant(c1))
		assert.NotContains(t, c.DeletedFor, c1)
		ref, ok := c.RefOf(p2)
		require.True(t, ok)
		assert.Equal(t, newRef, ref)
		assert.Equal(t, mongo.PairKey(c.Participants[0].ID, c.Participants[1].ID), c.PairKey)
	}
	for _, m := range f.messages.snapshot(func(*mongo.Message) bool { return true }) {
		assert.NotEqual(t, c1, m.Sender.ID)
		assert.NotEqual(t, c1, m.Receiver.ID)
	}

	// 软删除状态随 ID 一起迁移
	stored, _ := f.convs.FindByID(ctx, conv2.ID)
	assert.Equal(t, []string{p2}, stored.DeletedFor)
	list, err := f.im.GetConversationList(ctx, p2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv1, list[0].ID)

	// 迁移后与同一服务者再次发起会话仍命中原会话
	again, err := f.im.GetOrCreateConversation(ctx, p2, p1)
	require.NoError(t, err)
	assert.Equal(t, conv1, again.ID)
}

func TestRewriteReferences_Idempotent(t *testing.T) {
	f := newFixture()
	c1, _, _ := seedChat(t, f)
	ctx := context.Background()
	newRef := mongo.ParticipantRef{ID: "65f0000000000000000000a1", Partition: "provider"}

	n, err := f.migration.RewriteReferences(ctx, c1, newRef)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n) // 会话一次，消息 sender 一次

	before := f.convs.all()
	beforeMsgs := f.messages.snapshot(func(*mongo.Message) bool { return true })

	n, err = f.migration.RewriteReferences(ctx, c1, newRef)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before, f.convs.all())
	assert.Equal(t, beforeMsgs, f.messages.snapshot(func(*mongo.Message) bool { return true }))
}

func TestMigrateAccountToProvider_ResumesAfterCrash(t *testing.T) {
	f := newFixture()
	c1, p1, conv1 := seedChat(t, f)
	ctx := context.Background()

	// 模拟上次运行在创建目标账号之后、推进状态之前崩溃
	m := &model.AccountMigration{
		SourceID:        c1,
		SourcePartition: "customer",
		TargetID:        f.providers.NewID(),
		TargetPartition: "provider",
		State:           model.MigrationStarted,
	}
	require.NoError(t, f.sagas.Create(ctx, m))
	src := f.customers.raw(c1)
	src.ID = m.TargetID
	src.Role = partition.RoleProvider
	src.MigratedFrom = c1
	f.providers.add(src)
	// 部分引用已改写
	_, err := f.messages.RewriteSender(ctx, c1, mongo.ParticipantRef{ID: m.TargetID, Partition: "provider"})
	require.NoError(t, err)

	res, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.NoError(t, err)
	assert.Equal(t, m.ID, res.MigrationID)
	assert.Equal(t, m.TargetID, res.NewAccountID)
	assert.Equal(t, string(model.MigrationDone), res.State)

	msgs, err := f.im.GetMessages(ctx, p1, conv1)
	require.NoError(t, err)
	assert.Equal(t, m.TargetID, msgs[0].SenderID)
	assert.Nil(t, f.customers.raw(c1))
}

func TestMigrateAccountToProvider_DoneReturnsRecordedTarget(t *testing.T) {
	f := newFixture()
	c1, _, _ := seedChat(t, f)
	ctx := context.Background()

	first, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.NoError(t, err)
	second, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMigrateAccountToProvider_Conflict(t *testing.T) {
	f := newFixture()
	c1, _, _ := seedChat(t, f)
	ctx := context.Background()

	// 邮箱唯一索引使插入冲突，占用者并非本次迁移创建
	f.providers.add(&mongo.Account{Name: "someone else", Email: "asha@example.com"})

	_, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.ErrorIs(t, err, ErrMigrationConflict)
	code, _ := CodeOf(err)
	assert.Equal(t, Conflict, code)

	m, _ := f.sagas.GetLatestBySource(ctx, c1)
	require.NotNil(t, m)
	assert.Equal(t, model.MigrationFailed, m.State)
	assert.True(t, m.Conflict)
	assert.NotNil(t, f.customers.raw(c1))

	// 不会换一个新 ID 自动重试
	_, err = f.migration.MigrateAccountToProvider(ctx, c1, nil)
	assert.ErrorIs(t, err, ErrMigrationConflict)
	assert.Len(t, f.sagas.rows, 1)
}

func TestMigrateAccountToProvider_DeleteFailureMarksSource(t *testing.T) {
	f := newFixture()
	c1, _, _ := seedChat(t, f)
	ctx := context.Background()
	f.customers.deleteErr = fmt.Errorf("%w: customer: connection reset", partition.ErrUnavailable)

	_, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.ErrorIs(t, err, ErrPartitionUnavailable)
	assert.True(t, IsRetryable(err))

	m, _ := f.sagas.GetLatestBySource(ctx, c1)
	assert.Equal(t, model.MigrationReferencesRewritten, m.State)
	assert.True(t, m.NeedsCleanup)
	assert.Equal(t, 1, m.Attempts)

	src := f.customers.raw(c1)
	require.NotNil(t, src)
	assert.True(t, src.Migrated)
	assert.Equal(t, m.TargetID, src.MigratedTo)
	// 残留账号不再参与解析
	assert.Equal(t, partition.RoleUnknown, f.identity.Resolve(ctx, c1).Role)

	f.customers.deleteErr = nil
	res, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.NoError(t, err)
	assert.Equal(t, m.TargetID, res.NewAccountID)
	assert.Nil(t, f.customers.raw(c1))

	m, _ = f.sagas.GetLatestBySource(ctx, c1)
	assert.Equal(t, model.MigrationDone, m.State)
	assert.False(t, m.NeedsCleanup)
}

func TestMigrateAccountToProvider_TargetUnavailableHasNoSideEffects(t *testing.T) {
	f := newFixture()
	c1, p1, conv1 := seedChat(t, f)
	ctx := context.Background()
	f.providers.insertErr = fmt.Errorf("%w: provider", partition.ErrUnavailable)

	_, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.ErrorIs(t, err, ErrPartitionUnavailable)

	m, _ := f.sagas.GetLatestBySource(ctx, c1)
	assert.Equal(t, model.MigrationStarted, m.State)
	msgs, _ := f.im.GetMessages(ctx, p1, conv1)
	assert.Equal(t, c1, msgs[0].SenderID)
	assert.NotNil(t, f.customers.raw(c1))
}

func TestMigrateAccountToProvider_Rejections(t *testing.T) {
	f := newFixture()
	p1 := f.provider("ravi")
	c1 := f.customer("asha")
	ctx := context.Background()

	_, err := f.migration.MigrateAccountToProvider(ctx, p1, nil)
	assert.ErrorIs(t, err, ErrAlreadyProvider)

	_, err = f.migration.MigrateAccountToProvider(ctx, "65f0000000000000000000ee", nil)
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = f.migration.MigrateAccountToProvider(ctx, c1, &dto.RegisterProviderReq{ContactPhone: strPtr("12ab")})
	assert.ErrorIs(t, err, ErrParamInvalid)

	assert.Empty(t, f.sagas.rows)
}

func TestMigrateAccountToProvider_LockedSource(t *testing.T) {
	f := newFixture()
	c1 := f.customer("asha")
	ctx := context.Background()
	ok, _ := f.locker.TryLock(ctx, consts.MigrationLock+c1, "other-coordinator", time.Minute)
	require.True(t, ok)

	_, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	assert.ErrorIs(t, err, ErrMigrationInProgress)
	assert.NotNil(t, f.customers.raw(c1))
}

func TestMigrateAccountToProvider_ExtendsLockWhileRewriting(t *testing.T) {
	f := newFixture()
	repos := map[partition.Name]mongo.AccountRepo{
		partition.Customer: f.customers,
		partition.Provider: f.providers,
		partition.Admin:    f.admins,
	}
	svc := NewMigrationService(f.sagas, repos, f.convs, f.messages, f.locker, f.events, MigrationOptions{
		LockTTL:    30 * time.Millisecond,
		StaleAfter: time.Minute,
		Topic:      "accounts",
	})
	c1, _, _ := seedChat(t, f)
	f.messages.delay = 60 * time.Millisecond

	res, err := svc.MigrateAccountToProvider(context.Background(), c1, nil)
	require.NoError(t, err)
	assert.Equal(t, string(model.MigrationDone), res.State)
	assert.Greater(t, f.locker.extendCount(), 0)
	assert.False(t, f.locker.isHeld(consts.MigrationLock+c1))
}

func TestMigrationLock_StopsExtendingWhenLost(t *testing.T) {
	f := newFixture()
	svc := f.migration.(*migrationServiceImpl)
	svc.opts.LockTTL = 9 * time.Millisecond
	key := consts.MigrationLock + "c-lost"

	unlock, err := svc.lock(context.Background(), "c-lost")
	require.NoError(t, err)
	// 锁被他人抢占后续期失败，协程自行退出
	f.locker.mu.Lock()
	f.locker.held[key] = "other-coordinator"
	f.locker.mu.Unlock()
	time.Sleep(30 * time.Millisecond)

	unlock()
	assert.True(t, f.locker.isHeld(key))
}

func TestTruncate_RuneBoundary(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))

	// "账" 占 3 个字节，截断点落在字符中间时退回到上一个完整字符
	s := "a账号"
	assert.Equal(t, "a", truncate(s, 2))
	assert.Equal(t, "a", truncate(s, 3))
	assert.Equal(t, "a账", truncate(s, 4))
	assert.Equal(t, "", truncate("账号", 1))

	long := strings.Repeat("迁移失败", 100)
	out := truncate(long, 500)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), 500)
	assert.Greater(t, len(out), 496)
}

func TestRecoverStale(t *testing.T) {
	f := newFixture()
	c1, _, _ := seedChat(t, f)
	ctx := context.Background()
	f.customers.deleteErr = fmt.Errorf("%w: customer", partition.ErrUnavailable)

	_, err := f.migration.MigrateAccountToProvider(ctx, c1, nil)
	require.Error(t, err)
	m, _ := f.sagas.GetLatestBySource(ctx, c1)

	// 尚未停滞时不处理
	n, err := f.migration.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.customers.deleteErr = nil
	f.sagas.age(m.ID, 2*time.Minute)
	n, err = f.migration.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, _ = f.sagas.GetByID(ctx, m.ID)
	assert.Equal(t, model.MigrationDone, m.State)
	assert.Nil(t, f.customers.raw(c1))
}

func TestResumeMigration_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.migration.ResumeMigration(context.Background(), 42)
	assert.ErrorIs(t, err, ErrMigrationNotFound)
}
