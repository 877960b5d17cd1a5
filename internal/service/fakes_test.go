package service

import (
	"Kaarigar/internal/model"
	"Kaarigar/internal/pkg/kafka"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ---- accounts ----

type fakeAccountRepo struct {
	mu        sync.Mutex
	p         partition.Name
	docs      map[string]*mongo.Account
	err       error         // 所有读操作返回该错误
	delay     time.Duration // 读操作延迟，配合超时测试
	deleteErr error
	insertErr error
	calls     atomic.Int32
	batches   atomic.Int32
}

func newFakeAccountRepo(p partition.Name) *fakeAccountRepo {
	return &fakeAccountRepo{p: p, docs: make(map[string]*mongo.Account)}
}

func (f *fakeAccountRepo) add(acc *mongo.Account) *mongo.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc.ID == "" {
		acc.ID = primitive.NewObjectID().Hex()
	}
	if acc.Role == "" {
		acc.Role = f.p.Role()
	}
	cp := *acc
	f.docs[acc.ID] = &cp
	return acc
}

func (f *fakeAccountRepo) raw(id string) *mongo.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok {
		cp := *d
		return &cp
	}
	return nil
}

func (f *fakeAccountRepo) wait(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", partition.ErrUnavailable, f.p, ctx.Err())
	}
}

func (f *fakeAccountRepo) Partition() partition.Name { return f.p }

func (f *fakeAccountRepo) NewID() string { return primitive.NewObjectID().Hex() }

func (f *fakeAccountRepo) FindByID(ctx context.Context, id string) (*mongo.Account, error) {
	f.calls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	acc := f.raw(id)
	if acc == nil || acc.Migrated {
		return nil, nil
	}
	return acc, nil
}

func (f *fakeAccountRepo) FindByIDs(ctx context.Context, ids []string) ([]*mongo.Account, error) {
	f.batches.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	var out []*mongo.Account
	for _, id := range ids {
		if acc := f.raw(id); acc != nil && !acc.Migrated {
			out = append(out, acc)
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) FindByEmail(ctx context.Context, email string) (*mongo.Account, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.Email == email && !d.Migrated {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAccountRepo) FindByMigratedFrom(ctx context.Context, sourceID string) (*mongo.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.MigratedFrom == sourceID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAccountRepo) Insert(_ context.Context, acc *mongo.Account) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[acc.ID]; ok {
		return mongo.ErrDuplicateKey
	}
	for _, d := range f.docs {
		if acc.Email != "" && d.Email == acc.Email {
			return mongo.ErrDuplicateKey
		}
	}
	cp := *acc
	f.docs[acc.ID] = &cp
	return nil
}

func (f *fakeAccountRepo) Delete(_ context.Context, id string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[id]
	delete(f.docs, id)
	return ok, nil
}

func (f *fakeAccountRepo) MarkMigrated(_ context.Context, id, targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok {
		d.Migrated = true
		d.MigratedTo = targetID
	}
	return nil
}

func (f *fakeAccountRepo) SetBanned(_ context.Context, id string, banned bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.Migrated {
		return false, nil
	}
	d.IsBanned = banned
	return true, nil
}

func (f *fakeAccountRepo) List(ctx context.Context, limit int64) ([]*mongo.Account, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*mongo.Account
	for _, d := range f.docs {
		if !d.Migrated {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAccountRepo) SearchProviders(ctx context.Context, filter mongo.ProviderFilter, limit int64) ([]*mongo.Account, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*mongo.Account
	for _, d := range f.docs {
		if filter.Matches(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAccountRepo) UpdateAreas(ctx context.Context, id string, areas []string) (bool, error) {
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.Migrated {
		return false, nil
	}
	d.Areas = append([]string{}, areas...)
	return true, nil
}

func (f *fakeAccountRepo) EnsureIndexes(context.Context) error { return nil }

// ---- conversations ----

type fakeConversationRepo struct {
	mu           sync.Mutex
	docs         map[string]*mongo.Conversation
	beforeInsert func() // 模拟并发写入者
	previewErr   error
	inserts      atomic.Int32
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{docs: make(map[string]*mongo.Conversation)}
}

func cloneConversation(c *mongo.Conversation) *mongo.Conversation {
	cp := *c
	cp.Participants = append([]mongo.ParticipantRef(nil), c.Participants...)
	cp.DeletedFor = append([]string{}, c.DeletedFor...)
	return &cp
}

func (f *fakeConversationRepo) all() []*mongo.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*mongo.Conversation, 0, len(f.docs))
	for _, c := range f.docs {
		out = append(out, cloneConversation(c))
	}
	return out
}

func (f *fakeConversationRepo) Insert(_ context.Context, conv *mongo.Conversation) error {
	if hook := f.beforeInsert; hook != nil {
		f.beforeInsert = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.docs {
		if c.PairKey == conv.PairKey {
			return mongo.ErrDuplicateKey
		}
	}
	if conv.ID == "" {
		conv.ID = primitive.NewObjectID().Hex()
	}
	f.docs[conv.ID] = cloneConversation(conv)
	f.inserts.Add(1)
	return nil
}

func (f *fakeConversationRepo) FindByID(_ context.Context, id string) (*mongo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.docs[id]; ok {
		return cloneConversation(c), nil
	}
	return nil, nil
}

func (f *fakeConversationRepo) FindByPairKey(_ context.Context, pairKey string) (*mongo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.docs {
		if c.PairKey == pairKey {
			return cloneConversation(c), nil
		}
	}
	return nil, nil
}

func (f *fakeConversationRepo) filter(keep func(*mongo.Conversation) bool) []*mongo.Conversation {
	var out []*mongo.Conversation
	for _, c := range f.all() {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (f *fakeConversationRepo) ListVisible(_ context.Context, accountID string) ([]*mongo.Conversation, error) {
	return f.filter(func(c *mongo.Conversation) bool { return c.VisibleTo(accountID) }), nil
}

func (f *fakeConversationRepo) ListByParticipant(_ context.Context, accountID string) ([]*mongo.Conversation, error) {
	return f.filter(func(c *mongo.Conversation) bool { return c.HasParticipant(accountID) }), nil
}

func (f *fakeConversationRepo) ListAll(context.Context) ([]*mongo.Conversation, error) {
	return f.filter(func(*mongo.Conversation) bool { return true }), nil
}

func (f *fakeConversationRepo) AddDeletedFor(_ context.Context, convID, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.docs[convID]
	if !ok || !c.HasParticipant(accountID) {
		return false, nil
	}
	if !c.IsDeletedFor(accountID) {
		c.DeletedFor = append(c.DeletedFor, accountID)
	}
	return true, nil
}

func (f *fakeConversationRepo) UpdatePreview(_ context.Context, convID, preview string, at time.Time) error {
	if f.previewErr != nil {
		return f.previewErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.docs[convID]; ok {
		c.LastMessage = preview
		c.UpdatedAt = at
	}
	return nil
}

func (f *fakeConversationRepo) Delete(_ context.Context, convID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[convID]
	delete(f.docs, convID)
	return ok, nil
}

func (f *fakeConversationRepo) RewriteParticipant(_ context.Context, convID, oldID string, newRef mongo.ParticipantRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.docs[convID]
	if !ok {
		return false, nil
	}
	return c.RewriteParticipant(oldID, newRef), nil
}

func (f *fakeConversationRepo) CountByParticipant(_ context.Context, accountID string) (int64, error) {
	list, _ := f.ListByParticipant(context.Background(), accountID)
	return int64(len(list)), nil
}

func (f *fakeConversationRepo) EnsureIndexes(context.Context) error { return nil }

// ---- messages ----

type fakeMessageRepo struct {
	mu    sync.Mutex
	docs  []*mongo.Message
	err   error
	delay time.Duration
}

func (f *fakeMessageRepo) snapshot(keep func(*mongo.Message) bool) []*mongo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*mongo.Message
	for _, m := range f.docs {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

func (f *fakeMessageRepo) Insert(_ context.Context, msg *mongo.Message) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == "" {
		msg.ID = primitive.NewObjectID().Hex()
	}
	cp := *msg
	f.docs = append(f.docs, &cp)
	return nil
}

func (f *fakeMessageRepo) ListByConversation(_ context.Context, convID string) ([]*mongo.Message, error) {
	out := f.snapshot(func(m *mongo.Message) bool { return m.ConversationID == convID })
	mongo.SortMessages(out)
	return out, nil
}

func (f *fakeMessageRepo) DeleteByConversation(_ context.Context, convID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.docs[:0]
	var n int64
	for _, m := range f.docs {
		if m.ConversationID == convID {
			n++
			continue
		}
		kept = append(kept, m)
	}
	f.docs = kept
	return n, nil
}

func (f *fakeMessageRepo) MarkRead(_ context.Context, convID, receiverID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.docs {
		if m.ConversationID == convID && m.Receiver.ID == receiverID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (f *fakeMessageRepo) RewriteSender(_ context.Context, oldID string, newRef mongo.ParticipantRef) (int64, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.docs {
		if m.Sender.ID == oldID {
			m.Sender = newRef
			n++
		}
	}
	return n, nil
}

func (f *fakeMessageRepo) RewriteReceiver(_ context.Context, oldID string, newRef mongo.ParticipantRef) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.docs {
		if m.Receiver.ID == oldID {
			m.Receiver = newRef
			n++
		}
	}
	return n, nil
}

func (f *fakeMessageRepo) CountByAccount(_ context.Context, accountID string) (int64, error) {
	return int64(len(f.snapshot(func(m *mongo.Message) bool {
		return m.Sender.ID == accountID || m.Receiver.ID == accountID
	}))), nil
}

func (f *fakeMessageRepo) EnsureIndexes(context.Context) error { return nil }

// ---- migrations ----

type fakeMigrationRepo struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]*model.AccountMigration
}

func newFakeMigrationRepo() *fakeMigrationRepo {
	return &fakeMigrationRepo{rows: make(map[uint64]*model.AccountMigration)}
}

func (f *fakeMigrationRepo) Create(_ context.Context, m *model.AccountMigration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m.ID = f.nextID
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	f.rows[m.ID] = &cp
	return nil
}

func (f *fakeMigrationRepo) Save(_ context.Context, m *model.AccountMigration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.UpdatedAt = time.Now()
	cp := *m
	f.rows[m.ID] = &cp
	return nil
}

func (f *fakeMigrationRepo) GetByID(_ context.Context, id uint64) (*model.AccountMigration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeMigrationRepo) GetLatestBySource(_ context.Context, sourceID string) (*model.AccountMigration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.AccountMigration
	for _, m := range f.rows {
		if m.SourceID == sourceID && (latest == nil || m.ID > latest.ID) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeMigrationRepo) ListStale(_ context.Context, before time.Time, limit int) ([]*model.AccountMigration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AccountMigration
	for _, m := range f.rows {
		if !m.State.Terminal() && m.UpdatedAt.Before(before) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// age 把记录的更新时间往前拨，模拟停滞
func (f *fakeMigrationRepo) age(id uint64, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].UpdatedAt = f.rows[id].UpdatedAt.Add(-d)
}

// ---- infra ----

type fakeLocker struct {
	mu      sync.Mutex
	held    map[string]string
	extends int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (f *fakeLocker) TryLock(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[key]; ok {
		return false, nil
	}
	f.held[key] = value
	return true, nil
}

func (f *fakeLocker) Extend(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] != value {
		return false, nil
	}
	f.extends++
	return true, nil
}

func (f *fakeLocker) extendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extends
}

func (f *fakeLocker) isHeld(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.held[key]
	return ok
}

func (f *fakeLocker) UnLock(_ context.Context, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == value {
		delete(f.held, key)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*kafka.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, evt *kafka.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// ---- fixture ----

type fixture struct {
	customers *fakeAccountRepo
	providers *fakeAccountRepo
	admins    *fakeAccountRepo
	convs     *fakeConversationRepo
	messages  *fakeMessageRepo
	sagas     *fakeMigrationRepo
	locker    *fakeLocker
	events    *recordingPublisher

	identity  IdentityService
	im        IMService
	migration MigrationService
	accounts  AccountService
	directory ProviderService
}

func newFixture() *fixture {
	f := &fixture{
		customers: newFakeAccountRepo(partition.Customer),
		providers: newFakeAccountRepo(partition.Provider),
		admins:    newFakeAccountRepo(partition.Admin),
		convs:     newFakeConversationRepo(),
		messages:  &fakeMessageRepo{},
		sagas:     newFakeMigrationRepo(),
		locker:    newFakeLocker(),
		events:    &recordingPublisher{},
	}
	repos := map[partition.Name]mongo.AccountRepo{
		partition.Customer: f.customers,
		partition.Provider: f.providers,
		partition.Admin:    f.admins,
	}
	f.identity = NewIdentityService(repos, 200*time.Millisecond)
	f.im = NewIMService(f.convs, f.messages, f.identity, f.events, "messages")
	f.migration = NewMigrationService(f.sagas, repos, f.convs, f.messages, f.locker, f.events, MigrationOptions{
		LockTTL:    time.Minute,
		StaleAfter: time.Minute,
		Topic:      "accounts",
	})
	f.accounts = NewAccountService(repos, f.identity)
	f.directory = NewProviderService(repos)
	return f
}

func (f *fixture) customer(name string) string {
	return f.customers.add(&mongo.Account{Name: name, Email: name + "@example.com", Password: "hash-" + name}).ID
}

func (f *fixture) provider(name string) string {
	return f.providers.add(&mongo.Account{Name: name, Email: name + "@example.com", Password: "hash-" + name}).ID
}

func (f *fixture) admin(name string) string {
	return f.admins.add(&mongo.Account{Name: name, Email: name + "@example.com"}).ID
}
