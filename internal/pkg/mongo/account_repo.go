package mongo

import (
	"Kaarigar/internal/pkg/partition"
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const accountCollection = "users"

type AccountRepo interface {
	Partition() partition.Name
	NewID() string
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByIDs(ctx context.Context, ids []string) ([]*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByMigratedFrom(ctx context.Context, sourceID string) (*Account, error)
	Insert(ctx context.Context, acc *Account) error
	Delete(ctx context.Context, id string) (bool, error)
	MarkMigrated(ctx context.Context, id, targetID string) error
	SetBanned(ctx context.Context, id string, banned bool) (bool, error)
	List(ctx context.Context, limit int64) ([]*Account, error)
	SearchProviders(ctx context.Context, filter ProviderFilter, limit int64) ([]*Account, error)
	UpdateAreas(ctx context.Context, id string, areas []string) (bool, error)
	EnsureIndexes(ctx context.Context) error
}

type accountRepoImpl struct {
	col collection
}

func NewAccountRepo(store *partition.Store, p partition.Name) AccountRepo {
	return &accountRepoImpl{
		col: collection{store: store, partition: p, name: accountCollection},
	}
}

func (s *accountRepoImpl) Partition() partition.Name {
	return s.col.partition
}

// NewID 由目标分区自行分配 ID
func (s *accountRepoImpl) NewID() string {
	return primitive.NewObjectID().Hex()
}

// liveFilter 排除迁移残留账号
func liveFilter(extra bson.M) bson.M {
	extra["migrated"] = bson.M{"$ne": true}
	return extra
}

// FindByID 不存在时返回 nil, nil
func (s *accountRepoImpl) FindByID(ctx context.Context, id string) (*Account, error) {
	return s.findOne(ctx, liveFilter(bson.M{"_id": id}))
}

// FindByIDs 批量查询，供批量身份解析使用
func (s *accountRepoImpl) FindByIDs(ctx context.Context, ids []string) ([]*Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := col.Find(ctx, liveFilter(bson.M{"_id": bson.M{"$in": ids}}))
	if err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var accounts []*Account
	if err = cursor.All(ctx, &accounts); err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	for _, a := range accounts {
		a.Role = NormalizeRole(a.Role)
	}
	return accounts, nil
}

func (s *accountRepoImpl) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return s.findOne(ctx, liveFilter(bson.M{"email": strings.ToLower(strings.TrimSpace(email))}))
}

// FindByMigratedFrom 查找由指定源账号迁移而来的账号
func (s *accountRepoImpl) FindByMigratedFrom(ctx context.Context, sourceID string) (*Account, error) {
	return s.findOne(ctx, bson.M{"migrated_from": sourceID})
}

func (s *accountRepoImpl) findOne(ctx context.Context, filter bson.M) (*Account, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return nil, err
	}

	var acc Account
	err = col.FindOne(ctx, filter).Decode(&acc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapErr(s.col.partition, err)
	}
	acc.Role = NormalizeRole(acc.Role)
	return &acc, nil
}

// Insert 写入账号，ID 为空时由本分区分配
func (s *accountRepoImpl) Insert(ctx context.Context, acc *Account) error {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return err
	}

	if acc.ID == "" {
		acc.ID = s.NewID()
	}
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	acc.Email = strings.ToLower(strings.TrimSpace(acc.Email))

	_, err = col.InsertOne(ctx, acc)
	return wrapErr(s.col.partition, err)
}

// Delete 物理删除，仅在迁移成功的最后一步使用
func (s *accountRepoImpl) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return false, err
	}

	res, err := col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, wrapErr(s.col.partition, err)
	}
	return res.DeletedCount > 0, nil
}

// MarkMigrated 标记迁移残留，之后该账号不再参与登录与身份解析
func (s *accountRepoImpl) MarkMigrated(ctx context.Context, id, targetID string) error {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return err
	}

	_, err = col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"migrated":    true,
		"migrated_to": targetID,
		"updated_at":  time.Now(),
	}})
	return wrapErr(s.col.partition, err)
}

func (s *accountRepoImpl) SetBanned(ctx context.Context, id string, banned bool) (bool, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return false, err
	}

	res, err := col.UpdateOne(ctx, liveFilter(bson.M{"_id": id}), bson.M{"$set": bson.M{
		"is_banned":  banned,
		"updated_at": time.Now(),
	}})
	if err != nil {
		return false, wrapErr(s.col.partition, err)
	}
	return res.MatchedCount > 0, nil
}

// List 按创建时间倒序列出分区内账号
func (s *accountRepoImpl) List(ctx context.Context, limit int64) ([]*Account, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := col.Find(ctx, liveFilter(bson.M{}), opts)
	if err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var accounts []*Account
	if err = cursor.All(ctx, &accounts); err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	for _, a := range accounts {
		a.Role = NormalizeRole(a.Role)
	}
	return accounts, nil
}

// exactFold 整值匹配且不区分大小写
func exactFold(v string) primitive.Regex {
	return primitive.Regex{Pattern: "^" + regexp.QuoteMeta(v) + "$", Options: "i"}
}

func providerSearchFilter(f ProviderFilter) bson.M {
	filter := bson.M{"is_banned": bson.M{"$ne": true}}
	var and []bson.M
	if city := strings.TrimSpace(f.City); city != "" {
		re := exactFold(city)
		and = append(and, bson.M{"$or": []bson.M{{"city": re}, {"areas": re}}})
	}
	if skill := strings.TrimSpace(f.Skill); skill != "" {
		and = append(and, bson.M{"skills": exactFold(skill)})
	}
	if len(and) > 0 {
		filter["$and"] = and
	}
	return liveFilter(filter)
}

// SearchProviders 服务者目录，按名称排序
func (s *accountRepoImpl) SearchProviders(ctx context.Context, filter ProviderFilter, limit int64) ([]*Account, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := col.Find(ctx, providerSearchFilter(filter), opts)
	if err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var accounts []*Account
	if err = cursor.All(ctx, &accounts); err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	for _, a := range accounts {
		a.Role = NormalizeRole(a.Role)
	}
	return accounts, nil
}

// UpdateAreas 覆盖工作区域
func (s *accountRepoImpl) UpdateAreas(ctx context.Context, id string, areas []string) (bool, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return false, err
	}

	if areas == nil {
		areas = []string{}
	}
	res, err := col.UpdateOne(ctx, liveFilter(bson.M{"_id": id}), bson.M{
		"$set": bson.M{"areas": areas, "updated_at": time.Now()},
	})
	if err != nil {
		return false, wrapErr(s.col.partition, err)
	}
	return res.MatchedCount > 0, nil
}

func (s *accountRepoImpl) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return err
	}

	_, err = col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "migrated_from", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "city", Value: 1}}},
		{Keys: bson.D{{Key: "areas", Value: 1}}},
		{Keys: bson.D{{Key: "skills", Value: 1}}},
	})
	return wrapErr(s.col.partition, err)
}
