package mongo

import (
	"Kaarigar/internal/pkg/partition"
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const conversationCollection = "conversations"

type ConversationRepo interface {
	Insert(ctx context.Context, conv *Conversation) error
	FindByID(ctx context.Context, id string) (*Conversation, error)
	FindByPairKey(ctx context.Context, pairKey string) (*Conversation, error)
	ListVisible(ctx context.Context, accountID string) ([]*Conversation, error)
	ListByParticipant(ctx context.Context, accountID string) ([]*Conversation, error)
	ListAll(ctx context.Context) ([]*Conversation, error)
	AddDeletedFor(ctx context.Context, convID, accountID string) (bool, error)
	UpdatePreview(ctx context.Context, convID, preview string, at time.Time) error
	Delete(ctx context.Context, convID string) (bool, error)
	RewriteParticipant(ctx context.Context, convID, oldID string, newRef ParticipantRef) (bool, error)
	CountByParticipant(ctx context.Context, accountID string) (int64, error)
	EnsureIndexes(ctx context.Context) error
}

type conversationRepoImpl struct {
	col collection
}

func NewConversationRepo(store *partition.Store) ConversationRepo {
	return &conversationRepoImpl{
		col: collection{store: store, partition: partition.Relationship, name: conversationCollection},
	}
}

func participantFilter(accountID string) bson.M {
	return bson.M{"participants.id": accountID}
}

func visibleFilter(accountID string) bson.M {
	return bson.M{
		"participants.id": accountID,
		"deleted_for":     bson.M{"$ne": accountID},
	}
}

// rewriteParticipantUpdate 单文档原子更新：participants、deleted_for 与 pair_key 一起替换
func rewriteParticipantUpdate(oldID string, newRef ParticipantRef, newPairKey string) (bson.M, *options.UpdateOptions) {
	update := bson.M{"$set": bson.M{
		"participants.$[p]": newRef,
		"deleted_for.$[d]":  newRef.ID,
		"pair_key":          newPairKey,
	}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{
			bson.M{"p.id": oldID},
			bson.M{"d": oldID},
		},
	})
	return update, opts
}

// Insert 写入会话，pair_key 唯一索引冲突时返回 ErrDuplicateKey
func (s *conversationRepoImpl) Insert(ctx context.Context, conv *Conversation) error {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return err
	}

	if conv.ID == "" {
		conv.ID = primitive.NewObjectID().Hex()
	}
	if conv.DeletedFor == nil {
		conv.DeletedFor = []string{}
	}
	_, err = col.InsertOne(ctx, conv)
	return wrapErr(s.col.partition, err)
}

func (s *conversationRepoImpl) FindByID(ctx context.Context, id string) (*Conversation, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *conversationRepoImpl) FindByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	return s.findOne(ctx, bson.M{"pair_key": pairKey})
}

func (s *conversationRepoImpl) findOne(ctx context.Context, filter bson.M) (*Conversation, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return nil, err
	}

	var conv Conversation
	if err = col.FindOne(ctx, filter).Decode(&conv); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapErr(s.col.partition, err)
	}
	return &conv, nil
}

// ListVisible 用户可见的会话，最近更新在前
func (s *conversationRepoImpl) ListVisible(ctx context.Context, accountID string) ([]*Conversation, error) {
	return s.find(ctx, visibleFilter(accountID))
}

// ListByParticipant 包含已软删除的会话，供迁移改写引用使用
func (s *conversationRepoImpl) ListByParticipant(ctx context.Context, accountID string) ([]*Conversation, error) {
	return s.find(ctx, participantFilter(accountID))
}

func (s *conversationRepoImpl) ListAll(ctx context.Context) ([]*Conversation, error) {
	return s.find(ctx, bson.M{})
}

func (s *conversationRepoImpl) find(ctx context.Context, filter bson.M) ([]*Conversation, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return nil, err
	}

	findOptions := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := col.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var convs []*Conversation
	if err = cursor.All(ctx, &convs); err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	return convs, nil
}

// AddDeletedFor 软删除，$addToSet 保证幂等；返回会话是否存在且包含该参与者
func (s *conversationRepoImpl) AddDeletedFor(ctx context.Context, convID, accountID string) (bool, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return false, err
	}

	filter := participantFilter(accountID)
	filter["_id"] = convID
	res, err := col.UpdateOne(ctx, filter, bson.M{"$addToSet": bson.M{"deleted_for": accountID}})
	if err != nil {
		return false, wrapErr(s.col.partition, err)
	}
	return res.MatchedCount > 0, nil
}

// UpdatePreview 必须在消息落库之后调用
func (s *conversationRepoImpl) UpdatePreview(ctx context.Context, convID, preview string, at time.Time) error {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return err
	}

	_, err = col.UpdateOne(ctx, bson.M{"_id": convID}, bson.M{"$set": bson.M{
		"last_message": preview,
		"updated_at":   at,
	}})
	return wrapErr(s.col.partition, err)
}

func (s *conversationRepoImpl) Delete(ctx context.Context, convID string) (bool, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return false, err
	}

	res, err := col.DeleteOne(ctx, bson.M{"_id": convID})
	if err != nil {
		return false, wrapErr(s.col.partition, err)
	}
	return res.DeletedCount > 0, nil
}

// RewriteParticipant 条件更新：仅当会话仍包含旧 ID 时替换，重复执行不产生变化
func (s *conversationRepoImpl) RewriteParticipant(ctx context.Context, convID, oldID string, newRef ParticipantRef) (bool, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return false, err
	}

	var conv Conversation
	err = col.FindOne(ctx, bson.M{"_id": convID, "participants.id": oldID}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, wrapErr(s.col.partition, err)
	}
	if !conv.RewriteParticipant(oldID, newRef) {
		return false, nil
	}

	update, opts := rewriteParticipantUpdate(oldID, newRef, conv.PairKey)
	res, err := col.UpdateOne(ctx, bson.M{"_id": convID, "participants.id": oldID}, update, opts)
	if err != nil {
		return false, wrapErr(s.col.partition, err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *conversationRepoImpl) CountByParticipant(ctx context.Context, accountID string) (int64, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return 0, err
	}

	n, err := col.CountDocuments(ctx, participantFilter(accountID))
	return n, wrapErr(s.col.partition, err)
}

func (s *conversationRepoImpl) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return err
	}

	_, err = col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants.id", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "deleted_for", Value: 1}}},
	})
	return wrapErr(s.col.partition, err)
}
