package mongo

import (
	"Kaarigar/internal/pkg/partition"
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messageCollection = "messages"

type MessageRepo interface {
	Insert(ctx context.Context, msg *Message) error
	ListByConversation(ctx context.Context, convID string) ([]*Message, error)
	DeleteByConversation(ctx context.Context, convID string) (int64, error)
	MarkRead(ctx context.Context, convID, receiverID string) (int64, error)
	RewriteSender(ctx context.Context, oldID string, newRef ParticipantRef) (int64, error)
	RewriteReceiver(ctx context.Context, oldID string, newRef ParticipantRef) (int64, error)
	CountByAccount(ctx context.Context, accountID string) (int64, error)
	EnsureIndexes(ctx context.Context) error
}

type messageRepoImpl struct {
	col collection
}

func NewMessageRepo(store *partition.Store) MessageRepo {
	return &messageRepoImpl{
		col: collection{store: store, partition: partition.Relationship, name: messageCollection},
	}
}

func messageSort() bson.D {
	return bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}
}

func accountRefFilter(accountID string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"sender.id": accountID},
		bson.M{"receiver.id": accountID},
	}}
}

// Insert 将消息存入 MongoDB
func (s *messageRepoImpl) Insert(ctx context.Context, msg *Message) error {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = primitive.NewObjectID().Hex()
	}
	_, err = col.InsertOne(ctx, msg)
	return wrapErr(s.col.partition, err)
}

// ListByConversation created_at 升序，_id 兜底保证稳定顺序
func (s *messageRepoImpl) ListByConversation(ctx context.Context, convID string) ([]*Message, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := col.Find(ctx, bson.M{"conversation_id": convID}, options.Find().SetSort(messageSort()))
	if err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, wrapErr(s.col.partition, err)
	}
	return messages, nil
}

func (s *messageRepoImpl) DeleteByConversation(ctx context.Context, convID string) (int64, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return 0, err
	}

	res, err := col.DeleteMany(ctx, bson.M{"conversation_id": convID})
	if err != nil {
		return 0, wrapErr(s.col.partition, err)
	}
	return res.DeletedCount, nil
}

// MarkRead 将发给 receiverID 的未读消息置为已读
func (s *messageRepoImpl) MarkRead(ctx context.Context, convID, receiverID string) (int64, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return 0, err
	}

	res, err := col.UpdateMany(ctx,
		bson.M{"conversation_id": convID, "receiver.id": receiverID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true}},
	)
	if err != nil {
		return 0, wrapErr(s.col.partition, err)
	}
	return res.ModifiedCount, nil
}

// RewriteSender 仅替换仍为旧值的 sender，可重复执行
func (s *messageRepoImpl) RewriteSender(ctx context.Context, oldID string, newRef ParticipantRef) (int64, error) {
	return s.rewrite(ctx, "sender", oldID, newRef)
}

func (s *messageRepoImpl) RewriteReceiver(ctx context.Context, oldID string, newRef ParticipantRef) (int64, error) {
	return s.rewrite(ctx, "receiver", oldID, newRef)
}

func (s *messageRepoImpl) rewrite(ctx context.Context, field, oldID string, newRef ParticipantRef) (int64, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return 0, err
	}

	res, err := col.UpdateMany(ctx, bson.M{field + ".id": oldID}, bson.M{"$set": bson.M{field: newRef}})
	if err != nil {
		return 0, wrapErr(s.col.partition, err)
	}
	return res.ModifiedCount, nil
}

// CountByAccount 统计仍引用该账号的消息数
func (s *messageRepoImpl) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return 0, err
	}

	n, err := col.CountDocuments(ctx, accountRefFilter(accountID))
	return n, wrapErr(s.col.partition, err)
}

func (s *messageRepoImpl) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.col.withTimeout(ctx)
	defer cancel()
	col, err := s.col.get(ctx)
	if err != nil {
		return err
	}

	_, err = col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "sender.id", Value: 1}}},
		{Keys: bson.D{{Key: "receiver.id", Value: 1}}},
	})
	return wrapErr(s.col.partition, err)
}
