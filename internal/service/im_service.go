package service

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/pkg/consts"
	"Kaarigar/internal/pkg/kafka"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// IMService 会话与消息服务
type IMService interface {
	GetOrCreateConversation(ctx context.Context, userID, targetUserID string) (*dto.ConversationDTO, error)
	GetConversationList(ctx context.Context, userID string) ([]*dto.ConversationDTO, error)
	GetConversation(ctx context.Context, userID, convID string) (*dto.ConversationDTO, error)
	SoftDeleteConversation(ctx context.Context, userID, convID string) error
	SendMessage(ctx context.Context, userID, convID string, req *dto.SendMessageReq) (*dto.MessageDTO, error)
	GetMessages(ctx context.Context, userID, convID string) ([]*dto.MessageDTO, error)
	MarkAsRead(ctx context.Context, userID, convID string) (*dto.MarkAsReadDTO, error)
	AdminDeleteConversation(ctx context.Context, actorRole, convID string) error
	AdminListConversations(ctx context.Context, actorRole string) ([]*dto.ConversationDTO, error)
}

type imServiceImpl struct {
	convRepo    mongo.ConversationRepo
	messageRepo mongo.MessageRepo
	identity    IdentityService
	publisher   kafka.Publisher
	topic       string
}

func NewIMService(convRepo mongo.ConversationRepo, messageRepo mongo.MessageRepo, identity IdentityService, publisher kafka.Publisher, topic string) IMService {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &imServiceImpl{
		convRepo:    convRepo,
		messageRepo: messageRepo,
		identity:    identity,
		publisher:   publisher,
		topic:       topic,
	}
}

// GetOrCreateConversation 单聊会话去重：先查 pair_key，插入前复查，唯一索引兜底
func (s *imServiceImpl) GetOrCreateConversation(ctx context.Context, userID, targetUserID string) (*dto.ConversationDTO, error) {
	if targetUserID == "" || userID == "" {
		return nil, ErrParamInvalid
	}
	if userID == targetUserID {
		return nil, ErrConversationSelf
	}

	pairKey := mongo.PairKey(userID, targetUserID)
	conv, err := s.convRepo.FindByPairKey(ctx, pairKey)
	if err != nil {
		return nil, translate(err)
	}
	if conv != nil {
		return s.decorate(ctx, userID, conv), nil
	}

	// 对方必须在某个分区真实存在
	target, found, err := s.identity.Lookup(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUserNotFound
	}
	self, found, err := s.identity.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUserNotFound
	}

	// 插入前复查，缩小并发创建的窗口
	conv, err = s.convRepo.FindByPairKey(ctx, pairKey)
	if err != nil {
		return nil, translate(err)
	}
	if conv != nil {
		return s.decorate(ctx, userID, conv), nil
	}

	now := time.Now()
	conv = &mongo.Conversation{
		PairKey: pairKey,
		Participants: []mongo.ParticipantRef{
			{ID: self.AccountID, Partition: self.Partition},
			{ID: target.AccountID, Partition: target.Partition},
		},
		DeletedFor: []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err = s.convRepo.Insert(ctx, conv); err != nil {
		if !errors.Is(err, mongo.ErrDuplicateKey) {
			return nil, translate(err)
		}
		// 并发创建失败方读取胜出方的会话
		winner, findErr := s.convRepo.FindByPairKey(ctx, pairKey)
		if findErr != nil {
			return nil, translate(findErr)
		}
		if winner == nil {
			return nil, fmt.Errorf("%w: conversation %s vanished after duplicate insert", UnExpectedError, pairKey)
		}
		return s.decorate(ctx, userID, winner), nil
	}

	s.publish(ctx, consts.EventConversationCreated, conv.ID, map[string]interface{}{
		"conversation_id": conv.ID,
		"participants":    conv.Participants,
	})
	return s.decorate(ctx, userID, conv), nil
}

// GetConversationList 按 updated_at 倒序，排除当前用户已删除的会话
func (s *imServiceImpl) GetConversationList(ctx context.Context, userID string) ([]*dto.ConversationDTO, error) {
	convs, err := s.convRepo.ListVisible(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return s.decorateAll(ctx, userID, convs), nil
}

func (s *imServiceImpl) GetConversation(ctx context.Context, userID, convID string) (*dto.ConversationDTO, error) {
	conv, err := s.visibleConversation(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, userID, conv), nil
}

// SoftDeleteConversation 只对当前用户隐藏，重复删除不报错，消息保留
func (s *imServiceImpl) SoftDeleteConversation(ctx context.Context, userID, convID string) error {
	conv, err := s.participantConversation(ctx, userID, convID)
	if err != nil {
		return err
	}
	if conv.IsDeletedFor(userID) {
		return nil
	}
	matched, err := s.convRepo.AddDeletedFor(ctx, convID, userID)
	if err != nil {
		return translate(err)
	}
	if !matched {
		return ErrConversationNotFound
	}
	return nil
}

// SendMessage 先写消息，再更新会话预览
func (s *imServiceImpl) SendMessage(ctx context.Context, userID, convID string, req *dto.SendMessageReq) (*dto.MessageDTO, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrContentEmpty
	}
	if utf8.RuneCountInString(content) > consts.MaxMessageLength {
		return nil, ErrContentTooLong
	}

	conv, err := s.visibleConversation(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	sender, _ := conv.RefOf(userID)
	receiver, ok := conv.Peer(userID)
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s has no peer", UnExpectedError, convID)
	}

	msg := &mongo.Message{
		ConversationID: conv.ID,
		Sender:         sender,
		Receiver:       receiver,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err = s.messageRepo.Insert(ctx, msg); err != nil {
		return nil, translate(err)
	}

	// 消息已落库；预览失败不回滚，避免客户端重试产生重复消息
	if err = s.convRepo.UpdatePreview(ctx, conv.ID, preview(content), msg.CreatedAt); err != nil {
		log.ErrorContext(ctx, "failed to update conversation preview", "conversation_id", conv.ID, "message_id", msg.ID, "err", err)
	}

	s.publish(ctx, consts.EventMessageAppended, conv.ID, map[string]interface{}{
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
		"sender_id":       sender.ID,
		"receiver_id":     receiver.ID,
	})

	out := toMessageDTO(msg)
	out.Sender = toParticipantDTO(sender, s.identity.ResolveRef(ctx, sender))
	return out, nil
}

// GetMessages created_at 升序，相同时间按 ID
func (s *imServiceImpl) GetMessages(ctx context.Context, userID, convID string) ([]*dto.MessageDTO, error) {
	conv, err := s.visibleConversation(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messageRepo.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, translate(err)
	}

	refs := make([]mongo.ParticipantRef, 0, len(conv.Participants)+len(msgs))
	refs = append(refs, conv.Participants...)
	for _, m := range msgs {
		refs = append(refs, m.Sender)
	}
	identities := s.identity.ResolveRefs(ctx, refs)

	out := make([]*dto.MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		d := toMessageDTO(m)
		d.Sender = toParticipantDTO(m.Sender, identities[m.Sender.ID])
		out = append(out, d)
	}
	return out, nil
}

// MarkAsRead 将对方发给当前用户的消息标记为已读
func (s *imServiceImpl) MarkAsRead(ctx context.Context, userID, convID string) (*dto.MarkAsReadDTO, error) {
	conv, err := s.visibleConversation(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	n, err := s.messageRepo.MarkRead(ctx, conv.ID, userID)
	if err != nil {
		return nil, translate(err)
	}
	return &dto.MarkAsReadDTO{ConversationID: conv.ID, Updated: n}, nil
}

// AdminDeleteConversation 物理删除会话及全部消息，不可恢复
func (s *imServiceImpl) AdminDeleteConversation(ctx context.Context, actorRole, convID string) error {
	if actorRole != partition.RoleAdmin {
		return UnauthorizedError
	}
	conv, err := s.convRepo.FindByID(ctx, convID)
	if err != nil {
		return translate(err)
	}
	if conv == nil {
		return ErrConversationNotFound
	}

	// 先删消息：中途失败时会话仍在，可以重试
	n, err := s.messageRepo.DeleteByConversation(ctx, convID)
	if err != nil {
		return translate(err)
	}
	if _, err = s.convRepo.Delete(ctx, convID); err != nil {
		return translate(err)
	}
	log.InfoContext(ctx, "conversation deleted by admin", "conversation_id", convID, "messages", n)
	return nil
}

func (s *imServiceImpl) AdminListConversations(ctx context.Context, actorRole string) ([]*dto.ConversationDTO, error) {
	if actorRole != partition.RoleAdmin {
		return nil, UnauthorizedError
	}
	convs, err := s.convRepo.ListAll(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return s.decorateAll(ctx, "", convs), nil
}

// participantConversation 会话存在且当前用户是参与者
func (s *imServiceImpl) participantConversation(ctx context.Context, userID, convID string) (*mongo.Conversation, error) {
	if convID == "" {
		return nil, ErrParamInvalid
	}
	conv, err := s.convRepo.FindByID(ctx, convID)
	if err != nil {
		return nil, translate(err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return nil, UnauthorizedError
	}
	return conv, nil
}

// visibleConversation 在 participantConversation 基础上要求当前用户未删除该会话
func (s *imServiceImpl) visibleConversation(ctx context.Context, userID, convID string) (*mongo.Conversation, error) {
	conv, err := s.participantConversation(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	if conv.IsDeletedFor(userID) {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (s *imServiceImpl) decorate(ctx context.Context, userID string, conv *mongo.Conversation) *dto.ConversationDTO {
	return s.decorateAll(ctx, userID, []*mongo.Conversation{conv})[0]
}

// decorateAll 批量解析参与者的展示信息，解析结果不回写
func (s *imServiceImpl) decorateAll(ctx context.Context, userID string, convs []*mongo.Conversation) []*dto.ConversationDTO {
	out := make([]*dto.ConversationDTO, 0, len(convs))
	if len(convs) == 0 {
		return out
	}
	refs := make([]mongo.ParticipantRef, 0, len(convs)*2)
	for _, c := range convs {
		refs = append(refs, c.Participants...)
	}
	identities := s.identity.ResolveRefs(ctx, refs)

	for _, c := range convs {
		d := &dto.ConversationDTO{
			ID:           c.ID,
			Participants: make([]*dto.ParticipantDTO, 0, len(c.Participants)),
			LastMessage:  c.LastMessage,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		}
		for _, p := range c.Participants {
			pd := toParticipantDTO(p, identities[p.ID])
			d.Participants = append(d.Participants, pd)
			if userID != "" && p.ID != userID {
				d.Peer = pd
			}
		}
		if userID == "" {
			d.DeletedFor = c.DeletedFor
		}
		out = append(out, d)
	}
	return out
}

func (s *imServiceImpl) publish(ctx context.Context, eventType, key string, payload interface{}) {
	if err := s.publisher.Publish(ctx, s.topic, &kafka.Event{Type: eventType, Key: key, Payload: payload}); err != nil {
		log.WarnContext(ctx, "failed to publish event", "type", eventType, "key", key, "err", err)
	}
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= consts.PreviewMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:consts.PreviewMaxRunes])
}

func toMessageDTO(m *mongo.Message) *dto.MessageDTO {
	return &dto.MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.Sender.ID,
		ReceiverID:     m.Receiver.ID,
		Content:        m.Content,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
}

func toParticipantDTO(ref mongo.ParticipantRef, identity *dto.IdentityDTO) *dto.ParticipantDTO {
	if identity == nil {
		identity = Unknown(ref.ID)
	}
	return &dto.ParticipantDTO{
		AccountID:   ref.ID,
		Partition:   identity.Partition,
		Role:        identity.Role,
		DisplayName: identity.DisplayName,
	}
}
