package dto

import "time"

// CreateConversationReq 发起会话请求体
type CreateConversationReq struct {
	TargetUserID string `json:"target_user_id" binding:"required"`
}

// SendMessageReq 发送消息请求体
type SendMessageReq struct {
	Content string `json:"content" binding:"required"`
}

// ParticipantDTO 会话参与者，展示信息在读取时解析，不落库
type ParticipantDTO struct {
	AccountID   string `json:"account_id"`
	Partition   string `json:"partition"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

// ConversationDTO 会话响应
type ConversationDTO struct {
	ID           string            `json:"id"`
	Participants []*ParticipantDTO `json:"participants"`
	Peer         *ParticipantDTO   `json:"peer,omitempty"` // 相对当前用户的对手方，管理端为空
	DeletedFor   []string          `json:"deleted_for,omitempty"`
	LastMessage  string            `json:"last_message"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// MessageDTO 消息明细响应
type MessageDTO struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	ReceiverID     string          `json:"receiver_id"`
	Sender         *ParticipantDTO `json:"sender,omitempty"`
	Content        string          `json:"content"`
	IsRead         bool            `json:"is_read"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MarkAsReadDTO 标记已读结果
type MarkAsReadDTO struct {
	ConversationID string `json:"conversation_id"`
	Updated        int64  `json:"updated"`
}
