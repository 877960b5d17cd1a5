package mongo

import (
	"sort"
	"time"
)

// Message 消息明细，只有 is_read 会被修改
type Message struct {
	ID             string         `bson:"_id,omitempty" json:"id"`
	ConversationID string         `bson:"conversation_id" json:"conversationId"`
	Sender         ParticipantRef `bson:"sender" json:"sender"`
	Receiver       ParticipantRef `bson:"receiver" json:"receiver"`
	Content        string         `bson:"content" json:"content"`
	IsRead         bool           `bson:"is_read" json:"isRead"`
	CreatedAt      time.Time      `bson:"created_at" json:"createdAt"`
}

// SortMessages created_at 升序，相同时间按 ID 排序
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
