package mongo

import (
	"sort"
	"strings"
	"time"
)

// ParticipantRef 带分区标签的账号引用；ID 部分仍是对外使用的不透明标识
type ParticipantRef struct {
	ID        string `bson:"id" json:"id"`
	Partition string `bson:"partition" json:"partition"`
}

// Conversation 单聊会话，存放在共享的 relationship 分区
type Conversation struct {
	ID           string           `bson:"_id,omitempty" json:"id"`
	PairKey      string           `bson:"pair_key" json:"-"` // 排序后的双方 ID，唯一索引
	Participants []ParticipantRef `bson:"participants" json:"participants"`
	DeletedFor   []string         `bson:"deleted_for" json:"deletedFor"`
	LastMessage  string           `bson:"last_message,omitempty" json:"lastMessage"`
	CreatedAt    time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time        `bson:"updated_at" json:"updatedAt"`
}

// PairKey 无序二元组的确定性键
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (c *Conversation) RefOf(accountID string) (ParticipantRef, bool) {
	for _, p := range c.Participants {
		if p.ID == accountID {
			return p, true
		}
	}
	return ParticipantRef{}, false
}

func (c *Conversation) HasParticipant(accountID string) bool {
	_, ok := c.RefOf(accountID)
	return ok
}

// Peer 返回会话中的另一方
func (c *Conversation) Peer(accountID string) (ParticipantRef, bool) {
	if !c.HasParticipant(accountID) {
		return ParticipantRef{}, false
	}
	for _, p := range c.Participants {
		if p.ID != accountID {
			return p, true
		}
	}
	return ParticipantRef{}, false
}

func (c *Conversation) IsDeletedFor(accountID string) bool {
	for _, id := range c.DeletedFor {
		if id == accountID {
			return true
		}
	}
	return false
}

// VisibleTo 参与者且未软删除
func (c *Conversation) VisibleTo(accountID string) bool {
	return c.HasParticipant(accountID) && !c.IsDeletedFor(accountID)
}

// RewriteParticipant 将旧 ID 替换为新引用，返回是否发生变化；与仓库层的条件更新语义一致
func (c *Conversation) RewriteParticipant(oldID string, newRef ParticipantRef) bool {
	changed := false
	for i, p := range c.Participants {
		if p.ID == oldID {
			c.Participants[i] = newRef
			changed = true
		}
	}
	if !changed {
		return false
	}
	for i, id := range c.DeletedFor {
		if id == oldID {
			c.DeletedFor[i] = newRef.ID
		}
	}
	ids := c.ParticipantIDs()
	if len(ids) == 2 {
		c.PairKey = PairKey(ids[0], ids[1])
	}
	return true
}
