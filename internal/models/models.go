package models

import (
	"slices"
	"time"

	"go-imsync/internal/domain/valueobjects"
)

// Conversation/Message/PendingMessage/Profile 为同步引擎的核心模型。
// 字段命名与远端文档存储保持一致（json 标签即存储边界字段名）。
// 约定：Message 在进入缓存后视为不可变，任何修改（已读、撤回）都产生新副本。

type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// LatestMessage 会话文档上缓存的最新消息快照
type LatestMessage struct {
	ID        string                   `json:"id"`
	SenderID  string                   `json:"senderId"`
	Type      valueobjects.MessageType `json:"type"`
	Content   string                   `json:"content,omitempty"`
	CreatedAt time.Time                `json:"createdAt"`
}

type Conversation struct {
	ID              string                        `json:"id"`
	Participants    []string                      `json:"participants"`
	Type            valueobjects.ConversationType `json:"type"`
	Name            string                        `json:"name,omitempty"`
	UnreadCounts    map[string]int                `json:"unreadCounts"`
	LatestMessage   *LatestMessage                `json:"latestMessage,omitempty"`
	TypingTimestamp map[string]time.Time          `json:"typingTimestamp,omitempty"`
	LastMessageAt   time.Time                     `json:"lastMessageAt"`
	CreatedAt       time.Time                     `json:"createdAt"`
}

// HasParticipant 是否为会话参与者
func (c *Conversation) HasParticipant(userID string) bool {
	return c != nil && slices.Contains(c.Participants, userID)
}

// Counterpart 双人会话中对方的 ID；群聊返回空串
func (c *Conversation) Counterpart(userID string) string {
	if c == nil || !c.Type.IsDM() {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// Clone 深拷贝（map/slice 不共享）
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	if c.UnreadCounts != nil {
		cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
		for k, v := range c.UnreadCounts {
			cp.UnreadCounts[k] = v
		}
	}
	if c.TypingTimestamp != nil {
		cp.TypingTimestamp = make(map[string]time.Time, len(c.TypingTimestamp))
		for k, v := range c.TypingTimestamp {
			cp.TypingTimestamp[k] = v
		}
	}
	if c.LatestMessage != nil {
		lm := *c.LatestMessage
		cp.LatestMessage = &lm
	}
	return &cp
}

// QuotedKind 引用内容的来源
type QuotedKind string

const (
	QuotedPost    QuotedKind = "post"
	QuotedMessage QuotedKind = "message"
)

// QuotedContent 引用的动态或消息
type QuotedContent struct {
	Kind     QuotedKind `json:"kind"`
	ID       string     `json:"id"`
	Preview  string     `json:"preview,omitempty"`
	MediaURL string     `json:"mediaUrl,omitempty"`
}

// Message 表示会话中的一条已持久化消息。
// - ReadBy 恒包含发送者本人
// - DeletedAt 非空即为墓碑：内容已剥离，身份保留
// - PendingID 为客户端关联 ID，用于与本地待发送消息对账
type Message struct {
	ID             string                   `json:"id"`
	ConversationID string                   `json:"conversationId"`
	SenderID       string                   `json:"senderId"`
	Type           valueobjects.MessageType `json:"type"`
	Content        string                   `json:"content,omitempty"`
	MediaURL       string                   `json:"mediaUrl,omitempty"`
	VoiceURL       string                   `json:"voiceUrl,omitempty"`
	QuotedContent  *QuotedContent           `json:"quotedContent,omitempty"`
	ReactionType   string                   `json:"reactionType,omitempty"`
	HeartCount     int                      `json:"heartCount,omitempty"`
	PendingID      string                   `json:"pendingId,omitempty"`
	ReadBy         []string                 `json:"readBy"`
	DeletedAt      *time.Time               `json:"deletedAt,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`
}

// IsDeleted 是否已撤回（墓碑）
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// IsLiveReaction 未撤回的回应消息
func (m *Message) IsLiveReaction() bool {
	return m.Type.IsReaction() && !m.IsDeleted()
}

// ReactionTarget 回应指向的目标消息 ID
func (m *Message) ReactionTarget() string {
	if m.QuotedContent == nil || m.QuotedContent.Kind != QuotedMessage {
		return ""
	}
	return m.QuotedContent.ID
}

// ReadByUser 是否已被该用户读过（发送者视为已读）
func (m *Message) ReadByUser(userID string) bool {
	return m.SenderID == userID || slices.Contains(m.ReadBy, userID)
}

// LogicalID 逻辑身份：带关联 ID 的消息沿用关联 ID，保证乐观消息与持久化消息同一身份
func (m *Message) LogicalID() string {
	if m.PendingID != "" {
		return m.PendingID
	}
	return m.ID
}

// Clone 浅拷贝 + ReadBy/QuotedContent 复制
func (m *Message) Clone() *Message {
	cp := *m
	cp.ReadBy = slices.Clone(m.ReadBy)
	if m.QuotedContent != nil {
		q := *m.QuotedContent
		cp.QuotedContent = &q
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// WithReader 返回追加了已读用户的副本；已包含时返回原值
func (m *Message) WithReader(userID string) *Message {
	if slices.Contains(m.ReadBy, userID) {
		return m
	}
	cp := m.Clone()
	cp.ReadBy = append(cp.ReadBy, userID)
	return cp
}

// Tombstone 返回墓碑副本：剥离内容与媒体，保留 ID/发送者/时间
func (m *Message) Tombstone(at time.Time) *Message {
	cp := m.Clone()
	cp.Content = ""
	cp.MediaURL = ""
	cp.VoiceURL = ""
	cp.HeartCount = 0
	if cp.QuotedContent != nil {
		// 回应仍需保留目标，以便从目标消息上摘除
		cp.QuotedContent = &QuotedContent{Kind: cp.QuotedContent.Kind, ID: cp.QuotedContent.ID}
	}
	t := at
	cp.DeletedAt = &t
	return cp
}

// Latest 生成会话上的最新消息快照
func (m *Message) Latest() *LatestMessage {
	return &LatestMessage{ID: m.ID, SenderID: m.SenderID, Type: m.Type, Content: m.Content, CreatedAt: m.CreatedAt}
}

// PendingMessage 仅存在于发送端设备上的乐观消息。
// ID 即客户端关联 ID（存储边界字段 pendingId）。
type PendingMessage struct {
	ID             string                     `json:"id"`
	ConversationID string                     `json:"conversationId"`
	SenderID       string                     `json:"senderId"`
	Type           valueobjects.MessageType   `json:"type"`
	Content        string                     `json:"content,omitempty"`
	MediaRef       string                     `json:"mediaRef,omitempty"` // 本地媒体引用（上传前）
	QuotedContent  *QuotedContent             `json:"quotedContent,omitempty"`
	ReactionType   string                     `json:"reactionType,omitempty"`
	Status         valueobjects.PendingStatus `json:"status"`
	Error          string                     `json:"error,omitempty"`
	CreatedAt      time.Time                  `json:"createdAt"`
}

// ReactionTarget 待发送回应的目标消息 ID
func (p *PendingMessage) ReactionTarget() string {
	if p.QuotedContent == nil || p.QuotedContent.Kind != QuotedMessage {
		return ""
	}
	return p.QuotedContent.ID
}
