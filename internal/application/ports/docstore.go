package ports

import (
	"context"
	"time"

	"go-imsync/internal/models"
)

// Snapshot 实时查询推送的一次完整结果；Err 非空表示通道出错（结果无效）
type Snapshot[T any] struct {
	Docs T
	Err  error
}

// Subscription 抽象实时订阅能力：open(query) -> (快照流, close)
// 合并算法只依赖该接口，可用伪造流独立测试
type Subscription[T any] interface {
	Updates() <-chan Snapshot[T]
	Close()
}

// MessageCursor 分页游标：按 (createdAt, id) 严格向更早方向翻页
type MessageCursor struct {
	CreatedAt time.Time
	ID        string
}

// Before 判断 m 是否严格早于游标
func (c MessageCursor) Before(m *models.Message) bool {
	if m.CreatedAt.Equal(c.CreatedAt) {
		return m.ID < c.ID
	}
	return m.CreatedAt.Before(c.CreatedAt)
}

// MessagePage 消息分页查询（结果按创建时间倒序）
type MessagePage struct {
	ConversationID string
	Before         *MessageCursor
	Limit          int
}

// ConversationReader 会话集合的读取端口
type ConversationReader interface {
	// GetConversation 点查；不存在返回 errs.ErrNotFound
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// ListConversations 当前用户参与的全部会话，按最近活跃倒序
	ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error)
	// SubscribeConversations 订阅当前用户参与的会话（按最近活跃倒序）
	SubscribeConversations(ctx context.Context, userID string) (Subscription[[]*models.Conversation], error)
}

// MessageReader 消息子集合的读取端口
type MessageReader interface {
	// GetMessage 点查；不存在返回 errs.ErrNotFound
	GetMessage(ctx context.Context, convID, msgID string) (*models.Message, error)
	// QueryMessages 有序分页查询（倒序）
	QueryMessages(ctx context.Context, q MessagePage) ([]*models.Message, error)
	// SubscribeMessages 订阅最新 limit 条消息（头部窗口）
	SubscribeMessages(ctx context.Context, convID string, limit int) (Subscription[[]*models.Message], error)
}

// DocumentWriter 事务写端口
type DocumentWriter interface {
	// CreateConversation 幂等创建；ID 已存在时返回已有会话
	CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)
	// InsertMessage 在同一事务内写入消息并更新会话计数器（latestMessage/lastMessageAt/unreadCounts）
	InsertMessage(ctx context.Context, m *models.Message) error
	// MarkRead 在同一事务内将 userID 加入消息 readBy，并将其未读数置 0
	MarkRead(ctx context.Context, convID, userID string, msgIDs []string) error
	// SoftDeleteMessage 写入墓碑：剥离内容，保留身份
	SoftDeleteMessage(ctx context.Context, convID, msgID string, at time.Time) error
	// SetTyping 更新 typingTimestamp[userID]
	SetTyping(ctx context.Context, convID, userID string, at time.Time) error
}

// DocumentStore 远端实时文档存储（外部协作方）
type DocumentStore interface {
	ConversationReader
	MessageReader
	DocumentWriter
}

// PresenceStore 最近在线时间的存储与订阅
type PresenceStore interface {
	Heartbeat(ctx context.Context, userID string, at time.Time) error
	// LastSeen 未知用户返回零值时间
	LastSeen(ctx context.Context, userID string) (time.Time, error)
	SubscribeLastSeen(ctx context.Context, userID string) (Subscription[time.Time], error)
}
