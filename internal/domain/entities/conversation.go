package entities

import (
	"slices"
	"time"

	"go-imsync/internal/domain/errs"
	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/models"
)

// NewDirectConversation 首次联系时惰性创建的双人会话
func NewDirectConversation(id, a, b string, now time.Time) (*models.Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, errs.Validation("%v", valueobjects.ConversationTypeDM.CheckParticipants(1))
	}
	return &models.Conversation{
		ID:           id,
		Participants: []string{a, b},
		Type:         valueobjects.ConversationTypeDM,
		UnreadCounts: map[string]int{a: 0, b: 0},
		CreatedAt:    now,
		// 空会话按创建时间参与排序
		LastMessageAt: now,
	}, nil
}

// NewGroupConversation 显式创建群聊
func NewGroupConversation(id, name string, participants []string, now time.Time) (*models.Conversation, error) {
	uniq := slices.Clone(participants)
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)
	if err := valueobjects.ConversationTypeGroup.CheckParticipants(len(uniq)); err != nil {
		return nil, errs.Validation("%v", err)
	}
	unread := make(map[string]int, len(uniq))
	for _, p := range uniq {
		if p == "" {
			return nil, errs.Validation("群成员ID不能为空")
		}
		unread[p] = 0
	}
	return &models.Conversation{
		ID:            id,
		Participants:  uniq,
		Type:          valueobjects.ConversationTypeGroup,
		Name:          name,
		UnreadCounts:  unread,
		CreatedAt:     now,
		LastMessageAt: now,
	}, nil
}

// ConversationDelta 一条消息写入时需要在同一事务内更新的会话计数器
type ConversationDelta struct {
	Latest        *models.LatestMessage
	LastMessageAt *time.Time
	IncUnread     []string // 需要 +1 的参与者
}

// DeltaFor 计算消息写入对会话的影响；回应不更新 latestMessage/lastMessageAt，也不计未读
func DeltaFor(conv *models.Conversation, m *models.Message) ConversationDelta {
	if !m.Type.BumpsActivity() {
		return ConversationDelta{}
	}
	at := m.CreatedAt
	d := ConversationDelta{Latest: m.Latest(), LastMessageAt: &at}
	for _, p := range conv.Participants {
		if p != m.SenderID {
			d.IncUnread = append(d.IncUnread, p)
		}
	}
	return d
}

// Apply 将增量应用到会话副本（内存存储与测试使用）
func (d ConversationDelta) Apply(conv *models.Conversation) *models.Conversation {
	cp := conv.Clone()
	if d.Latest != nil {
		lm := *d.Latest
		cp.LatestMessage = &lm
	}
	if d.LastMessageAt != nil {
		cp.LastMessageAt = *d.LastMessageAt
	}
	if len(d.IncUnread) > 0 && cp.UnreadCounts == nil {
		cp.UnreadCounts = map[string]int{}
	}
	for _, p := range d.IncUnread {
		cp.UnreadCounts[p]++
	}
	return cp
}
