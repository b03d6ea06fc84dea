package valueobjects

import "fmt"

// ConversationType 会话类型：双人私聊或群聊。
// 双人会话首次联系时惰性创建，ID 由排序后的参与者确定；群聊显式创建。
type ConversationType string

const (
	ConversationTypeDM    ConversationType = "dm"
	ConversationTypeGroup ConversationType = "group"
)

func (ct ConversationType) IsValid() bool {
	return ct == ConversationTypeDM || ct == ConversationTypeGroup
}

func (ct ConversationType) String() string { return string(ct) }

func (ct ConversationType) IsDM() bool    { return ct == ConversationTypeDM }
func (ct ConversationType) IsGroup() bool { return ct == ConversationTypeGroup }

// CheckParticipants 参与者人数约束：私聊恰好两人，群聊至少两人
func (ct ConversationType) CheckParticipants(n int) error {
	switch {
	case ct == ConversationTypeDM && n != 2:
		return fmt.Errorf("direct conversation requires two distinct participants, got %d", n)
	case ct == ConversationTypeGroup && n < 2:
		return fmt.Errorf("group conversation requires at least two participants, got %d", n)
	case !ct.IsValid():
		return fmt.Errorf("unknown conversation type %q", ct)
	}
	return nil
}
