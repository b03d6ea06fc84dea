package ports

import (
	"context"

	"go-imsync/internal/models"
)

// ProfileLookup 好友模块提供的只读资料查询；同步引擎从不修改其状态
type ProfileLookup interface {
	// Profiles 批量查询；不存在的 ID 不出现在结果中
	Profiles(ctx context.Context, ids []string) (map[string]models.Profile, error)
}

// MediaUploader 对象存储上传管线（外部协作方）
type MediaUploader interface {
	// Upload 上传本地媒体引用，返回远端 URL
	Upload(ctx context.Context, convID, localRef string) (string, error)
}

// PushNotifier 推送投递的交接端口；失败只记录日志
type PushNotifier interface {
	MessageSent(ctx context.Context, conv *models.Conversation, m *models.Message) error
}

// TypingLimiter 正在输入写入的限速
type TypingLimiter interface {
	AllowTyping(ctx context.Context, userID, convID string) bool
}

// IDGenerator ID生成器端口
type IDGenerator interface {
	// MessageID 生成消息ID
	MessageID() string
	// CorrelationID 生成客户端关联ID
	CorrelationID() string
	// ConversationID 生成会话ID；双人会话对相同参与者恒定
	ConversationID(convType string, participants []string) string
}
