package external

import (
	"sort"
	"strings"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/valueobjects"

	"github.com/google/uuid"
)

// IDGeneratorAdapter ID生成器适配器
type IDGeneratorAdapter struct{}

// NewIDGeneratorAdapter 创建ID生成器适配器
func NewIDGeneratorAdapter() ports.IDGenerator {
	return &IDGeneratorAdapter{}
}

// MessageID 生成消息ID
func (g *IDGeneratorAdapter) MessageID() string {
	return "msg_" + uuid.NewString()
}

// CorrelationID 生成客户端关联ID（即存储边界上的 pendingId）
func (g *IDGeneratorAdapter) CorrelationID() string {
	return uuid.NewString()
}

// ConversationID 生成会话ID
func (g *IDGeneratorAdapter) ConversationID(convType string, participants []string) string {
	if convType == string(valueobjects.ConversationTypeDM) && len(participants) == 2 {
		// 双人会话：使用固定规则生成，确保相同用户的会话ID一致（首次联系的惰性创建依赖此性质）
		sorted := make([]string, len(participants))
		copy(sorted, participants)
		sort.Strings(sorted)
		return "conv_dm_" + strings.Join(sorted, "_")
	}
	// 群聊会话：使用随机ID
	return "conv_" + convType + "_" + uuid.NewString()
}
