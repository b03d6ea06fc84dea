package valueobjects

// PendingStatus 本地待发送消息的生命周期状态
type PendingStatus string

const (
	PendingQueued  PendingStatus = "queued"
	PendingSending PendingStatus = "sending"
	PendingFailed  PendingStatus = "failed"
)

// IsValid 验证状态是否有效
func (s PendingStatus) IsValid() bool {
	switch s {
	case PendingQueued, PendingSending, PendingFailed:
		return true
	default:
		return false
	}
}

// Retryable 仅失败状态允许重试
func (s PendingStatus) Retryable() bool {
	return s == PendingFailed
}
