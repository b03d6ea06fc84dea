package valueobjects

// MessageType 消息类型值对象
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypePhoto    MessageType = "photo"
	MessageTypeVideo    MessageType = "video"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeHeart    MessageType = "heart"    // 对动态点心，引用 post
	MessageTypeComment  MessageType = "comment"  // 对动态评论，引用 post
	MessageTypeReaction MessageType = "reaction" // 对消息的表情回应，引用目标消息
)

// IsValid 验证消息类型是否有效
func (mt MessageType) IsValid() bool {
	switch mt {
	case MessageTypeText, MessageTypePhoto, MessageTypeVideo, MessageTypeVoice,
		MessageTypeHeart, MessageTypeComment, MessageTypeReaction:
		return true
	default:
		return false
	}
}

// IsMedia 是否需要媒体引用
func (mt MessageType) IsMedia() bool {
	return mt == MessageTypePhoto || mt == MessageTypeVideo || mt == MessageTypeVoice
}

// QuotesPost 是否引用动态内容
func (mt MessageType) QuotesPost() bool {
	return mt == MessageTypeHeart || mt == MessageTypeComment
}

// IsReaction 是否为消息回应
func (mt MessageType) IsReaction() bool {
	return mt == MessageTypeReaction
}

// BumpsActivity 是否更新会话的最近活跃排序（回应不更新）
func (mt MessageType) BumpsActivity() bool {
	return mt != MessageTypeReaction
}

func (mt MessageType) String() string {
	return string(mt)
}
