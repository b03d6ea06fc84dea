package entities

import (
	"strings"
	"time"

	"go-imsync/internal/domain/errs"
	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/models"
)

// Draft 界面层提交的待发送内容
// 校验在任何写入之前完成，不合法直接返回 ErrValidation
type Draft struct {
	Type         valueobjects.MessageType `json:"type"`
	Content      string                   `json:"content,omitempty"`
	MediaRef     string                   `json:"mediaRef,omitempty"`
	Quoted       *models.QuotedContent    `json:"quotedContent,omitempty"`
	ReactionType string                   `json:"reactionType,omitempty"`
}

// Validate 按声明类型检查必填内容
func (d Draft) Validate() error {
	if !d.Type.IsValid() {
		return errs.Validation("unknown message type %q", d.Type)
	}
	switch d.Type {
	case valueobjects.MessageTypeText:
		if strings.TrimSpace(d.Content) == "" {
			return errs.Validation("text message requires content")
		}
	case valueobjects.MessageTypePhoto, valueobjects.MessageTypeVideo, valueobjects.MessageTypeVoice:
		if d.MediaRef == "" {
			return errs.Validation("%s message requires a media reference", d.Type)
		}
	case valueobjects.MessageTypeHeart:
		if !quotes(d.Quoted, models.QuotedPost) {
			return errs.Validation("heart message must quote a post")
		}
	case valueobjects.MessageTypeComment:
		if !quotes(d.Quoted, models.QuotedPost) {
			return errs.Validation("comment message must quote a post")
		}
		if strings.TrimSpace(d.Content) == "" {
			return errs.Validation("comment message requires content")
		}
	case valueobjects.MessageTypeReaction:
		if !quotes(d.Quoted, models.QuotedMessage) {
			return errs.Validation("reaction must target a message")
		}
		if d.ReactionType == "" {
			return errs.Validation("reaction requires a reaction type")
		}
	}
	return nil
}

func quotes(q *models.QuotedContent, kind models.QuotedKind) bool {
	return q != nil && q.Kind == kind && q.ID != ""
}

// NewPending 创建乐观消息，初始状态 queued
func NewPending(correlationID, convID, senderID string, d Draft, now time.Time) (*models.PendingMessage, error) {
	if correlationID == "" {
		return nil, errs.Validation("客户端关联ID不能为空")
	}
	if convID == "" {
		return nil, errs.Validation("会话ID不能为空")
	}
	if senderID == "" {
		return nil, errs.Validation("发送者ID不能为空")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var quoted *models.QuotedContent
	if d.Quoted != nil {
		q := *d.Quoted
		quoted = &q
	}
	return &models.PendingMessage{
		ID:             correlationID,
		ConversationID: convID,
		SenderID:       senderID,
		Type:           d.Type,
		Content:        d.Content,
		MediaRef:       d.MediaRef,
		QuotedContent:  quoted,
		ReactionType:   d.ReactionType,
		Status:         valueobjects.PendingQueued,
		CreatedAt:      now,
	}, nil
}

// MessageFromPending 由乐观消息生成待写入的持久化消息。
// mediaURL 为上传后的远端地址；语音写入 VoiceURL，其余媒体写入 MediaURL。
func MessageFromPending(p *models.PendingMessage, messageID, mediaURL string, createdAt time.Time) *models.Message {
	m := &models.Message{
		ID:             messageID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Type:           p.Type,
		Content:        p.Content,
		ReactionType:   p.ReactionType,
		PendingID:      p.ID,
		ReadBy:         []string{p.SenderID},
		CreatedAt:      createdAt,
	}
	if p.QuotedContent != nil {
		q := *p.QuotedContent
		m.QuotedContent = &q
	}
	switch p.Type {
	case valueobjects.MessageTypeVoice:
		m.VoiceURL = mediaURL
	case valueobjects.MessageTypePhoto, valueobjects.MessageTypeVideo:
		m.MediaURL = mediaURL
	case valueobjects.MessageTypeHeart:
		m.HeartCount = 1
	}
	return m
}

// EnsureSenderRead 保证 ReadBy 包含发送者；存储层读出的文档统一经过此处
func EnsureSenderRead(m *models.Message) *models.Message {
	if containsSender(m) {
		return m
	}
	cp := m.Clone()
	cp.ReadBy = append([]string{m.SenderID}, cp.ReadBy...)
	return cp
}

func containsSender(m *models.Message) bool {
	for _, id := range m.ReadBy {
		if id == m.SenderID {
			return true
		}
	}
	return false
}

// CanDelete 撤回规则：仅发送者本人
func CanDelete(m *models.Message, userID string) error {
	if m.SenderID != userID {
		return errs.Permission("message %s is not owned by %s", m.ID, userID)
	}
	return nil
}
