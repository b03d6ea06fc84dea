package mongostore

import (
	"time"

	"go-imsync/internal/domain/entities"
	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/models"
)

// conversationDoc conversations 集合文档，字段名即存储边界字段名
type conversationDoc struct {
	ID              string               `bson:"_id"`
	Participants    []string             `bson:"participants"`
	Type            string               `bson:"type"`
	Name            string               `bson:"name,omitempty"`
	UnreadCounts    map[string]int       `bson:"unreadCounts"`
	LatestMessage   *latestDoc           `bson:"latestMessage,omitempty"`
	TypingTimestamp map[string]time.Time `bson:"typingTimestamp,omitempty"`
	LastMessageAt   time.Time            `bson:"lastMessageAt"`
	CreatedAt       time.Time            `bson:"createdAt"`
}

type latestDoc struct {
	ID        string    `bson:"id"`
	SenderID  string    `bson:"senderId"`
	Type      string    `bson:"type"`
	Content   string    `bson:"content,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
}

type quotedDoc struct {
	Kind     string `bson:"kind"`
	ID       string `bson:"id"`
	Preview  string `bson:"preview,omitempty"`
	MediaURL string `bson:"mediaUrl,omitempty"`
}

// messageDoc messages 集合文档（按 conversationId 归属会话）
type messageDoc struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversationId"`
	SenderID       string     `bson:"senderId"`
	Type           string     `bson:"type"`
	Content        string     `bson:"content,omitempty"`
	MediaURL       string     `bson:"mediaUrl,omitempty"`
	VoiceURL       string     `bson:"voiceUrl,omitempty"`
	QuotedContent  *quotedDoc `bson:"quotedContent,omitempty"`
	ReactionType   string     `bson:"reactionType,omitempty"`
	HeartCount     int        `bson:"heartCount,omitempty"`
	PendingID      string     `bson:"pendingId,omitempty"`
	ReadBy         []string   `bson:"readBy"`
	DeletedAt      *time.Time `bson:"deletedAt,omitempty"`
	CreatedAt      time.Time  `bson:"createdAt"`
}

func toConversationDoc(c *models.Conversation) *conversationDoc {
	d := &conversationDoc{
		ID:              c.ID,
		Participants:    c.Participants,
		Type:            c.Type.String(),
		Name:            c.Name,
		UnreadCounts:    c.UnreadCounts,
		TypingTimestamp: c.TypingTimestamp,
		LastMessageAt:   c.LastMessageAt,
		CreatedAt:       c.CreatedAt,
	}
	if d.UnreadCounts == nil {
		d.UnreadCounts = map[string]int{}
	}
	if lm := c.LatestMessage; lm != nil {
		d.LatestMessage = &latestDoc{ID: lm.ID, SenderID: lm.SenderID, Type: lm.Type.String(), Content: lm.Content, CreatedAt: lm.CreatedAt}
	}
	return d
}

func (d *conversationDoc) model() *models.Conversation {
	c := &models.Conversation{
		ID:              d.ID,
		Participants:    d.Participants,
		Type:            valueobjects.ConversationType(d.Type),
		Name:            d.Name,
		UnreadCounts:    d.UnreadCounts,
		TypingTimestamp: d.TypingTimestamp,
		LastMessageAt:   d.LastMessageAt,
		CreatedAt:       d.CreatedAt,
	}
	if lm := d.LatestMessage; lm != nil {
		c.LatestMessage = &models.LatestMessage{
			ID: lm.ID, SenderID: lm.SenderID, Type: valueobjects.MessageType(lm.Type),
			Content: lm.Content, CreatedAt: lm.CreatedAt,
		}
	}
	return c
}

func toMessageDoc(m *models.Message) *messageDoc {
	d := &messageDoc{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           m.Type.String(),
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		VoiceURL:       m.VoiceURL,
		ReactionType:   m.ReactionType,
		HeartCount:     m.HeartCount,
		PendingID:      m.PendingID,
		ReadBy:         m.ReadBy,
		DeletedAt:      m.DeletedAt,
		CreatedAt:      m.CreatedAt,
	}
	if q := m.QuotedContent; q != nil {
		d.QuotedContent = &quotedDoc{Kind: string(q.Kind), ID: q.ID, Preview: q.Preview, MediaURL: q.MediaURL}
	}
	return d
}

// model 读出时统一补齐发送者已读
func (d *messageDoc) model() *models.Message {
	m := &models.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Type:           valueobjects.MessageType(d.Type),
		Content:        d.Content,
		MediaURL:       d.MediaURL,
		VoiceURL:       d.VoiceURL,
		ReactionType:   d.ReactionType,
		HeartCount:     d.HeartCount,
		PendingID:      d.PendingID,
		ReadBy:         d.ReadBy,
		DeletedAt:      d.DeletedAt,
		CreatedAt:      d.CreatedAt,
	}
	if q := d.QuotedContent; q != nil {
		m.QuotedContent = &models.QuotedContent{Kind: models.QuotedKind(q.Kind), ID: q.ID, Preview: q.Preview, MediaURL: q.MediaURL}
	}
	return entities.EnsureSenderRead(m)
}
