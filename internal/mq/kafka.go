package mq

import (
	"context"
	"encoding/json"
	"strings"

	"go-imsync/internal/models"

	"github.com/IBM/sarama"
)

// KafkaProducer 简易封装
type KafkaProducer struct {
	Async sarama.AsyncProducer
	Topic string
}

func NewKafkaProducer(brokersCSV, topic string) (*KafkaProducer, error) {
	brokers := []string{}
	if brokersCSV != "" {
		brokers = strings.Split(brokersCSV, ",")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = false
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaProducer{Async: p, Topic: topic}, nil
}

func (p *KafkaProducer) Publish(value []byte, key []byte) {
	if p == nil || p.Async == nil {
		return
	}
	p.Async.Input() <- &sarama.ProducerMessage{Topic: p.Topic, Key: sarama.ByteEncoder(key), Value: sarama.ByteEncoder(value)}
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.Async == nil {
		return nil
	}
	return p.Async.Close()
}

// MessageSentEvent 推送模块消费的事件体（message.sent）
type MessageSentEvent struct {
	Event          string                `json:"event"`
	ConversationID string                `json:"conversationId"`
	MessageID      string                `json:"messageId"`
	SenderID       string                `json:"senderId"`
	Recipients     []string              `json:"recipients"`
	Type           string                `json:"type"`
	Preview        string                `json:"preview,omitempty"`
	CreatedAt      int64                 `json:"createdAt"`
	Quoted         *models.QuotedContent `json:"quoted,omitempty"`
}

// PushNotifier 把确认写入的消息交给推送模块；按会话 ID 分区保证同会话有序
type PushNotifier struct {
	Producer *KafkaProducer
}

func NewPushNotifier(p *KafkaProducer) *PushNotifier { return &PushNotifier{Producer: p} }

// NewMessageSentEvent 组装事件；接收方为除发送者外的全部参与者
func NewMessageSentEvent(conv *models.Conversation, m *models.Message) MessageSentEvent {
	var to []string
	for _, p := range conv.Participants {
		if p != m.SenderID {
			to = append(to, p)
		}
	}
	preview := m.Content
	if r := []rune(preview); len(r) > 80 {
		preview = string(r[:80])
	}
	return MessageSentEvent{
		Event:          "message.sent",
		ConversationID: conv.ID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Recipients:     to,
		Type:           m.Type.String(),
		Preview:        preview,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		Quoted:         m.QuotedContent,
	}
}

func (n *PushNotifier) MessageSent(_ context.Context, conv *models.Conversation, m *models.Message) error {
	if n == nil || n.Producer == nil {
		return nil
	}
	b, err := json.Marshal(NewMessageSentEvent(conv, m))
	if err != nil {
		return err
	}
	n.Producer.Publish(b, []byte(conv.ID))
	return nil
}

