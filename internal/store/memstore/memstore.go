// Package memstore 进程内文档存储：实现 ports.DocumentStore 与 ports.PresenceStore。
// 语义与 MongoDB 适配器一致（订阅首包即当前结果、头部窗口截断、事务内更新会话计数器），
// 用于单机部署与测试。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/entities"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/infrastructure/realtime"
	"go-imsync/internal/models"
)

type msgSub struct {
	limit  int
	stream *realtime.Stream[[]*models.Message]
}

type Store struct {
	mu       sync.Mutex
	convs    map[string]*models.Conversation
	messages map[string][]*models.Message // 按 (createdAt, id) 倒序

	convSubs map[string][]*realtime.Stream[[]*models.Conversation] // userID -> 订阅
	msgSubs  map[string][]*msgSub                                  // convID -> 订阅

	faults map[string]error
}

func New() *Store {
	return &Store{
		convs:    make(map[string]*models.Conversation),
		messages: make(map[string][]*models.Message),
		convSubs: make(map[string][]*realtime.Stream[[]*models.Conversation]),
		msgSubs:  make(map[string][]*msgSub),
		faults:   make(map[string]error),
	}
}

// SetFault 为指定操作注入错误（op 为方法名，如 "QueryMessages"）；err 为 nil 时清除
func (s *Store) SetFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		return errs.Transient(op, err)
	}
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetConversation"); err != nil {
		return nil, err
	}
	c, ok := s.convs[id]
	if !ok {
		return nil, errs.NotFound("conversation %s", id)
	}
	return c.Clone(), nil
}

func (s *Store) ListConversations(_ context.Context, userID string) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListConversations"); err != nil {
		return nil, err
	}
	return s.conversationsOf(userID), nil
}

func (s *Store) conversationsOf(userID string) []*models.Conversation {
	var out []*models.Conversation
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

func (s *Store) SubscribeConversations(_ context.Context, userID string) (ports.Subscription[[]*models.Conversation], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SubscribeConversations"); err != nil {
		return nil, err
	}
	var st *realtime.Stream[[]*models.Conversation]
	st = realtime.NewStream[[]*models.Conversation](4, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.convSubs[userID]
		for i, x := range subs {
			if x == st {
				s.convSubs[userID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
	s.convSubs[userID] = append(s.convSubs[userID], st)
	st.Publish(s.conversationsOf(userID))
	return st, nil
}

func (s *Store) GetMessage(_ context.Context, convID, msgID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetMessage"); err != nil {
		return nil, err
	}
	for _, m := range s.messages[convID] {
		if m.ID == msgID {
			return m, nil
		}
	}
	return nil, errs.NotFound("message %s/%s", convID, msgID)
}

func (s *Store) QueryMessages(_ context.Context, q ports.MessagePage) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("QueryMessages"); err != nil {
		return nil, err
	}
	if _, ok := s.convs[q.ConversationID]; !ok {
		return nil, errs.NotFound("conversation %s", q.ConversationID)
	}
	var out []*models.Message
	for _, m := range s.messages[q.ConversationID] {
		if q.Before != nil && !q.Before.Before(m) {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SubscribeMessages(_ context.Context, convID string, limit int) (ports.Subscription[[]*models.Message], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SubscribeMessages"); err != nil {
		return nil, err
	}
	sub := &msgSub{limit: limit}
	sub.stream = realtime.NewStream[[]*models.Message](4, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.msgSubs[convID]
		for i, x := range subs {
			if x == sub {
				s.msgSubs[convID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
	s.msgSubs[convID] = append(s.msgSubs[convID], sub)
	sub.stream.Publish(s.head(convID, limit))
	return sub.stream, nil
}

func (s *Store) head(convID string, limit int) []*models.Message {
	all := s.messages[convID]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*models.Message, len(all))
	copy(out, all)
	return out
}

func (s *Store) CreateConversation(_ context.Context, conv *models.Conversation) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateConversation"); err != nil {
		return nil, err
	}
	if existing, ok := s.convs[conv.ID]; ok {
		return existing.Clone(), nil
	}
	s.convs[conv.ID] = conv.Clone()
	s.notifyConversation(conv.ID)
	return conv.Clone(), nil
}

// InsertMessage 写入消息并在同一临界区内更新会话计数器
func (s *Store) InsertMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertMessage"); err != nil {
		return err
	}
	conv, ok := s.convs[m.ConversationID]
	if !ok {
		return errs.NotFound("conversation %s", m.ConversationID)
	}
	for _, x := range s.messages[m.ConversationID] {
		if x.ID == m.ID {
			return nil
		}
		// 关联 ID 幂等：同一次发送重复提交只落一条
		if m.PendingID != "" && x.PendingID == m.PendingID {
			return nil
		}
	}
	list := append(s.messages[m.ConversationID], entities.EnsureSenderRead(m))
	sortMessages(list)
	s.messages[m.ConversationID] = list
	s.convs[m.ConversationID] = entities.DeltaFor(conv, m).Apply(conv)

	s.notifyMessages(m.ConversationID)
	s.notifyConversation(m.ConversationID)
	return nil
}

func (s *Store) MarkRead(_ context.Context, convID, userID string, msgIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("MarkRead"); err != nil {
		return err
	}
	conv, ok := s.convs[convID]
	if !ok {
		return errs.NotFound("conversation %s", convID)
	}
	want := make(map[string]struct{}, len(msgIDs))
	for _, id := range msgIDs {
		want[id] = struct{}{}
	}
	list := s.messages[convID]
	for i, m := range list {
		if _, ok := want[m.ID]; ok {
			list[i] = m.WithReader(userID)
		}
	}
	cp := conv.Clone()
	if cp.UnreadCounts == nil {
		cp.UnreadCounts = map[string]int{}
	}
	cp.UnreadCounts[userID] = 0
	s.convs[convID] = cp

	s.notifyMessages(convID)
	s.notifyConversation(convID)
	return nil
}

func (s *Store) SoftDeleteMessage(_ context.Context, convID, msgID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SoftDeleteMessage"); err != nil {
		return err
	}
	list := s.messages[convID]
	for i, m := range list {
		if m.ID != msgID {
			continue
		}
		if m.IsDeleted() {
			return nil
		}
		list[i] = m.Tombstone(at)
		if conv := s.convs[convID]; conv != nil && conv.LatestMessage != nil && conv.LatestMessage.ID == msgID {
			cp := conv.Clone()
			cp.LatestMessage.Content = ""
			s.convs[convID] = cp
			s.notifyConversation(convID)
		}
		s.notifyMessages(convID)
		return nil
	}
	return errs.NotFound("message %s/%s", convID, msgID)
}

func (s *Store) SetTyping(_ context.Context, convID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SetTyping"); err != nil {
		return err
	}
	conv, ok := s.convs[convID]
	if !ok {
		return errs.NotFound("conversation %s", convID)
	}
	cp := conv.Clone()
	if cp.TypingTimestamp == nil {
		cp.TypingTimestamp = map[string]time.Time{}
	}
	cp.TypingTimestamp[userID] = at
	s.convs[convID] = cp
	s.notifyConversation(convID)
	return nil
}

// 调用方持有锁
func (s *Store) notifyMessages(convID string) {
	for _, sub := range s.msgSubs[convID] {
		sub.stream.Publish(s.head(convID, sub.limit))
	}
}

// 调用方持有锁
func (s *Store) notifyConversation(convID string) {
	conv := s.convs[convID]
	if conv == nil {
		return
	}
	for _, p := range conv.Participants {
		subs := s.convSubs[p]
		if len(subs) == 0 {
			continue
		}
		list := s.conversationsOf(p)
		for _, st := range subs {
			st.Publish(list)
		}
	}
}

func sortMessages(list []*models.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

var _ ports.DocumentStore = (*Store)(nil)
