package services

import (
	"context"
	"sync"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/metrics"
	"go-imsync/internal/models"

	"github.com/rs/zerolog"
)

// ConversationSummary 会话列表项：本地未读、实时输入者与参与者资料
type ConversationSummary struct {
	Conversation *models.Conversation `json:"conversation"`
	Unread       int                  `json:"unread"`
	Typing       []string             `json:"typing"`
	Participants []models.Profile     `json:"participants"`
}

type listEntry struct {
	conv     *models.Conversation
	unread   int
	latestID string
	typing   []string // 上次扫描结果，用于变化检测
}

// ConversationList 当前用户全部会话的聚合：一个订阅覆盖所有会话，
// 负责未读数与正在输入的派生策略。
type ConversationList struct {
	userID    string
	docs      ports.ConversationReader
	profiles  ports.ProfileLookup
	clock     Clock
	typingTTL time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*listEntry
	order    []string
	active   string
	people   map[string]models.Profile
	sub      ports.Subscription[[]*models.Conversation]
	onChange func(convIDs []string)
}

func NewConversationList(userID string, docs ports.ConversationReader, profiles ports.ProfileLookup, clock Clock, typingTTL time.Duration, log zerolog.Logger) *ConversationList {
	return &ConversationList{
		userID:    userID,
		docs:      docs,
		profiles:  profiles,
		clock:     clock,
		typingTTL: typingTTL,
		log:       log,
		entries:   make(map[string]*listEntry),
		people:    make(map[string]models.Profile),
	}
}

// OnChange 注册变化回调（锁外调用），参数为发生变化的会话 ID
func (l *ConversationList) OnChange(fn func(convIDs []string)) { l.onChange = fn }

// Load 初次加载：未读数取服务端值，并补全参与者资料
func (l *ConversationList) Load(ctx context.Context) error {
	convs, err := l.docs.ListConversations(ctx, l.userID)
	if err != nil {
		return errs.Transient("conversations.load", err)
	}
	l.mu.Lock()
	l.entries = make(map[string]*listEntry, len(convs))
	l.order = l.order[:0]
	for _, c := range convs {
		l.entries[c.ID] = l.fresh(c)
		l.order = append(l.order, c.ID)
	}
	l.mu.Unlock()

	l.enrich(ctx, convs)
	l.changed(idsOf(convs))
	return nil
}

func (l *ConversationList) fresh(c *models.Conversation) *listEntry {
	e := &listEntry{conv: c.Clone(), unread: c.UnreadCounts[l.userID]}
	if c.LatestMessage != nil {
		e.latestID = c.LatestMessage.ID
	}
	return e
}

// Subscribe 打开会话列表订阅；失败静默降级
func (l *ConversationList) Subscribe(ctx context.Context) {
	l.mu.Lock()
	if l.sub != nil {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	sub, err := l.docs.SubscribeConversations(ctx, l.userID)
	if err != nil {
		metrics.SubscriptionErrorsTotal.WithLabelValues("conversations").Inc()
		l.log.Warn().Err(err).Msg("conversation subscription failed")
		return
	}
	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()

	go func() {
		for snap := range sub.Updates() {
			if snap.Err != nil {
				metrics.SubscriptionErrorsTotal.WithLabelValues("conversations").Inc()
				l.log.Warn().Err(snap.Err).Msg("conversation subscription error")
				continue
			}
			l.mu.Lock()
			current := l.sub == sub
			l.mu.Unlock()
			if !current {
				continue
			}
			l.Apply(ctx, snap.Docs)
		}
	}()
}

// Apply 应用一次列表快照。对每个会话比较 latestMessage 身份：
// 变化、发送者不是本人、且不是当前打开的会话时本地未读 +1；否则保留本地值。
// 首次出现的会话取服务端值。
func (l *ConversationList) Apply(ctx context.Context, convs []*models.Conversation) {
	var changed []string
	var unseen []*models.Conversation

	l.mu.Lock()
	next := make(map[string]*listEntry, len(convs))
	order := make([]string, 0, len(convs))
	for _, c := range convs {
		order = append(order, c.ID)
		prev, ok := l.entries[c.ID]
		if !ok {
			next[c.ID] = l.fresh(c)
			changed = append(changed, c.ID)
			unseen = append(unseen, c)
			continue
		}
		e := &listEntry{conv: c.Clone(), unread: prev.unread, latestID: prev.latestID, typing: prev.typing}
		if lm := c.LatestMessage; lm != nil && lm.ID != prev.latestID {
			e.latestID = lm.ID
			if lm.SenderID != l.userID && c.ID != l.active {
				e.unread = prev.unread + 1
				metrics.UnreadIncrementsTotal.Inc()
			}
		}
		next[c.ID] = e
		changed = append(changed, c.ID)
	}
	for id := range l.entries {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	l.entries = next
	l.order = order
	l.mu.Unlock()

	if len(unseen) > 0 {
		l.enrich(ctx, unseen)
	}
	l.changed(changed)
}

// Upsert 本地创建的会话立即进入列表（订阅随后会送达同一文档）
func (l *ConversationList) Upsert(c *models.Conversation) {
	l.mu.Lock()
	if _, ok := l.entries[c.ID]; ok {
		l.mu.Unlock()
		return
	}
	l.entries[c.ID] = l.fresh(c)
	l.order = append([]string{c.ID}, l.order...)
	l.mu.Unlock()
	l.enrich(context.Background(), []*models.Conversation{c})
	l.changed([]string{c.ID})
}

// SetActive 标记当前打开的会话；空串表示无
func (l *ConversationList) SetActive(convID string) {
	l.mu.Lock()
	l.active = convID
	l.mu.Unlock()
}

// ClearActive 仅当 convID 仍为当前会话时清除
func (l *ConversationList) ClearActive(convID string) {
	l.mu.Lock()
	if l.active == convID {
		l.active = ""
	}
	l.mu.Unlock()
}

func (l *ConversationList) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// MarkRead 显式标记已读：本地未读归零的唯一途径
func (l *ConversationList) MarkRead(convID string) {
	l.mu.Lock()
	e, ok := l.entries[convID]
	if ok {
		e.unread = 0
	}
	l.mu.Unlock()
	if ok {
		l.changed([]string{convID})
	}
}

// Get 缓存中的会话副本
func (l *ConversationList) Get(convID string) *models.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[convID]; ok {
		return e.conv.Clone()
	}
	return nil
}

func (l *ConversationList) Unread(convID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[convID]; ok {
		return e.unread
	}
	return 0
}

// Typing 读取时按有效期重新计算
func (l *ConversationList) Typing(convID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[convID]
	if !ok {
		return nil
	}
	return LiveTypers(e.conv.TypingTimestamp, l.clock.Now(), l.typingTTL, l.userID)
}

// Profile 已缓存的参与者资料
func (l *ConversationList) Profile(userID string) (models.Profile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.people[userID]
	return p, ok
}

// Summaries 按最近活跃排序的会话列表
func (l *ConversationList) Summaries() []ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	out := make([]ConversationSummary, 0, len(l.order))
	for _, id := range l.order {
		e := l.entries[id]
		if e == nil {
			continue
		}
		s := ConversationSummary{
			Conversation: e.conv.Clone(),
			Unread:       e.unread,
			Typing:       LiveTypers(e.conv.TypingTimestamp, now, l.typingTTL, l.userID),
		}
		for _, p := range e.conv.Participants {
			if prof, ok := l.people[p]; ok {
				s.Participants = append(s.Participants, prof)
			} else {
				s.Participants = append(s.Participants, models.Profile{ID: p})
			}
		}
		out = append(out, s)
	}
	return out
}

// SweepTyping 周期重算输入状态，返回输入者发生变化的会话
func (l *ConversationList) SweepTyping() []string {
	l.mu.Lock()
	now := l.clock.Now()
	var changed []string
	for _, id := range l.order {
		e := l.entries[id]
		if e == nil {
			continue
		}
		live := LiveTypers(e.conv.TypingTimestamp, now, l.typingTTL, l.userID)
		if !sameTypers(live, e.typing) {
			e.typing = live
			changed = append(changed, id)
		}
	}
	l.mu.Unlock()
	if len(changed) > 0 {
		l.changed(changed)
	}
	return changed
}

// Close 关闭订阅
func (l *ConversationList) Close() {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// enrich 资料查询失败只记录日志，列表仍可用
func (l *ConversationList) enrich(ctx context.Context, convs []*models.Conversation) {
	if l.profiles == nil {
		return
	}
	l.mu.Lock()
	var missing []string
	seen := map[string]struct{}{}
	for _, c := range convs {
		for _, p := range c.Participants {
			if _, ok := l.people[p]; ok {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			missing = append(missing, p)
		}
	}
	l.mu.Unlock()
	if len(missing) == 0 {
		return
	}
	found, err := l.profiles.Profiles(ctx, missing)
	if err != nil {
		l.log.Warn().Err(err).Int("ids", len(missing)).Msg("profile lookup failed")
		return
	}
	l.mu.Lock()
	for id, p := range found {
		l.people[id] = p
	}
	l.mu.Unlock()
}

func (l *ConversationList) changed(ids []string) {
	if l.onChange != nil && len(ids) > 0 {
		l.onChange(ids)
	}
}

func idsOf(convs []*models.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}
