package services

import (
	"context"
	"sync"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/metrics"
	"go-imsync/internal/models"

	"github.com/rs/zerolog"
)

// conversationCache 单个会话的消息缓存与订阅句柄
type conversationCache struct {
	messages    []*models.Message // 倒序
	hasMore     bool
	loading     bool
	loadingMore bool
	prefetched  bool

	sub       ports.Subscription[[]*models.Message]
	skipFirst bool

	// head 从最新一端连续覆盖的最新消息（预取/快照合并后更新，本端回显不更新）；
	// 新快照的最旧一条比它更新时，两者之间可能存在未拉取的消息
	head *models.Message
}

// MessageStore 按会话 ID 缓存消息：一次性预取 + 头部窗口实时订阅 + 向前翻页。
// 关闭会话只释放订阅，缓存保留；迟到的响应写入缓存无副作用。
type MessageStore struct {
	docs       ports.MessageReader
	headWindow int
	pageSize   int
	log        zerolog.Logger

	mu    sync.Mutex
	convs map[string]*conversationCache

	// onObserved 每次缓存变化后调用（锁外），observed 为本次到达的消息
	onObserved func(convID string, observed []*models.Message)
}

func NewMessageStore(docs ports.MessageReader, headWindow, pageSize int, log zerolog.Logger) *MessageStore {
	return &MessageStore{
		docs:       docs,
		headWindow: headWindow,
		pageSize:   pageSize,
		log:        log,
		convs:      make(map[string]*conversationCache),
	}
}

// OnObserved 注册观察回调（在启动订阅前设置）
func (s *MessageStore) OnObserved(fn func(convID string, observed []*models.Message)) {
	s.onObserved = fn
}

func (s *MessageStore) entry(convID string) *conversationCache {
	c, ok := s.convs[convID]
	if !ok {
		c = &conversationCache{hasMore: true}
		s.convs[convID] = c
	}
	return c
}

// Prefetch 一次性拉取最新一页；失败返回给调用方手动重试
func (s *MessageStore) Prefetch(ctx context.Context, convID string) error {
	s.mu.Lock()
	c := s.entry(convID)
	c.loading = true
	s.mu.Unlock()

	page, err := s.docs.QueryMessages(ctx, ports.MessagePage{ConversationID: convID, Limit: s.pageSize})

	s.mu.Lock()
	c.loading = false
	if err != nil {
		s.mu.Unlock()
		s.notify(convID, nil)
		return errs.Transient("prefetch", err)
	}
	empty := len(c.messages) == 0
	c.messages = MergeSnapshot(c.messages, page)
	if empty {
		c.hasMore = len(page) == s.pageSize
	}
	g := c.advanceHead(page)
	c.prefetched = true
	sub := c.sub
	s.mu.Unlock()

	s.log.Debug().Str("conv", convID).Int("fetched", len(page)).Msg("prefetch merged")
	s.notify(convID, page)
	s.fillGap(ctx, convID, sub, g)
	return nil
}

// Refresh 重新拉取最新一页并走合并算法（下拉刷新）
func (s *MessageStore) Refresh(ctx context.Context, convID string) error {
	page, err := s.docs.QueryMessages(ctx, ports.MessagePage{ConversationID: convID, Limit: s.pageSize})
	if err != nil {
		return errs.Transient("refresh", err)
	}
	s.mu.Lock()
	c := s.entry(convID)
	if len(c.messages) == 0 {
		c.hasMore = len(page) == s.pageSize
	}
	c.messages = MergeSnapshot(c.messages, page)
	g := c.advanceHead(page)
	c.prefetched = true
	sub := c.sub
	s.mu.Unlock()
	s.notify(convID, page)
	s.fillGap(ctx, convID, sub, g)
	return nil
}

// Subscribe 打开头部窗口订阅；预取成功时丢弃首包（首包即预取已反映的状态）。
// 订阅失败只记录日志，缓存保持最后已知状态。
func (s *MessageStore) Subscribe(ctx context.Context, convID string) {
	s.mu.Lock()
	c := s.entry(convID)
	if c.sub != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	sub, err := s.docs.SubscribeMessages(ctx, convID, s.headWindow)
	if err != nil {
		metrics.SubscriptionErrorsTotal.WithLabelValues("messages").Inc()
		s.log.Warn().Err(err).Str("conv", convID).Msg("message subscription failed")
		return
	}

	s.mu.Lock()
	if c.sub != nil {
		// 并发打开：保留先到者
		s.mu.Unlock()
		sub.Close()
		return
	}
	c.sub = sub
	// 只有本次打开前的预取成功才丢弃首包
	c.skipFirst = c.prefetched
	c.prefetched = false
	s.mu.Unlock()

	go s.consume(ctx, convID, sub)
}

func (s *MessageStore) consume(ctx context.Context, convID string, sub ports.Subscription[[]*models.Message]) {
	for snap := range sub.Updates() {
		if snap.Err != nil {
			metrics.SubscriptionErrorsTotal.WithLabelValues("messages").Inc()
			s.log.Warn().Err(snap.Err).Str("conv", convID).Msg("message subscription error")
			continue
		}
		s.applySnapshot(ctx, convID, sub, snap.Docs)
	}
}

// applySnapshot 合并一份头部窗口快照。
// 消费者落后时中间快照会被丢弃，已滑出窗口的消息可能从未到达：
// 快照最旧一条比连续段的 head 更新时，向前补拉直到接上 head。
func (s *MessageStore) applySnapshot(ctx context.Context, convID string, sub ports.Subscription[[]*models.Message], docs []*models.Message) {
	s.mu.Lock()
	c := s.convs[convID]
	if c == nil || c.sub != sub {
		s.mu.Unlock()
		return
	}
	if c.skipFirst {
		c.skipFirst = false
		s.mu.Unlock()
		metrics.SnapshotsTotal.WithLabelValues("discarded").Inc()
		return
	}
	before := len(c.messages)
	c.messages = MergeSnapshot(c.messages, docs)
	after := len(c.messages)
	g := c.advanceHead(docs)
	s.mu.Unlock()

	metrics.SnapshotsTotal.WithLabelValues("merged").Inc()
	s.log.Debug().Str("conv", convID).Int("snapshot", len(docs)).Int("added", after-before).Msg("snapshot merged")
	s.notify(convID, docs)

	s.fillGap(ctx, convID, sub, g)
}

// gap 头部页与连续段之间可能缺失的区间：(until, from)
type gap struct {
	from, until, newest *models.Message
}

// advanceHead 合并一页最新消息后推进 head；页与 head 不相接时返回待补区间，head 保持不动。调用方持锁
func (c *conversationCache) advanceHead(page []*models.Message) *gap {
	newest, oldest := bounds(page)
	if newest == nil {
		return nil
	}
	if c.head != nil && newerThan(oldest, c.head) {
		return &gap{from: oldest, until: c.head, newest: newest}
	}
	if c.head == nil || newerThan(newest, c.head) {
		c.head = newest
	}
	return nil
}

// fillGap 从 g.from 向前分页补拉，直到页内出现不比 g.until 更新的消息或翻到底；
// 补齐后 head 前移到 g.newest，失败则保留旧 head，下一次头部合并重试
func (s *MessageStore) fillGap(ctx context.Context, convID string, sub ports.Subscription[[]*models.Message], g *gap) {
	if g == nil {
		return
	}
	cursor := g.from
	var filled int
	for {
		page, err := s.docs.QueryMessages(ctx, ports.MessagePage{
			ConversationID: convID,
			Before:         &ports.MessageCursor{CreatedAt: cursor.CreatedAt, ID: cursor.ID},
			Limit:          s.pageSize,
		})
		if err != nil {
			metrics.SubscriptionErrorsTotal.WithLabelValues("messages").Inc()
			s.log.Warn().Err(err).Str("conv", convID).Msg("history gap fill failed")
			return
		}
		reached := len(page) < s.pageSize
		for _, m := range page {
			if !newerThan(m, g.until) {
				reached = true
			}
		}

		s.mu.Lock()
		c := s.convs[convID]
		if c == nil || c.sub != sub {
			s.mu.Unlock()
			return
		}
		c.messages = MergeSnapshot(c.messages, page)
		if reached && (c.head == nil || newerThan(g.newest, c.head)) {
			c.head = g.newest
		}
		s.mu.Unlock()
		filled += len(page)
		s.notify(convID, page)

		if reached || len(page) == 0 {
			s.log.Debug().Str("conv", convID).Int("filled", filled).Msg("history gap filled")
			return
		}
		cursor = page[len(page)-1]
	}
}

func bounds(docs []*models.Message) (newest, oldest *models.Message) {
	for _, m := range docs {
		if newest == nil || newerThan(m, newest) {
			newest = m
		}
		if oldest == nil || newerThan(oldest, m) {
			oldest = m
		}
	}
	return newest, oldest
}

// newerThan a 是否严格晚于 b（按 createdAt, id）
func newerThan(a, b *models.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// Observe 合并写入确认的消息（本端回显）；与快照合并同一语义
func (s *MessageStore) Observe(convID string, msgs ...*models.Message) {
	s.mu.Lock()
	c := s.entry(convID)
	c.messages = MergeSnapshot(c.messages, msgs)
	s.mu.Unlock()
	s.notify(convID, msgs)
}

// LoadMore 基于游标向前翻页，只追加严格更早且未缓存的消息；返回新增条数
func (s *MessageStore) LoadMore(ctx context.Context, convID string) (int, error) {
	s.mu.Lock()
	c := s.entry(convID)
	if !c.hasMore || c.loadingMore {
		s.mu.Unlock()
		return 0, nil
	}
	c.loadingMore = true
	q := ports.MessagePage{ConversationID: convID, Limit: s.pageSize}
	if n := len(c.messages); n > 0 {
		oldest := c.messages[n-1]
		q.Before = &ports.MessageCursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}
	}
	s.mu.Unlock()

	page, err := s.docs.QueryMessages(ctx, q)

	s.mu.Lock()
	c.loadingMore = false
	if err != nil {
		s.mu.Unlock()
		s.notify(convID, nil)
		return 0, errs.Transient("loadMore", err)
	}
	older := page[:0:0]
	for _, m := range page {
		if q.Before == nil || q.Before.Before(m) {
			older = append(older, m)
		}
	}
	var added int
	c.messages, added = AppendOlder(c.messages, older)
	c.hasMore = len(page) == s.pageSize
	s.mu.Unlock()

	s.log.Debug().Str("conv", convID).Int("added", added).Bool("hasMore", len(page) == s.pageSize).Msg("loaded older page")
	s.notify(convID, older)
	return added, nil
}

// Close 关闭会话订阅，缓存保留
func (s *MessageStore) Close(convID string) {
	s.mu.Lock()
	c := s.convs[convID]
	var sub ports.Subscription[[]*models.Message]
	if c != nil {
		sub, c.sub = c.sub, nil
		c.skipFirst = false
	}
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// CloseAll 关闭全部订阅
func (s *MessageStore) CloseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Close(id)
	}
}

// Messages 当前缓存（倒序）；切片为副本，元素不可变
func (s *MessageStore) Messages(convID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[convID]
	if c == nil {
		return nil
	}
	out := make([]*models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Find 缓存点查
func (s *MessageStore) Find(convID, msgID string) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.convs[convID]; c != nil {
		for _, m := range c.messages {
			if m.ID == msgID {
				return m
			}
		}
	}
	return nil
}

// HasPendingID 缓存中是否已有该关联 ID 的持久化消息
func (s *MessageStore) HasPendingID(convID, pendingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.convs[convID]; c != nil {
		for _, m := range c.messages {
			if m.PendingID == pendingID {
				return true
			}
		}
	}
	return false
}

// LoadState 分页与加载标记
type LoadState struct {
	HasMore     bool `json:"hasMore"`
	Loading     bool `json:"loading"`
	LoadingMore bool `json:"loadingMore"`
	Subscribed  bool `json:"subscribed"`
}

func (s *MessageStore) State(convID string) LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[convID]
	if c == nil {
		return LoadState{HasMore: true}
	}
	return LoadState{HasMore: c.hasMore, Loading: c.loading, LoadingMore: c.loadingMore, Subscribed: c.sub != nil}
}

func (s *MessageStore) notify(convID string, observed []*models.Message) {
	if s.onObserved != nil {
		s.onObserved(convID, observed)
	}
}
