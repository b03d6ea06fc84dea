// Package services 实现会话与消息同步引擎：
// - MessageStore：按会话缓存 + 头部窗口订阅 + 翻页，负责合并算法
// - PendingQueue：乐观发送与关联 ID 对账
// - ConversationList：会话列表聚合，未读与正在输入策略
// - PresenceTracker：对端最近在线与自身心跳
// SyncService 按用户持有上述组件，是传输层唯一的入口。
package services

import (
	"context"
	"sync"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/config"
	"go-imsync/internal/display"
	"go-imsync/internal/domain/entities"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/metrics"
	"go-imsync/internal/models"

	"github.com/rs/zerolog"
)

// ChangeKind 变化事件种类
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeView          ChangeKind = "view"
	ChangePresence      ChangeKind = "presence"
)

// Change 通知传输层重新推送；ConversationID 对 presence 为用户 ID
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Deps 同步服务依赖
type Deps struct {
	Docs     ports.DocumentStore
	Presence ports.PresenceStore
	Profiles ports.ProfileLookup
	Media    ports.MediaUploader
	Push     ports.PushNotifier
	Limiter  ports.TypingLimiter
	IDs      ports.IDGenerator
	Clock    Clock
	Log      zerolog.Logger
	Sync     config.SyncConfig
	Location *time.Location
	// Go 运行后台发送；默认 go f()，测试可替换为同步执行
	Go func(f func())
}

// openConversation 同一会话可被多个连接同时打开，refs 为打开者数量
type openConversation struct {
	counterpart string
	readTimer   Timer
	refs        int
}

// ConversationView 打开的会话对界面层暴露的状态
type ConversationView struct {
	Conversation *models.Conversation    `json:"conversation"`
	Items        []display.Item          `json:"-"`
	Messages     []*models.Message       `json:"messages"`
	Pending      []models.PendingMessage `json:"pendingMessages"`
	LoadState
}

// WireView 推送/响应使用的序列化形态
type WireView struct {
	*ConversationView
	Items []display.WireItem `json:"items"`
}

func (v *ConversationView) Wire() WireView {
	return WireView{ConversationView: v, Items: display.ToWire(v.Items)}
}

type SyncService struct {
	userID string
	deps   Deps
	log    zerolog.Logger

	messages *MessageStore
	pending  *PendingQueue
	list     *ConversationList
	presence *PresenceTracker

	mu        sync.Mutex
	open      map[string]*openConversation
	listeners map[int]func(Change)
	nextID    int
	sweep     *repeater
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewSyncService(userID string, deps Deps) *SyncService {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Go == nil {
		deps.Go = func(f func()) { go f() }
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Sync.HeadWindow == 0 {
		deps.Sync = config.DefaultSync()
	}
	log := deps.Log.With().Str("user", userID).Logger()
	s := &SyncService{
		userID:    userID,
		deps:      deps,
		log:       log,
		open:      make(map[string]*openConversation),
		listeners: make(map[int]func(Change)),
	}
	s.messages = NewMessageStore(deps.Docs, deps.Sync.HeadWindow, deps.Sync.PageSize, log.With().Str("component", "messages").Logger())
	s.pending = NewPendingQueue(s.messages.HasPendingID)
	s.list = NewConversationList(userID, deps.Docs, deps.Profiles, deps.Clock, deps.Sync.TypingTTL, log.With().Str("component", "conversations").Logger())
	s.presence = NewPresenceTracker(userID, deps.Presence, deps.Clock,
		deps.Sync.PresenceHeartbeat, deps.Sync.PresenceCoalesce, deps.Sync.OnlineWindow,
		log.With().Str("component", "presence").Logger())

	s.messages.OnObserved(s.observed)
	s.list.OnChange(func(ids []string) {
		s.emit(Change{Kind: ChangeConversations})
		for _, id := range ids {
			if s.isOpen(id) {
				s.emit(Change{Kind: ChangeView, ConversationID: id})
			}
		}
	})
	s.presence.OnChange(func(ids []string) {
		for _, id := range ids {
			s.emit(Change{Kind: ChangePresence, ConversationID: id})
		}
	})
	return s
}

func (s *SyncService) UserID() string { return s.userID }

// Start 加载会话列表并打开订阅与后台定时器；加载失败返回，订阅仍会建立
func (s *SyncService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return nil
	}
	// 订阅生命周期跟随服务，而非单次请求
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	bg := s.ctx
	s.mu.Unlock()

	err := s.list.Load(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("initial conversation load failed")
	}
	s.list.Subscribe(bg)
	s.presence.Start()
	s.mu.Lock()
	s.sweep = every(s.deps.Clock, s.deps.Sync.TypingSweep, func() { s.list.SweepTyping() })
	s.mu.Unlock()
	s.log.Info().Msg("sync service started")
	return err
}

// Stop 关闭全部订阅与定时器，待发送消息随之放弃
func (s *SyncService) Stop() {
	s.mu.Lock()
	sweep := s.sweep
	s.sweep = nil
	open := s.open
	s.open = make(map[string]*openConversation)
	cancel := s.cancel
	s.mu.Unlock()

	sweep.Stop()
	for id, oc := range open {
		if oc.readTimer != nil {
			oc.readTimer.Stop()
		}
		s.pending.Clear(id)
	}
	s.messages.CloseAll()
	s.list.Close()
	s.presence.Stop()
	if cancel != nil {
		cancel()
	}
	s.log.Info().Msg("sync service stopped")
}

// OnChange 注册变化监听，返回取消函数
func (s *SyncService) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *SyncService) emit(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *SyncService) background() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *SyncService) isOpen(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[convID]
	return ok
}

// observed 消息缓存每次变化后：对账带关联 ID 的消息并通知界面
func (s *SyncService) observed(convID string, msgs []*models.Message) {
	for _, m := range msgs {
		if m.PendingID != "" && m.SenderID == s.userID {
			s.pending.Reconcile(convID, m)
		}
	}
	s.emit(Change{Kind: ChangeView, ConversationID: convID})
}

// conversation 先查列表缓存，再点查存储
func (s *SyncService) conversation(ctx context.Context, convID string) (*models.Conversation, error) {
	if c := s.list.Get(convID); c != nil {
		return c, nil
	}
	c, err := s.deps.Docs.GetConversation(ctx, convID)
	if err != nil {
		return nil, errs.Transient("conversation.get", err)
	}
	return c, nil
}

func (s *SyncService) participantConversation(ctx context.Context, convID string) (*models.Conversation, error) {
	conv, err := s.conversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(s.userID) {
		return nil, errs.Permission("user %s is not a participant of %s", s.userID, convID)
	}
	return conv, nil
}

// Conversations 会话列表
func (s *SyncService) Conversations() []ConversationSummary {
	return s.list.Summaries()
}

// OpenDirect 查找或惰性创建双人会话
func (s *SyncService) OpenDirect(ctx context.Context, peerID string) (*models.Conversation, error) {
	if peerID == "" || peerID == s.userID {
		return nil, errs.Validation("invalid peer %q", peerID)
	}
	id := s.deps.IDs.ConversationID(valueobjects.ConversationTypeDM.String(), []string{s.userID, peerID})
	if c := s.list.Get(id); c != nil {
		return c, nil
	}
	conv, err := entities.NewDirectConversation(id, s.userID, peerID, s.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	created, err := s.deps.Docs.CreateConversation(ctx, conv)
	if err != nil {
		return nil, errs.Transient("conversation.create", err)
	}
	s.list.Upsert(created)
	return created, nil
}

// CreateGroup 显式创建群聊；当前用户自动加入
func (s *SyncService) CreateGroup(ctx context.Context, name string, participants []string) (*models.Conversation, error) {
	members := append([]string{s.userID}, participants...)
	id := s.deps.IDs.ConversationID(valueobjects.ConversationTypeGroup.String(), members)
	conv, err := entities.NewGroupConversation(id, name, members, s.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	created, err := s.deps.Docs.CreateConversation(ctx, conv)
	if err != nil {
		return nil, errs.Transient("conversation.create", err)
	}
	s.list.Upsert(created)
	return created, nil
}

// OpenConversation 预取最新一页后打开头部窗口订阅；预取失败返回以便手动重试，订阅仍会建立
func (s *SyncService) OpenConversation(ctx context.Context, convID string) error {
	conv, err := s.participantConversation(ctx, convID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	oc, already := s.open[convID]
	if already {
		oc.refs++
	} else {
		oc = &openConversation{counterpart: conv.Counterpart(s.userID), refs: 1}
		s.open[convID] = oc
	}
	s.mu.Unlock()
	s.list.SetActive(convID)
	if already {
		return nil
	}

	perr := s.messages.Prefetch(ctx, convID)
	if perr != nil {
		s.log.Warn().Err(perr).Str("conv", convID).Msg("prefetch failed")
	}
	s.messages.Subscribe(s.background(), convID)
	if oc.counterpart != "" {
		s.presence.Track(s.background(), oc.counterpart)
	}
	s.log.Info().Str("conv", convID).Msg("conversation opened")
	return perr
}

// CloseConversation 释放一次打开；最后一个打开者关闭时才停止订阅并放弃全部待发送消息
func (s *SyncService) CloseConversation(convID string) {
	s.mu.Lock()
	oc, ok := s.open[convID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if oc.refs--; oc.refs > 0 {
		s.mu.Unlock()
		s.log.Debug().Str("conv", convID).Int("openers", oc.refs).Msg("conversation still open")
		return
	}
	delete(s.open, convID)
	s.mu.Unlock()
	if oc.readTimer != nil {
		oc.readTimer.Stop()
	}
	s.messages.Close(convID)
	if n := s.pending.Clear(convID); n > 0 {
		s.log.Info().Str("conv", convID).Int("abandoned", n).Msg("pending messages abandoned")
	}
	if oc.counterpart != "" {
		s.presence.Untrack(oc.counterpart)
	}
	s.list.ClearActive(convID)
	s.log.Info().Str("conv", convID).Msg("conversation closed")
}

// View 打开会话的当前状态（组装后的渲染列表）
func (s *SyncService) View(ctx context.Context, convID string) (*ConversationView, error) {
	conv, err := s.participantConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	msgs := s.messages.Messages(convID)
	pending := s.pending.List(convID)
	state := s.messages.State(convID)
	items := display.Assemble(display.Input{
		Persisted:     msgs,
		Pending:       pending,
		CurrentUserID: s.userID,
		Typing:        s.list.Typing(convID),
		HasMore:       state.HasMore,
		Direct:        conv.Type.IsDM(),
		Counterpart:   conv.Counterpart(s.userID),
		Location:      s.deps.Location,
	})
	return &ConversationView{Conversation: conv, Items: items, Messages: msgs, Pending: pending, LoadState: state}, nil
}

// SendMessage 校验后立即入队并返回乐观消息，随后在后台上传媒体并写入存储。
// 失败时条目保留为 failed，等待调用方重试或丢弃。
func (s *SyncService) SendMessage(ctx context.Context, convID string, d entities.Draft) (*models.PendingMessage, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	conv, err := s.participantConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	p, err := entities.NewPending(s.deps.IDs.CorrelationID(), convID, s.userID, d, s.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	if !s.pending.Enqueue(convID, p) {
		return p, nil
	}
	s.emit(Change{Kind: ChangeView, ConversationID: convID})
	s.dispatch(conv, p.ID)
	return p, nil
}

// RetrySend 重新投递 failed 状态的消息
func (s *SyncService) RetrySend(ctx context.Context, convID, pendingID string) error {
	conv, err := s.participantConversation(ctx, convID)
	if err != nil {
		return err
	}
	p, ok := s.pending.Get(convID, pendingID)
	if !ok {
		return errs.NotFound("pending message %s", pendingID)
	}
	if !p.Status.Retryable() {
		return errs.Validation("pending message %s is %s", pendingID, p.Status)
	}
	s.pending.MarkStatus(convID, pendingID, valueobjects.PendingQueued, "")
	s.emit(Change{Kind: ChangeView, ConversationID: convID})
	s.dispatch(conv, pendingID)
	return nil
}

// DiscardPending 显式放弃一条待发送消息
func (s *SyncService) DiscardPending(convID, pendingID string) error {
	if !s.pending.Remove(convID, pendingID) {
		return errs.NotFound("pending message %s", pendingID)
	}
	s.emit(Change{Kind: ChangeView, ConversationID: convID})
	return nil
}

func (s *SyncService) dispatch(conv *models.Conversation, pendingID string) {
	bg := s.background()
	s.deps.Go(func() { s.deliver(bg, conv, pendingID) })
}

func (s *SyncService) deliver(ctx context.Context, conv *models.Conversation, pendingID string) {
	start := s.deps.Clock.Now()
	if !s.pending.MarkStatus(conv.ID, pendingID, valueobjects.PendingSending, "") {
		// 会话已关闭或已丢弃
		return
	}
	s.emit(Change{Kind: ChangeView, ConversationID: conv.ID})
	p, ok := s.pending.Get(conv.ID, pendingID)
	if !ok {
		return
	}

	var mediaURL string
	if p.Type.IsMedia() {
		url, err := s.deps.Media.Upload(ctx, conv.ID, p.MediaRef)
		if err != nil {
			s.failSend(conv.ID, pendingID, "upload", err)
			return
		}
		mediaURL = url
	}
	m := entities.MessageFromPending(&p, s.deps.IDs.MessageID(), mediaURL, s.deps.Clock.Now())
	if err := s.deps.Docs.InsertMessage(ctx, m); err != nil {
		s.failSend(conv.ID, pendingID, "insert", err)
		return
	}
	metrics.MessageSendLatency.Observe(float64(s.deps.Clock.Now().Sub(start).Milliseconds()))
	s.log.Debug().Str("conv", conv.ID).Str("msg", m.ID).Str("pending", pendingID).Msg("message persisted")

	// 本端回显：订阅降级时也能收敛
	s.messages.Observe(conv.ID, m)

	if s.deps.Push != nil && m.Type.BumpsActivity() {
		if err := s.deps.Push.MessageSent(ctx, conv, m); err != nil {
			s.log.Warn().Err(err).Str("msg", m.ID).Msg("push hand-off failed")
		}
	}
}

func (s *SyncService) failSend(convID, pendingID, stage string, err error) {
	metrics.SendFailuresTotal.WithLabelValues(stage).Inc()
	s.log.Warn().Err(err).Str("conv", convID).Str("pending", pendingID).Str("stage", stage).Msg("send failed")
	if s.pending.MarkStatus(convID, pendingID, valueobjects.PendingFailed, err.Error()) {
		s.emit(Change{Kind: ChangeView, ConversationID: convID})
	}
}

// LoadMoreMessages 向前翻页；失败返回以便手动重试
func (s *SyncService) LoadMoreMessages(ctx context.Context, convID string) (int, error) {
	if _, err := s.participantConversation(ctx, convID); err != nil {
		return 0, err
	}
	return s.messages.LoadMore(ctx, convID)
}

// Refresh 重新拉取最新一页（下拉刷新）
func (s *SyncService) Refresh(ctx context.Context, convID string) error {
	if _, err := s.participantConversation(ctx, convID); err != nil {
		return err
	}
	return s.messages.Refresh(ctx, convID)
}

// MarkAsRead 渲染后延迟标记已读；延迟期间的重复调用合并为一次
func (s *SyncService) MarkAsRead(ctx context.Context, convID string) error {
	if _, err := s.participantConversation(ctx, convID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.open[convID]
	if !ok {
		return errs.Validation("conversation %s is not open", convID)
	}
	if oc.readTimer != nil {
		oc.readTimer.Stop()
	}
	oc.readTimer = s.deps.Clock.AfterFunc(s.deps.Sync.ReadDelay, func() { s.markReadNow(convID) })
	return nil
}

func (s *SyncService) markReadNow(convID string) {
	if !s.isOpen(convID) {
		return
	}
	var ids []string
	for _, m := range s.messages.Messages(convID) {
		if !m.ReadByUser(s.userID) {
			ids = append(ids, m.ID)
		}
	}
	if err := s.deps.Docs.MarkRead(s.background(), convID, s.userID, ids); err != nil {
		s.log.Warn().Err(err).Str("conv", convID).Msg("mark read failed")
		return
	}
	s.list.MarkRead(convID)
}

// ToggleReaction 同一用户对同一目标的相同回应再次提交即撤销
func (s *SyncService) ToggleReaction(ctx context.Context, convID, targetID, reactionType string) (*models.PendingMessage, error) {
	if _, err := s.participantConversation(ctx, convID); err != nil {
		return nil, err
	}
	target := s.messages.Find(convID, targetID)
	if target == nil {
		t, err := s.deps.Docs.GetMessage(ctx, convID, targetID)
		if err != nil {
			return nil, errs.Transient("message.get", err)
		}
		target = t
	}
	if target.IsDeleted() {
		return nil, errs.Validation("cannot react to a deleted message")
	}
	// 尚未写入的相同回应：直接撤回，不再落库
	matched, removed := s.pending.Withdraw(convID, func(p *models.PendingMessage) bool {
		return p.Type.IsReaction() && p.SenderID == s.userID && p.ReactionTarget() == targetID && p.ReactionType == reactionType
	})
	if matched {
		if !removed {
			return nil, errs.Validation("reaction is being sent")
		}
		s.emit(Change{Kind: ChangeView, ConversationID: convID})
		return nil, nil
	}
	for _, m := range s.messages.Messages(convID) {
		if m.IsLiveReaction() && m.SenderID == s.userID && m.ReactionTarget() == targetID && m.ReactionType == reactionType {
			if err := s.deps.Docs.SoftDeleteMessage(ctx, convID, m.ID, s.deps.Clock.Now()); err != nil {
				return nil, errs.Transient("reaction.remove", err)
			}
			return nil, nil
		}
	}
	return s.SendMessage(ctx, convID, entities.Draft{
		Type:         valueobjects.MessageTypeReaction,
		Quoted:       &models.QuotedContent{Kind: models.QuotedMessage, ID: targetID},
		ReactionType: reactionType,
	})
}

// DeleteMessage 仅发送者可撤回；写入墓碑
func (s *SyncService) DeleteMessage(ctx context.Context, convID, msgID string) error {
	if _, err := s.participantConversation(ctx, convID); err != nil {
		return err
	}
	m := s.messages.Find(convID, msgID)
	if m == nil {
		got, err := s.deps.Docs.GetMessage(ctx, convID, msgID)
		if err != nil {
			return errs.Transient("message.get", err)
		}
		m = got
	}
	if err := entities.CanDelete(m, s.userID); err != nil {
		return err
	}
	if m.IsDeleted() {
		return nil
	}
	if err := s.deps.Docs.SoftDeleteMessage(ctx, convID, msgID, s.deps.Clock.Now()); err != nil {
		return errs.Transient("message.delete", err)
	}
	return nil
}

// SetTyping 写入正在输入时间戳；限速与写入失败都静默降级
func (s *SyncService) SetTyping(ctx context.Context, convID string) error {
	if _, err := s.participantConversation(ctx, convID); err != nil {
		return err
	}
	if s.deps.Limiter != nil && !s.deps.Limiter.AllowTyping(ctx, s.userID, convID) {
		return nil
	}
	if err := s.deps.Docs.SetTyping(ctx, convID, s.userID, s.deps.Clock.Now()); err != nil {
		metrics.SubscriptionErrorsTotal.WithLabelValues("typing").Inc()
		s.log.Warn().Err(err).Str("conv", convID).Msg("typing update failed")
	}
	return nil
}

// SetForeground 前后台切换驱动自身心跳
func (s *SyncService) SetForeground(fg bool) {
	s.presence.SetForeground(s.background(), fg)
}

// PresenceOf 对端在线状态；未跟踪的用户按需读取一次
func (s *SyncService) PresenceOf(ctx context.Context, userID string) (online bool, lastSeen time.Time, err error) {
	if at, ok := s.presence.LastSeen(userID); ok {
		return s.presence.IsOnline(userID), at, nil
	}
	at, err := s.deps.Presence.LastSeen(ctx, userID)
	if err != nil {
		return false, time.Time{}, errs.Transient("presence.lastSeen", err)
	}
	if at.IsZero() {
		return false, at, nil
	}
	return s.deps.Clock.Now().Sub(at) < s.deps.Sync.OnlineWindow, at, nil
}

// Profile 会话参与者资料
func (s *SyncService) Profile(userID string) (models.Profile, bool) {
	return s.list.Profile(userID)
}
