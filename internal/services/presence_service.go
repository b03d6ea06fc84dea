package services

import (
	"context"
	"sync"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/metrics"

	"github.com/rs/zerolog"
)

// PresenceTracker 跟踪对端最近在线时间：
// - 每个对端一个订阅，到达的更新先进入待合并区，按合并周期批量刷新到可见表
// - 前台时每个心跳周期更新自身最近在线
// 通道错误只记录日志，保持最后已知状态。
type PresenceTracker struct {
	self         string
	store        ports.PresenceStore
	clock        Clock
	heartbeat    time.Duration
	coalesce     time.Duration
	onlineWindow time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	incoming map[string]time.Time
	visible  map[string]time.Time
	subs     map[string]ports.Subscription[time.Time]
	refs     map[string]int

	beat     *repeater
	flush    *repeater
	onChange func(userIDs []string)
}

func NewPresenceTracker(self string, store ports.PresenceStore, clock Clock, heartbeat, coalesce, onlineWindow time.Duration, log zerolog.Logger) *PresenceTracker {
	return &PresenceTracker{
		self:         self,
		store:        store,
		clock:        clock,
		heartbeat:    heartbeat,
		coalesce:     coalesce,
		onlineWindow: onlineWindow,
		log:          log,
		incoming:     make(map[string]time.Time),
		visible:      make(map[string]time.Time),
		subs:         make(map[string]ports.Subscription[time.Time]),
		refs:         make(map[string]int),
	}
}

func (p *PresenceTracker) OnChange(fn func(userIDs []string)) { p.onChange = fn }

// Start 启动合并刷新周期
func (p *PresenceTracker) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flush == nil {
		p.flush = every(p.clock, p.coalesce, func() { p.Flush() })
	}
}

// Track 开始跟踪对端（引用计数）；首个读取直接进入可见表
func (p *PresenceTracker) Track(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	p.refs[userID]++
	if p.refs[userID] > 1 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if at, err := p.store.LastSeen(ctx, userID); err != nil {
		p.log.Warn().Err(err).Str("user", userID).Msg("presence read failed")
	} else if !at.IsZero() {
		p.mu.Lock()
		if at.After(p.visible[userID]) {
			p.visible[userID] = at
		}
		p.mu.Unlock()
	}

	sub, err := p.store.SubscribeLastSeen(ctx, userID)
	if err != nil {
		metrics.SubscriptionErrorsTotal.WithLabelValues("presence").Inc()
		p.log.Warn().Err(err).Str("user", userID).Msg("presence subscription failed")
		return
	}
	p.mu.Lock()
	if p.refs[userID] == 0 {
		// 订阅期间已取消跟踪
		p.mu.Unlock()
		sub.Close()
		return
	}
	p.subs[userID] = sub
	p.mu.Unlock()

	go func() {
		for snap := range sub.Updates() {
			if snap.Err != nil {
				metrics.SubscriptionErrorsTotal.WithLabelValues("presence").Inc()
				p.log.Warn().Err(snap.Err).Str("user", userID).Msg("presence subscription error")
				continue
			}
			p.observeFrom(sub, userID, snap.Docs)
		}
	}()
}

// Untrack 引用归零时关闭订阅
func (p *PresenceTracker) Untrack(userID string) {
	p.mu.Lock()
	if p.refs[userID] == 0 {
		p.mu.Unlock()
		return
	}
	p.refs[userID]--
	var sub ports.Subscription[time.Time]
	if p.refs[userID] == 0 {
		delete(p.refs, userID)
		sub = p.subs[userID]
		delete(p.subs, userID)
		delete(p.incoming, userID)
	}
	p.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Observe 记录一次到达的更新，等待下次 Flush 才对外可见
func (p *PresenceTracker) Observe(userID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at.After(p.incoming[userID]) {
		p.incoming[userID] = at
	}
}

// observeFrom 已取消跟踪后通道里残留的快照直接丢弃
func (p *PresenceTracker) observeFrom(sub ports.Subscription[time.Time], userID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[userID] != sub {
		return
	}
	if at.After(p.incoming[userID]) {
		p.incoming[userID] = at
	}
}

// Flush 把待合并的更新批量写入可见表；返回发生变化的用户
func (p *PresenceTracker) Flush() []string {
	p.mu.Lock()
	var changed []string
	for uid, at := range p.incoming {
		if at.After(p.visible[uid]) {
			p.visible[uid] = at
			changed = append(changed, uid)
		}
	}
	p.incoming = make(map[string]time.Time)
	p.mu.Unlock()
	if len(changed) > 0 && p.onChange != nil {
		p.onChange(changed)
	}
	return changed
}

// LastSeen 可见的最近在线时间；未知返回 false
func (p *PresenceTracker) LastSeen(userID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.visible[userID]
	return at, ok && !at.IsZero()
}

// IsOnline now-lastSeen < 在线窗口
func (p *PresenceTracker) IsOnline(userID string) bool {
	at, ok := p.LastSeen(userID)
	if !ok {
		return false
	}
	return p.clock.Now().Sub(at) < p.onlineWindow
}

// SetForeground 前台时立即心跳并按周期重复；进入后台停止
func (p *PresenceTracker) SetForeground(ctx context.Context, fg bool) {
	p.mu.Lock()
	if !fg {
		beat := p.beat
		p.beat = nil
		p.mu.Unlock()
		beat.Stop()
		return
	}
	if p.beat != nil {
		p.mu.Unlock()
		return
	}
	p.beat = every(p.clock, p.heartbeat, func() { p.beatOnce(ctx) })
	p.mu.Unlock()
	p.beatOnce(ctx)
}

func (p *PresenceTracker) beatOnce(ctx context.Context) {
	if err := p.store.Heartbeat(ctx, p.self, p.clock.Now()); err != nil {
		p.log.Warn().Err(err).Msg("presence heartbeat failed")
	}
}

// Stop 停止全部定时器与订阅
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	beat, flush := p.beat, p.flush
	p.beat, p.flush = nil, nil
	subs := p.subs
	p.subs = make(map[string]ports.Subscription[time.Time])
	p.refs = make(map[string]int)
	p.mu.Unlock()
	beat.Stop()
	flush.Stop()
	for _, s := range subs {
		s.Close()
	}
}
