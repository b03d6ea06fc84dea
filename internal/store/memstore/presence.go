package memstore

import (
	"context"
	"sync"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/infrastructure/realtime"
)

// Presence 进程内最近在线时间
type Presence struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	subs     map[string][]*realtime.Stream[time.Time]
}

func NewPresence() *Presence {
	return &Presence{
		lastSeen: make(map[string]time.Time),
		subs:     make(map[string][]*realtime.Stream[time.Time]),
	}
}

func (p *Presence) Heartbeat(_ context.Context, userID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// 只前进不后退
	if prev, ok := p.lastSeen[userID]; ok && !at.After(prev) {
		return nil
	}
	p.lastSeen[userID] = at
	for _, st := range p.subs[userID] {
		st.Publish(at)
	}
	return nil
}

func (p *Presence) LastSeen(_ context.Context, userID string) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen[userID], nil
}

func (p *Presence) SubscribeLastSeen(_ context.Context, userID string) (ports.Subscription[time.Time], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st *realtime.Stream[time.Time]
	st = realtime.NewStream[time.Time](1, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.subs[userID]
		for i, x := range subs {
			if x == st {
				p.subs[userID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
	p.subs[userID] = append(p.subs[userID], st)
	if at, ok := p.lastSeen[userID]; ok {
		st.Publish(at)
	}
	return st, nil
}

var _ ports.PresenceStore = (*Presence)(nil)
