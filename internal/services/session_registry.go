package services

import (
	"context"
	"sync"
)

// session ready 在 Start 返回后关闭；此前其他调用方一律等待
type session struct {
	svc   *SyncService
	refs  int
	ready chan struct{}
}

// SessionRegistry 每个登录用户一个同步服务，HTTP 与 WS 共享；最后一个连接释放时停止
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session
	factory  func(userID string) *SyncService
}

func NewSessionRegistry(factory func(userID string) *SyncService) *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*session), factory: factory}
}

// Acquire 获取（必要时创建并启动）用户的同步服务，调用方用完后必须 Release。
// 返回时 Start 已完成，并发的后来者等待首个调用方的启动
func (r *SessionRegistry) Acquire(ctx context.Context, userID string) *SyncService {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if ok {
		sess.refs++
		r.mu.Unlock()
		<-sess.ready
		return sess.svc
	}
	sess = &session{svc: r.factory(userID), refs: 1, ready: make(chan struct{})}
	r.sessions[userID] = sess
	r.mu.Unlock()

	if err := sess.svc.Start(ctx); err != nil {
		// 列表加载失败不影响会话：订阅已建立，调用方可重试刷新
		sess.svc.log.Warn().Err(err).Msg("session started degraded")
	}
	close(sess.ready)
	return sess.svc
}

// Release 释放一次引用
func (r *SessionRegistry) Release(userID string) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sess.refs--
	if sess.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	r.mu.Unlock()
	<-sess.ready
	sess.svc.Stop()
}

// Lookup 已存在的会话（不增加引用）
func (r *SessionRegistry) Lookup(userID string) (*SyncService, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-sess.ready
	return sess.svc, true
}

// Len 活跃会话数
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll 进程退出时停止全部会话
func (r *SessionRegistry) StopAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()
	for _, sess := range all {
		<-sess.ready
		sess.svc.Stop()
	}
}
