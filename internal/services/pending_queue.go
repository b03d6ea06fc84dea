package services

import (
	"sort"
	"sync"

	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/metrics"
	"go-imsync/internal/models"
)

// PendingQueue 按会话保存乐观发送的消息，以关联 ID 与持久化消息对账。
// 每个条目恰好被移除一次：对账、显式丢弃或会话关闭，取先到者。
type PendingQueue struct {
	mu     sync.Mutex
	byConv map[string][]*models.PendingMessage

	// persisted 判断消息缓存中是否已有同关联 ID 的持久化消息
	persisted func(convID, pendingID string) bool
}

func NewPendingQueue(persisted func(convID, pendingID string) bool) *PendingQueue {
	return &PendingQueue{byConv: make(map[string][]*models.PendingMessage), persisted: persisted}
}

// Enqueue 入队；持久化副本已到达或关联 ID 已存在时拒绝
func (q *PendingQueue) Enqueue(convID string, p *models.PendingMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	// 持锁检查：对账总在合并提交之后取锁，检查与追加不会被插入
	if q.persisted != nil && q.persisted(convID, p.ID) {
		return false
	}
	for _, x := range q.byConv[convID] {
		if x.ID == p.ID {
			return false
		}
	}
	cp := *p
	q.byConv[convID] = append(q.byConv[convID], &cp)
	return true
}

// Reconcile 观察到带关联 ID 的持久化消息时移除对应条目
func (q *PendingQueue) Reconcile(convID string, m *models.Message) bool {
	if m == nil || m.PendingID == "" {
		return false
	}
	if q.Remove(convID, m.PendingID) {
		metrics.PendingReconciledTotal.Inc()
		return true
	}
	return false
}

// Remove 显式移除（丢弃失败消息）；幂等
func (q *PendingQueue) Remove(convID, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.byConv[convID]
	for i, x := range list {
		if x.ID == id {
			q.byConv[convID] = append(list[:i:i], list[i+1:]...)
			if len(q.byConv[convID]) == 0 {
				delete(q.byConv, convID)
			}
			return true
		}
	}
	return false
}

// Withdraw 撤回首条匹配且尚未开始投递的条目；matched 表示存在匹配项，
// removed 为 false 时该条目正在投递中，保持不动
func (q *PendingQueue) Withdraw(convID string, match func(*models.PendingMessage) bool) (matched, removed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.byConv[convID]
	for i, x := range list {
		if !match(x) {
			continue
		}
		if x.Status == valueobjects.PendingSending {
			return true, false
		}
		q.byConv[convID] = append(list[:i:i], list[i+1:]...)
		if len(q.byConv[convID]) == 0 {
			delete(q.byConv, convID)
		}
		return true, true
	}
	return false, false
}

// MarkStatus 更新状态；条目已不存在时返回 false
func (q *PendingQueue) MarkStatus(convID, id string, status valueobjects.PendingStatus, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, x := range q.byConv[convID] {
		if x.ID == id {
			cp := *x
			cp.Status = status
			cp.Error = reason
			q.byConv[convID][i] = &cp
			return true
		}
	}
	return false
}

// Clear 关闭会话时清空（放弃，不在重新打开时重试）；返回清除条数
func (q *PendingQueue) Clear(convID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.byConv[convID])
	delete(q.byConv, convID)
	return n
}

// Get 单条副本
func (q *PendingQueue) Get(convID, id string) (models.PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, x := range q.byConv[convID] {
		if x.ID == id {
			return *x, true
		}
	}
	return models.PendingMessage{}, false
}

// List 会话内全部待发送消息（副本，按创建时间倒序）
func (q *PendingQueue) List(convID string) []models.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.PendingMessage, 0, len(q.byConv[convID]))
	for _, x := range q.byConv[convID] {
		out = append(out, *x)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
