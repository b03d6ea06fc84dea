// Package display 把持久化消息、待发送消息与回应组装成带分隔项的有序渲染列表。
// Assemble 是纯函数：相同输入恒得到相同输出，不持有任何可变状态。
package display

import (
	"sort"
	"time"

	"go-imsync/internal/models"
)

// Item 渲染项：PersistedItem / PendingItem / DividerItem 三选一
type Item interface {
	Key() string
	isItem()
}

// DividerKind 分隔项种类
type DividerKind string

const (
	DividerTyping      DividerKind = "typing"
	DividerNewMessages DividerKind = "new_messages"
	DividerDate        DividerKind = "date"
	DividerBeginning   DividerKind = "beginning"
)

// Reaction 挂在目标消息上的一条回应；Confirmed=false 表示仍在发送中
type Reaction struct {
	Key          string `json:"key"`
	SenderID     string `json:"senderId"`
	ReactionType string `json:"reactionType"`
	Confirmed    bool   `json:"confirmed"`
	MessageID    string `json:"messageId,omitempty"`
}

// PersistedItem 已持久化的消息（含墓碑）
type PersistedItem struct {
	Message   *models.Message
	Reactions []Reaction
}

// PendingItem 乐观发送中的消息
type PendingItem struct {
	Pending models.PendingMessage
}

// DividerItem 合成分隔项
type DividerItem struct {
	Kind        DividerKind
	Date        time.Time // DividerDate：较新一侧消息的日期
	Typing      []string  // DividerTyping：正在输入的用户
	Counterpart string    // DividerBeginning：双人会话对方
}

func (i PersistedItem) Key() string { return "m:" + i.Message.LogicalID() }
func (i PendingItem) Key() string   { return "m:" + i.Pending.ID }
func (i DividerItem) Key() string {
	switch i.Kind {
	case DividerDate:
		return "d:date:" + i.Date.Format("2006-01-02")
	default:
		return "d:" + string(i.Kind)
	}
}

func (PersistedItem) isItem() {}
func (PendingItem) isItem()   {}
func (DividerItem) isItem()   {}

// Input 组装输入
type Input struct {
	Persisted     []*models.Message // 倒序
	Pending       []models.PendingMessage
	CurrentUserID string
	Typing        []string // 已按有效期过滤的输入者（不含本人）
	HasMore       bool
	Direct        bool
	Counterpart   string
	Location      *time.Location // 日期分隔所用时区；nil 为 UTC
}

// Assemble 生成倒序渲染列表（索引 0 为最新）：
//  1. 拆分普通消息与未撤回的回应
//  2. 建立 目标消息 -> 回应（持久化 + 待发送）映射
//  3. 回应挂到目标消息上
//  4. 前置未确认的待发送普通消息
//  5. 有人正在输入时前置 typing 项
//  6. 插入新消息标记、日期分隔，以及（双人会话且无更多历史时）会话起点
func Assemble(in Input) []Item {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	confirmed := make(map[string]struct{})
	var regular []*models.Message
	var reactions []*models.Message
	for _, m := range in.Persisted {
		if m.PendingID != "" {
			confirmed[m.PendingID] = struct{}{}
		}
		switch {
		case m.Type.IsReaction():
			if !m.IsDeleted() {
				reactions = append(reactions, m)
			}
		default:
			regular = append(regular, m)
		}
	}

	byTarget := make(map[string][]Reaction)
	for _, r := range reactions {
		if t := r.ReactionTarget(); t != "" {
			byTarget[t] = append(byTarget[t], Reaction{
				Key: r.LogicalID(), SenderID: r.SenderID, ReactionType: r.ReactionType,
				Confirmed: true, MessageID: r.ID,
			})
		}
	}
	var pendingRegular []models.PendingMessage
	for _, p := range in.Pending {
		if _, ok := confirmed[p.ID]; ok {
			continue
		}
		if p.Type.IsReaction() {
			if t := p.ReactionTarget(); t != "" {
				byTarget[t] = append(byTarget[t], Reaction{Key: p.ID, SenderID: p.SenderID, ReactionType: p.ReactionType})
			}
			continue
		}
		pendingRegular = append(pendingRegular, p)
	}
	for t, list := range byTarget {
		sortReactions(list)
		byTarget[t] = list
	}

	bubbles := make([]Item, 0, len(regular)+len(pendingRegular)+4)
	sort.SliceStable(pendingRegular, func(i, j int) bool {
		if pendingRegular[i].CreatedAt.Equal(pendingRegular[j].CreatedAt) {
			return pendingRegular[i].ID > pendingRegular[j].ID
		}
		return pendingRegular[i].CreatedAt.After(pendingRegular[j].CreatedAt)
	})
	for _, p := range pendingRegular {
		bubbles = append(bubbles, PendingItem{Pending: p})
	}
	for _, m := range regular {
		bubbles = append(bubbles, PersistedItem{Message: m, Reactions: byTarget[m.ID]})
	}

	out := make([]Item, 0, len(bubbles)+4)
	if len(in.Typing) > 0 {
		out = append(out, DividerItem{Kind: DividerTyping, Typing: append([]string(nil), in.Typing...)})
	}

	marker := newMessagesBoundary(bubbles, in.CurrentUserID)
	for i, it := range bubbles {
		out = append(out, it)
		if i+1 >= len(bubbles) {
			break
		}
		next := bubbles[i+1]
		if d1, d2 := dayOf(it, loc), dayOf(next, loc); d1 != d2 {
			out = append(out, DividerItem{Kind: DividerDate, Date: truncateDay(createdAt(it), loc)})
		}
		if i == marker {
			out = append(out, DividerItem{Kind: DividerNewMessages})
		}
	}
	if in.Direct && !in.HasMore {
		out = append(out, DividerItem{Kind: DividerBeginning, Counterpart: in.Counterpart})
	}
	return out
}

// newMessagesBoundary 从最新一项向前扫描，返回已读状态首次发生切换处的索引 i
// （标记插在 i 与 i+1 之间）；不存在切换返回 -1
func newMessagesBoundary(items []Item, me string) int {
	for i := 0; i+1 < len(items); i++ {
		if readByMe(items[i], me) != readByMe(items[i+1], me) {
			return i
		}
	}
	return -1
}

func readByMe(it Item, me string) bool {
	switch v := it.(type) {
	case PersistedItem:
		return v.Message.ReadByUser(me)
	case PendingItem:
		// 自己发出的消息视为已读
		return true
	default:
		return true
	}
}

func createdAt(it Item) time.Time {
	switch v := it.(type) {
	case PersistedItem:
		return v.Message.CreatedAt
	case PendingItem:
		return v.Pending.CreatedAt
	default:
		return time.Time{}
	}
}

func dayOf(it Item, loc *time.Location) string {
	return createdAt(it).In(loc).Format("2006-01-02")
}

func truncateDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// 位置只由 (类型, 发送者, 逻辑 ID) 决定，确认前后不变
func sortReactions(list []Reaction) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.ReactionType != b.ReactionType {
			return a.ReactionType < b.ReactionType
		}
		if a.SenderID != b.SenderID {
			return a.SenderID < b.SenderID
		}
		return a.Key < b.Key
	})
}
