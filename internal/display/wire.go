package display

import (
	"time"

	"go-imsync/internal/models"
)

// WireItem 渲染项的 JSON 形态（HTTP/WS 推送使用）
type WireItem struct {
	Kind        string                 `json:"kind"` // persisted / pending / divider
	Key         string                 `json:"key"`
	Message     *models.Message        `json:"message,omitempty"`
	Reactions   []Reaction             `json:"reactions,omitempty"`
	Pending     *models.PendingMessage `json:"pending,omitempty"`
	Divider     DividerKind            `json:"divider,omitempty"`
	Date        *time.Time             `json:"date,omitempty"`
	Typing      []string               `json:"typing,omitempty"`
	Counterpart string                 `json:"counterpart,omitempty"`
}

// ToWire 转换为可序列化列表，顺序不变
func ToWire(items []Item) []WireItem {
	out := make([]WireItem, 0, len(items))
	for _, it := range items {
		w := WireItem{Key: it.Key()}
		switch v := it.(type) {
		case PersistedItem:
			w.Kind = "persisted"
			w.Message = v.Message
			w.Reactions = v.Reactions
		case PendingItem:
			p := v.Pending
			w.Kind = "pending"
			w.Pending = &p
		case DividerItem:
			w.Kind = "divider"
			w.Divider = v.Kind
			w.Typing = v.Typing
			w.Counterpart = v.Counterpart
			if v.Kind == DividerDate {
				d := v.Date
				w.Date = &d
			}
		}
		out = append(out, w)
	}
	return out
}
