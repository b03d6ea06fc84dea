package services

import (
	"sort"

	"go-imsync/internal/models"
)

// MergeSnapshot 用头部窗口快照合并本地缓存：
//  1. 缓存中出现在快照里的消息被快照副本替换（同步编辑/撤回）
//  2. 不在快照里的缓存消息原样保留（已滑出窗口，并非删除）
//  3. 快照中的新消息追加
//  4. 按创建时间倒序重排（同一时刻按 ID 倒序，保证确定）
//
// 对同一快照重复应用结果不变。
func MergeSnapshot(cached, snapshot []*models.Message) []*models.Message {
	incoming := make(map[string]*models.Message, len(snapshot))
	for _, m := range snapshot {
		incoming[m.ID] = m
	}
	out := make([]*models.Message, 0, len(cached)+len(snapshot))
	seen := make(map[string]struct{}, len(cached))
	for _, m := range cached {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if fresh, ok := incoming[m.ID]; ok {
			out = append(out, fresh)
			continue
		}
		out = append(out, m)
	}
	for _, m := range snapshot {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	SortNewestFirst(out)
	return out
}

// AppendOlder 追加翻页得到的更早消息，跳过已缓存的；返回新增条数
func AppendOlder(cached, page []*models.Message) ([]*models.Message, int) {
	seen := make(map[string]struct{}, len(cached))
	for _, m := range cached {
		seen[m.ID] = struct{}{}
	}
	out := append(make([]*models.Message, 0, len(cached)+len(page)), cached...)
	added := 0
	for _, m := range page {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
		added++
	}
	SortNewestFirst(out)
	return out, added
}

// SortNewestFirst 按 (createdAt, id) 倒序
func SortNewestFirst(list []*models.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
