package services

import (
	"slices"
	"sort"
	"time"
)

// LiveTypers 仍在有效期内（now-ts <= ttl）的输入者，排除 self；结果按 ID 排序。
// 过期条目不清理，只在读取时过滤。
func LiveTypers(ts map[string]time.Time, now time.Time, ttl time.Duration, self string) []string {
	var out []string
	for uid, at := range ts {
		if uid == self || at.IsZero() {
			continue
		}
		if now.Sub(at) <= ttl {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

func sameTypers(a, b []string) bool {
	return slices.Equal(a, b)
}
