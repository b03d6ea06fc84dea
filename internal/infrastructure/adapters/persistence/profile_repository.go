package persistence

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/models"
)

// ProfileRepositoryAdapter 参与者资料只读查询（好友模块的 users 表）
// 实现 ports.ProfileLookup；同步引擎只读不写
type ProfileRepositoryAdapter struct {
	db *sql.DB
}

// NewProfileRepositoryAdapter 创建资料查询适配器
func NewProfileRepositoryAdapter(db *sql.DB) ports.ProfileLookup {
	return &ProfileRepositoryAdapter{db: db}
}

// Profiles 批量查询资料；昵称为空时回退为用户名
func (r *ProfileRepositoryAdapter) Profiles(ctx context.Context, ids []string) (map[string]models.Profile, error) {
	out := make(map[string]models.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, username, nickname, avatar_url FROM users WHERE id IN (` + placeholders + `)`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("profiles.query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, username string
		var nickname, avatarURL sql.NullString
		if err := rows.Scan(&id, &username, &nickname, &avatarURL); err != nil {
			return nil, errs.Transient("profiles.scan", err)
		}
		display := nickname.String
		if display == "" {
			display = username
		}
		out[id] = models.Profile{ID: id, Username: username, DisplayName: display, AvatarURL: avatarURL.String}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient("profiles.rows", err)
	}
	return out, nil
}

// StaticProfiles 进程内资料表，未配置 MySQL 时使用（也用于测试）
type StaticProfiles struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

func NewStaticProfiles(profiles ...models.Profile) *StaticProfiles {
	s := &StaticProfiles{profiles: make(map[string]models.Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

// Put 写入或覆盖资料
func (s *StaticProfiles) Put(p models.Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

func (s *StaticProfiles) Profiles(_ context.Context, ids []string) (map[string]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Profile, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
