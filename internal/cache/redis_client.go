package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/infrastructure/realtime"

	"github.com/redis/go-redis/v9"
)

// 本包封装了 Redis 客户端与在线状态相关的键：
// - 最近在线：imsync:presence:lastseen:<userId>（毫秒时间戳）
// - 变更通道：imsync:presence:ch:<userId>
// 心跳写入与发布在同一事务管道内完成。
var (
	redisClient *redis.Client
)

// lastSeenTTL 最近在线键保留时长；过期后视为从未上线
const lastSeenTTL = 30 * 24 * time.Hour

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

func LastSeenKey(userID string) string     { return fmt.Sprintf("imsync:presence:lastseen:%s", userID) }
func PresenceChannel(userID string) string { return fmt.Sprintf("imsync:presence:ch:%s", userID) }

// PresenceStore 基于 Redis 的最近在线存储，实现 ports.PresenceStore
type PresenceStore struct {
	client *redis.Client
}

func NewPresenceStore(c *redis.Client) *PresenceStore {
	return &PresenceStore{client: c}
}

// 只前进：新值不大于旧值时不覆盖
var heartbeatScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]))
local now = tonumber(ARGV[1])
if cur ~= nil and cur >= now then
  return 0
end
redis.call('SET', KEYS[1], now, 'PX', ARGV[2])
redis.call('PUBLISH', KEYS[2], now)
return 1
`)

func (p *PresenceStore) Heartbeat(ctx context.Context, userID string, at time.Time) error {
	err := heartbeatScript.Run(ctx, p.client,
		[]string{LastSeenKey(userID), PresenceChannel(userID)},
		at.UnixMilli(), lastSeenTTL.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errs.Transient("presence.heartbeat", err)
	}
	return nil
}

func (p *PresenceStore) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	v, err := p.client.Get(ctx, LastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errs.Transient("presence.lastSeen", err)
	}
	return parseMillis(v)
}

// SubscribeLastSeen 订阅变更通道；首包为当前值（存在时）
func (p *PresenceStore) SubscribeLastSeen(ctx context.Context, userID string) (ports.Subscription[time.Time], error) {
	ps := p.client.Subscribe(ctx, PresenceChannel(userID))
	// 确认订阅建立，避免漏掉随后的发布
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.Transient("presence.subscribe", err)
	}
	st := realtime.NewStream[time.Time](1, func() { _ = ps.Close() })
	if at, err := p.LastSeen(ctx, userID); err == nil && !at.IsZero() {
		st.Publish(at)
	}
	go func() {
		for msg := range ps.Channel() {
			at, err := parseMillis(msg.Payload)
			if err != nil {
				st.Fail(err)
				continue
			}
			st.Publish(at)
		}
	}()
	return st, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("presence: bad timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

var _ ports.PresenceStore = (*PresenceStore)(nil)
