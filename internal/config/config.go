package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"` // 资料查询（好友模块 users 表），为空则使用进程内资料表
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 文档存储选择：memory 或 mongodb
	DocStore string `yaml:"docStore"`
	// 在线状态存储选择：memory 或 redis
	PresenceStore string `yaml:"presenceStore"`

	// Kafka 配置（可选，推送交接）
	KafkaBrokers     string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaPushTopic   string `yaml:"kafkaPushTopic"`
	MediaPublicHost  string `yaml:"mediaPublicHost"`
	LogLevel         string `yaml:"logLevel"`
	EnableMetrics    bool   `yaml:"enableMetrics"`
	TypingWriteQPS   int    `yaml:"typingWriteQPS"`
	TypingWriteBurst int    `yaml:"typingWriteBurst"`

	// HTTP 会话引用空闲释放时间
	HTTPSessionIdle time.Duration `yaml:"httpSessionIdle"`

	Sync SyncConfig `yaml:"sync"`
}

// SyncConfig 同步引擎的窗口与计时参数
type SyncConfig struct {
	HeadWindow        int           `yaml:"headWindow"`        // 实时订阅头部窗口
	PageSize          int           `yaml:"pageSize"`          // 预取/翻页大小
	TypingTTL         time.Duration `yaml:"typingTTL"`         // 正在输入有效期
	TypingSweep       time.Duration `yaml:"typingSweep"`       // 正在输入重算周期
	PresenceHeartbeat time.Duration `yaml:"presenceHeartbeat"` // 自身心跳周期
	PresenceCoalesce  time.Duration `yaml:"presenceCoalesce"`  // 在线状态合并刷新周期
	OnlineWindow      time.Duration `yaml:"onlineWindow"`      // 在线判定窗口
	ReadDelay         time.Duration `yaml:"readDelay"`         // 延迟标记已读
}

// DefaultSync 默认同步参数
func DefaultSync() SyncConfig {
	return SyncConfig{
		HeadWindow:        50,
		PageSize:          50,
		TypingTTL:         4 * time.Second,
		TypingSweep:       time.Second,
		PresenceHeartbeat: 60 * time.Second,
		PresenceCoalesce:  10 * time.Second,
		OnlineWindow:      120 * time.Second,
		ReadDelay:         4 * time.Second,
	}
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		MongoURI:   "mongodb://127.0.0.1:27017/imsync",
		JWTSecret:  "change-me-in-prod",

		DocStore:      "memory",
		PresenceStore: "memory",

		KafkaBrokers:   "",
		KafkaPushTopic: "imsync-message-sent",

		LogLevel:         "info",
		EnableMetrics:    true,
		TypingWriteQPS:   2,
		TypingWriteBurst: 4,
		HTTPSessionIdle:  10 * time.Minute,

		Sync: DefaultSync(),
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("IMSYNC_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	cfg.Sync.normalize()
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}
	setDur := func(env string, dst *time.Duration) {
		*dst = getEnvDuration(env, *dst)
	}

	setStr("IMSYNC_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("IMSYNC_REDIS_ADDR", &cfg.RedisAddr)
	setStr("IMSYNC_REDIS_PASS", &cfg.RedisPass)
	setInt("IMSYNC_REDIS_DB", &cfg.RedisDB)
	setStr("IMSYNC_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("IMSYNC_MONGO_URI", &cfg.MongoURI)
	setStr("IMSYNC_JWT_SECRET", &cfg.JWTSecret)

	setStr("IMSYNC_DOC_STORE", &cfg.DocStore)
	setStr("IMSYNC_PRESENCE_STORE", &cfg.PresenceStore)

	setStr("IMSYNC_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("IMSYNC_KAFKA_PUSH_TOPIC", &cfg.KafkaPushTopic)
	setStr("IMSYNC_MEDIA_PUBLIC_HOST", &cfg.MediaPublicHost)
	setStr("IMSYNC_LOG_LEVEL", &cfg.LogLevel)
	setBool("IMSYNC_ENABLE_METRICS", &cfg.EnableMetrics)
	setInt("IMSYNC_TYPING_WRITE_QPS", &cfg.TypingWriteQPS)
	setInt("IMSYNC_TYPING_WRITE_BURST", &cfg.TypingWriteBurst)
	setDur("IMSYNC_HTTP_SESSION_IDLE", &cfg.HTTPSessionIdle)

	setInt("IMSYNC_HEAD_WINDOW", &cfg.Sync.HeadWindow)
	setInt("IMSYNC_PAGE_SIZE", &cfg.Sync.PageSize)
	setDur("IMSYNC_TYPING_TTL", &cfg.Sync.TypingTTL)
	setDur("IMSYNC_TYPING_SWEEP", &cfg.Sync.TypingSweep)
	setDur("IMSYNC_PRESENCE_HEARTBEAT", &cfg.Sync.PresenceHeartbeat)
	setDur("IMSYNC_PRESENCE_COALESCE", &cfg.Sync.PresenceCoalesce)
	setDur("IMSYNC_ONLINE_WINDOW", &cfg.Sync.OnlineWindow)
	setDur("IMSYNC_READ_DELAY", &cfg.Sync.ReadDelay)
}

// normalize 非法值回退默认；头部窗口上限 50
func (s *SyncConfig) normalize() {
	def := DefaultSync()
	if s.HeadWindow <= 0 || s.HeadWindow > def.HeadWindow {
		s.HeadWindow = def.HeadWindow
	}
	if s.PageSize <= 0 {
		s.PageSize = def.PageSize
	}
	fix := func(dst *time.Duration, d time.Duration) {
		if *dst <= 0 {
			*dst = d
		}
	}
	fix(&s.TypingTTL, def.TypingTTL)
	fix(&s.TypingSweep, def.TypingSweep)
	fix(&s.PresenceHeartbeat, def.PresenceHeartbeat)
	fix(&s.PresenceCoalesce, def.PresenceCoalesce)
	fix(&s.OnlineWindow, def.OnlineWindow)
	fix(&s.ReadDelay, def.ReadDelay)
}

// Brokers 解析 Kafka broker 列表
func (c *Config) Brokers() []string {
	return parseList(c.KafkaBrokers)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

// 解析逗号分隔列表
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for i := 0; i < len(s); {
		start := i
		for i < len(s) && s[i] != ',' {
			i++
		}
		if start < i {
			item := s[start:i]
			// 去除空格
			for len(item) > 0 && item[0] == ' ' {
				item = item[1:]
			}
			for len(item) > 0 && item[len(item)-1] == ' ' {
				item = item[:len(item)-1]
			}
			if item != "" {
				out = append(out, item)
			}
		}
		if i < len(s) {
			i++ // skip comma
		}
	}
	return out
}
