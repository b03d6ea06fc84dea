package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/cache"
	"go-imsync/internal/config"
	"go-imsync/internal/infrastructure/adapters/external"
	"go-imsync/internal/infrastructure/adapters/persistence"
	"go-imsync/internal/logging"
	"go-imsync/internal/metrics"
	"go-imsync/internal/mq"
	httpapi "go-imsync/internal/presentation/http"
	"go-imsync/internal/ratelimit"
	"go-imsync/internal/services"
	"go-imsync/internal/store/memstore"
	"go-imsync/internal/store/mongostore"
	"go-imsync/internal/store/sqlstore"
	"go-imsync/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	if cfg.EnableMetrics {
		metrics.Init()
	}

	docs := mustDocStore(cfg, log)
	presence := mustPresenceStore(cfg, log)
	profiles := mustProfiles(cfg, log)

	// 正在输入限速与在线状态共用 Redis；内存模式下不限速
	var limiter ports.TypingLimiter
	if cache.Client() != nil {
		limiter = ratelimit.NewTypingLimiter(cache.Client(), cfg.TypingWriteQPS, cfg.TypingWriteBurst)
	}

	var push ports.PushNotifier
	if cfg.KafkaBrokers != "" {
		p, err := mq.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPushTopic)
		if err != nil {
			log.Warn().Err(err).Msg("kafka producer unavailable, push hand-off disabled")
		} else {
			push = mq.NewPushNotifier(p)
			defer func() { _ = p.Close() }()
		}
	}

	ids := external.NewIDGeneratorAdapter()
	media := external.NewPassthroughUploader(cfg.MediaPublicHost)
	syncLog := logging.Component(log, "sync")

	registry := services.NewSessionRegistry(func(userID string) *services.SyncService {
		return services.NewSyncService(userID, services.Deps{
			Docs:     docs,
			Presence: presence,
			Profiles: profiles,
			Media:    media,
			Push:     push,
			Limiter:  limiter,
			IDs:      ids,
			Log:      syncLog,
			Sync:     cfg.Sync,
		})
	})

	handler := httpapi.NewConversationHandler(registry, cfg.JWTSecret, logging.Component(log, "http")).WithIdleTTL(cfg.HTTPSessionIdle)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go handler.Run(sweepCtx)
	wsSrv := &ws.Server{JWTSecret: cfg.JWTSecret, Sessions: registry, Log: logging.Component(log, "ws")}

	r := gin.New()
	r.Use(gin.Recovery())
	// 健康/指标
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	handler.Register(r)
	r.GET("/ws", wsSrv.Handle)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("docStore", cfg.DocStore).Str("presenceStore", cfg.PresenceStore).Msg("imsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	stopSweep()
	handler.Shutdown()
	registry.StopAll()
}

func mustDocStore(cfg *config.Config, log zerolog.Logger) ports.DocumentStore {
	switch strings.ToLower(cfg.DocStore) {
	case "mongodb", "mongo":
		db, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			log.Fatal().Err(err).Msg("MongoDB connection failed")
		}
		return mongostore.New(db, logging.Component(log, "mongostore"))
	default:
		return memstore.New()
	}
}

func mustPresenceStore(cfg *config.Config, log zerolog.Logger) ports.PresenceStore {
	switch strings.ToLower(cfg.PresenceStore) {
	case "redis":
		cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cache.Client().Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		return cache.NewPresenceStore(cache.Client())
	default:
		return memstore.NewPresence()
	}
}

// mustProfiles 配置 MySQL 时查询 users 表，否则使用进程内资料表
func mustProfiles(cfg *config.Config, log zerolog.Logger) ports.ProfileLookup {
	if cfg.MySQLDSN == "" {
		return persistence.NewStaticProfiles()
	}
	db, err := sqlstore.Open(cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("MySQL connection failed")
	}
	return persistence.NewProfileRepositoryAdapter(db)
}
