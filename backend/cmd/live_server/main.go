package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"liveServer/backend/config"
	"liveServer/backend/internal/cache"
	"liveServer/backend/internal/httpapi/middleware"
	"liveServer/backend/internal/live"
	"liveServer/backend/internal/store"
	"liveServer/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	cfg := &config.Config{}
	v := viper.New()
	v.SetConfigName("liveConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetDefault("running.port", 3003)
	v.SetDefault("live.quietWindowMs", 2000)
	v.SetDefault("live.lockTimeoutMs", 500)
	v.SetDefault("live.monitorTtlSeconds", 600)
	v.SetDefault("live.presenceTtlSeconds", 600)
	v.SetDefault("live.snapshotLabel", "content")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	dispatcher := live.NewKafkaDispatcher(producer, cfg.Kafka.Topic, live.KafkaDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})

	blockStore := store.NewBlockStore(db)
	capStore := store.NewCapabilityStore(db)
	presenceCache := cache.NewRedisPresence(rdb)

	var sink live.SnapshotSink
	if cfg.Live.SnapshotURL != "" {
		sink = store.NewWebhookSink(cfg.Live.SnapshotURL, cfg.Live.SnapshotLabel)
	}

	hub := ws.NewHub()
	engine := live.NewManager(blockStore, capStore, hub, sink, dispatcher, live.Options{
		QuietWindow: time.Duration(cfg.Live.QuietWindowMs) * time.Millisecond,
		LockTimeout: time.Duration(cfg.Live.LockTimeoutMs) * time.Millisecond,
		MonitorTTL:  time.Duration(cfg.Live.MonitorTTLSeconds) * time.Second,
	})

	presenceTTL := time.Duration(cfg.Live.PresenceTTLSeconds) * time.Second
	wsManager := ws.NewManager(hub, engine, presenceCache, presenceTTL)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	liveGroup := r.Group("/live")
	liveGroup.Use(middleware.AuthMiddleware(cfg.Auth.Secret))
	liveGroup.GET("/ws", wsManager.WebSocketConnect)
	r.GET("/live/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen failed: %v", err)
		}
	}()
	log.Printf("live server listening on :%d", cfg.Running.Port)

	<-ctx.Done()
	log.Printf("shutting down: flushing pending blocks")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	// 把所有挂着的 debounce 冲掉再退出，不能丢已接受的变更
	if err := engine.Close(shutdownCtx); err != nil {
		log.Printf("flush on shutdown: %v", err)
	}
	dispatcher.Close()
}
