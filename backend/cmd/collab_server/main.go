package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"collabEditor/backend/config"
	"collabEditor/backend/internal/cache"
	"collabEditor/backend/internal/collab"
	"collabEditor/backend/internal/httpapi/handlers"
	"collabEditor/backend/internal/httpapi/middleware"
	"collabEditor/backend/internal/store"
	"collabEditor/backend/internal/ws"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d mysql=%v redis=%v kafka=%v", cfg.Running.Port, cfg.Mysql.DSN != "", cfg.Redis.Addrs, cfg.Kafka.Brokers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === 在线状态（可选）===
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	// === 存储：配置了 MySQL 用 MySQL，否则用内存 ===
	var (
		contentStore collab.ContentStore
		historyStore collab.HistoryStore
		access       collab.AccessChecker = collab.AllowAll{}
	)
	if cfg.Mysql.DSN != "" {
		db, err := store.OpenMySQL(ctx, cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		gdb, err := store.InitMySQL(db)
		if err != nil {
			log.Fatalf("Failed to open gorm: %v", err)
		}
		hs := store.NewHistoryStore(gdb)
		if err = hs.Migrate(); err != nil {
			log.Fatalf("Failed to migrate history: %v", err)
		}
		contentStore = store.NewContentStore(db)
		historyStore = hs
		access = store.NewAccessStore(db)
	} else {
		log.Printf("Mysql.dsn is empty, using in-memory store")
		mem := store.NewMemoryStore()
		contentStore, historyStore = mem, mem
	}

	// === Kafka（可选）===
	var (
		events     collab.EventPublisher
		dispatcher *collab.KafkaDispatcher
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(0), collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		})
		events = dispatcher
	}

	svc := collab.NewInMemoryService(contentStore, historyStore, events, collab.Options{HistoryCap: cfg.Collab.HistoryCap})
	hub := ws.NewHub(presence, cfg.Redis.PresenceTTL)
	manager := ws.NewManager(hub, svc, access, collab.NewSemaphoreControl(cfg.Collab.MaxConcurrentOp), ws.ConnOptions{
		SendQueue:    cfg.Collab.SendQueue,
		WriteTimeout: cfg.Collab.WriteTimeout,
		PongWait:     cfg.Collab.PongWait,
		OpTimeout:    cfg.Collab.OpTimeout,
	})
	files := handlers.NewFileHandler(svc, hub)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	group := r.Group("/collab")
	group.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "connections": hub.Len()})
	})
	// 从 Authorization 或 ?token= 取 token，写入 userId/username
	group.Use(middleware.Select(cfg.Auth.JWTSecret, cfg.Auth.Path))
	group.GET("/ws", manager.WebSocketConnect)
	group.GET("/files/:filename/history", files.History)
	group.GET("/files/:filename/participants", files.Participants)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("collab server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Collab.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	// 先断开所有连接，再把仍打开的文件落盘
	hub.CloseAll()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("persist on shutdown error: %v", err)
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
}
