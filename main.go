package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-relay/internal/archive"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/history"
	"chat-relay/internal/moderation"
	"chat-relay/internal/observability"
	"chat-relay/internal/upload"
	"chat-relay/internal/ws"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("chat-relay starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, "chat-relay")
	if err != nil {
		log.Fatal("tracing setup failed", zap.Error(err))
	}
	if shutdownTracing != nil {
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = shutdownTracing(tctx)
			cancel()
		}()
	}

	database, err := db.Connect(cfg.Archive.DSN, log)
	if err != nil {
		log.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	if cfg.AMQP.URL != "" {
		publisher, err := observability.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Warn("amqp unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			observability.SetPublisher(publisher)
			defer publisher.Close()
		}
	}

	broker, err := upload.NewBroker(upload.Options{
		Endpoint:      cfg.Blob.Endpoint,
		AccessKey:     cfg.Blob.AccessKey,
		SecretKey:     cfg.Blob.SecretKey,
		UseSSL:        cfg.Blob.UseSSL,
		Bucket:        cfg.Blob.Bucket,
		PublicBaseURL: cfg.Blob.PublicBaseURL,
		GrantTTL:      cfg.Blob.GrantTTL.Std(),
	})
	if err != nil {
		log.Fatal("failed to connect to blob store", zap.Error(err))
	}

	snapshot := moderation.NewSnapshot(
		moderation.NewHTTPSource(cfg.Moderation.Endpoint, &http.Client{Timeout: cfg.Moderation.FetchTimeout.Std()}),
		log,
	)
	batcher := archive.NewBatcher(archive.NewPostgresSink(database), log)
	hist := history.NewBuffer(cfg.Relay.HistorySize)

	hub := ws.NewHub(log)
	engine := ws.NewEngine(hub, hist, snapshot, batcher, broker, log, cfg.Blob.GrantTimeout.Std())
	heartbeat := ws.NewHeartbeat(hub, engine, cfg.Relay.HeartbeatInterval.Std(), log)
	relayHandler := ws.NewHandler(hub, engine, log, cfg.Relay.OutboundQueueSize, cfg.Relay.WriteTimeout.Std())

	go snapshot.RunRefresher(ctx, cfg.Moderation.RefreshInterval.Std(), cfg.Moderation.FetchTimeout.Std())
	go batcher.RunFlusher(ctx, cfg.Archive.FlushInterval.Std(), cfg.Archive.FlushTimeout.Std())
	go heartbeat.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-relay"))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/ws", relayHandler.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Len()})
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		log.Info("chat-relay listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
}
