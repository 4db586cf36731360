package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/pulsechat/pulse/internal/auth"
	"github.com/pulsechat/pulse/internal/blob"
	"github.com/pulsechat/pulse/internal/bus"
	"github.com/pulsechat/pulse/internal/config"
	"github.com/pulsechat/pulse/internal/conversation"
	"github.com/pulsechat/pulse/internal/gateway"
	"github.com/pulsechat/pulse/internal/logger"
	"github.com/pulsechat/pulse/internal/media"
	"github.com/pulsechat/pulse/internal/message"
	"github.com/pulsechat/pulse/internal/presence"
	"github.com/pulsechat/pulse/internal/storage/pg"
	"github.com/pulsechat/pulse/internal/user"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	// Persistence.
	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		fatal(log, "failed to initialize database", err)
	}

	// Presence store.
	redisOpts, err := redis.ParseURL(cfg.RedisAddr())
	if err != nil {
		fatal(log, "invalid redis address", err)
	}
	redisClient := redis.NewClient(redisOpts)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		fatal(log, "failed to reach redis", err)
	}
	cancelPing()

	// Message bus.
	busConn, err := bus.Connect(cfg.NatsURL, log)
	if err != nil {
		fatal(log, "failed to connect to message bus", err)
	}

	// Blob store.
	blobClient, err := blob.NewClient(blob.Config{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
	}, log)
	if err != nil {
		fatal(log, "failed to create blob store client", err)
	}
	bucketCtx, cancelBucket := context.WithTimeout(context.Background(), 10*time.Second)
	if err := blobClient.EnsureBucket(bucketCtx); err != nil {
		fatal(log, "failed to provision media bucket", err)
	}
	cancelBucket()

	// Services.
	userService := user.NewService(user.NewStore(db), log)
	convService := conversation.NewService(conversation.NewStore(db), userService, log)
	msgService := message.NewService(message.NewStore(db), convService, log)
	presenceStore := presence.NewStore(redisClient, cfg.PresenceTTL, log)
	mediaService := media.NewService(blobClient, convService, log)
	lastSeen := user.NewLastSeenWriter(userService, log)

	verifier := auth.NewVerifier(cfg.AuthSecret, userService)
	authMW := auth.NewMiddleware(verifier)

	// Handlers.
	userHandler := user.NewHandler(userService, log)
	convHandler := conversation.NewHandler(convService, log)
	msgHandler := message.NewHandler(msgService, busConn, log)
	mediaHandler := media.NewHandler(mediaService, log)

	// Gateway, fed by the bus so fan-out works across instances.
	gw := gateway.New(gateway.Config{
		AllowedOrigin: cfg.FrontendOrigin,
		EventRate:     cfg.GatewayEventRate,
		EventBurst:    cfg.GatewayEventBurst,
	}, verifier, convService, msgService, presenceStore, busConn, lastSeen, log)

	if err := busConn.SubscribeMessages(gw.Consume); err != nil {
		fatal(log, "failed to subscribe to message subject", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"instance": logger.GetInstanceID(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", gw.Handle)

	authRoutes := router.Group("/auth")
	{
		// Sync runs before the user row exists, so it only needs a valid
		// token; everything else resolves the principal.
		authRoutes.POST("/sync", authMW.RequireToken(), userHandler.Sync)
		authRoutes.GET("/me", authMW.RequireAuth(), userHandler.Me)
	}

	conversations := router.Group("/conversations", authMW.RequireAuth())
	{
		conversations.POST("", convHandler.Create)
		conversations.GET("", convHandler.List)
		conversations.GET("/:id", convHandler.Get)
	}

	messages := router.Group("/messages", authMW.RequireAuth())
	{
		messages.POST("", msgHandler.Create)
		messages.GET("/:conversationId", msgHandler.List)
		messages.GET("/:conversationId/:messageId", msgHandler.GetSingle)
	}

	mediaRoutes := router.Group("/media", authMW.RequireAuth())
	{
		mediaRoutes.POST("/upload-url", mediaHandler.RequestUploadURL)
		mediaRoutes.GET("/url", mediaHandler.GetURL)
	}

	// One CORS policy for REST and the socket upgrade.
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.FrontendOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "x-request-id"},
		AllowCredentials: true,
	}).Handler(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		log.Info("pulse listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(log, "server failed", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	// Stop accepting requests, then close the sockets so every disconnect
	// path still reaches the stores, then drain the writers and the bus.
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http server shutdown failed", slog.Any("error", err))
	}
	if err := gw.Shutdown(ctx); err != nil {
		log.Error("gateway shutdown failed", slog.Any("error", err))
	}
	lastSeen.Shutdown()
	busConn.Close()

	if err := redisClient.Close(); err != nil {
		log.Error("failed to close redis client", slog.Any("error", err))
	}
	if err := db.Close(); err != nil {
		log.Error("failed to close database", slog.Any("error", err))
	}

	log.Info("server exited")
}

func fatal(log *logger.Logger, msg string, err error) {
	log.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
