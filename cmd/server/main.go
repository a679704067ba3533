// Package main runs the CFP HTTP server with plugins, federation, WebSocket notifications and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cfpforge/backend/config"
	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/auth"
	"github.com/cfpforge/backend/internal/events"
	"github.com/cfpforge/backend/internal/federation"
	"github.com/cfpforge/backend/internal/invitations"
	"github.com/cfpforge/backend/internal/messages"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/internal/plugins"
	"github.com/cfpforge/backend/internal/realtime"
	"github.com/cfpforge/backend/internal/reviews"
	"github.com/cfpforge/backend/internal/settings"
	"github.com/cfpforge/backend/internal/submissions"
	"github.com/cfpforge/backend/internal/users"
	"github.com/cfpforge/backend/internal/worker"
	"github.com/cfpforge/backend/pkg/crypto"
	"github.com/cfpforge/backend/pkg/database"
	"github.com/cfpforge/backend/pkg/queue"
	"github.com/cfpforge/backend/pkg/redis"
	"github.com/cfpforge/backend/pkg/response"
	"github.com/cfpforge/backend/pkg/search"
	"github.com/cfpforge/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	cipher, err := crypto.New(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal("encryption key", zap.Error(err))
	}
	if cfg.Security.EncryptionKey == "" {
		logger.Warn("ENCRYPTION_KEY not set, secrets are stored in plaintext")
	}

	var archives storage.ArchiveStore = storage.Disabled{}
	if cfg.AWS.PluginsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			PluginsBucket:        cfg.AWS.PluginsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			archives = s3Client
		}
	}

	var indexer search.EventIndexer = search.Noop{}
	if cfg.Search.MeiliHost != "" {
		indexer = search.NewMeili(cfg.Search.MeiliHost, cfg.Search.MeiliMasterKey, logger)
	}

	// Repositories
	usersRepo := users.NewRepository(pool, cipher)
	settingsRepo := settings.NewRepository(pool)
	eventsRepo := events.NewRepository(pool)
	submissionsRepo := submissions.NewRepository(pool)
	reviewsRepo := reviews.NewRepository(pool)
	messagesRepo := messages.NewRepository(pool)
	activityRepo := activity.NewRepository(pool)
	invitationsRepo := invitations.NewRepository(pool, usersRepo, eventsRepo)
	pluginsRepo := plugins.NewRepository(pool)
	federationRepo := federation.NewRepository(pool, cipher)

	activityLog := activity.NewLog(activityRepo, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Plugins: the registry doubles as the hook emitter for every handler.
	registry := plugins.NewRegistry(cfg.Plugins.HookTimeout, logger)
	verifier, err := plugins.NewVerifier(cfg.Plugins.TrustedKeys, cfg.Plugins.RequireSignature)
	if err != nil {
		logger.Fatal("plugin trusted keys", zap.Error(err))
	}
	pluginService, err := plugins.NewService(pluginsRepo, registry, plugins.ServiceOptions{
		Root: cfg.Plugins.Dir,
		Limits: plugins.Limits{
			MaxArchiveBytes:   cfg.Plugins.MaxArchiveBytes,
			MaxExtractedBytes: cfg.Plugins.MaxExtractedBytes,
			MaxEntries:        cfg.Plugins.MaxEntries,
		},
		Gallery:  plugins.NewGallery(cfg.Plugins.GalleryURL, cfg.Plugins.DownloadTimeout, cfg.Plugins.MaxArchiveBytes),
		Verifier: verifier,
		Archives: archives,
		Crypto:   cipher,
		Host: &plugins.Host{
			Events:      eventsRepo,
			Submissions: submissionsRepo,
			Reviews:     reviewsRepo,
			Users:       usersRepo,
			HTTPTimeout: cfg.Plugins.HookTimeout,
		},
	}, logger)
	if err != nil {
		logger.Fatal("plugins", zap.Error(err))
	}
	loaded := pluginService.LoadEnabled(ctx)
	logger.Info("plugins loaded", zap.Int("count", loaded), zap.Strings("builtin", plugins.Factories()))

	// Federation
	federationClient := federation.NewClient(cfg.Federation.RequestTimeout, cfg.Server.PublicURL, logger)
	publisher := federation.NewPublisher(federationRepo, jobQueue, logger)

	// Realtime
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authn := auth.NewAuthenticator(jwtService, usersRepo)

	// Handlers
	setupHandler := auth.NewSetupHandler(auth.NewSetupRepository(pool, usersRepo, settingsRepo), jwtService, registry, activityLog, logger)
	authHandler := auth.NewHandler(usersRepo, jwtService, registry, activityLog, logger)
	usersHandler := users.NewHandler(usersRepo, activityLog, logger)
	settingsHandler := settings.NewHandler(settingsRepo, activityLog, logger)
	activityHandler := activity.NewHandler(activityRepo, logger)
	invitationsHandler := invitations.NewHandler(invitationsRepo, usersRepo, eventsRepo, jwtService, registry, activityLog, cfg.Server.PublicURL, logger)
	eventsHandler := events.NewHandler(eventsRepo, usersRepo, registry, publisher, indexer, activityLog, logger)
	submissionsHandler := submissions.NewHandler(submissionsRepo, eventsRepo, registry, publisher, activityLog, logger)
	reviewsHandler := reviews.NewHandler(reviewsRepo, submissionsRepo, eventsRepo, registry, logger)
	messagesHandler := messages.NewHandler(messagesRepo, submissionsRepo, eventsRepo, hub, logger)
	pluginsHandler := plugins.NewHandler(pluginService, activityLog, logger)
	federationHandler := federation.NewHandler(federationRepo, eventsRepo, federationClient, activityLog, cfg.Federation.SignatureMaxSkew, logger)

	limiter := middleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL, clockwork.NewRealClock())
	sweeperDone := make(chan struct{})
	go limiter.RunSweeper(sweeperDone)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.RateLimit(limiter))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	router.GET("/setup/status", setupHandler.Status)
	router.POST("/setup", setupHandler.Setup)
	router.GET("/settings", settingsHandler.Get)
	router.POST("/auth/register", authHandler.Register)
	router.POST("/auth/login", authHandler.Login)
	router.GET("/invitations/:token", invitationsHandler.Lookup)
	router.POST("/invitations/:token/accept", invitationsHandler.Accept)
	router.GET("/events", eventsHandler.ListPublic)
	router.GET("/events/:id", eventsHandler.GetPublic)
	router.GET("/events/:id/tracks", eventsHandler.ListTracks)
	router.GET("/events/:id/formats", eventsHandler.ListFormats)

	// Webhooks (no JWT; the handler verifies the HMAC signature)
	router.POST("/webhooks/federation", federationHandler.Webhook)

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, authn, cfg.Server.CORSAllowedOrigins, logger))

	staff := middleware.RequireRole(models.RoleAdmin, models.RoleOrganizer)
	admin := middleware.RequireRole(models.RoleAdmin)

	api := router.Group("")
	api.Use(middleware.JWT(authn))
	{
		api.GET("/auth/me", authHandler.Me)
		api.PATCH("/auth/me", authHandler.UpdateMe)

		api.POST("/invitations", staff, invitationsHandler.Create)
		api.GET("/invitations", staff, invitationsHandler.List)
		api.DELETE("/invitations/:id", staff, invitationsHandler.Revoke)

		// Events (team checks happen in the handler)
		api.GET("/manage/events", eventsHandler.ListManaged)
		api.GET("/manage/events/:id", eventsHandler.GetManaged)
		api.POST("/events", staff, eventsHandler.Create)
		api.PATCH("/events/:id", eventsHandler.Update)
		api.DELETE("/events/:id", eventsHandler.Delete)
		api.POST("/events/:id/publish", eventsHandler.Publish)
		api.POST("/events/:id/unpublish", eventsHandler.Unpublish)
		api.GET("/events/:id/stats", eventsHandler.Stats)
		api.POST("/events/:id/tracks", eventsHandler.CreateTrack)
		api.PATCH("/events/:id/tracks/:trackId", eventsHandler.UpdateTrack)
		api.DELETE("/events/:id/tracks/:trackId", eventsHandler.DeleteTrack)
		api.POST("/events/:id/formats", eventsHandler.CreateFormat)
		api.PATCH("/events/:id/formats/:formatId", eventsHandler.UpdateFormat)
		api.DELETE("/events/:id/formats/:formatId", eventsHandler.DeleteFormat)
		api.GET("/events/:id/members", eventsHandler.ListMembers)
		api.POST("/events/:id/members", eventsHandler.AddMember)
		api.DELETE("/events/:id/members/:userId", eventsHandler.RemoveMember)
		api.GET("/events/:id/submissions", submissionsHandler.ListForEvent)

		// Submissions
		api.POST("/submissions", submissionsHandler.Create)
		api.GET("/me/submissions", submissionsHandler.ListMine)
		api.GET("/submissions/:id", submissionsHandler.Get)
		api.PATCH("/submissions/:id", submissionsHandler.Update)
		api.POST("/submissions/:id/withdraw", submissionsHandler.Withdraw)
		api.PATCH("/submissions/:id/status", submissionsHandler.SetStatus)

		// Reviews
		api.PUT("/submissions/:id/review", reviewsHandler.Upsert)
		api.GET("/submissions/:id/reviews", reviewsHandler.List)
		api.GET("/submissions/:id/reviews/summary", reviewsHandler.Summary)

		// Messages
		api.GET("/submissions/:id/messages", messagesHandler.List)
		api.POST("/submissions/:id/messages", messagesHandler.Post)
		api.POST("/submissions/:id/messages/read", messagesHandler.MarkRead)
	}

	adminGroup := router.Group("/admin")
	adminGroup.Use(middleware.JWT(authn), admin)
	{
		adminGroup.GET("/users", usersHandler.List)
		adminGroup.PATCH("/users/:id/role", usersHandler.UpdateRole)
		adminGroup.DELETE("/users/:id", usersHandler.Delete)
		adminGroup.PATCH("/settings", settingsHandler.Update)
		adminGroup.GET("/activity", activityHandler.List)

		adminGroup.GET("/federation", federationHandler.Get)
		adminGroup.PUT("/federation", federationHandler.Update)
		adminGroup.POST("/federation/test", federationHandler.Test)

		p := adminGroup.Group("/plugins")
		p.GET("", pluginsHandler.List)
		p.GET("/gallery", pluginsHandler.Gallery)
		p.POST("/upload", pluginsHandler.Upload)
		p.POST("/install", pluginsHandler.InstallFromGallery)
		p.GET("/:name", pluginsHandler.Get)
		p.DELETE("/:name", pluginsHandler.Uninstall)
		p.POST("/:name/update", pluginsHandler.Update)
		p.POST("/:name/enable", pluginsHandler.Enable)
		p.POST("/:name/disable", pluginsHandler.Disable)
		p.PUT("/:name/config", pluginsHandler.Configure)
		p.POST("/:name/actions/:action", pluginsHandler.Invoke)
		p.GET("/:name/archive", pluginsHandler.ArchiveURL)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (federation deliveries)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if cfg.Federation.InProcessWorker {
		processor := worker.NewFederationProcessor(jobQueue, federationRepo, federationClient, logger)
		go func() {
			defer close(workerDone)
			processor.Run(workerCtx)
		}()
		logger.Info("federation worker started")
	} else {
		close(workerDone)
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	close(sweeperDone)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	pluginService.Shutdown(shutdownCtx)
	if err := redisPubSub.Close(); err != nil {
		logger.Warn("close redis notifications", zap.Error(err))
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("federation worker did not stop in time")
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
