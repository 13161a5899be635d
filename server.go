package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"vox_back/agents"
	"vox_back/authorization"
	"vox_back/autopilot"
	"vox_back/cache"
	"vox_back/config"
	"vox_back/conversations"
	"vox_back/dashboard"
	"vox_back/database"
	"vox_back/envelope"
	"vox_back/ghl"
	"vox_back/inference"
	"vox_back/knowledge"
	"vox_back/logging"
	"vox_back/metrics"
	"vox_back/middleware"
	"vox_back/settings"
	"vox_back/storage"
	"vox_back/tokens"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

func migrate(db *gorm.DB) error {
	steps := []struct {
		name string
		run  func(*gorm.DB) error
	}{
		{"tokens", tokens.AutoMigrate},
		{"agents", agents.AutoMigrate},
		{"settings", settings.AutoMigrate},
		{"autopilot", autopilot.AutoMigrate},
		{"knowledge", knowledge.AutoMigrate},
	}
	for _, step := range steps {
		if err := step.run(db); err != nil {
			return fmt.Errorf("migrate %s: %w", step.name, err)
		}
	}
	return nil
}

type routeModule interface {
	RegisterRoutes(router gin.IRouter, guard *authorization.Guard)
}

func runServe() error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	log := logging.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenFromConfig(cfg)
	if err != nil {
		return err
	}
	if err := migrate(db); err != nil {
		return err
	}

	redisClient, err := cache.NewRedisClient(ctx, cache.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		log.WithError(err).Warn("redis unavailable, using in-process search cache")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	searches := cache.New(redisClient, cache.DefaultSearchTTL)

	cipher, err := tokens.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return err
	}
	if cipher == nil {
		log.Warn("TOKEN_ENCRYPTION_KEY not set, CRM tokens are stored unencrypted")
	}
	tokenStore := tokens.NewStore(db, cipher)
	refresher, err := tokens.NewRefresher(tokens.RefresherConfig{
		TokenURL:     cfg.GHLTokenURL,
		ClientID:     cfg.GHLClientID,
		ClientSecret: cfg.GHLClientSecret,
	}, tokenStore)
	if err != nil {
		return err
	}

	crm, err := ghl.NewClient(cfg.GHLAPIBaseURL, nil, tokenStore, refresher, searches)
	if err != nil {
		return err
	}
	oauth, err := ghl.NewOAuth(ghl.OAuthConfig{
		ClientID:     cfg.GHLClientID,
		ClientSecret: cfg.GHLClientSecret,
		RedirectURI:  cfg.GHLRedirectURI,
		AuthorizeURL: cfg.GHLAuthorizeURL,
		TokenURL:     cfg.GHLTokenURL,
		Scopes:       cfg.GHLScopes,
		SuccessURL:   cfg.PublicURL,
	}, tokenStore)
	if err != nil {
		log.WithError(err).Warn("GoHighLevel connect flow disabled")
		oauth = nil
	}

	fastAPI, err := inference.New(cfg.FastAPIURL, nil)
	if err != nil {
		return err
	}

	files, err := storage.NewFileStorage(ctx, storage.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
		PublicURL: cfg.MinioPublicURL,
	})
	if err != nil {
		log.WithError(err).Warn("object storage unavailable, knowledge-base uploads disabled")
		files = nil
	}

	knowledgeSvc := knowledge.NewService(db, files, fastAPI)
	agentStore := agents.NewStore(db, knowledgeSvc)
	settingsStore := settings.NewStore(db, agentStore, knowledgeSvc)
	resolver := agents.NewResolver(agentStore, settingsStore, cfg.AgentImplicitFallback)

	dispatcher := autopilot.NewDispatcher(db, settingsStore)
	manager := autopilot.NewManager(db, resolver, dispatcher)
	sweeper, err := autopilot.NewSweeper(db, dispatcher, cfg.AutopilotSweepInterval)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer func() {
		if err := sweeper.Stop(); err != nil {
			log.WithError(err).Warn("stop autopilot sweeper")
		}
	}()

	auth, err := authorization.New(cfg.SupabaseJWTSecret)
	if err != nil {
		return err
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(), middleware.Recovery())
	router.Use(cors.New(corsConfig(cfg)))
	router.NoRoute(func(c *gin.Context) {
		envelope.Fail(c, envelope.NotFound("route not found"))
	})
	router.GET("/healthz", func(c *gin.Context) {
		envelope.OK(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	auth.RegisterRoutes(router)
	guard := auth.Guard()
	limiter := middleware.NewRateLimiter(cfg.InferenceRatePerSecond, cfg.InferenceRateBurst)
	for _, module := range []routeModule{
		ghl.NewModule(crm, oauth, tokenStore),
		agents.NewModule(agentStore, resolver),
		settings.NewModule(settingsStore),
		autopilot.NewModule(manager),
		conversations.NewModule(conversations.NewService(resolver, settingsStore, fastAPI), limiter),
		knowledge.NewModule(knowledgeSvc),
		dashboard.NewModule(dashboard.NewService(agentStore, knowledgeSvc, manager, crm)),
	} {
		module.RegisterRoutes(router, guard)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("vox_back listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func corsConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	switch {
	case len(cfg.CORSAllowedOrigins) > 0:
		c.AllowOrigins = cfg.CORSAllowedOrigins
	case cfg.Production():
		// Credentialed requests are only accepted from the dashboard itself.
		c.AllowOrigins = []string{cfg.PublicURL}
	default:
		c.AllowOriginFunc = func(string) bool { return true }
	}
	return c
}
