package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/awesome-babushka/auth-service/api/swagger"
	"github.com/awesome-babushka/auth-service/internal/handler"
	"github.com/awesome-babushka/auth-service/internal/middleware"
	"github.com/awesome-babushka/auth-service/internal/repository"
	"github.com/awesome-babushka/auth-service/internal/service"
	"github.com/awesome-babushka/auth-service/internal/token"
	"github.com/awesome-babushka/auth-service/pkg/cache"
	"github.com/awesome-babushka/auth-service/pkg/config"
	"github.com/awesome-babushka/auth-service/pkg/database"
	"github.com/awesome-babushka/auth-service/pkg/jobs"
	"github.com/awesome-babushka/auth-service/pkg/logger"
	"github.com/awesome-babushka/auth-service/pkg/mailer"
	corsmiddleware "github.com/awesome-babushka/auth-service/pkg/middleware/cors"
	reqidmiddleware "github.com/awesome-babushka/auth-service/pkg/middleware/requestid"
)

// @title Awesome Babushka Auth Service
// @version 1.0.0
// @description Issues, validates, rotates and revokes signed session tokens
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	privateKey, publicKey, err := token.LoadKeyPair(cfg.JWT.PrivateKeyFile, cfg.JWT.PublicKeyFile)
	if err != nil {
		logr.Sugar().Fatalw("failed to load signing keys", "error", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := service.NewMetricsService()
	codec := token.NewCodec(privateKey, publicKey, cfg.JWT.Issuer, cfg.JWT.Audience, nil)

	tokenRepo := repository.NewTokenRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	tokenSvc := service.NewTokenService(codec, tokenRepo, userRepo, metrics, logr, service.TokenConfig{
		AccessExpiry:  cfg.JWT.AccessExpiry,
		RefreshExpiry: cfg.JWT.RefreshExpiry,
	}, nil)
	tokenSvc.StartCleanup(ctx, cfg.Cleanup.Interval)

	mail := mailer.New(cfg.Email)
	mailQueue := jobs.NewQueue("verification-email", func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(service.VerificationEmailPayload)
		if !ok {
			return fmt.Errorf("unexpected payload for job %s", job.ID)
		}
		return mail.SendVerification(payload.Email, payload.Key)
	}, jobs.QueueConfig{Workers: cfg.Email.Workers, Logger: logr})
	mailQueue.Start(ctx)
	defer mailQueue.Stop()

	authSvc := service.NewAuthService(userRepo, cacheRepo, tokenSvc, mailQueue, nil, logr, service.AuthConfig{
		EmailEnabled:  cfg.Email.Enabled,
		ActivationTTL: cfg.Email.ActivationTTL,
	}, nil)

	authHandler := handler.NewAuthHandler(authSvc)
	tokenHandler := handler.NewTokenHandler(tokenSvc, authSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.GET("/verify", authHandler.Verify)
		auth.POST("/logout", middleware.JWT(tokenSvc), authHandler.Logout)
		auth.GET("/me", middleware.JWT(tokenSvc), authHandler.Me)
	}
	tokens := api.Group("/token")
	{
		tokens.POST("/refresh", tokenHandler.Refresh)
		tokens.GET("/validate", tokenHandler.Validate)
		tokens.POST("/users/:username/revoke", middleware.JWT(tokenSvc), tokenHandler.RevokeAll)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
