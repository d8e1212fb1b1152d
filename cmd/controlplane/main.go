package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/catalog"
	"github.com/kgents/agentplane/internal/conversation"
	"github.com/kgents/agentplane/internal/deployment"
	"github.com/kgents/agentplane/internal/health"
	"github.com/kgents/agentplane/internal/platform/config"
	"github.com/kgents/agentplane/internal/platform/httpx"
	"github.com/kgents/agentplane/internal/tools"
	"github.com/kgents/agentplane/internal/webhooks"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("control plane exited with error", zap.Error(err))
	}
}

func run(cfg *config.Settings, logger *zap.Logger) error {
	// ── Database ─────────────────────────────────────────────────────────
	db, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()
	if err := db.Ping(context.Background()); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	// ── Identity ─────────────────────────────────────────────────────────
	authRepo := auth.NewRepository(db)
	tokens := auth.NewMachineTokenIssuer([]byte(cfg.M2MJWTSecret), cfg.M2MJWTIssuer, cfg.M2MJWTAudience, cfg.M2MTokenTTL)
	idp := auth.NewIDPClient(cfg.IdentityProviderURL)
	authSvc := auth.NewService(authRepo, idp, tokens, logger)

	verifier := auth.NewVerifier(auth.VerifierConfig{
		UserSecret:      []byte(cfg.UserJWTSecret),
		UserIssuer:      cfg.UserJWTIssuer,
		UserAudience:    cfg.UserJWTAudience,
		MachineSecret:   []byte(cfg.M2MJWTSecret),
		MachineIssuer:   cfg.M2MJWTIssuer,
		MachineAudience: cfg.M2MJWTAudience,
		GrantTTL:        30 * time.Second,
	}, authRepo, logger)

	tokenURL := fmt.Sprintf("http://localhost:%d/api/v1/auth/token", cfg.HTTPPort)
	creds := config.NewCredentialsStore("")
	bootstrapper := auth.NewBootstrapper(authSvc, authRepo, creds, cfg.ServiceClientName, tokenURL, logger)
	if cfg.AdminEmail != "" {
		bootstrapper.SetAdminCredentials(cfg.AdminEmail, cfg.AdminPassword)
	}

	// ── Webhooks ─────────────────────────────────────────────────────────
	webhookRepo := webhooks.NewRepository(db)
	webhookSvc := webhooks.NewService(webhookRepo, logger)
	webhookSvc.SetMetricsRecorder(httpx.RecordWebhookDelivery)

	// ── Catalog ──────────────────────────────────────────────────────────
	catalogRepo := catalog.NewRepository(db)
	catalogSvc := catalog.NewService(catalogRepo, logger)
	catalogSvc.SetEventSink(webhookSvc.Dispatch)

	// ── Tool registry ────────────────────────────────────────────────────
	toolsRepo := tools.NewRepository(db)
	toolsSvc := tools.NewService(toolsRepo, logger)
	toolsSvc.SetEventSink(webhookSvc.Dispatch)

	// ── Deployments ──────────────────────────────────────────────────────
	deployRepo := deployment.NewRepository(db)

	builds := []deployment.BuildStrategy{
		deployment.NewCIBuild(deployment.CIBuildConfig{
			BaseURL:      cfg.CIAPIURL,
			Token:        cfg.CIToken,
			WorkflowPath: cfg.CIWorkflowRef,
		}, logger),
		deployment.NewHostedBuild(deployment.HostedBuildConfig{
			BaseURL: cfg.HostedBuildURL,
			Token:   cfg.HostedBuildToken,
		}, logger),
	}
	deploys := []deployment.DeployStrategy{
		deployment.NewServerlessDeploy(deployment.ServerlessConfig{
			BaseURL: cfg.ServerlessAPIURL,
			Token:   cfg.ServerlessToken,
			Region:  cfg.ServerlessRegion,
		}, logger),
		deployment.NewClusterDeploy(deployment.ClusterConfig{
			BaseURL:   cfg.ClusterAPIURL,
			Token:     cfg.ClusterToken,
			Namespace: cfg.ClusterNamespace,
		}, logger),
	}
	imageVerifier := deployment.NewRegistryClient(deployment.RegistryConfig{
		BaseURL: cfg.RegistryURL,
		Token:   cfg.RegistryToken,
	})

	deploySvc := deployment.NewService(deployRepo, catalogRepo, deploys, deployment.Defaults{
		BuildStrategy:  deployment.BuildStrategyName(cfg.BuildStrategy),
		DeployStrategy: deployment.DeployStrategyName(cfg.DeployStrategy),
	}, logger)
	deploySvc.SetEventSink(webhookSvc.Dispatch)

	pool := deployment.NewWorkerPool(deployRepo, catalogRepo, builds, deploys, imageVerifier, deployment.WorkerConfig{
		Count:           cfg.WorkerCount,
		LeaseDuration:   cfg.LeaseDuration,
		StageTimeout:    cfg.StageTimeout,
		PipelineTimeout: cfg.PipelineTimeout,
		RegistryBase:    cfg.ImageRepo,
	}, logger)
	pool.SetEventSink(webhookSvc.Dispatch)

	// ── Conversations ────────────────────────────────────────────────────
	convRepo := conversation.NewRepository(db)
	hub := conversation.NewHub(logger)
	runtime := conversation.NewHTTPRuntime(bootstrapper.TokenSource, cfg.RuntimeStreamTimeout)
	endpoints := conversation.NewEndpointResolver(deployRepo, 30*time.Second)
	convSvc := conversation.NewService(convRepo, catalogRepo, endpoints, runtime, hub, conversation.ServiceConfig{
		PersistAssistant: cfg.PersistAssistant,
		TurnTimeout:      cfg.RuntimeStreamTimeout,
	}, logger)

	// ── Health ───────────────────────────────────────────────────────────
	healthHandler := health.NewHandler(db, bootstrapper.Done)
	prober := health.NewProber(deployRepo, health.ProberConfig{}, logger)
	prober.SetDispatch(webhookSvc.Dispatch)

	// ── HTTP router ──────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpx.RequestID())
	router.Use(httpx.RequestLogger(logger))
	router.Use(httpx.SecurityHeaders())
	router.Use(httpx.BodyLimit(cfg.BodyLimitBytes))
	if cfg.RateLimitRPS > 0 {
		router.Use(httpx.RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-On-Behalf-Of"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(httpx.PrometheusMiddleware())

	healthHandler.Register(router)
	router.GET("/metrics", httpx.MetricsHandler())

	v1 := router.Group("/api/v1")
	auth.NewHandler(authSvc, verifier, logger).Register(v1)
	catalog.NewHandler(catalogSvc, verifier, logger).Register(v1)
	tools.NewHandler(toolsSvc, verifier, logger).Register(v1)
	deployment.NewHandler(deploySvc, verifier, logger).Register(v1)
	webhooks.NewHandler(webhookSvc, verifier, logger).Register(v1)
	conversation.NewHandler(convSvc, verifier, logger).Register(v1)

	// ── Serve ────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("control plane listening", zap.Int("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	// Bootstrap talks to our own /auth/token endpoint, so it runs after
	// the listener is up. Readiness stays 503 until it completes.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), time.Minute)
	err = bootstrapper.Run(bootCtx)
	bootCancel()
	if err != nil {
		return err
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	pool.Start(bgCtx)
	prober.Start(bgCtx)

	// ── Graceful shutdown ────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down control plane")

	bgCancel()
	pool.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("control plane stopped")
	return nil
}
