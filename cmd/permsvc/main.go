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
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dhawalhost/permseal/internal/audit"
	"github.com/dhawalhost/permseal/internal/backend"
	"github.com/dhawalhost/permseal/internal/group"
	"github.com/dhawalhost/permseal/internal/org"
	"github.com/dhawalhost/permseal/internal/policy"
	"github.com/dhawalhost/permseal/internal/resource"
	"github.com/dhawalhost/permseal/internal/role"
	"github.com/dhawalhost/permseal/internal/system"
	"github.com/dhawalhost/permseal/internal/template"
	"github.com/dhawalhost/permseal/pkg/cache"
	"github.com/dhawalhost/permseal/pkg/config"
	"github.com/dhawalhost/permseal/pkg/database"
	"github.com/dhawalhost/permseal/pkg/logger"
	"github.com/dhawalhost/permseal/pkg/middleware"
	"github.com/dhawalhost/permseal/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("PERMSEAL_AUTH_JWT_SECRET is not set")
	}
	if cfg.Backend.BaseURL == "" {
		log.Fatal("PERMSEAL_BACKEND_BASE_URL is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    "permsvc",
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	db, err := database.NewConnection(database.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		DBName:       cfg.Database.Name,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	rdb, err := cache.NewClient(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	backendClient := backend.New(backend.Config{
		BaseURL:   cfg.Backend.BaseURL,
		AppCode:   cfg.Backend.AppCode,
		AppSecret: cfg.Backend.AppSecret,
		Timeout:   cfg.Backend.Timeout,
	}, metrics)

	systemSvc := system.NewService(system.NewStore(db), log)
	orgSvc := org.NewService(org.NewStore(db), log)
	roleSvc := role.NewService(role.NewStore(db), orgSvc, log)
	templateSvc := template.NewService(template.NewStore(db), systemSvc, log)
	auditSvc := audit.NewService(audit.NewStore(db), log)

	policySvc := policy.NewService(
		policy.NewStore(db),
		backendClient,
		cache.NewLocker(rdb, cfg.Worker.LockTTL),
		log,
	)

	resourceSvc := resource.NewService(
		systemSvc,
		cache.New(rdb, "resource_name", cfg.Redis.NameCacheTTL),
		rate.NewLimiter(rate.Limit(cfg.Provider.RateLimit), cfg.Provider.RateBurst),
		log,
	)

	groupStore := group.NewStore(db)
	groupSvc := group.NewService(
		groupStore,
		policySvc,
		templateSvc,
		systemSvc,
		roleSvc,
		resourceSvc,
		backendClient,
		group.Limits{
			MaxMembersPerBatch:    cfg.Limits.MaxMembersPerBatch,
			MaxMembersPerGroup:    cfg.Limits.MaxMembersPerGroup,
			MaxGroupsPerSubject:   cfg.Limits.MaxGroupsPerSubject,
			MaxInstancesPerPolicy: cfg.Limits.MaxInstancesPerPolicy,
			MaxGroupNameLength:    cfg.Limits.MaxGroupNameLength,
		},
		log,
	)

	worker := group.NewWorker(
		groupStore,
		policySvc,
		templateSvc,
		backendClient,
		policySvc,
		group.WorkerOptions{
			PollInterval:  cfg.Worker.PollInterval,
			MaxAttempts:   cfg.Worker.MaxAttempts,
			SweepInterval: cfg.Worker.SweepInterval,
			CleanupAge:    cfg.Worker.CleanupAge,
		},
		groupSvc.Notifications(),
		metrics,
		log,
	)

	router := buildRouter(cfg, log, metrics, db, auditSvc, roleSvc, handlers{
		system:   system.NewHTTPHandler(systemSvc, log),
		org:      org.NewHTTPHandler(orgSvc, log),
		role:     role.NewHTTPHandler(roleSvc, log),
		template: template.NewHTTPHandler(templateSvc, log),
		group:    group.NewHTTPHandler(groupSvc, log),
		policy:   policy.NewHTTPHandler(policySvc, log),
		audit:    audit.NewHTTPHandler(auditSvc, log),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service exited with error", zap.Error(err))
	}
	if err := shutdownTracer(context.Background()); err != nil {
		log.Warn("Failed to shut down tracer", zap.Error(err))
	}
	log.Info("Service stopped")
}

type handlers struct {
	system   *system.HTTPHandler
	org      *org.HTTPHandler
	role     *role.HTTPHandler
	template *template.HTTPHandler
	group    *group.HTTPHandler
	policy   *policy.HTTPHandler
	audit    *audit.HTTPHandler
}

func buildRouter(
	cfg config.Config,
	log *zap.Logger,
	metrics *observability.Metrics,
	db *sqlx.DB,
	auditSvc *audit.Service,
	roleSvc *role.Service,
	h handlers,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(observability.PrometheusMiddleware(metrics))
	router.Use(otelgin.Middleware("permsvc"))
	if len(cfg.Server.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Server.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders:     []string{"Authorization", "Content-Type", middleware.DefaultRoleHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(observability.PrometheusHandler()))

	api := router.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst))
	api.Use(middleware.Authentication(cfg.Auth.JWTSecret))
	api.Use(middleware.RoleExtractor(middleware.RoleConfig{Verify: roleSvc.VerifyMember}))
	api.Use(audit.Middleware(auditSvc))

	h.system.RegisterRoutes(api)
	h.org.RegisterRoutes(api)
	h.role.RegisterRoutes(api)
	h.template.RegisterRoutes(api)
	h.group.RegisterRoutes(api)
	h.policy.RegisterRoutes(api)
	h.audit.RegisterRoutes(api)

	log.Info("Routes registered", zap.Int("count", len(router.Routes())))
	return router
}
