package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	cacheadapter "github.com/costwise/session-security-service/internal/adapters/cache"
	eventadapter "github.com/costwise/session-security-service/internal/adapters/events"
	grpcadapter "github.com/costwise/session-security-service/internal/adapters/grpc"
	httpadapter "github.com/costwise/session-security-service/internal/adapters/http"
	"github.com/costwise/session-security-service/internal/adapters/postgres"
	"github.com/costwise/session-security-service/internal/adapters/security"
	"github.com/costwise/session-security-service/internal/application"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	outbox     *eventadapter.OutboxWorker
	sweeper    *eventadapter.SessionSweeperWorker
	cleanupFn  func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("bootstrapping session security service", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := pool.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	cacheBackend := cacheadapter.SelectBackend(ctx, logger, cfg.RedisURL, cfg.CacheConnectTimeout)

	repos := postgres.NewRepositories(pool)
	jwtCfg := security.JWTConfig{
		KeyID:         cfg.JWTKeyID,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		PrivateKeyPEM: cfg.JWTPrivateKeyPEM,
		PublicKeyPEM:  cfg.JWTPublicKeyPEM,
	}
	tokenSigner, err := security.NewJWTSigner(jwtCfg)
	if err != nil {
		if !cfg.AllowEphemeralJWT {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("init jwt signer: %w", err)
		}
		logger.Warn("using ephemeral JWT keys for local/dev runtime")
		tokenSigner, err = security.NewEphemeralJWTSigner(jwtCfg)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("init ephemeral jwt signer: %w", err)
		}
	}

	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			MaxConcurrentSessions:   cfg.MaxConcurrentSessions,
			InactivityTimeout:       cfg.InactivityTimeout,
			SessionTTL:              cfg.SessionTTL,
			ActivityLookback:        cfg.ActivityLookback,
			DeviceTrustThreshold:    cfg.DeviceTrustThreshold,
			SuspiciousLockThreshold: cfg.SuspiciousLockThreshold,
			UserPermissionsTTL:      cfg.UserPermissionsTTL,
			PropertyAccessTTL:       cfg.PropertyAccessTTL,
			RolePermissionsTTL:      cfg.RolePermissionsTTL,
			UserPropertiesTTL:       cfg.UserPropertiesTTL,
		},
		Sessions:    repos.Sessions,
		Events:      repos.Events,
		Outbox:      repos.Outbox,
		Access:      repos.Access,
		Cache:       cacheBackend,
		TokenSigner: tokenSigner,
	})

	handler := httpadapter.NewHandler(svc, httpadapter.HandlerConfig{
		Signer:               tokenSigner,
		InternalToken:        cfg.InternalToken,
		DBPing:               sqlDB.PingContext,
		HighSecurityTimeout:  cfg.HighSecurityTimeout,
		LowSecurityTimeout:   cfg.LowSecurityTimeout,
		AdminSessionHeadroom: cfg.AdminRouteMaxConcurrent,
		AdminRoles:           cfg.AdminRoles,
	})
	router := httpadapter.NewRouter(handler)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcadapter.Register(grpcServer, grpcadapter.NewSessionInternalServer(svc))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("listen gRPC: %w", err)
	}

	outbox := eventadapter.NewOutboxWorker(
		logger,
		repos.Outbox,
		eventadapter.NewLoggingPublisher(logger),
		cfg.OutboxPollInterval,
		cfg.OutboxBatchSize,
		cfg.OutboxClaimTTL,
		cfg.OutboxMaxRetries,
	)
	sweeper := eventadapter.NewSessionSweeperWorker(logger, svc, cfg.SweepInterval, cfg.SweepBatchSize)

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		httpServer: httpServer,
		grpcServer: grpcServer,
		grpcLis:    lis,
		outbox:     outbox,
		sweeper:    sweeper,
		cleanupFn: func(ctx context.Context) {
			if closer, ok := cacheBackend.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			_ = sqlDB.Close()
		},
	}, nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", r.grpcLis.Addr().String())
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case err := <-errCh:
		r.logger.Error("server failure", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return nil
}

// RunWorker drives the outbox relay and the expired-session sweeper until the
// process is signalled. The sweeper runs alongside the relay; both stop on the
// same context.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		if err := r.sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("session sweeper stopped", "error", err)
		}
	}()

	r.logger.Info("outbox worker started")
	err := r.outbox.Run(ctx)
	<-sweeperDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	return nil
}
