package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"civika.it/internal/audit"
	"civika.it/internal/auth"
	"civika.it/internal/config"
	"civika.it/internal/httpapi"
	"civika.it/internal/obs"
	"civika.it/internal/store/memory"
	"civika.it/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("CIVIKA_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	obs.Configure(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	logger := obs.Logger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, probe, closeStore := openStore(cfg, logger)
	defer closeStore()

	codec, err := auth.NewTokenCodec(auth.TokenConfig{
		AccessSecret:  []byte(cfg.Auth.AccessSecret),
		RefreshSecret: []byte(cfg.Auth.RefreshSecret),
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	})
	if err != nil {
		logger.Fatal("token codec", zap.Error(err))
	}

	auditLog := audit.NewLogger(store.Audit(context.Background()), audit.WithZap(logger))
	svc, err := auth.NewService(store, codec,
		auth.WithAuditRecorder(auditLog),
		auth.WithLockoutPolicy(cfg.Auth.MaxFailedAttempts, cfg.Auth.LockoutDuration),
		auth.WithReuseDetection(cfg.Auth.RevokeSessionsOnReuse),
		auth.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("auth service", zap.Error(err))
	}

	api := httpapi.New(svc, auditLog, probe, httpapi.Options{
		Version:           version,
		SecureCookies:     cfg.IsProduction(),
		RefreshCookiePath: cfg.Auth.RefreshCookiePath,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		RateBurst:         cfg.HTTP.RateBurst,
		RatePerSecond:     cfg.HTTP.RatePerSecond,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		Logger:            logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, httpapi.NewHealthServer(probe))

	logger.Info("starting civika-auth",
		zap.String("version", version),
		zap.String("http_addr", srv.Addr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("environment", cfg.Environment))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
	_ = logger.Sync()
}

// openStore returns the PostgreSQL store when a DSN is configured, otherwise a seeded in-memory store.
func openStore(cfg config.Config, logger *zap.Logger) (auth.Store, httpapi.Readiness, func()) {
	if cfg.Database.DSN != "" {
		store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, pg.WithQueryTimeout(cfg.Database.QueryTimeout))
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		if admin, ok := devAdmin(cfg, logger); ok {
			created, err := store.BootstrapUser(context.Background(), &admin, auth.RoleSuperAdmin)
			if err != nil {
				logger.Error("bootstrap admin", zap.Error(err))
			} else if created {
				logger.Info("bootstrap admin created", zap.String("email", admin.Email))
			}
		}
		return store, httpapi.ReadyProbe{DB: store}, func() { _ = store.Close() }
	}

	if cfg.IsProduction() {
		logger.Fatal("database dsn is required in production")
	}
	logger.Warn("no database configured, using in-memory store")
	store := memory.New()
	if err := store.SeedCatalog(); err != nil {
		logger.Fatal("seed catalog", zap.Error(err))
	}
	if admin, ok := devAdmin(cfg, logger); ok {
		u, err := store.AddUser(admin)
		if err == nil {
			err = store.AssignRole(u.ID, auth.RoleSuperAdmin)
		}
		if err != nil {
			logger.Error("bootstrap admin", zap.Error(err))
		} else {
			logger.Info("bootstrap admin created", zap.String("email", u.Email))
		}
	}
	return store, httpapi.ReadyProbe{}, func() {}
}

func devAdmin(cfg config.Config, logger *zap.Logger) (auth.User, bool) {
	if cfg.DevAdmin.Email == "" || cfg.DevAdmin.Password == "" {
		return auth.User{}, false
	}
	hash, err := auth.HashPassword(cfg.DevAdmin.Password)
	if err != nil {
		logger.Error("hash admin password", zap.Error(err))
		return auth.User{}, false
	}
	return auth.User{
		Email:        cfg.DevAdmin.Email,
		PasswordHash: hash,
		FirstName:    "Civika",
		LastName:     "Admin",
		IsActive:     true,
	}, true
}
