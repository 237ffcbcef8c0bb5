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

	"go.uber.org/zap"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/cache"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/config"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/fiscal"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/httpapi"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/logger"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/metrics"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/service"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store/memory"
	pgstore "github.com/HenriqueMts/vestra-erp-sub000/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	zlog, err := logger.New(logger.Config{Level: cfg.LogLevel, Environment: cfg.Environment, ServiceName: "vestra-core"})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	loc, err := cfg.Location()
	if err != nil {
		zlog.Fatal("invalid TIMEZONE", zap.String("timezone", cfg.TimeZone), zap.Error(err))
	}
	m := metrics.New("vestra")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			version, err := pgstore.Migrate(cfg.DatabaseURL)
			if err != nil {
				zlog.Fatal("migrations failed", zap.Error(err))
			}
			zlog.Info("migrations applied", zap.Uint("version", version))
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			zlog.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		zlog.Info("repository: in-memory")
	}

	reports, closeReports := openReportCache(ctx, cfg, zlog)
	if closeReports != nil {
		closers = append(closers, closeReports)
	}

	var emitter fiscal.Emitter = fiscal.Disabled{}
	if cfg.FiscalEndpoint != "" {
		emitter = fiscal.NewHTTPEmitter(cfg.FiscalEndpoint, cfg.FiscalTimeout())
		zlog.Info("fiscal: http", zap.String("endpoint", cfg.FiscalEndpoint))
	} else {
		zlog.Info("fiscal: disabled")
	}

	svc := service.New(repo, service.Options{
		Fiscal:    emitter,
		Reports:   reports,
		ReportTTL: cfg.ReportCacheTTL(),
		Metrics:   m,
		Logger:    zlog,
		Location:  loc,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        zlog,
		Metrics:       m,
		Location:      loc,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info("vestra core listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Error("close error", zap.Error(err))
		}
	}

	zlog.Info("server stopped")
}

// openReportCache returns the redis cache when it answers a ping and the
// noop cache otherwise. The returned closer is nil for the noop cache.
func openReportCache(ctx context.Context, cfg config.Config, zlog *zap.Logger) (cache.ClosureReportCache, func() error) {
	if cfg.RedisAddr == "" {
		zlog.Info("cache: noop")
		return cache.NoopClosureReportCache{}, nil
	}
	redisCache := cache.NewRedisClosureReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		zlog.Warn("redis unavailable, using noop cache", zap.Error(err))
		if err := redisCache.Close(); err != nil {
			zlog.Warn("close redis client", zap.Error(err))
		}
		return cache.NoopClosureReportCache{}, nil
	}
	zlog.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
	return redisCache, redisCache.Close
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects repeated, sequential and well-known PINs.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "121212": true, "112233": true,
		"123123": true, "102030": true, "101010": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
