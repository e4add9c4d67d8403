package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"offcache/internal/admin"
	"offcache/internal/logging"
	"offcache/internal/offcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFCACHE_CONFIG", "/offcache.yaml"), "path to offcache.yaml")
	flag.Parse()

	cfg, err := offcache.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	storage, err := openStorage(cfg)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer storage.Close()

	ctrl, err := offcache.NewController(storage, &http.Client{}, offcache.Options{
		Origin:       cfg.Server.Origin,
		Ignore:       cfg.Cache.Ignore,
		MaxBodyBytes: cfg.MaxBodyBytes(),
		Timeout:      cfg.NetworkTimeout(),
		StatsEvery:   cfg.StatsInterval(),
		Logger:       logger.Named("controller"),
	})
	if err != nil {
		logger.Fatal("init controller", zap.Error(err))
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rel := cfg.Release()
	if ok, err := ctrl.Resume(ctx, rel.Version); err != nil {
		logger.Warn("resume generation", zap.String("generation", rel.Version), zap.Error(err))
	} else if ok {
		logger.Info("resumed stored generation", zap.String("generation", rel.Version))
	}

	updater := offcache.NewUpdater(ctrl, offcache.ConfigRelease(configPath), logger.Named("updater"))
	if active, err := updater.Check(ctx); err != nil {
		// Keep serving whatever is stored; the next check retries.
		logger.Warn("initial install failed", zap.String("active", active), zap.Error(err))
	}
	go updater.Run(ctx, cfg.UpdateInterval())

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           ctrl,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("offcache listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("generation", ctrl.Current()))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	adminSrv := admin.New(ctrl, updater, logger.Named("admin"))
	if cfg.Admin.Port > 0 {
		adminAddr := fmt.Sprintf(":%d", cfg.Admin.Port)
		go func() {
			logger.Info("admin listening", zap.String("addr", adminAddr))
			err := adminSrv.Start(adminAddr)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if cfg.Admin.Port > 0 {
		_ = adminSrv.Shutdown(shutdownCtx)
	}
}

func openStorage(cfg offcache.Config) (offcache.Storage, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return offcache.NewMemStorage(), nil
	default:
		return offcache.OpenLevelStorage(cfg.Storage.Path)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
