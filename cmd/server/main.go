package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/shiv248/coedit/pkg/logger"
	"github.com/shiv248/coedit/pkg/server"
)

// Config holds all server configuration, loaded from the environment.
type Config struct {
	DataDir        string
	FlushIdleMs    uint64
	FlushMaxOps    int
	AppEnvDev      bool
	AllowedOrigins []string
}

func main() {
	logger.Init()

	config := loadConfig()
	logger.Info("starting coedit server...")
	logger.Info("data dir: %s", config.DataDir)
	logger.Info("flush idle ms: %d, flush max ops: %d", config.FlushIdleMs, config.FlushMaxOps)

	walDir := filepath.Join(config.DataDir, "wal")
	snapDir := filepath.Join(config.DataDir, "snapshots")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		log.Fatalf("create wal dir: %v", err)
	}
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		log.Fatalf("create snapshot dir: %v", err)
	}

	coord := server.NewCoordinator(walDir, snapDir, config.FlushIdleMs, config.FlushMaxOps, config.AppEnvDev, config.AllowedOrigins)

	hydrated, err := coord.FlushAllWalsToSnapshots()
	if err != nil {
		log.Fatalf("flush pending wals to snapshots: %v", err)
	}
	logger.Info("consolidated %d pending WALs into snapshots", hydrated)

	srv := server.NewServer(coord)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunPeriodicFlush(ctx, config.FlushIdleMs)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown flush failed: %v", err)
		}
		os.Exit(0)
	}()

	addr := "0.0.0.0:9000"
	log.Fatal(srv.ListenAndServe(addr))
}

func loadConfig() Config {
	dataDir := getEnv("DATA_DIR", "/vault")
	flushIdleMs := uint64(getEnvInt("FLUSH_IDLE_MS", 1500))
	flushMaxOps := getEnvInt("FLUSH_MAX_OPS", 200)
	appEnvDev := getEnv("APP_ENV", "dev") == "dev"
	appDomain := os.Getenv("APP_DOMAIN")

	var allowedOrigins []string
	if raw := os.Getenv("APP_ALLOWED_ORIGINS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				allowedOrigins = append(allowedOrigins, trimmed)
			}
		}
	}
	if len(allowedOrigins) == 0 && appDomain != "" {
		allowedOrigins = []string{fmt.Sprintf("https://%s", appDomain)}
	}

	return Config{
		DataDir:        dataDir,
		FlushIdleMs:    flushIdleMs,
		FlushMaxOps:    flushMaxOps,
		AppEnvDev:      appEnvDev,
		AllowedOrigins: allowedOrigins,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
