package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tmarchal/bourse/configs"
	"github.com/tmarchal/bourse/internal/catalog"
	"github.com/tmarchal/bourse/internal/loader"
	"github.com/tmarchal/bourse/internal/storage"
)

func newPipelineLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := configs.AppLoad()
	plog := newPipelineLogger()

	// Run with Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Connect(ctx, cfg.DBDSN, cfg.Loader.ChunkSize, plog)
	if err != nil {
		slogger.Error("Failed to connect to DB", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	files, err := inventory(cfg, plog)
	if err != nil {
		slogger.Error("Failed to build file catalog", "error", err)
		os.Exit(1)
	}
	slogger.Info("Catalog ready", "files", len(files))

	coord := loader.New(store, files, loader.Config{
		GroupSize:     cfg.Loader.GroupSize,
		Workers:       cfg.Loader.Workers,
		ReadWorkers:   cfg.Loader.ReadWorkers,
		MaxPasses:     cfg.Loader.MaxPasses,
		StrictMapping: cfg.Loader.StrictMapping,
	}, plog)

	if err := coord.Run(ctx); err != nil {
		slogger.Error("Pipeline stopped with error", "error", err)
		os.Exit(1)
	}

	slogger.Info("Pipeline run complete")
}

// inventory scans the archive, going through the on-disk catalog cache
// when one is configured.
func inventory(cfg *configs.AppConfig, plog *logrus.Logger) ([]catalog.FileRecord, error) {
	if cfg.CatalogCache != "" {
		if files, err := catalog.LoadCache(cfg.CatalogCache); err == nil {
			plog.Infof("Loaded catalog cache from %s", cfg.CatalogCache)
			return files, nil
		}
	}

	files, err := catalog.New(plog).Scan(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	if cfg.CatalogCache != "" {
		if err := catalog.SaveCache(cfg.CatalogCache, files); err != nil {
			plog.Warnf("Could not save catalog cache: %v", err)
		}
	}
	return files, nil
}
