// Command migrate-objects copies the local storage layout into object
// storage and reconciles the metadata rows.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"openreader/internal/util"
	"openreader/pkg/migrate"
	"openreader/pkg/storage"
	"openreader/services/audiobook/internal/app"
	"openreader/services/audiobook/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 1 when the migration aborts, 2 when
// some objects failed.
func run(args []string) int {
	fs := flag.NewFlagSet("migrate-objects", flag.ContinueOnError)
	configPath := fs.String("config", config.ConfigPath, "path to config file")
	dryRun := fs.Bool("dry-run", false, "report what would be migrated without writing")
	deleteLocal := fs.Bool("delete-local", false, "remove local files once uploaded")
	concurrency := fs.Int("concurrency", 0, "parallel uploads (defaults to migrationConcurrency)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}
	if err := config.ValidateMinio(cfg); err != nil {
		log.Printf("object storage is not configured: %v", err)
		return 1
	}
	logger := util.InitLogger(cfg.LogLevel)

	workers := *concurrency
	if workers <= 0 {
		workers = cfg.MigrationConcurrency
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		StorageRoot: cfg.StorageRoot,
		Namespace:   cfg.Namespace,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		FFprobeBinary: cfg.FFprobeBinary,
		Logger:        logger,
	})
	if err != nil {
		log.Printf("failed to init app: %v", err)
		return 1
	}
	defer appCore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := appCore.MigrateToObjectStorage(ctx, migrate.ObjectOptions{
		DryRun:      *dryRun,
		DeleteLocal: *deleteLocal,
		Concurrency: workers,
	})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if err != nil {
		logger.Error("object storage migration failed", "err", err)
		return 1
	}
	if report.Failed > 0 {
		return 2
	}
	return 0
}
