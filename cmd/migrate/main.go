package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/minicommerce/orders/internal/shared/config"
	"github.com/minicommerce/orders/internal/shared/db"
	"github.com/minicommerce/orders/internal/shared/logger"
)

const appName = "migrate"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv)

	if cfg.DatabaseURL == "" {
		log.Error("config_error", slog.String("err", "DATABASE_URL is empty"))
		os.Exit(2)
	}

	pg, err := db.OpenPostgres(context.Background(), db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Error("db_open_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = pg.Close() }()

	if err := db.Migrate(pg, log); err != nil {
		log.Error("db_migrate_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
