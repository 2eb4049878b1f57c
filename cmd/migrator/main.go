package main

import (
	"database/sql"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/logging"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	dsn := flag.String("dsn", os.Getenv("ENT_POSTGRES_DSN"), "Postgres DSN (default $ENT_POSTGRES_DSN)")
	source := flag.String("source", "file://db/migrations", "Migration source URL")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: "info", Format: "console"})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *dsn == "" {
		logger.Fatal("no database configured: pass -dsn or set ENT_POSTGRES_DSN")
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		logger.Fatal("failed to create migrate driver", zap.Error(err))
	}

	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		logger.Fatal("failed to initialize migrate", zap.Error(err))
	}

	start := time.Now()
	switch {
	case *upCmd:
		logger.Info("running up migrations")
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("migration up failed", zap.Error(err))
		}
	case *downCmd:
		logger.Info("running down migrations")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("migration down failed", zap.Error(err))
		}
	case *stepsCmd != 0:
		logger.Info("running migration steps", zap.Int("steps", *stepsCmd))
		if err := m.Steps(*stepsCmd); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("migration steps failed", zap.Error(err))
		}
	default:
		logger.Info("no command specified, use -up, -down or -steps")
	}

	version, dirty, err := m.Version()
	if err != nil {
		logger.Info("no version found (empty db?)")
	} else {
		logger.Info("current version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	logger.Info("done", zap.Duration("duration", time.Since(start)))
}
