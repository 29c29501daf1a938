package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"civika.it/internal/migrate"
	"civika.it/internal/obs"
	"civika.it/migrations"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("CIVIKA_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", time.Minute, "Overall timeout")
	)
	flag.Parse()
	logger := obs.Logger()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or CIVIKA_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.FS, migrations.MigrationsDir, migrations.SeedsDir)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil {
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			logger.Info("migration rolled back", zap.String("file", name))
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		if err == nil {
			logger.Info("seeds applied", zap.Strings("files", applied))
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		cancel()
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}
