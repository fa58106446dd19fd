// Command migrate manages the local report queue schema.
//
//	migrate [-dir path] up|down|status|validate
//	migrate version <YYYYMMDDHHMMSS>
//	migrate create <name>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/civicreport-sync/pkg/config"
	"github.com/angelmondragon/civicreport-sync/pkg/db"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/angelmondragon/civicreport-sync/pkg/migrate"
)

var errUsage = errors.New("usage: migrate [-dir path] up|down|status|validate|version <v>|create <name>")

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", migrate.DefaultDir, "migrations directory for create/validate")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	// File-only commands never touch the queue database.
	switch cmd {
	case "create":
		if len(rest) != 1 {
			return errUsage
		}
		path, err := migrate.CreateSQLMigration(*dir, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "created", path)
		return nil
	case "validate":
		if err := migrate.ValidateDir(*dir); err != nil {
			return err
		}
		fmt.Fprintln(out, "migrations ok")
		return nil
	case "up", "down", "status":
		if len(rest) != 0 {
			return errUsage
		}
	case "version":
		if len(rest) != 1 {
			return errUsage
		}
	default:
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      logger.Format(cfg.App.LogFormat),
	})
	ctx = logg.WithFields(ctx, map[string]any{"cmd": cmd, "db_driver": cfg.DB.Driver})

	client, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("open queue database: %w", err)
	}
	defer client.Close()
	sqlDB, err := client.DB().DB()
	if err != nil {
		return err
	}

	if cmd == "version" {
		err = migrate.MigrateToVersion(ctx, sqlDB, client.Dialect(), rest[0])
	} else {
		err = migrate.Run(ctx, sqlDB, client.Dialect(), cmd)
	}
	if err != nil {
		return err
	}
	logg.Info(ctx, "migration command finished")
	return nil
}
