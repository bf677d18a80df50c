// Command migrate-json-to-postgres copies a vodhub JSON datastore into
// Postgres so a deployment can switch storage drivers without losing records.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vodhub/internal/storage"
)

type options struct {
	jsonPath string
	dsn      string
	timeout  time.Duration
	dryRun   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.jsonPath, "json", "data/store.json", "path to the JSON datastore to migrate")
	flag.StringVar(&opts.dsn, "postgres-dsn", "", "Postgres connection string")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall deadline for the migration")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "load and report the snapshot without writing to Postgres")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger, opts); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, opts options) error {
	dsn := resolveDSN(opts.dsn)
	if dsn == "" {
		return errors.New("postgres DSN required: set --postgres-dsn, VODHUB_POSTGRES_DSN, or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	snapshot, err := storage.LoadSnapshotFromJSON(opts.jsonPath)
	if err != nil {
		return fmt.Errorf("load JSON snapshot: %w", err)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot",
		"path", opts.jsonPath,
		"users", counts.Users,
		"videos", counts.Videos,
		"upload_handles", counts.UploadHandles)

	if opts.dryRun {
		logger.Info("dry run requested, skipping import")
		return nil
	}

	repo, err := storage.NewPostgresRepository(dsn)
	if err != nil {
		return fmt.Errorf("open postgres repository: %w", err)
	}
	defer func() {
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(context.Background())
		}
	}()

	if err := storage.ImportSnapshotToPostgres(ctx, repo, snapshot); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := verifyCounts(ctx, dsn, counts); err != nil {
		return fmt.Errorf("verify row counts: %w", err)
	}

	logger.Info("migration completed",
		"users", counts.Users,
		"videos", counts.Videos,
		"upload_handles", counts.UploadHandles)
	return nil
}

func resolveDSN(flagValue string) string {
	for _, candidate := range []string{flagValue, os.Getenv("VODHUB_POSTGRES_DSN"), os.Getenv("DATABASE_URL")} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// verifyCounts re-reads the row counts over a fresh connection once the
// import finishes.
func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification pool: %w", err)
	}
	defer pool.Close()

	expected := []struct {
		table string
		rows  int
	}{
		{table: "users", rows: counts.Users},
		{table: "videos", rows: counts.Videos},
		{table: "upload_handles", rows: counts.UploadHandles},
	}
	for _, want := range expected {
		var got int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", want.table)
		if err := pool.QueryRow(ctx, query).Scan(&got); err != nil {
			return fmt.Errorf("count %s rows: %w", want.table, err)
		}
		if got != want.rows {
			return fmt.Errorf("table %s holds %d rows, snapshot has %d", want.table, got, want.rows)
		}
	}
	return nil
}
