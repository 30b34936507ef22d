// Command migrate applies the SQL files in a directory in name order.
// Applied files are recorded in schema_migrations and skipped on later runs.
//
//	migrate [dir]     apply pending migrations (default ./migrations)
//	migrate --list    print the tables this service owns
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/venugopal1902/email-verifier/internal/app"
	"github.com/venugopal1902/email-verifier/internal/config"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
)

var ownedTables = []string{
	"accounts",
	"credit_ledger",
	"file_batches",
	"file_uploads",
	"ring_config",
	"ring_nodes",
	"schema_migrations",
	"suppression_entries",
	"suppression_tombstones",
	"verification_results",
}

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Format = "console"
	app.InitLogger(cfg, "migrate")
	log := logger.Named("migrate")

	dir := cfg.Database.MigrationsDir
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db, err := app.OpenDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer db.Close()

	if listOnly {
		if err := listTables(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("list tables")
		}
		return
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		log.Fatal().Err(err).Msg("create schema_migrations")
	}

	files, err := migrationFiles(dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", dir).Msg("read migrations")
	}

	var applied, skipped int
	for _, f := range files {
		done, err := apply(ctx, db, dir, f)
		if err != nil {
			log.Fatal().Err(err).Str("file", f).Msg("migration failed")
		}
		if done {
			log.Info().Str("file", f).Msg("applied")
			applied++
		} else {
			skipped++
		}
	}
	log.Info().Int("applied", applied).Int("skipped", skipped).Msg("migrations complete")
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one file and records it in the same transaction. It returns
// false if the file was applied before or is empty.
func apply(ctx context.Context, db *sql.DB, dir, name string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return false, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func listTables(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename = ANY($1) ORDER BY tablename`,
		pq.Array(ownedTables))
	if err != nil {
		return err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d of %d tables\n", n, len(ownedTables))
	return rows.Err()
}
