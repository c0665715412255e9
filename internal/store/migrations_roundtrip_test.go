package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var collaborationTables = []string{"users", "documents", "document_collaborators", "comments", "comment_replies"}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("GALAXY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("GALAXY_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	applied, err := ApplyMigrations(ctx, db, testMigrationsDir)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	files, _ := migrationFiles(testMigrationsDir)
	if len(applied) != len(files) {
		t.Fatalf("applied %v, want all of %v", applied, files)
	}
	for _, table := range collaborationTables {
		if !tableExists(ctx, t, db, table) {
			t.Fatalf("table %s missing after up migrations", table)
		}
	}
	for _, column := range []string{"sync_mode", "crdt_state", "version"} {
		if !columnExists(ctx, t, db, "documents", column) {
			t.Fatalf("documents.%s missing after up migrations", column)
		}
	}

	if again, err := ApplyMigrations(ctx, db, testMigrationsDir); err != nil || len(again) != 0 {
		t.Fatalf("second apply should be a no-op, got %v, %v", again, err)
	}

	// Down files run newest first.
	for i := len(files) - 1; i >= 0; i-- {
		down := filepath.Join(testMigrationsDir, strings.TrimSuffix(files[i], ".up.sql")+".down.sql")
		contents, err := os.ReadFile(down)
		if err != nil {
			t.Fatalf("read %s: %v", down, err)
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			t.Fatalf("apply %s: %v", down, err)
		}
	}
	for _, table := range collaborationTables {
		if tableExists(ctx, t, db, table) {
			t.Fatalf("table %s still present after down migrations", table)
		}
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func tableExists(ctx context.Context, t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass('public.' || $1) IS NOT NULL`, table).Scan(&exists)
	if err != nil {
		t.Fatalf("lookup table %s: %v", table, err)
	}
	return exists
}

func columnExists(ctx context.Context, t *testing.T, db *sql.DB, table, column string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2
		)`, table, column).Scan(&exists)
	if err != nil {
		t.Fatalf("lookup column %s.%s: %v", table, column, err)
	}
	return exists
}
