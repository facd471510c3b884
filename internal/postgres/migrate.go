package postgres

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"sort"

	ierr "github.com/petermetz/killbill/internal/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema files in name order. Every file is
// idempotent so the whole set is replayed on each start.
func Migrate(ctx context.Context, db *DB) error {
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	return db.WithTx(ctx, func(ctx context.Context) error {
		for _, name := range files {
			stmt, err := migrationFS.ReadFile(name)
			if err != nil {
				return err
			}
			db.logger.Infow("applying migration", "file", name)
			if _, err := db.GetQuerier(ctx).ExecContext(ctx, string(stmt)); err != nil {
				return ierr.WithError(err).
					WithHintf("Migration %s failed", name).
					Mark(ierr.ErrDatabase)
			}
		}
		return nil
	})
}

// WriteMigrations prints the embedded schema files without applying them
func WriteMigrations(w io.Writer) error {
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, name := range files {
		stmt, err := migrationFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "-- %s\n%s\n", name, stmt); err != nil {
			return err
		}
	}
	return nil
}
