package cns

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// MigrationFiles contains the SQL migrations for every supported driver,
// under migrations/<driver>/. Users can apply them with their preferred
// migration tool (goose, golang-migrate, atlas, etc.)
//
// Example with goose:
//
//	sub, _ := cns.Migrations("postgres")
//	goose.SetBaseFS(sub)
//	if err := goose.Up(db, "."); err != nil {
//	    log.Fatal(err)
//	}
//
//go:embed migrations/*/*.sql
var MigrationFiles embed.FS

// Migrations returns the migrations of one driver ("mysql", "postgres" or
// "sqlite3").
func Migrations(driverName string) (fs.FS, error) {
	dir := path.Join("migrations", driverName)
	if _, err := fs.Stat(MigrationFiles, dir); err != nil {
		return nil, NewError(ErrCodeConfiguration, "no migrations for driver: "+driverName)
	}
	sub, err := fs.Sub(MigrationFiles, dir)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to open migrations", err)
	}
	return sub, nil
}

// UpStatements returns the statements of every up migration of a driver in
// file order.
func UpStatements(driverName string) ([]string, error) {
	files, err := Migrations(driverName)
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(files, "*.up.sql")
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to list migrations", err)
	}
	sort.Strings(names)

	var stmts []string
	for _, name := range names {
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to read migration "+name, err)
		}
		for _, stmt := range strings.Split(string(data), ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" {
				stmts = append(stmts, stmt)
			}
		}
	}
	return stmts, nil
}

// Migrate applies the up migrations of a driver to db. The statements are
// idempotent, so Migrate may run on every start.
func Migrate(ctx context.Context, db *sql.DB, driverName string) error {
	stmts, err := UpStatements(driverName)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return NewErrorWithCause(ErrCodeDatabase, "failed to apply migration", err)
		}
	}
	return nil
}
