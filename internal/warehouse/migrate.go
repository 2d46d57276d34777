package warehouse

import (
	"bytes"
	"context"
	"embed"
	"io/fs"
	"sort"
	"text/template"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationLockID = 73020417

// Migrate applies pending SQL migrations in lexicographic order. Each file is
// rendered with the configured schema and table names before it runs.
func (w *Warehouse) Migrate(ctx context.Context) error {
	log := w.log.With(zap.String("op", "migrate"))

	if _, err := w.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "warehouse: acquire migration advisory lock")
	}
	defer func() {
		if _, err := w.pool.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("warehouse: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if err := w.ensureMigrationTable(ctx); err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	applied, err := w.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}

		sql, err := w.renderMigration(name)
		if err != nil {
			return err
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := w.pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "warehouse: apply migration %s", name)
		}
		if _, err := w.pool.Exec(ctx,
			"INSERT INTO "+w.cfg.Schema+".schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "warehouse: record migration %s", name)
		}
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (w *Warehouse) renderMigration(name string) (string, error) {
	data, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return "", eris.Wrapf(err, "warehouse: read migration %s", name)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return "", eris.Wrapf(err, "warehouse: parse migration %s", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, w.cfg); err != nil {
		return "", eris.Wrapf(err, "warehouse: render migration %s", name)
	}
	return buf.String(), nil
}

func (w *Warehouse) ensureMigrationTable(ctx context.Context) error {
	sql := `
		CREATE SCHEMA IF NOT EXISTS ` + w.cfg.Schema + `;
		CREATE TABLE IF NOT EXISTS ` + w.cfg.Schema + `.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := w.pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "warehouse: ensure migration table")
	}
	return nil
}

func (w *Warehouse) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := w.pool.Query(ctx, "SELECT filename FROM "+w.cfg.Schema+".schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
