package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MigrateDir applies every *.sql file in dir in lexical order. Files already
// recorded in schema_migrations are skipped.
func (p *Postgres) MigrateDir(ctx context.Context, dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return 0, fmt.Errorf("migrations table: %w", err)
	}
	applied := 0
	for _, f := range files {
		name := filepath.Base(f)
		var seen int
		if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations WHERE name=$1`, []any{name}, &seen); err != nil {
			return applied, err
		}
		if seen > 0 {
			continue
		}
		body, err := os.ReadFile(f)
		if err != nil {
			return applied, err
		}
		if strings.TrimSpace(string(body)) != "" {
			if _, err := p.pool.Exec(ctx, string(body)); err != nil {
				return applied, fmt.Errorf("migration %s: %w", name, err)
			}
		}
		if _, err := p.pool.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
