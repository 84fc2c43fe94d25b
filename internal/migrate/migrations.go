// Package migrate brings the journal database up to the embedded schema.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var scripts embed.FS

type script struct {
	version int
	name    string
	body    string
}

// scriptsAfter returns the embedded scripts numbered above version, lowest
// first. Script names start with their version: 0001_journal.sql.
func scriptsAfter(version int) ([]script, error) {
	names, err := fs.Glob(scripts, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	var out []script
	for _, name := range names {
		base := path.Base(name)
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", base)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", base, err)
		}
		if v <= version {
			continue
		}
		body, err := scripts.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, script{version: v, name: base, body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate runs pending scripts in one transaction and returns the schema
// version, which SQLite keeps in the user_version header field.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	pending, err := scriptsAfter(current)
	if err != nil {
		return 0, err
	}
	for _, s := range pending {
		if _, err := tx.ExecContext(ctx, s.body); err != nil {
			return 0, fmt.Errorf("migration %s: %w", s.name, err)
		}
		// PRAGMA takes no bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, s.version)); err != nil {
			return 0, fmt.Errorf("set user_version: %w", err)
		}
		current = s.version
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return current, nil
}
