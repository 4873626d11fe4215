// Package migrate applies embedded SQL migrations with a bookkeeping table.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const bookkeepingTable = "schema_migrations"

// Manager applies .up.sql files from an fs.FS (usually the embedded
// migrations directory) in lexical order, once each.
type Manager struct {
	db  *sql.DB
	src fs.FS
}

func NewManager(db *sql.DB, src fs.FS) *Manager {
	return &Manager{db: db, src: src}
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	names, err := m.collect(".up.sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := m.apply(ctx, name); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	history, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.src, downName); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := m.execFile(ctx, tx, downName); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := tx.ExecContext(ctx,
		`delete from `+bookkeepingTable+` where name = $1`, last); err != nil {
		return err
	}
	return tx.Commit()
}

// Status returns applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`select name from `+bookkeepingTable+` order by applied_at asc, name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		create table if not exists `+bookkeepingTable+` (
			name text primary key,
			applied_at timestamptz not null default now()
		)`)
	return err
}

func (m *Manager) applied(ctx context.Context) (map[string]bool, error) {
	names, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func (m *Manager) collect(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.src, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) apply(ctx context.Context, name string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := m.execFile(ctx, tx, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into `+bookkeepingTable+` (name, applied_at) values ($1, $2)`,
		name, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) execFile(ctx context.Context, tx *sql.Tx, name string) error {
	raw, err := fs.ReadFile(m.src, name)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits on semicolons outside single-quoted strings.
func splitStatements(sqlText string) []string {
	var stmts []string
	var cur strings.Builder
	inString := false
	for _, r := range sqlText {
		switch r {
		case '\'':
			inString = !inString
			cur.WriteRune(r)
		case ';':
			cur.WriteRune(r)
			if !inString {
				stmts = append(stmts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}
