package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Masterminds/squirrel"
)

// schemaLockKey — ключ pg_advisory_lock, под которым экземпляры сервиса применяют миграции по очереди.
const schemaLockKey = int64(0x1d0c5e9)

const schemaVersionsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

//go:embed sql/migrations/*.sql
var schemaFS embed.FS

// 0002_invoices.up.sql -> версия 2, имя invoices, направление up.
var migrationFileRe = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

type direction bool

const (
	up   direction = true
	down direction = false
)

func (d direction) String() string {
	if d == up {
		return "up"
	}
	return "down"
}

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m migration) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

func (m migration) body(d direction) string {
	if d == up {
		return m.Up
	}
	return m.Down
}

// MigrationState — версия схемы, число применённых и список ещё не применённых миграций.
type MigrationState struct {
	Version int64
	Applied int
	Pending []string
}

// MigrateUp применяет n неприменённых миграций по возрастанию версии; n=0 — все.
func (s *Store) MigrateUp(ctx context.Context, n int) error {
	return s.withSchemaLock(ctx, func(conn *sql.Conn, all []migration, applied []int64) error {
		var todo []migration
		for _, m := range all {
			if !slices.Contains(applied, m.Version) {
				todo = append(todo, m)
			}
		}
		if n > 0 && len(todo) > n {
			todo = todo[:n]
		}
		return runMigrations(ctx, conn, todo, up)
	})
}

// MigrateDown откатывает n последних применённых миграций; n<=0 — одну.
func (s *Store) MigrateDown(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	return s.withSchemaLock(ctx, func(conn *sql.Conn, all []migration, applied []int64) error {
		todo := make([]migration, 0, n)
		for i := len(applied) - 1; i >= 0 && len(todo) < n; i-- {
			idx := slices.IndexFunc(all, func(m migration) bool { return m.Version == applied[i] })
			if idx < 0 {
				return fmt.Errorf("cannot rollback unknown migration version %d", applied[i])
			}
			todo = append(todo, all[idx])
		}
		return runMigrations(ctx, conn, todo, down)
	})
}

// MigrationStatus читает состояние схемы без блокировки.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, ErrNotInitialized
	}
	all, err := parseMigrations(schemaFS)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return MigrationState{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	applied, err := appliedVersions(queryCtx, conn)
	if err != nil {
		return MigrationState{}, err
	}
	return migrationState(all, applied), nil
}

func migrationState(all []migration, applied []int64) MigrationState {
	state := MigrationState{Applied: len(applied)}
	if len(applied) > 0 {
		state.Version = applied[len(applied)-1]
	}
	for _, m := range all {
		if !slices.Contains(applied, m.Version) {
			state.Pending = append(state.Pending, m.label())
		}
	}
	return state
}

// withSchemaLock выполняет fn на выделенном подключении под advisory lock.
func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn, all []migration, applied []int64) error) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	all, err := parseMigrations(schemaFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, all, applied)
}

func runMigrations(ctx context.Context, conn *sql.Conn, todo []migration, d direction) error {
	for _, m := range todo {
		if err := runMigration(ctx, conn, m, d); err != nil {
			return err
		}
	}
	return nil
}

// runMigration выполняет тело миграции и правит schema_migrations в одной транзакции.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, d direction) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", d, m.label(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, m.body(d)); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", d, m.label(), err)
	}

	var record squirrel.Sqlizer = builder().
		Delete("schema_migrations").
		Where(squirrel.Eq{"version": m.Version})
	if d == up {
		record = builder().
			Insert("schema_migrations").
			Columns("version", "name").
			Values(m.Version, m.Name)
	}
	query, args, err := record.ToSql()
	if err != nil {
		return fmt.Errorf("build %s record for %s: %w", d, m.label(), err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record %s migration %s: %w", d, m.label(), err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", d, m.label(), err)
	}
	return nil
}

// appliedVersions создаёт schema_migrations при необходимости и возвращает версии по возрастанию.
func appliedVersions(ctx context.Context, conn *sql.Conn) ([]int64, error) {
	if _, err := conn.ExecContext(ctx, schemaVersionsDDL); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

// parseMigrations собирает пары up/down из sql/migrations и сортирует их по версии.
func parseMigrations(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFileRe.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, parts[2])
		}

		target := &m.Down
		if parts[3] == "up" {
			target = &m.Up
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
