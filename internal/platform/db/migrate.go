package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrChecksumMismatch is returned when an applied migration file was edited
// after it ran.
var ErrChecksumMismatch = errors.New("applied migration has changed on disk")

// Migration is one NNN_name.sql file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
	// Drifted marks an applied migration whose file no longer matches the
	// checksum recorded when it ran.
	Drifted bool
}

type appliedMigration struct {
	at       time.Time
	checksum string
}

// Migrator applies schema files to the primary. Progress is kept in
// schema_migrations and a session advisory lock keeps two processes from
// migrating at once.
type Migrator struct {
	pool   *pgxpool.Pool
	source fs.FS
}

func NewMigrator(pool *pgxpool.Pool, dir string) *Migrator {
	return NewMigratorFS(pool, os.DirFS(dir))
}

func NewMigratorFS(pool *pgxpool.Pool, source fs.FS) *Migrator {
	return &Migrator{pool: pool, source: source}
}

const migrationLockKey = 7_301_552

var migrationFile = regexp.MustCompile(`^(\d+)_[\w.-]+\.sql$`)

// Load returns the migration files ordered by version. Names without a
// numeric prefix are ignored; a repeated version is an error.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]string)
	var out []Migration
	for _, e := range entries {
		match := migrationFile.FindStringSubmatch(e.Name())
		if e.IsDir() || match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if prev, ok := byVersion[version]; ok {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, prev, e.Name())
		}
		byVersion[version] = e.Name()

		body, err := fs.ReadFile(m.source, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(body)
		out = append(out, Migration{
			Version:  version,
			Name:     e.Name(),
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readApplied(ctx context.Context, q querier) (map[int]appliedMigration, error) {
	rows, err := q.Query(ctx, `SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			v int
			a appliedMigration
		)
		if err := rows.Scan(&v, &a.checksum, &a.at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		done[v] = a
	}
	return done, rows.Err()
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	return m.UpTo(ctx, 0)
}

// UpTo applies pending migrations with a version at or below target, or all
// of them when target is 0. Each file runs in its own transaction. It refuses
// to run if an already applied file has been edited.
func (m *Migrator) UpTo(ctx context.Context, target int) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	files, err := m.Load()
	if err != nil {
		return 0, err
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return 0, fmt.Errorf("take migration lock: %w", err)
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey) //nolint:errcheck

	done, err := readApplied(ctx, conn)
	if err != nil {
		return 0, err
	}
	todo, err := plan(files, done, target)
	if err != nil {
		return 0, err
	}

	for i, mig := range todo {
		if err := apply(ctx, conn, mig); err != nil {
			return i, fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return len(todo), nil
}

// plan picks the files still to run, in order.
func plan(files []Migration, done map[int]appliedMigration, target int) ([]Migration, error) {
	var todo []Migration
	for _, f := range files {
		if target > 0 && f.Version > target {
			break
		}
		prev, ok := done[f.Version]
		if !ok {
			todo = append(todo, f)
			continue
		}
		if prev.checksum != f.Checksum {
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, f.Name)
		}
	}
	return todo, nil
}

func apply(ctx context.Context, conn *pgxpool.Conn, mig Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit(ctx)
}

// Status lists every known file with whether and when it ran.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	files, err := m.Load()
	if err != nil {
		return nil, err
	}
	done, err := readApplied(ctx, m.pool)
	if err != nil {
		return nil, err
	}
	return statusOf(files, done), nil
}

func statusOf(files []Migration, done map[int]appliedMigration) []MigrationStatus {
	out := make([]MigrationStatus, len(files))
	for i, f := range files {
		out[i] = MigrationStatus{Version: f.Version, Name: f.Name}
		if a, ok := done[f.Version]; ok {
			at := a.at
			out[i].Applied = true
			out[i].AppliedAt = &at
			out[i].Drifted = a.checksum != f.Checksum
		}
	}
	return out
}
