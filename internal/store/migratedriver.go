package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4/database"
)

// sqliteDriver adapts the results database to golang-migrate. The
// stock migrate sqlite3 driver registers mattn's database/sql driver
// under the same name the ncruces driver claims, so migrations run
// through this adapter instead.
type sqliteDriver struct {
	db     *sql.DB
	locked atomic.Bool
}

func newMigrateDriver(db *sql.DB) (*sqliteDriver, error) {
	d := &sqliteDriver{db: db}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT NOT NULL PRIMARY KEY,
		dirty   BOOLEAN NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}
	return d, nil
}

func (d *sqliteDriver) Open(string) (database.Driver, error) {
	return nil, errors.New("open by URL is not supported; use NewDB")
}

// Close releases nothing: the *sql.DB is owned by the caller.
func (d *sqliteDriver) Close() error { return nil }

func (d *sqliteDriver) Lock() error {
	if !d.locked.CompareAndSwap(false, true) {
		return database.ErrLocked
	}
	return nil
}

func (d *sqliteDriver) Unlock() error {
	if !d.locked.CompareAndSwap(true, false) {
		return database.ErrNotLocked
	}
	return nil
}

func (d *sqliteDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := d.db.Exec(string(stmts)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		_ = tx.Rollback()
		return err
	}
	if version >= 0 || (version == database.NilVersion && dirty) {
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`,
			version, dirty,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) Version() (int, bool, error) {
	var (
		version int
		dirty   bool
	)
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).
		Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return database.NilVersion, false, nil
	case err != nil:
		return 0, false, err
	}
	return version, dirty, nil
}

func (d *sqliteDriver) Drop() error {
	rows, err := d.db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()
	for _, name := range tables {
		if _, err := d.db.Exec(`DROP TABLE ` + name); err != nil {
			return fmt.Errorf("dropping %s: %w", name, err)
		}
	}
	return nil
}
