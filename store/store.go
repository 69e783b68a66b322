// Package store persists the AID route table in sqlite.
//
// The schema is managed with golang-migrate from migrations embedded in the
// binary. AIDs are stored upper-case and compared case-insensitively.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Row is one persisted AID registration.
type Row struct {
	ID       int64
	Package  string
	SEType   nfc.SEType
	Category nfc.Category
	AID      string
	Unlock   bool
	Power    uint32
	Manifest bool
}

// Store is the sqlite-backed route table mirror. It is only used from the
// daemon worker goroutine; the connection pool is capped at one connection.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, nfc.NewNullParameterError("store.Open", "path")
	}
	if err := runMigrations(path); err != nil {
		return nil, fmt.Errorf("migrate route store: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open route store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping route store: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// runMigrations applies all up migrations using a dedicated connection,
// which migrate closes when done.
func runMigrations(path string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+path)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// withTx runs fn in a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const insertRow = `
	INSERT INTO route_table (package, se_type, category, aid, unlock, power, manifest)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

// Insert persists one row and returns its id.
func (s *Store) Insert(ctx context.Context, row Row) (int64, error) {
	res, err := s.db.ExecContext(ctx, insertRow,
		row.Package, int(row.SEType), int(row.Category), strings.ToUpper(row.AID),
		boolToInt(row.Unlock), row.Power, boolToInt(row.Manifest))
	if err != nil {
		return 0, fmt.Errorf("insert %s/%s: %w", row.Package, row.AID, err)
	}
	return res.LastInsertId()
}

// InsertAll persists rows atomically: either every row is written or none.
func (s *Store) InsertAll(ctx context.Context, rows []Row) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertRow)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx,
				row.Package, int(row.SEType), int(row.Category), strings.ToUpper(row.AID),
				boolToInt(row.Unlock), row.Power, boolToInt(row.Manifest)); err != nil {
				return fmt.Errorf("insert %s/%s: %w", row.Package, row.AID, err)
			}
		}
		return nil
	})
}

// Delete removes the row for (pkg, aid) and reports how many rows went away.
func (s *Store) Delete(ctx context.Context, pkg, aid string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM route_table WHERE package = ? AND aid = ?`, pkg, aid)
	if err != nil {
		return 0, fmt.Errorf("delete %s/%s: %w", pkg, aid, err)
	}
	return res.RowsAffected()
}

// DeletePackage removes every row owned by pkg.
func (s *Store) DeletePackage(ctx context.Context, pkg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM route_table WHERE package = ?`, pkg)
	if err != nil {
		return 0, fmt.Errorf("delete package %s: %w", pkg, err)
	}
	return res.RowsAffected()
}

// List returns every row in insertion order.
func (s *Store) List(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, package, se_type, category, aid, unlock, power, manifest
		FROM route_table
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list route table: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r                       Row
			seType, category        int
			unlock, power, manifest int64
		)
		if err := rows.Scan(&r.ID, &r.Package, &seType, &category, &r.AID, &unlock, &power, &manifest); err != nil {
			return nil, fmt.Errorf("scan route row: %w", err)
		}
		r.SEType = nfc.SEType(seType)
		r.Category = nfc.Category(category)
		r.Unlock = unlock != 0
		r.Power = uint32(power)
		r.Manifest = manifest != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
