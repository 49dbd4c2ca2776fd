package profile

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // "pgx5" URL scheme
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// EnsureSchema applies every pending migration. It is safe to call on an
// up-to-date database.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, closeFn, err := s.migrator()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", s.dialect, err)
	}
	return nil
}

// SchemaVersion reports the applied migration version and whether the last
// migration failed halfway.
func (s *SQLStore) SchemaVersion() (version uint, dirty bool, err error) {
	m, closeFn, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// migrator builds a migrate instance. Postgres gets its own connection from the
// DSN; SQLite reuses the store's handle, which must stay open afterwards.
func (s *SQLStore) migrator() (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("migration source: %w", err)
	}

	switch s.dialect {
	case DialectPostgres:
		if s.dsn == "" {
			_ = src.Close()
			return nil, nil, errors.New("postgres migrations need the store opened with Open")
		}
		m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(s.dsn))
		if err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return m, func() { _, _ = m.Close() }, nil
	default:
		drv, err := sqlite.WithInstance(s.db, &sqlite.Config{})
		if err != nil {
			_ = src.Close()
			return nil, nil, fmt.Errorf("migrate driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			_ = src.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return m, func() { _ = src.Close() }, nil
	}
}

func pgx5URL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}
