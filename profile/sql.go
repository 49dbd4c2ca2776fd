package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	_ "modernc.org/sqlite"             // SQLite driver ("sqlite")

	portalauth "github.com/MrEthical07/portalauth"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const defaultTable = "portal_users"

// DetectDialect maps a DSN to its dialect. postgres:// and postgresql:// URLs are
// Postgres; anything else is treated as a SQLite path or URI.
func DetectDialect(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// SQLStore is a [portalauth.ProfileStore] over a portal_users table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	dsn     string
}

// Open connects to dsn, verifies connectivity and returns a store owning the
// connection.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	dialect := DetectDialect(dsn)

	driver := "pgx"
	if dialect == DialectSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// In-memory databases are per connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}
	s := NewSQLStore(db, dialect)
	s.dsn = dsn
	return s, nil
}

// NewSQLStore wraps an existing connection. The caller keeps ownership of db.
// Postgres stores built this way cannot run [SQLStore.EnsureSchema].
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, table: defaultTable}
}

// Close closes the underlying connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) GetProfile(ctx context.Context, userID string) (portalauth.Profile, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, email, display_name, role, allowed_pages FROM `+s.table+` WHERE id = ?`),
		userID,
	)

	var (
		p     portalauth.Profile
		pages string
	)
	err := row.Scan(&p.UserID, &p.Email, &p.DisplayName, &p.Role, &pages)
	if errors.Is(err, sql.ErrNoRows) {
		return portalauth.Profile{}, portalauth.ErrProfileNotFound
	}
	if err != nil {
		return portalauth.Profile{}, fmt.Errorf("query profile: %w", err)
	}

	if pages != "" {
		if err := json.Unmarshal([]byte(pages), &p.AllowedPagePrefixes); err != nil {
			return portalauth.Profile{}, fmt.Errorf("decode allowed pages: %w", err)
		}
	}
	return p, nil
}

func (s *SQLStore) UpdateRole(ctx context.Context, userID, role string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE `+s.table+` SET role = ? WHERE id = ?`),
		role, userID,
	)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n == 0 {
		return portalauth.ErrProfileNotFound
	}
	return nil
}

// Upsert inserts p or replaces the stored profile with the same user id.
func (s *SQLStore) Upsert(ctx context.Context, p portalauth.Profile) error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("profile user id required")
	}
	pages := p.AllowedPagePrefixes
	if pages == nil {
		pages = []string{}
	}
	raw, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("encode allowed pages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO `+s.table+` (id, email, display_name, role, allowed_pages)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	email = excluded.email,
	display_name = excluded.display_name,
	role = excluded.role,
	allowed_pages = excluded.allowed_pages`),
		p.UserID, p.Email, p.DisplayName, p.Role, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// List returns every profile ordered by email.
func (s *SQLStore) List(ctx context.Context) ([]portalauth.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, display_name, role, allowed_pages FROM `+s.table+` ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []portalauth.Profile
	for rows.Next() {
		var (
			p     portalauth.Profile
			pages string
		)
		if err := rows.Scan(&p.UserID, &p.Email, &p.DisplayName, &p.Role, &pages); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if err := json.Unmarshal([]byte(pages), &p.AllowedPagePrefixes); err != nil {
			return nil, fmt.Errorf("decode allowed pages for %s: %w", p.UserID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
