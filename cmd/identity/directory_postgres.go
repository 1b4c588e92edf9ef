package identity

import (
	"context"
	"errors"

	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads profiles from the users table mirrored from the identity provider.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresDirectory constructs a PostgresDirectory in schema (default "bloks" when empty).
func NewPostgresDirectory(pool *pgxpool.Pool, schema string) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	if schema == "" {
		schema = pgutil.DefaultSchema
	}
	s, err := pgutil.NormalizeSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresDirectory{pool: pool, schema: s}, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	users := pgutil.Ident(d.schema, "users")
	var p Profile
	err := d.pool.QueryRow(ctx,
		`SELECT id, name, email, image_url FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&p.UserID, &p.Name, &p.Email, &p.ImageURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, apperr.E("identity.lookup", apperr.ErrNotFound, "user")
	}
	if err != nil {
		return Profile{}, err
	}
	p.Email = NormalizeEmail(p.Email)
	return p, nil
}

// Upsert writes a profile; used by local bootstrap and tests.
func (d *PostgresDirectory) Upsert(ctx context.Context, p Profile) error {
	users := pgutil.Ident(d.schema, "users")
	_, err := d.pool.Exec(ctx,
		`INSERT INTO `+users+` (id, name, email, image_url) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, image_url = EXCLUDED.image_url`,
		p.UserID, p.Name, NormalizeEmail(p.Email), p.ImageURL,
	)
	return err
}
