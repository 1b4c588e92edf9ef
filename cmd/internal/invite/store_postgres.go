package invite

import (
	"context"
	"errors"
	"strings"
	"time"

	"bloks/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists invite and verification tokens in PostgreSQL.
// Rows cascade with their document. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "bloks").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		v, err := pgutil.NormalizeSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("invite: nil pool")
	}
	return st, nil
}

func scanInvite(row pgx.Row) (InviteToken, error) {
	var inv InviteToken
	err := row.Scan(&inv.DocumentID, &inv.Token, &inv.IssuedAt)
	return inv, err
}

func (s *PostgresStore) GetInvite(ctx context.Context, documentID string) (InviteToken, error) {
	invites := pgutil.Ident(s.schema, "invite_tokens")
	inv, err := scanInvite(s.pool.QueryRow(ctx,
		`SELECT document_id, token, issued_at FROM `+invites+` WHERE document_id = $1`,
		documentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return InviteToken{}, errNotFound("invite.get", "invite")
	}
	return inv, err
}

func (s *PostgresStore) PutInvite(ctx context.Context, inv InviteToken, replace bool) (InviteToken, error) {
	const op = "invite.put"
	if strings.TrimSpace(inv.DocumentID) == "" || strings.TrimSpace(inv.Token) == "" {
		return InviteToken{}, errInvalid(op, "document id and token required")
	}
	invites := pgutil.Ident(s.schema, "invite_tokens")

	conflict := `DO NOTHING`
	if replace {
		conflict = `DO UPDATE SET token = EXCLUDED.token, issued_at = EXCLUDED.issued_at`
	}
	out, err := scanInvite(s.pool.QueryRow(ctx,
		`INSERT INTO `+invites+` (document_id, token, issued_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (document_id) `+conflict+`
		 RETURNING document_id, token, issued_at`,
		inv.DocumentID, inv.Token, inv.IssuedAt,
	))
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Lost the insert race without replace: the existing token wins.
		return s.GetInvite(ctx, inv.DocumentID)
	case pgutil.IsForeignKeyViolation(err):
		return InviteToken{}, errNotFound(op, "document")
	case pgutil.IsUniqueViolation(err):
		return InviteToken{}, errInvalid(op, "token collision")
	}
	return InviteToken{}, err
}

func (s *PostgresStore) FindInvite(ctx context.Context, token string) (InviteToken, error) {
	invites := pgutil.Ident(s.schema, "invite_tokens")
	inv, err := scanInvite(s.pool.QueryRow(ctx,
		`SELECT document_id, token, issued_at FROM `+invites+` WHERE token = $1`,
		token,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return InviteToken{}, errNotFound("invite.find", "invite")
	}
	return inv, err
}

const verificationColumns = `token_hash, email, document_id, expires_at, created_at`

func scanVerification(row pgx.Row) (VerificationRecord, error) {
	var r VerificationRecord
	err := row.Scan(&r.TokenHash, &r.Email, &r.DocumentID, &r.ExpiresAt, &r.CreatedAt)
	return r, err
}

func (s *PostgresStore) SaveVerification(ctx context.Context, rec VerificationRecord) error {
	const op = "invite.verification.save"
	if len(rec.TokenHash) != 64 {
		return errInvalid(op, "token hash")
	}
	tbl := pgutil.Ident(s.schema, "verification_tokens")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tbl+` (`+verificationColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		rec.TokenHash, rec.Email, rec.DocumentID, rec.ExpiresAt, rec.CreatedAt,
	)
	switch {
	case pgutil.IsForeignKeyViolation(err):
		return errNotFound(op, "document")
	case pgutil.IsUniqueViolation(err):
		return errInvalid(op, "duplicate token")
	}
	return err
}

func (s *PostgresStore) PeekVerification(ctx context.Context, tokenHash string) (VerificationRecord, error) {
	tbl := pgutil.Ident(s.schema, "verification_tokens")
	rec, err := scanVerification(s.pool.QueryRow(ctx,
		`SELECT `+verificationColumns+` FROM `+tbl+` WHERE token_hash = $1`,
		tokenHash,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return VerificationRecord{}, errNotFound("invite.verification.peek", "verification")
	}
	return rec, err
}

// TakeVerification relies on DELETE ... RETURNING: of concurrent callers only
// the one whose delete removes the row sees it.
func (s *PostgresStore) TakeVerification(ctx context.Context, tokenHash string) (VerificationRecord, error) {
	tbl := pgutil.Ident(s.schema, "verification_tokens")
	rec, err := scanVerification(s.pool.QueryRow(ctx,
		`DELETE FROM `+tbl+` WHERE token_hash = $1 RETURNING `+verificationColumns,
		tokenHash,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return VerificationRecord{}, errNotFound("invite.verification.take", "verification")
	}
	return rec, err
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	tbl := pgutil.Ident(s.schema, "verification_tokens")
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+tbl+` WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
