// Package pgutil holds small helpers shared by the pgx-backed stores.
package pgutil

import (
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultSchema is used by every store unless overridden.
const DefaultSchema = "bloks"

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidSchema is returned for schema names that are not plain identifiers.
var ErrInvalidSchema = errors.New("pgutil: invalid schema identifier")

// ValidIdent reports whether s is a plain, unquoted SQL identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// NormalizeSchema trims and validates a schema name.
func NormalizeSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" || !ValidIdent(schema) {
		return "", ErrInvalidSchema
	}
	return schema, nil
}

// Ident returns a safely quoted schema.table reference.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// IsUniqueViolation reports a unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolation reports a foreign_key_violation (23503).
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
