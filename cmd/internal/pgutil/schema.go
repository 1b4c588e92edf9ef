package pgutil

import (
	_ "embed"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var schemaSQL string

// SchemaSQL returns the DDL for every bloks table inside schema.
// Migrations run out of band; tests and local bootstrap apply this directly.
func SchemaSQL(schema string) string {
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize())
}
