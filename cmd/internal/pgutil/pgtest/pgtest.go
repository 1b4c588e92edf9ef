// Package pgtest opens throwaway Postgres schemas for store integration tests.
//
// Tests run only when BLOKS_DATABASE_URL is set. Outside CI an unreachable
// server skips instead of failing.
package pgtest

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"bloks/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// EnvDatabaseURL names the env var that enables integration tests.
const EnvDatabaseURL = "BLOKS_DATABASE_URL"

// Pool connects to the test database, closing it on cleanup.
func Pool(tb testing.TB) *pgxpool.Pool {
	tb.Helper()

	dsn := strings.TrimSpace(os.Getenv(EnvDatabaseURL))
	if dsn == "" {
		tb.Skip("integration test skipped: " + EnvDatabaseURL + " is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		tb.Fatalf("open pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if unreachable(err) && os.Getenv("CI") == "" {
			tb.Skipf("integration test skipped: postgres unreachable: %v", err)
		}
		tb.Fatalf("ping: %v", err)
	}
	tb.Cleanup(pool.Close)
	return pool
}

// Schema creates prefix_<ulid> holding every bloks table and drops it on cleanup.
func Schema(tb testing.TB, pool *pgxpool.Pool, prefix string) string {
	tb.Helper()

	schema := prefix + "_" + strings.ToLower(ID(tb))
	quoted := pgx.Identifier{schema}.Sanitize()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, "CREATE SCHEMA "+quoted); err != nil {
		tb.Fatalf("create schema: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+quoted+" CASCADE")
	})
	if _, err := pool.Exec(ctx, pgutil.SchemaSQL(schema)); err != nil {
		tb.Fatalf("apply schema: %v", err)
	}
	return schema
}

// ID returns a fresh ULID string.
func ID(tb testing.TB) string {
	tb.Helper()
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		tb.Fatalf("ulid: %v", err)
	}
	return id.String()
}

func unreachable(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "dial tcp", "no such host", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
