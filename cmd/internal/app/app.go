// Package app wires the bloks server runtime: config, logging, persistence,
// the realtime session layer and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bloks/cmd/identity"
	"bloks/cmd/internal/access"
	"bloks/cmd/internal/api"
	"bloks/cmd/internal/collab"
	"bloks/cmd/internal/document"
	"bloks/cmd/internal/invite"
	"bloks/cmd/internal/mailer"
	"bloks/cmd/internal/metrics"
	"bloks/cmd/internal/realtime"
	"bloks/cmd/internal/repocall"
	"bloks/cmd/security/auth"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the bloks server runtime.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics

	dbPool    *pgxpool.Pool
	dbEnabled bool
	redis     *invite.RedisVerificationStore

	tokens    *invite.Service
	directory *identity.CachedDirectory
	mgr       *realtime.Manager
	api       *api.Handler

	handler http.Handler
}

type stores struct {
	docs          document.Repository
	invites       invite.InviteStore
	verifications invite.VerificationStore
	directory     identity.Directory
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifier(authCfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	call := repocall.Policy{Timeout: cfg.RepoTimeout}

	tokens, err := invite.NewService(st.invites, st.verifications,
		invite.WithVerificationTTL(cfg.VerificationTTL),
		invite.WithExpiredRetention(cfg.VerificationRetention),
		invite.WithLogger(log),
		invite.WithMetrics(a.metrics),
		invite.WithCallPolicy(call),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.tokens = tokens

	gate := access.NewGate(st.docs,
		access.WithLogger(log),
		access.WithMetrics(a.metrics),
		access.WithCallPolicy(call),
	)

	a.directory = identity.NewCachedDirectory(st.directory, cfg.DirectoryCacheTTL)

	reg := realtime.NewRegistry(
		realtime.WithRegistryLogger(log),
		realtime.WithRegistryMetrics(a.metrics),
	)
	bc := realtime.NewBroadcaster(reg,
		realtime.WithBroadcasterLogger(log),
		realtime.WithBroadcasterMetrics(a.metrics),
	)
	presence := realtime.NewPresence(reg, a.directory, bc, log)
	a.mgr = realtime.NewManager(gate, reg, bc, presence,
		realtime.WithManagerLogger(log),
		realtime.WithManagerMetrics(a.metrics),
		realtime.WithSendQueueSize(realtime.SendQueueSizeFromEnv()),
	)

	svc, err := collab.NewService(st.docs, gate, tokens, a.mgr,
		collab.WithLogger(log),
		collab.WithMetrics(a.metrics),
		collab.WithCallPolicy(call),
		collab.WithDirectory(a.directory),
		collab.WithMailer(mailer.New(cfg.SMTP, log)),
		collab.WithAppBaseURL(cfg.AppBaseURL),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	apiCfg := api.LoadConfigFromEnv()
	a.api = api.NewHandler(log, apiCfg, svc, verifier)
	router := api.NewRouter(apiCfg, a.api)

	ws := realtime.NewWSGateway(log, a.mgr, api.WSAuthenticator(verifier))
	a.registerHTTP(router, ws)

	a.handler = WithSecurityHeaders(WithRequestLogging(router, log, a.metrics))
	return a, nil
}

// Handler is the root HTTP handler (tests, embedding).
func (a *App) Handler() http.Handler { return a.handler }

// openStores picks Postgres when a database is configured and in-memory
// stores otherwise. Redis, when configured, takes over verification tokens.
func (a *App) openStores(ctx context.Context) (stores, error) {
	var st stores

	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		mem := invite.NewMemoryStore()
		st = stores{
			docs:          document.NewMemoryRepository(),
			invites:       mem,
			verifications: mem,
			directory:     identity.NewMemoryDirectory(),
		}
	} else {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return stores{}, fmt.Errorf("open database: %w", err)
		}
		a.dbPool, a.dbEnabled = pool, true

		docs, err := document.NewPostgresRepository(pool, document.WithSchema(a.cfg.DBSchema))
		if err != nil {
			a.close()
			return stores{}, err
		}
		inv, err := invite.NewPostgresStore(pool, invite.WithSchema(a.cfg.DBSchema))
		if err != nil {
			a.close()
			return stores{}, err
		}
		dir, err := identity.NewPostgresDirectory(pool, a.cfg.DBSchema)
		if err != nil {
			a.close()
			return stores{}, err
		}
		st = stores{docs: docs, invites: inv, verifications: inv, directory: dir}
		a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	}

	if a.cfg.RedisURL != "" {
		rs, err := invite.NewRedisVerificationStore(ctx, a.cfg.RedisURL, a.cfg.VerificationRetention)
		if err != nil {
			a.close()
			return stores{}, err
		}
		a.redis = rs
		st.verifications = rs
		a.log.Info("redis.enabled.verification_store")
	}

	return st, nil
}

func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// sweep runs one janitor pass.
func (a *App) sweep(ctx context.Context) {
	rooms := a.mgr.Registry().Sweep()
	purged, err := a.tokens.PurgeExpired(ctx)
	if err != nil {
		a.log.Warn("janitor.purge.fail", "err", err)
	}
	profiles := a.directory.Purge()
	throttled := a.api.SweepThrottle()

	if rooms+purged+profiles+throttled > 0 {
		a.log.Debug("janitor.sweep",
			"rooms", rooms,
			"verifications", purged,
			"profiles", profiles,
			"throttle_entries", throttled,
		)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
