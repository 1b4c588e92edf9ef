package app

import (
	"net/http"
	"time"

	"bloks/cmd/internal/realtime"

	"github.com/go-chi/chi/v5"
)

func (a *App) registerHTTP(r chi.Router, ws *realtime.WSGateway) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.dbEnabled && a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if a.redis != nil {
			if err := a.redis.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.redis.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	r.Method(http.MethodGet, "/ws", ws)
}
