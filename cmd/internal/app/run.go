package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Run is the CLI entrypoint used by cmd/bloks.
// It returns an error instead of calling os.Exit so defers still run.
func Run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return err
	}

	return a.Run(ctx)
}

// Run serves HTTP and runs the janitor until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.redis != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		t := time.NewTicker(nonZeroDuration(a.cfg.JanitorInterval, time.Minute))
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				a.sweep(gctx)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a.mgr.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}
