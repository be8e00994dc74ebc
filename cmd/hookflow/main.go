package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"hookflow/internal/api"
	"hookflow/internal/config"
	"hookflow/internal/dispatch"
	"hookflow/internal/scheduler"
	"hookflow/internal/store"
	"hookflow/internal/wake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if !strings.EqualFold(cfg.Env, "production") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	log.Info().Str("env", cfg.Env).Msg("starting hookflow")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	st := store.NewSQLite(db)
	if n, err := st.RecoverStale(context.Background(), time.Now(), cfg.ClaimGrace); err != nil {
		log.Fatal().Err(err).Msg("recover stale claims")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("released stale claims from previous run")
	}

	sig := wake.New()

	disp := dispatch.New(st, dispatch.Config{
		Workers:        cfg.DispatchWorkers,
		QueueSize:      cfg.DispatchQueue,
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
		BackoffBase:    cfg.BackoffBase,
		RPS:            cfg.DispatchRPS,
	})
	disp.Start()

	loop := scheduler.New(st, disp, sig, cfg.PollCeiling)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(st, sig, loop)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown: close the API first so no new tasks arrive, then
	// stop claiming, then drain in-flight dispatches within the grace
	// period.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	stopLoop()
	<-loopDone
	disp.Close(cfg.ShutdownGrace)
	log.Info().Msg("shutdown complete")
}
