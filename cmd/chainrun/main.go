package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"chainrun/internal/api"
	"chainrun/internal/dispatch"
	"chainrun/internal/queue"
	"chainrun/internal/scanner"
	"chainrun/internal/store"
	"chainrun/internal/worker"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "HTTP bind address")
		dbPath     = flag.String("db", "chainrun.db", "SQLite task store path")
		queuePath  = flag.String("queue", "chainrun-queue.db", "queue database path")
		scanEvery  = flag.Duration("scan-period", time.Minute, "due-task scan period")
		lookahead  = flag.Duration("lookahead", time.Minute, "due-task lookahead window")
		highPoll   = flag.Duration("high-poll", 5*time.Second, "high lane poll cadence")
		normalPoll = flag.Duration("normal-poll", 10*time.Second, "normal lane poll cadence")
		lowPoll    = flag.Duration("low-poll", 20*time.Second, "low lane poll cadence")
		visibility = flag.Duration("visibility", 30*time.Second, "message visibility timeout")
		callTO     = flag.Duration("call-timeout", 30*time.Second, "task HTTP call timeout")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLiteStore(db)

	q, err := queue.Open(*queuePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open queue")
	}
	defer q.Close()
	if n, err := q.RecoverExpired(time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered expired in-flight messages")
	}

	disp := dispatch.New(q)

	ctx, cancel := context.WithCancel(context.Background())

	sc := scanner.New(st, disp, *scanEvery, *lookahead)
	go sc.Start(ctx)

	wk := worker.New(st, q, disp, worker.Config{
		HighPoll:    *highPoll,
		NormalPoll:  *normalPoll,
		LowPoll:     *lowPoll,
		Visibility:  *visibility,
		CallTimeout: *callTO,
	})
	go wk.Run(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
