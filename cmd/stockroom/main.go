package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/smontoya/stockroom/internal/api"
	"github.com/smontoya/stockroom/internal/cart"
	"github.com/smontoya/stockroom/internal/catalog"
	"github.com/smontoya/stockroom/internal/checkout"
	"github.com/smontoya/stockroom/internal/config"
	"github.com/smontoya/stockroom/internal/events"
	"github.com/smontoya/stockroom/internal/ledger"
	"github.com/smontoya/stockroom/internal/reservation"
	"github.com/smontoya/stockroom/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	_ = godotenv.Load()
	cfg := config.Load()
	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("db", cfg.DBPath).
		Str("rabbit", cfg.RabbitURL).
		Msg("starting " + cfg.ServiceName)

	db, err := store.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	var pub events.Publisher = events.Nop{}
	if cfg.RabbitURL != "" {
		rabbit, err := events.NewRabbit(cfg.RabbitURL)
		must(err)
		defer rabbit.Close()
		pub = rabbit
		log.Info().Msg("rabbit connected")
	}

	// The catalog collaborator would normally sit behind the network; a
	// static provider fed by restock tooling stands in for it here.
	cat, err := catalog.NewCached(catalog.NewStatic(), cfg.CatalogCacheSize)
	must(err)

	led := ledger.New(db, log.Logger, cfg.LowStockThreshold)
	locks := reservation.New(db, log.Logger, pub)
	carts := cart.New(db, log.Logger, locks, led, cat, cfg.CartHoldTTL)
	orders := checkout.New(db, log.Logger, carts, locks, cat, pub, cfg.CheckoutHoldTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := reservation.NewSweeper(locks, cfg.SweepInterval, log.Logger)
	go sweeper.Run(ctx)
	log.Info().Dur("interval", cfg.SweepInterval).Msg("sweeper started")

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(log.Logger, carts, orders, led).Handler(),
	}

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Warn().Msg("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), config.ShutdownGrace)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msg("http listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		must(err)
	}
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
