package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"cardvault.org/internal/card"
	"cardvault.org/internal/config"
	"cardvault.org/internal/httpapi"
	"cardvault.org/internal/ledger"
	"cardvault.org/internal/obs"
	"cardvault.org/internal/store/pg"
	"cardvault.org/internal/user"
)

var version = "0.3.0"

func main() {
	obs.Init()
	log := obs.Logger()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	obs.SetLevel(cfg.LogLevel)

	cipher, err := card.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("init card cipher: %v", err)
	}

	var (
		svc ledger.Service
		db  *sql.DB
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN, cipher)
		if err != nil {
			log.Fatalf("open postgres store: %v", err)
		}
		defer store.Close()
		svc = store
		db = store.DB()
	} else {
		// Dev mode: volatile ledger, any owner id accepted.
		log.Warn("PG_DSN not set, running with the in-memory ledger")
		svc = ledger.NewInMemory(cipher, user.AllowAll())
	}

	// Periodic expiry sweep; fire-and-forget, independent of request traffic.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := svc.SweepExpiredCards(ctx)
		if err != nil {
			log.WithError(err).Error("expiry sweep failed")
			return
		}
		if n > 0 {
			obs.CardsExpired.Add(float64(n))
		}
		log.WithField("expired", n).Info("expiry sweep completed")
	}); err != nil {
		log.Fatalf("schedule expiry sweep: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, version, cfg.RateLimitRPS)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Infof("starting cardvault-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("stopped")
}
