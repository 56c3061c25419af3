// Command ledgerd runs the lottery ledger service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openraffle/lottery-ledger/internal/app"
	"github.com/openraffle/lottery-ledger/internal/config"
	"github.com/openraffle/lottery-ledger/pkg/logger"
)

func main() {
	log := logger.NewDefault("ledgerd")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("load configuration")
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.WithError(err).Error("assemble application")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start services")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           application.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown")
	}
	log.Info("stopped")
}
