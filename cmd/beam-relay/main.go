package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p2pbeam/beam/internal/config"
	"github.com/p2pbeam/beam/pkg/relay"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var debug bool
	cmd := &cobra.Command{
		Use:   "beam-relay",
		Short: "Signaling relay for beam file transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				log.SetLevel(logrus.DebugLevel)
			}
			return run(log)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := cmd.Execute(); err != nil {
		log.WithError(err).Fatal("relay exited")
	}
}

func run(log *logrus.Logger) error {
	cfg := config.Load(log)

	registry := relay.NewRegistry(log)
	limiter := relay.NewLimiter()
	metrics := relay.NewMetrics()
	hub := relay.NewHub(registry, limiter, metrics, len(cfg.TurnServers), log)
	server := relay.NewServer(cfg, hub, registry, limiter, metrics, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	sweepStop := make(chan struct{})

	g.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("relay listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		relay.RunSweeps(sweepStop, registry, limiter, metrics, log)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		close(sweepStop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("relay stopped")
	return nil
}
