package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/astromechza/push-toggles/pkg/api"
	"github.com/astromechza/push-toggles/pkg/config"
	"github.com/astromechza/push-toggles/pkg/feed"
	"github.com/astromechza/push-toggles/pkg/pushtransport"
	"github.com/astromechza/push-toggles/pkg/subscriptions"
	"github.com/astromechza/push-toggles/pkg/toggles"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	config.Flags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	transport, err := pushtransport.New(pushtransport.Options{
		PublicKey:  cfg.Push.PublicKey,
		PrivateKey: cfg.Push.PrivateKey,
		Contact:    cfg.Push.Contact,
		TTL:        cfg.Push.TTL,
		Urgency:    cfg.Push.Urgency,
		HTTPClient: &http.Client{Timeout: cfg.Push.Timeout},
	})
	if err != nil {
		return err
	}
	registry := subscriptions.NewRegistry(transport, subscriptions.WithConcurrency(cfg.Push.Concurrency))

	var store *toggles.Store
	hub := feed.NewHub(func() map[string]bool { return store.State() })
	defer hub.Close()
	store, err = toggles.New(cfg.Toggles, registry, hub)
	if err != nil {
		return fmt.Errorf("invalid toggles: %w", err)
	}

	handler := api.NewHandler(api.Options{
		Store:       store,
		Registry:    registry,
		PublicKey:   cfg.Push.PublicKey,
		Feed:        hub,
		CORSOrigins: cfg.CORS.Origins,
	})

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	wg := new(sync.WaitGroup)
	listenErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.HTTP.Addr, "toggles", store.Names())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case err := <-listenErr:
		return fmt.Errorf("server listen failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	wg.Wait()
	slog.Info("stopped", "subscribers", registry.Len())
	return nil
}

func setupLogging(cfg config.Log) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
