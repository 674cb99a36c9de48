package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/paynsnap/internal/api"
	"github.com/punchamoorthee/paynsnap/internal/config"
	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/hive"
	"github.com/punchamoorthee/paynsnap/internal/log"
	"github.com/punchamoorthee/paynsnap/internal/qr"
	"github.com/punchamoorthee/paynsnap/internal/service"
	"github.com/punchamoorthee/paynsnap/internal/store"
	"github.com/punchamoorthee/paynsnap/internal/wallet"
	"github.com/punchamoorthee/paynsnap/internal/workflow"
)

func main() {
	envDir := flag.String("env", ".", "directory searched for an optional .env file")
	flag.Parse()

	logger := log.WithComponent("main")
	cfg, err := config.Load(*envDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	log.Configure(log.Config{Level: cfg.LogLevel})
	logger = log.WithComponent("main")

	app, err := config.LoadApp(cfg.AppConfigPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.AppConfigPath).Msg("Error loading config: Using defaults.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := store.Open(ctx, store.Options{
		Backend:   cfg.StoreBackend,
		Path:      cfg.StorePath,
		RedisAddr: cfg.RedisAddr,
		DBSource:  cfg.DBSource,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open settings store")
	}
	defer kv.Close()

	settings := store.NewSettings(kv)
	settings.Defaults = domain.Preferences{DefaultMessageIndex: app.DefaultMessageIndex}

	rpc := hive.New(app.Nodes,
		hive.WithRateLimit(cfg.RPCRateLimit),
		hive.WithLogger(log.WithComponent("hive")),
	)
	signer := wallet.NewBridge(cfg.WalletBridgeURL)
	transfers := service.NewTransferService(signer)
	target := service.NewTargetResolver(rpc, app.TargetAccount)

	flow := workflow.New(workflow.Deps{
		Auth:     transfers,
		Transfer: transfers,
		Confirm: service.NewConfirmService(rpc, service.ConfirmConfig{
			MaxAttempts:  cfg.ConfirmMaxAttempts,
			Interval:     cfg.ConfirmInterval,
			HistoryLimit: cfg.HistoryLimit,
		}),
		Target: target,
		Poster: service.NewSnapService(signer, service.SnapConfig{
			CommunityTag:  app.CommunityTag,
			Beneficiaries: app.Beneficiaries,
		}),
		Settings: settings,
		Decoder:  qr.NewZXing(),
	}, workflow.Options{
		Messages:            app.Messages,
		DefaultMessageIndex: app.DefaultMessageIndex,
		ResetDelay:          cfg.ResetDelay,
	})
	defer flow.Close()

	if sess, err := flow.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("restore session")
	} else if sess.Username != "" {
		logger.Info().Str("user", sess.Username).Msg("resumed session")
	}
	go target.Prime(ctx)

	handler := api.NewHandler(flow, qr.NewFeed(4), signer)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Str("store", cfg.StoreBackend).
		Str("target", app.TargetAccount).
		Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}
