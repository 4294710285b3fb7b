// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-webhookd relays HTTP webhook POSTs into end-to-end
// encrypted Matrix rooms. Inbound requests are authenticated and
// routed by a shared-secret token, formatted as raw/JSON/YAML message
// bodies, and sent through a persistent encrypted client session.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"

	"github.com/immanuelfodor/matrix-encrypted-webhooks/pkg/gateway"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	serviceName = "matrix-webhookd"
	version     = "0.1.0"
)

func main() {
	// Optional .env for local runs; real environment variables win.
	_ = godotenv.Load()

	cfg, err := gateway.LoadConfig()
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("Invalid configuration")
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(cfg.LogLevel)
	exzerolog.SetupDefaults(&log)
	log.Info().
		Str("version", version).
		Str("tag", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting matrix-webhookd")

	router, err := gateway.NewRouter(cfg.Routes)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid route table")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := gateway.NewSession(cfg, log)
	greeting := gateway.Greeting(serviceName, version, cfg.DeviceName)
	if err := session.Start(ctx, router.Rooms(), greeting); err != nil {
		log.Fatal().Err(err).Msg("Matrix session startup failed")
	}
	defer session.Close()

	server := gateway.NewServer(cfg, router, session, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("Webhook listener failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Webhook listener shutdown failed")
		}
	}
}
