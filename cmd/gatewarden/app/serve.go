// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/pkg/authz"
	"github.com/gatewarden/gatewarden/pkg/config"
	"github.com/gatewarden/gatewarden/pkg/jwks"
	"github.com/gatewarden/gatewarden/pkg/keys"
	"github.com/gatewarden/gatewarden/pkg/logger"
	"github.com/gatewarden/gatewarden/pkg/server"
	"github.com/gatewarden/gatewarden/pkg/service"
	"github.com/gatewarden/gatewarden/pkg/state"
	"github.com/gatewarden/gatewarden/pkg/storage"
	"github.com/gatewarden/gatewarden/pkg/storage/sqlite"
	"github.com/gatewarden/gatewarden/pkg/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Initialize()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var provider keys.Provider
	if cfg.SigningKeyFile != "" {
		provider, err = keys.NewFileProvider(cfg.SigningKeyFile)
		if err != nil {
			return err
		}
	} else {
		provider = keys.NewGeneratingProvider()
	}
	signingKey, err := provider.SigningKey()
	if err != nil {
		return err
	}
	codec := &token.Codec{
		Issuer:        cfg.Issuer,
		UsernameClaim: cfg.UsernameClaim,
		UIDClaim:      cfg.UIDClaim,
		SigningKey:    signingKey.Key,
		KeyID:         signingKey.KeyID,
	}

	store, err := storage.NewTokenStore(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	admins, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer admins.Close()
	if err := admins.Bootstrap(ctx, cfg.InitialAdmins); err != nil {
		return err
	}

	evaluator, err := authz.New(cfg.AccessChecks, cfg.GroupMapping)
	if err != nil {
		return err
	}

	secret, err := cfg.SessionSecretBytes()
	if err != nil {
		return err
	}
	sessions, err := state.NewManager(secret, cfg.CookieName)
	if err != nil {
		return err
	}
	sealer, err := state.NewSealer(secret)
	if err != nil {
		return err
	}

	tokens := service.New(cfg, codec, store, admins, jwks.New(nil), sealer)
	srv := server.New(cfg, tokens, evaluator, sessions, admins)
	return srv.ListenAndServe(ctx)
}
