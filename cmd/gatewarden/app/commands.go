// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the gatewarden command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gatewarden/gatewarden/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "gatewarden",
	DisableAutoGenTag: true,
	Short:             "Authentication and authorization gateway for proxied services",
	Long: `Gatewarden is an authentication and authorization gateway designed to sit
behind a reverse proxy that supports sub-request authentication. It turns
upstream identities into internally issued tokens and decides, on every
proxied request, whether the caller holds the scopes the resource requires.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the gatewarden CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateKeyCmd)

	return rootCmd
}
